package relay

import "github.com/haivivi/webchat/pkg/chunker"

// completionState tracks one in-flight streaming completion.
type completionState struct {
	// text is the full accumulated completion.
	text []byte

	// done is set when the stream has ended.
	done bool

	// sent is the byte offset delivered to the transport.
	sent int

	// moderated is the high-water mark of moderation-cleared text. It
	// never decreases.
	moderated int

	// modPending is true while a moderation call is in flight. Moderation
	// submissions for one completion are serialized.
	modPending bool

	ck *chunker.Chunker
}

func newCompletionState(p chunker.Params) (*completionState, error) {
	ck, err := chunker.New(p)
	if err != nil {
		return nil, err
	}
	return &completionState{ck: ck}, nil
}

// appendDelta feeds one stream delta to the buffer and the chunker.
func (c *completionState) appendDelta(delta string) error {
	c.text = append(c.text, delta...)
	return c.ck.Append(delta)
}

// finish marks end of input so the trailing partial chunk becomes ready.
func (c *completionState) finish() {
	c.done = true
	c.ck.Finish()
}

// nextChunk pulls the next ready chunk, or nil when none is ready yet.
func (c *completionState) nextChunk() (*chunker.Chunk, error) {
	ch, err := c.ck.Next()
	if err != nil {
		if err == chunker.ErrDone {
			return nil, nil
		}
		return nil, err
	}
	return ch, nil
}

// clearChunk advances the moderated mark past a cleared chunk.
func (c *completionState) clearChunk(end int) {
	if end > c.moderated {
		c.moderated = end
	}
}

// fullyModerated reports whether every accumulated byte has been cleared.
func (c *completionState) fullyModerated() bool {
	return c.moderated >= len(c.text)
}
