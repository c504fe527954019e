// Package chunker splits a possibly still-growing text into bounded chunks at
// linguistic boundaries. A streaming consumer (such as a moderation pipeline)
// pulls chunks as input arrives; emitted chunks never split a grapheme
// cluster, and never split mid-word unless no boundary exists in the window.
//
// A boundary is the left edge of an alphabetic grapheme cluster preceded by a
// non-alphabetic one. Offset 0 always counts as a boundary. Offsets are byte
// offsets into the accumulated text.
//
// Chunking is idempotent with respect to arrival: feeding a text through many
// Append calls followed by Finish yields exactly the same chunks as
// constructing the chunker with the complete string.
package chunker

import (
	"errors"
	"fmt"
	"sort"
	"unicode"

	"github.com/rivo/uniseg"
)

// Sentinel errors.
var (
	// ErrDone is returned by Next once input is finished and every byte has
	// been covered by an emitted chunk.
	ErrDone = errors.New("chunker: done")

	// ErrFinished is returned by Append after Finish has been called.
	ErrFinished = errors.New("chunker: append after finish")
)

// Params bound chunk sizes and the overlap between consecutive chunks.
// All values are byte counts.
type Params struct {
	// MinOverlap and MaxOverlap bound how far a chunk may reach back before
	// the previously emitted end, so a consumer re-checks a little context
	// around each split point.
	MinOverlap int
	MaxOverlap int

	// MinChunkSize is the smallest chunk worth emitting while input is still
	// arriving; it is also the forced step on scripts without separators.
	MinChunkSize int

	// MaxChunkSize is the hard upper bound on a chunk's length.
	MaxChunkSize int
}

// Validate checks 0 ≤ MinOverlap ≤ MaxOverlap < MinChunkSize ≤ MaxChunkSize.
func (p Params) Validate() error {
	switch {
	case p.MinOverlap < 0:
		return fmt.Errorf("chunker: negative min overlap %d", p.MinOverlap)
	case p.MinOverlap > p.MaxOverlap:
		return fmt.Errorf("chunker: min overlap %d exceeds max overlap %d", p.MinOverlap, p.MaxOverlap)
	case p.MaxOverlap >= p.MinChunkSize:
		return fmt.Errorf("chunker: max overlap %d must be below min chunk size %d", p.MaxOverlap, p.MinChunkSize)
	case p.MinChunkSize > p.MaxChunkSize:
		return fmt.Errorf("chunker: min chunk size %d exceeds max chunk size %d", p.MinChunkSize, p.MaxChunkSize)
	}
	return nil
}

// Chunk is a half-open byte range [Start, End) into the accumulated text.
// End > Start and End never exceeds the text length.
type Chunk struct {
	Start int
	End   int
}

// Chunker incrementally segments text fed through Append.
type Chunker struct {
	params Params

	buf      []byte
	finished bool
	chunked  int // high-water mark of emitted chunk ends

	// Confirmed grapheme structure. While input is unfinished the trailing
	// grapheme is held back: a later Append could extend it.
	edges      []int // start offsets of confirmed grapheme clusters
	boundaries []int // word boundaries (alphabetic left edges), ascending
	scanned    int   // bytes covered by confirmed graphemes
	lastAlpha  bool  // whether the last confirmed grapheme is alphabetic
}

// New returns an empty Chunker awaiting Append and Finish.
func New(p Params) (*Chunker, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{params: p}, nil
}

// NewString returns a Chunker over a complete string; input is already
// finished.
func NewString(p Params, s string) (*Chunker, error) {
	c, err := New(p)
	if err != nil {
		return nil, err
	}
	c.buf = []byte(s)
	c.finished = true
	return c, nil
}

// Append adds more input. It fails once Finish has been called.
func (c *Chunker) Append(text string) error {
	if c.finished {
		return ErrFinished
	}
	c.buf = append(c.buf, text...)
	return nil
}

// Finish marks end-of-input. Further Appends fail; the final partial chunk
// becomes available from Next.
func (c *Chunker) Finish() {
	c.finished = true
}

// Next returns the next chunk.
//
// It returns (nil, ErrDone) once input is finished and every byte has been
// emitted, and (nil, nil) when there is not yet enough input to safely emit a
// chunk; the caller should retry after more data or Finish arrives.
func (c *Chunker) Next() (*Chunk, error) {
	c.scan()

	if c.finished && c.chunked >= len(c.buf) {
		return nil, ErrDone
	}

	p := c.params
	start := c.startOffset()

	var end int
	switch {
	case c.finished && len(c.buf)-start <= p.MaxChunkSize:
		// Final chunk: everything that remains.
		end = len(c.buf)
	default:
		if !c.finished && c.scanned <= start+p.MaxChunkSize {
			// The boundary window is not fully visible yet. Emitting now
			// could pick a different split than a one-shot run would.
			return nil, nil
		}
		if b, ok := c.lastBoundaryIn(c.chunked+1, start+p.MaxChunkSize); ok {
			end = b
		} else {
			// No boundary in the window (e.g. scripts without separators):
			// force progress at the nearest grapheme edge.
			end = c.edgeAtOrAfter(start + p.MinChunkSize)
		}
		if !c.finished && end-start < p.MinChunkSize {
			// Avoid fragmenting a word under slow arrival.
			return nil, nil
		}
	}

	c.chunked = end
	return &Chunk{Start: start, End: end}, nil
}

// startOffset picks the next chunk's start so the overlap with the previous
// chunk stays within [MinOverlap, MaxOverlap] when boundaries permit.
func (c *Chunker) startOffset() int {
	p := c.params
	target := max(c.chunked-p.MinOverlap, 0)
	floor := max(c.chunked-p.MaxOverlap, 0)

	start := c.boundaryAtOrBefore(target)
	if start < floor {
		if b, ok := c.firstBoundaryAtOrAfter(floor); ok && b <= c.chunked {
			return b
		}
		// No boundary inside the overlap window; the previous chunk end is
		// itself a safe grapheme edge.
		return c.chunked
	}
	return start
}

// boundaryAtOrBefore returns the largest boundary ≤ off, falling back to 0.
func (c *Chunker) boundaryAtOrBefore(off int) int {
	i := sort.SearchInts(c.boundaries, off+1)
	if i == 0 {
		return 0
	}
	return c.boundaries[i-1]
}

// firstBoundaryAtOrAfter returns the smallest boundary ≥ off.
func (c *Chunker) firstBoundaryAtOrAfter(off int) (int, bool) {
	i := sort.SearchInts(c.boundaries, off)
	if i == len(c.boundaries) {
		return 0, false
	}
	return c.boundaries[i], true
}

// lastBoundaryIn returns the largest boundary b with lo ≤ b ≤ hi.
func (c *Chunker) lastBoundaryIn(lo, hi int) (int, bool) {
	i := sort.SearchInts(c.boundaries, hi+1)
	if i == 0 {
		return 0, false
	}
	b := c.boundaries[i-1]
	if b < lo {
		return 0, false
	}
	return b, true
}

// edgeAtOrAfter returns the smallest confirmed grapheme edge ≥ off, so a
// forced split never lands inside a multi-byte cluster.
func (c *Chunker) edgeAtOrAfter(off int) int {
	i := sort.SearchInts(c.edges, off)
	if i < len(c.edges) {
		return c.edges[i]
	}
	return len(c.buf)
}

// scan extends the confirmed grapheme structure over newly appended bytes.
// While input is unfinished the trailing grapheme stays unconfirmed, since a
// later Append may merge into it (combining marks, joiners).
func (c *Chunker) scan() {
	if c.scanned >= len(c.buf) {
		return
	}
	g := uniseg.NewGraphemes(string(c.buf[c.scanned:]))

	type cluster struct {
		start, end int
		alpha      bool
	}
	var tail []cluster
	for g.Next() {
		a, b := g.Positions()
		rs := g.Runes()
		tail = append(tail, cluster{
			start: c.scanned + a,
			end:   c.scanned + b,
			alpha: len(rs) > 0 && unicode.IsLetter(rs[0]),
		})
	}

	n := len(tail)
	if !c.finished {
		n--
	}
	for i := 0; i < n; i++ {
		cl := tail[i]
		if cl.alpha && !c.lastAlpha && cl.start > 0 {
			c.boundaries = append(c.boundaries, cl.start)
		}
		c.edges = append(c.edges, cl.start)
		c.lastAlpha = cl.alpha
		c.scanned = cl.end
	}
}

// ChunkString chunks a complete string in one shot by draining Next until
// done. The returned ranges concatenate to cover the whole input.
func ChunkString(p Params, s string) ([]Chunk, error) {
	c, err := NewString(p, s)
	if err != nil {
		return nil, err
	}
	var out []Chunk
	for {
		ck, err := c.Next()
		if err != nil {
			if errors.Is(err, ErrDone) {
				return out, nil
			}
			return nil, err
		}
		if ck == nil {
			return nil, errors.New("chunker: no progress on finished input")
		}
		out = append(out, *ck)
	}
}
