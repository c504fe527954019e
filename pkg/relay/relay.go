// Package relay implements the per-session chat relay engine. One Session
// owns one transport connection and brokers it against the completion,
// moderation, transcription, and realtime providers.
//
// Each session is driven by a single goroutine consuming a merged event
// channel (inbound frames, stream deltas, moderation verdicts, timer
// fires), so within-session state needs no locking. Streamed completion
// text is chunked, moderated chunk-by-chunk, and delivered to the client
// no further than the moderated high-water mark, gated on the transport's
// send buffer draining.
package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/webchat/pkg/chunker"
	"github.com/haivivi/webchat/pkg/modcache"
	"github.com/haivivi/webchat/pkg/wire"
)

const (
	// DefaultIdleTimeout closes a session with no activity in either
	// direction.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultDeliveryRetry is the re-check interval while delivery is
	// blocked on a non-empty transport buffer.
	DefaultDeliveryRetry = 200 * time.Millisecond

	// DefaultMaxAttempts bounds retries of transient provider failures.
	DefaultMaxAttempts = 3

	// DefaultRetryBase is the first backoff interval.
	DefaultRetryBase = 500 * time.Millisecond
)

// DefaultChunkerParams segment completion text for moderation.
var DefaultChunkerParams = chunker.Params{
	MinOverlap:   16,
	MaxOverlap:   64,
	MinChunkSize: 128,
	MaxChunkSize: 1024,
}

// Providers bundles the upstream collaborators. Completion is required;
// the others may be nil, disabling the corresponding feature.
type Providers struct {
	Completion    CompletionProvider
	Transcription TranscriptionProvider
	Realtime      RealtimeProvider
}

// Config tunes session behavior. The zero value picks defaults.
type Config struct {
	Chunker       chunker.Params
	IdleTimeout   time.Duration
	DeliveryRetry time.Duration
	MaxAttempts   uint64
	RetryBase     time.Duration
	DefaultModel  string
	Logger        Logger
}

func (c Config) withDefaults() Config {
	if c.Chunker == (chunker.Params{}) {
		c.Chunker = DefaultChunkerParams
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.DeliveryRetry <= 0 {
		c.DeliveryRetry = DefaultDeliveryRetry
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.Logger == nil {
		c.Logger = DefaultLogger()
	}
	return c
}

// Relay creates sessions. One Relay per server; sessions share only the
// moderation cache.
type Relay struct {
	providers Providers
	cache     *modcache.Cache
	cfg       Config
}

// New creates a Relay over the given providers and shared moderation cache.
func New(providers Providers, cache *modcache.Cache, cfg Config) *Relay {
	return &Relay{
		providers: providers,
		cache:     cache,
		cfg:       cfg.withDefaults(),
	}
}

type eventKind int

const (
	evFrame eventKind = iota
	evStreamDelta
	evStreamEnd
	evModerated
	evTranscribed
	evDeliveryTick
	evIdle
	evHangup
	evRtOpened
	evRt
)

type sessionEvent struct {
	kind  eventKind
	data  []byte
	delta string
	err   error
	end   int
	text  string
	conv  RealtimeConversation
	rt    *RealtimeEvent
}

// Session is one live client connection.
type Session struct {
	id  string
	r   *Relay
	tr  Transport
	log Logger

	ctx    context.Context
	cancel context.CancelFunc

	events chan sessionEvent
	done   chan struct{}
	once   sync.Once

	state ChatState
	comp  *completionState

	transcribing bool

	idle        *time.Timer
	lastActive  time.Time
	tickPending bool

	rt        RealtimeConversation
	rtOpening bool
	rtStop    bool
}

// HandleConnect starts a session for an accepted transport connection.
func (r *Relay) HandleConnect(tr Transport) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     uuid.NewString(),
		r:      r,
		tr:     tr,
		log:    r.cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan sessionEvent, 16),
		done:   make(chan struct{}),
	}
	s.state.Model = r.cfg.DefaultModel
	s.lastActive = time.Now()
	s.idle = time.AfterFunc(r.cfg.IdleTimeout, func() {
		s.post(sessionEvent{kind: evIdle})
	})
	s.log.InfoPrintf("session %s: connected", s.id)
	go s.run()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// HandleMessage feeds one inbound physical frame.
func (s *Session) HandleMessage(data []byte) {
	s.post(sessionEvent{kind: evFrame, data: data})
}

// HandleError reports a transport-level failure.
func (s *Session) HandleError(err error) {
	s.post(sessionEvent{kind: evHangup, err: err})
}

// HandleClose reports that the transport has closed.
func (s *Session) HandleClose() {
	s.post(sessionEvent{kind: evHangup})
}

func (s *Session) post(ev sessionEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) run() {
	defer s.cleanup()
	for ev := range s.events {
		if s.handle(ev) {
			return
		}
	}
}

func (s *Session) cleanup() {
	s.once.Do(func() {
		close(s.done)
		s.idle.Stop()
		s.cancel()
		if s.rt != nil {
			s.rt.Close()
			s.rt = nil
		}
		s.tr.Close()
		s.log.InfoPrintf("session %s: closed", s.id)
	})
}

func (s *Session) touch() {
	s.lastActive = time.Now()
	s.idle.Reset(s.r.cfg.IdleTimeout)
}

// handle processes one event. It returns true when the session is over.
func (s *Session) handle(ev sessionEvent) bool {
	switch ev.kind {
	case evFrame:
		return s.handleFrame(ev.data)

	case evStreamDelta:
		if s.comp == nil {
			return false
		}
		if err := s.comp.appendDelta(ev.delta); err != nil {
			return s.abort(fmt.Errorf("%w: %v", ErrCompletionFailure, err))
		}
		if stop := s.pumpModeration(); stop {
			return true
		}
		return s.deliveryCheck()

	case evStreamEnd:
		if s.comp == nil {
			return false
		}
		if ev.err != nil {
			return s.abort(ev.err)
		}
		s.comp.finish()
		if stop := s.pumpModeration(); stop {
			return true
		}
		return s.deliveryCheck()

	case evModerated:
		if s.comp == nil {
			return false
		}
		s.comp.modPending = false
		if ev.err != nil {
			return s.abort(ev.err)
		}
		s.comp.clearChunk(ev.end)
		if stop := s.pumpModeration(); stop {
			return true
		}
		return s.deliveryCheck()

	case evTranscribed:
		s.transcribing = false
		if ev.err != nil {
			return s.abort(ev.err)
		}
		if ev.text == "" {
			return s.abort(ErrTranscriptionEmpty)
		}
		s.state.ApplyUserText(ev.text)
		return s.startCompletion()

	case evDeliveryTick:
		s.tickPending = false
		return s.deliveryCheck()

	case evIdle:
		// The timer can fire while a frame sits in the event queue
		// ahead of it; Reset in touch cannot retract the stale fire.
		if d := time.Since(s.lastActive); d < s.r.cfg.IdleTimeout {
			s.idle.Reset(s.r.cfg.IdleTimeout - d)
			return false
		}
		s.log.InfoPrintf("session %s: idle timeout", s.id)
		return true

	case evHangup:
		if ev.err != nil {
			s.log.WarnPrintf("session %s: transport error: %v", s.id, ev.err)
		}
		return true

	case evRtOpened:
		s.rtOpening = false
		if ev.err != nil {
			if s.rtStop {
				s.rtStop = false
				s.log.WarnPrintf("session %s: realtime open failed after stop: %v", s.id, ev.err)
				return false
			}
			return s.abort(ev.err)
		}
		if s.rtStop {
			// Stopped while opening.
			s.rtStop = false
			ev.conv.Close()
			return false
		}
		s.rt = ev.conv
		go s.pumpRealtime(ev.conv)
		return s.send(&wire.Frame{Kind: wire.KindRealtime, Realtime: &wire.Realtime{State: "started"}})

	case evRt:
		return s.handleRealtimeEvent(ev.rt)
	}
	return false
}

func (s *Session) handleFrame(data []byte) bool {
	f, err := wire.Decode(data)
	if err != nil {
		s.log.WarnPrintf("session %s: dropping frame: %v", s.id, err)
		return false
	}
	s.touch()

	switch f.Kind {
	case wire.KindInit:
		s.state.ApplyInit(f.Init)
		if s.state.BackendProcessing && s.comp == nil {
			return s.startCompletion()
		}
		return false

	case wire.KindMsgNew:
		if s.comp != nil || s.transcribing || s.state.BackendProcessing {
			s.log.WarnPrintf("session %s: completion in flight, ignoring msgnew", s.id)
			return false
		}
		if len(f.Binary) > 0 {
			return s.startTranscription(f.Binary, f.New.MIMEType)
		}
		s.state.ApplyUserText(f.New.Text)
		return s.startCompletion()

	case wire.KindRealtime:
		return s.handleRealtimeControl(f.Realtime)

	case wire.KindAudio:
		if s.rt == nil {
			s.log.WarnPrintf("session %s: dropping audio, no realtime conversation", s.id)
			return false
		}
		if err := s.rt.Send(f.Binary); err != nil {
			return s.abort(fmt.Errorf("%w: send: %v", ErrRealtimeFailure, err))
		}
		return false

	default:
		s.log.WarnPrintf("session %s: dropping unexpected %s frame", s.id, f.Kind)
		return false
	}
}

// startCompletion launches the streaming completion pipeline. The pump
// goroutine pre-moderates the request, opens the stream, and posts deltas
// back to the session loop in arrival order.
func (s *Session) startCompletion() bool {
	if s.r.providers.Completion == nil {
		return s.abort(fmt.Errorf("%w: no completion provider", ErrCompletionFailure))
	}
	comp, err := newCompletionState(s.r.cfg.Chunker)
	if err != nil {
		return s.abort(fmt.Errorf("%w: %v", ErrCompletionFailure, err))
	}
	s.comp = comp

	req := &CompletionRequest{
		Model:       s.state.Model,
		Instruction: s.instruction(),
		Messages:    append([]wire.Message(nil), s.state.Messages...),
	}
	go s.pumpCompletion(req)
	return false
}

func (s *Session) instruction() string {
	if s.state.PageContent == "" {
		return s.state.InitialInstruction
	}
	if s.state.InitialInstruction == "" {
		return s.state.PageContent
	}
	return s.state.InitialInstruction + "\n\n" + s.state.PageContent
}

func (s *Session) pumpCompletion(req *CompletionRequest) {
	cfg := s.r.cfg

	contents := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		contents = append(contents, m.Content)
	}
	err := retryTransient(s.ctx, cfg.RetryBase, cfg.MaxAttempts, func() error {
		return s.r.cache.CheckModeration(s.ctx, contents, cfg.Chunker)
	})
	if err != nil {
		s.post(sessionEvent{kind: evStreamEnd, err: err})
		return
	}

	var stream CompletionStream
	err = retryTransient(s.ctx, cfg.RetryBase, cfg.MaxAttempts, func() error {
		st, err := s.r.providers.Completion.ChatCompletion(s.ctx, req)
		if err != nil {
			return wrapUpstream("completion", err)
		}
		stream = st
		return nil
	})
	if err != nil {
		s.post(sessionEvent{kind: evStreamEnd, err: err})
		return
	}
	defer stream.Close()

	for {
		delta, err := stream.Next()
		if err == io.EOF {
			s.post(sessionEvent{kind: evStreamEnd})
			return
		}
		if err != nil {
			s.post(sessionEvent{kind: evStreamEnd, err: fmt.Errorf("%w: %v", ErrCompletionFailure, err)})
			return
		}
		if delta != "" {
			s.post(sessionEvent{kind: evStreamDelta, delta: delta})
		}
	}
}

// pumpModeration submits the next ready chunk for moderation. At most one
// moderation call is in flight per session.
func (s *Session) pumpModeration() (stop bool) {
	if s.comp == nil || s.comp.modPending {
		return false
	}
	ch, err := s.comp.nextChunk()
	if err != nil {
		return s.abort(fmt.Errorf("%w: %v", ErrCompletionFailure, err))
	}
	if ch == nil {
		return false
	}
	s.comp.modPending = true

	text := string(s.comp.text[ch.Start:ch.End])
	end := ch.End
	cfg := s.r.cfg
	go func() {
		err := retryTransient(s.ctx, cfg.RetryBase, cfg.MaxAttempts, func() error {
			resp, err := s.r.cache.Moderation(s.ctx, &modcache.Request{Content: []string{text}})
			if err != nil {
				return wrapUpstream("moderation", err)
			}
			for _, v := range resp.Results {
				if v.Flagged {
					return &modcache.RejectedError{Reason: v.Reason}
				}
			}
			return nil
		})
		s.post(sessionEvent{kind: evModerated, end: end, err: err})
	}()
	return false
}

// deliveryCheck is level-triggered: it runs after every delta, verdict, and
// tick. The final flush goes out regardless of the transport buffer; any
// earlier slice waits for the buffer to drain and never crosses the
// moderated high-water mark.
func (s *Session) deliveryCheck() (stop bool) {
	c := s.comp
	if c == nil {
		return false
	}

	if c.done && c.fullyModerated() {
		text := string(c.text[c.sent:])
		c.sent = len(c.text)
		s.comp = nil
		s.state.ApplyAssistantPart(text, true)
		return s.send(&wire.Frame{
			Kind: wire.KindMsgPart,
			Part: &wire.MsgPart{Text: text, Done: true},
		})
	}

	if c.sent >= c.moderated {
		return false
	}
	if !s.tr.BufferEmpty() {
		s.scheduleDeliveryTick()
		return false
	}

	text := string(c.text[c.sent:c.moderated])
	c.sent = c.moderated
	s.state.ApplyAssistantPart(text, false)
	return s.send(&wire.Frame{
		Kind: wire.KindMsgPart,
		Part: &wire.MsgPart{Text: text},
	})
}

func (s *Session) scheduleDeliveryTick() {
	if s.tickPending {
		return
	}
	s.tickPending = true
	time.AfterFunc(s.r.cfg.DeliveryRetry, func() {
		s.post(sessionEvent{kind: evDeliveryTick})
	})
}

func (s *Session) startTranscription(audio []byte, mimeType string) bool {
	if s.r.providers.Transcription == nil {
		return s.abort(ErrTranscriptionUnavailable)
	}
	s.transcribing = true
	cfg := s.r.cfg
	go func() {
		var text string
		err := retryTransient(s.ctx, cfg.RetryBase, cfg.MaxAttempts, func() error {
			t, err := s.r.providers.Transcription.Transcribe(s.ctx, &TranscriptionRequest{
				Audio:    audio,
				MIMEType: mimeType,
			})
			if err != nil {
				return wrapUpstream("transcription", err)
			}
			text = t
			return nil
		})
		s.post(sessionEvent{kind: evTranscribed, text: text, err: err})
	}()
	return false
}

func (s *Session) handleRealtimeControl(rt *wire.Realtime) bool {
	switch {
	case rt.Start:
		if s.r.providers.Realtime == nil {
			return s.abort(ErrRealtimeUnavailable)
		}
		if s.rt != nil || s.rtOpening {
			s.log.WarnPrintf("session %s: realtime conversation already open", s.id)
			return false
		}
		s.rtOpening = true
		req := &RealtimeRequest{
			Model:       rt.Model,
			Voice:       rt.Voice,
			Instruction: s.instruction(),
		}
		cfg := s.r.cfg
		go func() {
			var conv RealtimeConversation
			err := retryTransient(s.ctx, cfg.RetryBase, cfg.MaxAttempts, func() error {
				c, err := s.r.providers.Realtime.RealtimeConversation(s.ctx, req)
				if err != nil {
					return wrapUpstream("realtime", err)
				}
				conv = c
				return nil
			})
			s.post(sessionEvent{kind: evRtOpened, conv: conv, err: err})
		}()
		return false

	case rt.Stop:
		if s.rtOpening {
			// The conversation handle has not arrived yet. Mark it so
			// evRtOpened closes it instead of starting it.
			s.rtStop = true
			return s.send(&wire.Frame{Kind: wire.KindRealtime, Realtime: &wire.Realtime{State: "stopped"}})
		}
		if s.rt == nil {
			return false
		}
		s.rt.Close()
		s.rt = nil
		return s.send(&wire.Frame{Kind: wire.KindRealtime, Realtime: &wire.Realtime{State: "stopped"}})

	default:
		s.log.WarnPrintf("session %s: dropping realtime frame without start or stop", s.id)
		return false
	}
}

func (s *Session) pumpRealtime(conv RealtimeConversation) {
	for {
		ev, err := conv.Recv()
		if err != nil {
			s.post(sessionEvent{kind: evRt, rt: &RealtimeEvent{Err: err}})
			return
		}
		s.post(sessionEvent{kind: evRt, rt: ev})
		if ev.Err != nil {
			return
		}
	}
}

func (s *Session) handleRealtimeEvent(ev *RealtimeEvent) bool {
	if s.rt == nil {
		// Conversation stopped; drain leftovers.
		return false
	}
	switch {
	case ev.Err != nil:
		return s.abort(fmt.Errorf("%w: %v", ErrRealtimeFailure, ev.Err))
	case len(ev.Audio) > 0:
		return s.send(&wire.Frame{Kind: wire.KindAudio, Binary: ev.Audio})
	case ev.State != "":
		return s.send(&wire.Frame{Kind: wire.KindRealtime, Realtime: &wire.Realtime{State: ev.State}})
	}
	return false
}

// send queues one outbound frame. A send failure ends the session.
func (s *Session) send(f *wire.Frame) (stop bool) {
	if err := s.tr.Send(f); err != nil {
		s.log.WarnPrintf("session %s: send failed: %v", s.id, err)
		return true
	}
	s.touch()
	return false
}

// abort tears the session down after a failure: in-flight work is
// cancelled, unmoderated assistant content is rolled back, the client is
// notified, and the transport is closed.
func (s *Session) abort(err error) bool {
	s.log.ErrorPrintf("session %s: %v", s.id, err)
	s.comp = nil
	code := errorCode(err)
	s.state.ApplyError(code)
	if serr := s.tr.Send(&wire.Frame{
		Kind:  wire.KindMsgError,
		Error: &wire.MsgError{Code: code, Message: err.Error()},
	}); serr != nil {
		s.log.WarnPrintf("session %s: error notify failed: %v", s.id, serr)
	}
	s.touch()
	return true
}
