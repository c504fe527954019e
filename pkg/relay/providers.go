package relay

import (
	"context"

	"github.com/haivivi/webchat/pkg/wire"
)

// CompletionRequest is one streaming chat-completion call.
type CompletionRequest struct {
	Model string

	// Instruction is the system instruction, already combined from the
	// session's initial instruction and page content.
	Instruction string

	Messages []wire.Message
}

// CompletionStream yields text deltas in arrival order. Next returns io.EOF
// when the stream is complete. Close releases the underlying stream; it is
// safe to call after Next returned an error.
type CompletionStream interface {
	Next() (string, error)
	Close() error
}

// CompletionProvider starts streaming chat completions.
type CompletionProvider interface {
	ChatCompletion(ctx context.Context, req *CompletionRequest) (CompletionStream, error)
}

// TranscriptionRequest carries recorded audio for speech-to-text.
type TranscriptionRequest struct {
	Audio    []byte
	MIMEType string
}

// TranscriptionProvider converts recorded audio to text.
type TranscriptionProvider interface {
	Transcribe(ctx context.Context, req *TranscriptionRequest) (string, error)
}

// RealtimeRequest opens a bidirectional voice conversation.
type RealtimeRequest struct {
	Model       string
	Voice       string
	Instruction string
}

// RealtimeEvent is one event from a realtime conversation.
type RealtimeEvent struct {
	// Audio is an output audio frame, when non-empty.
	Audio []byte

	// State is a conversation state change ("listening", "speaking"),
	// when non-empty.
	State string

	// Err terminates the conversation, when non-nil.
	Err error
}

// RealtimeConversation is a live bidirectional audio handle.
type RealtimeConversation interface {
	// Send submits one input audio frame.
	Send(audio []byte) error

	// Recv blocks for the next event. It returns an error after Close.
	Recv() (*RealtimeEvent, error)

	Close() error
}

// RealtimeProvider opens realtime voice conversations.
type RealtimeProvider interface {
	RealtimeConversation(ctx context.Context, req *RealtimeRequest) (RealtimeConversation, error)
}
