package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/haivivi/webchat/pkg/modcache"
	"github.com/haivivi/webchat/pkg/wire"
)

var (
	// ErrAuthRequired means the session has no valid credentials. The
	// pending user message is kept so the request resumes after login.
	ErrAuthRequired = errors.New("relay: auth required")

	// ErrUpstreamConnection means a provider could not be reached.
	ErrUpstreamConnection = errors.New("relay: upstream connection failure")

	// ErrCompletionFailure means the completion stream failed mid-flight.
	ErrCompletionFailure = errors.New("relay: completion failure")

	// ErrTranscriptionEmpty means transcription produced no text.
	ErrTranscriptionEmpty = errors.New("relay: transcription empty")

	// ErrTranscriptionUnavailable means no transcription provider is wired.
	ErrTranscriptionUnavailable = errors.New("relay: transcription unavailable")

	// ErrRealtimeUnavailable means no realtime provider is wired.
	ErrRealtimeUnavailable = errors.New("relay: realtime unavailable")

	// ErrRealtimeFailure means an open realtime conversation failed.
	ErrRealtimeFailure = errors.New("relay: realtime failure")

	// ErrUsageLimit means the session exceeded its usage quota.
	ErrUsageLimit = errors.New("relay: usage limit exceeded")
)

// errorCode maps a failure to the client-visible code.
func errorCode(err error) wire.ErrorCode {
	var rej *modcache.RejectedError
	switch {
	case errors.As(err, &rej):
		return wire.CodeModeration
	case errors.Is(err, ErrAuthRequired):
		return wire.CodeAuth
	case errors.Is(err, ErrUpstreamConnection):
		return wire.CodeConnection
	case errors.Is(err, ErrUsageLimit):
		return wire.CodeLimit
	case errors.Is(err, ErrRealtimeUnavailable), errors.Is(err, ErrRealtimeFailure):
		return wire.CodeRealtime
	default:
		return wire.CodeChat
	}
}

// permanent reports whether err must not be retried.
func permanent(err error) bool {
	var rej *modcache.RejectedError
	return errors.As(err, &rej) ||
		errors.Is(err, ErrAuthRequired) ||
		errors.Is(err, ErrUsageLimit) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func wrapUpstream(op string, err error) error {
	if permanent(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstreamConnection, op, err)
}
