// Package wire defines the protocol frames exchanged with the chat widget
// client. A frame is a JSON head, optionally followed by a NUL separator and
// a raw binary payload in the same physical frame.
//
// Decoding is the single validation step at the transport boundary: malformed
// JSON, unknown kinds, and missing payloads are rejected deterministically.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame is wrapped by every Decode failure.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// Kind discriminates frame payloads.
type Kind string

const (
	// KindInit carries a full chat state snapshot.
	KindInit Kind = "init"

	// KindMsgNew carries new user text, or recorded audio as the frame's
	// binary payload.
	KindMsgNew Kind = "msgnew"

	// KindMsgPart carries incremental assistant text with a done flag.
	KindMsgPart Kind = "msgpart"

	// KindMsgError carries an error code.
	KindMsgError Kind = "msgerror"

	// KindRealtime controls a realtime voice conversation.
	KindRealtime Kind = "realtime"

	// KindAudio carries a realtime audio frame as the binary payload.
	KindAudio Kind = "audio"
)

// Role identifies a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ErrorCode enumerates client-visible failure classes.
type ErrorCode int

const (
	CodeNone ErrorCode = iota
	CodeAuth
	CodeConnection
	CodeChat
	CodeModeration
	CodeRealtime
	CodeLimit
)

// String returns the wire representation of the code.
func (c ErrorCode) String() string {
	switch c {
	case CodeAuth:
		return "auth"
	case CodeConnection:
		return "connection"
	case CodeChat:
		return "chat"
	case CodeModeration:
		return "moderation"
	case CodeRealtime:
		return "realtime"
	case CodeLimit:
		return "limit"
	default:
		return "none"
	}
}

// MarshalJSON implements json.Marshaler.
func (c ErrorCode) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ErrorCode) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "auth":
		*c = CodeAuth
	case "connection":
		*c = CodeConnection
	case "chat":
		*c = CodeChat
	case "moderation":
		*c = CodeModeration
	case "realtime":
		*c = CodeRealtime
	case "limit":
		*c = CodeLimit
	default:
		*c = CodeNone
	}
	return nil
}

// Init is a full chat state snapshot.
type Init struct {
	Model              string    `json:"model,omitempty"`
	InitialInstruction string    `json:"initial_instruction,omitempty"`
	PageContent        string    `json:"page_content,omitempty"`
	Messages           []Message `json:"messages,omitempty"`
}

// MsgNew is new user input. Empty text is valid only when the frame carries
// an audio binary payload.
type MsgNew struct {
	Text string `json:"text,omitempty"`

	// MIMEType describes the binary audio payload, when present.
	MIMEType string `json:"mime_type,omitempty"`
}

// MsgPart is incremental assistant text.
type MsgPart struct {
	Text string `json:"text"`
	Done bool   `json:"done,omitempty"`
}

// MsgError reports a failure to the client.
type MsgError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// Realtime controls the realtime voice bridge.
type Realtime struct {
	Start bool   `json:"start,omitempty"`
	Stop  bool   `json:"stop,omitempty"`
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`

	// State reports bridge state changes to the client.
	State string `json:"state,omitempty"`
}

// Frame is one protocol frame. Exactly the payload matching Kind is set.
type Frame struct {
	Kind     Kind      `json:"kind"`
	Init     *Init     `json:"init,omitempty"`
	New      *MsgNew   `json:"msgnew,omitempty"`
	Part     *MsgPart  `json:"msgpart,omitempty"`
	Error    *MsgError `json:"msgerror,omitempty"`
	Realtime *Realtime `json:"realtime,omitempty"`

	// Binary is the raw payload after the NUL separator, if any.
	Binary []byte `json:"-"`
}

// Decode parses and validates one physical frame.
func Decode(data []byte) (*Frame, error) {
	head := data
	var bin []byte
	if i := bytes.IndexByte(data, 0); i >= 0 {
		head, bin = data[:i], data[i+1:]
	}

	var f Frame
	dec := json.NewDecoder(bytes.NewReader(head))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	f.Binary = bin

	switch f.Kind {
	case KindInit:
		if f.Init == nil {
			return nil, fmt.Errorf("%w: init frame without snapshot", ErrMalformedFrame)
		}
		for _, m := range f.Init.Messages {
			if m.Role != RoleUser && m.Role != RoleAssistant {
				return nil, fmt.Errorf("%w: unknown role %q", ErrMalformedFrame, m.Role)
			}
		}
	case KindMsgNew:
		if f.New == nil {
			return nil, fmt.Errorf("%w: msgnew frame without payload", ErrMalformedFrame)
		}
		if f.New.Text == "" && len(f.Binary) == 0 {
			return nil, fmt.Errorf("%w: msgnew frame without text or audio", ErrMalformedFrame)
		}
	case KindMsgPart:
		if f.Part == nil {
			return nil, fmt.Errorf("%w: msgpart frame without payload", ErrMalformedFrame)
		}
	case KindMsgError:
		if f.Error == nil || f.Error.Code == CodeNone {
			return nil, fmt.Errorf("%w: msgerror frame without known code", ErrMalformedFrame)
		}
	case KindRealtime:
		if f.Realtime == nil {
			return nil, fmt.Errorf("%w: realtime frame without payload", ErrMalformedFrame)
		}
	case KindAudio:
		if len(f.Binary) == 0 {
			return nil, fmt.Errorf("%w: audio frame without payload", ErrMalformedFrame)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedFrame, f.Kind)
	}

	// Exactly the payload matching Kind may be set.
	for _, p := range []struct {
		kind Kind
		set  bool
	}{
		{KindInit, f.Init != nil},
		{KindMsgNew, f.New != nil},
		{KindMsgPart, f.Part != nil},
		{KindMsgError, f.Error != nil},
		{KindRealtime, f.Realtime != nil},
	} {
		if p.set && p.kind != f.Kind {
			return nil, fmt.Errorf("%w: %s payload on %s frame", ErrMalformedFrame, p.kind, f.Kind)
		}
	}
	return &f, nil
}

// Encode serializes the frame, appending the binary payload after a NUL
// separator when present.
func (f *Frame) Encode() ([]byte, error) {
	head, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	if len(f.Binary) == 0 {
		return head, nil
	}
	out := make([]byte, 0, len(head)+1+len(f.Binary))
	out = append(out, head...)
	out = append(out, 0)
	out = append(out, f.Binary...)
	return out, nil
}
