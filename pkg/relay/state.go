package relay

import "github.com/haivivi/webchat/pkg/wire"

// ChatState is one session's conversation state. Methods are pure
// transitions; the session loop is the only caller, so no locking.
type ChatState struct {
	Model              string
	InitialInstruction string
	PageContent        string
	Messages           []wire.Message

	// BackendProcessing is true while a completion is owed for the last
	// user message.
	BackendProcessing bool

	// FailedUserInput holds a user message popped after a failure, kept
	// for resubmission.
	FailedUserInput string

	ErrorCode wire.ErrorCode
}

// ApplyUserText appends a user message and marks a completion pending.
func (s *ChatState) ApplyUserText(text string) {
	s.Messages = append(s.Messages, wire.Message{Role: wire.RoleUser, Content: text})
	s.BackendProcessing = true
	s.FailedUserInput = ""
	s.ErrorCode = wire.CodeNone
}

// ApplyInit replaces the state wholesale from a snapshot. Processing state
// is recomputed from whether the last message awaits an answer.
func (s *ChatState) ApplyInit(init *wire.Init) {
	if init.Model != "" {
		s.Model = init.Model
	}
	if init.InitialInstruction != "" {
		s.InitialInstruction = init.InitialInstruction
	}
	if init.PageContent != "" {
		s.PageContent = init.PageContent
	}
	s.Messages = append([]wire.Message(nil), init.Messages...)
	s.FailedUserInput = ""
	s.ErrorCode = wire.CodeNone
	n := len(s.Messages)
	s.BackendProcessing = n > 0 && s.Messages[n-1].Role == wire.RoleUser
}

// ApplyAssistantPart appends incremental assistant text, extending the last
// message when it is assistant-authored.
func (s *ChatState) ApplyAssistantPart(text string, done bool) {
	if n := len(s.Messages); n > 0 && s.Messages[n-1].Role == wire.RoleAssistant {
		s.Messages[n-1].Content += text
	} else {
		s.Messages = append(s.Messages, wire.Message{Role: wire.RoleAssistant, Content: text})
	}
	if done {
		s.BackendProcessing = false
	}
}

// ApplyError records a failure. Unmoderated assistant content is rolled
// back on moderation rejection; a rejected user message is popped into
// FailedUserInput for resubmission, except on auth failures where it stays
// in place so the request resumes after login.
func (s *ChatState) ApplyError(code wire.ErrorCode) {
	s.ErrorCode = code

	if code == wire.CodeModeration {
		if n := len(s.Messages); n > 0 && s.Messages[n-1].Role == wire.RoleAssistant {
			s.Messages = s.Messages[:n-1]
		}
	}

	if code == wire.CodeAuth {
		s.BackendProcessing = true
		return
	}

	if n := len(s.Messages); n > 0 && s.Messages[n-1].Role == wire.RoleUser {
		s.FailedUserInput = s.Messages[n-1].Content
		s.Messages = s.Messages[:n-1]
	}
	s.BackendProcessing = false
}

// LastUserPending reports whether the last message is an unanswered user
// message.
func (s *ChatState) LastUserPending() bool {
	n := len(s.Messages)
	return n > 0 && s.Messages[n-1].Role == wire.RoleUser
}
