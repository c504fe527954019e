package relay_test

import (
	"testing"

	"github.com/haivivi/webchat/pkg/relay"
	"github.com/haivivi/webchat/pkg/wire"
)

func TestApplyUserText(t *testing.T) {
	var s relay.ChatState
	s.FailedUserInput = "earlier attempt"
	s.ErrorCode = wire.CodeChat

	s.ApplyUserText("hello")

	if len(s.Messages) != 1 || s.Messages[0].Role != wire.RoleUser || s.Messages[0].Content != "hello" {
		t.Fatalf("messages = %+v", s.Messages)
	}
	if !s.BackendProcessing {
		t.Fatal("BackendProcessing not set")
	}
	if s.FailedUserInput != "" || s.ErrorCode != wire.CodeNone {
		t.Fatalf("recovery state not cleared: %q %v", s.FailedUserInput, s.ErrorCode)
	}
}

func TestApplyInitRecomputesProcessing(t *testing.T) {
	var s relay.ChatState
	s.Model = "server-model"

	s.ApplyInit(&wire.Init{
		Messages: []wire.Message{
			{Role: wire.RoleUser, Content: "q"},
			{Role: wire.RoleAssistant, Content: "a"},
		},
	})
	if s.BackendProcessing {
		t.Fatal("answered conversation should not be processing")
	}
	if s.Model != "server-model" {
		t.Fatalf("server model overridden: %q", s.Model)
	}

	s.ApplyInit(&wire.Init{
		Model: "client-model",
		Messages: []wire.Message{
			{Role: wire.RoleUser, Content: "pending"},
		},
	})
	if !s.BackendProcessing {
		t.Fatal("trailing user message should mark processing")
	}
	if s.Model != "client-model" {
		t.Fatalf("model = %q", s.Model)
	}
}

func TestApplyAssistantPart(t *testing.T) {
	var s relay.ChatState
	s.ApplyUserText("hi")

	s.ApplyAssistantPart("Hel", false)
	s.ApplyAssistantPart("lo", false)
	if len(s.Messages) != 2 || s.Messages[1].Content != "Hello" {
		t.Fatalf("messages = %+v", s.Messages)
	}
	if !s.BackendProcessing {
		t.Fatal("processing cleared before done")
	}

	s.ApplyAssistantPart("!", true)
	if s.Messages[1].Content != "Hello!" {
		t.Fatalf("content = %q", s.Messages[1].Content)
	}
	if s.BackendProcessing {
		t.Fatal("processing not cleared on done")
	}
}

func TestApplyErrorModerationRollback(t *testing.T) {
	var s relay.ChatState
	s.ApplyUserText("tell me something")
	s.ApplyAssistantPart("partial reply", false)

	s.ApplyError(wire.CodeModeration)

	if len(s.Messages) != 0 {
		t.Fatalf("messages not rolled back: %+v", s.Messages)
	}
	if s.FailedUserInput != "tell me something" {
		t.Fatalf("FailedUserInput = %q", s.FailedUserInput)
	}
	if s.BackendProcessing {
		t.Fatal("still processing after rollback")
	}
	if s.ErrorCode != wire.CodeModeration {
		t.Fatalf("error code = %v", s.ErrorCode)
	}
}

func TestApplyErrorAuthKeepsPending(t *testing.T) {
	var s relay.ChatState
	s.ApplyUserText("protected question")

	s.ApplyError(wire.CodeAuth)

	if len(s.Messages) != 1 || s.Messages[0].Content != "protected question" {
		t.Fatalf("pending user message lost: %+v", s.Messages)
	}
	if s.FailedUserInput != "" {
		t.Fatalf("FailedUserInput = %q", s.FailedUserInput)
	}
	if !s.BackendProcessing {
		t.Fatal("auth error must keep processing for post-login resume")
	}
}
