// Package gemini adapts the Gemini API to the relay's streaming completion
// interface.
package gemini

import (
	"context"
	"fmt"
	"io"
	"iter"

	"google.golang.org/genai"

	"github.com/haivivi/webchat/pkg/relay"
	"github.com/haivivi/webchat/pkg/wire"
)

// Provider streams chat completions from Gemini.
type Provider struct {
	client *genai.Client
}

var _ relay.CompletionProvider = (*Provider)(nil)

// New creates a Provider over an existing genai client.
func New(client *genai.Client) *Provider {
	return &Provider{client: client}
}

// ChatCompletion starts a streaming completion.
func (p *Provider) ChatCompletion(ctx context.Context, req *relay.CompletionRequest) (relay.CompletionStream, error) {
	var cfg *genai.GenerateContentConfig
	if req.Instruction != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{
				Parts: []*genai.Part{genai.NewPartFromText(req.Instruction)},
			},
		}
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.RoleUser
		if m.Role == wire.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(m.Content)},
		})
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("gemini: no contents")
	}

	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg))
	return &completionStream{next: next, stop: stop}, nil
}

type completionStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (s *completionStream) Next() (string, error) {
	for {
		chunk, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("gemini: completion stream: %w", err)
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		sel := chunk.Candidates[0]
		if sel.FinishReason == genai.FinishReasonSafety {
			return "", fmt.Errorf("gemini: completion blocked by safety filter")
		}
		if sel.Content == nil {
			continue
		}
		text := ""
		for _, p := range sel.Content.Parts {
			text += p.Text
		}
		if text != "" {
			return text, nil
		}
	}
}

func (s *completionStream) Close() error {
	s.stop()
	return nil
}
