// Package openai adapts the OpenAI API to the relay's provider interfaces:
// streaming chat completion, the moderation backend, speech-to-text, and
// the realtime voice bridge.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/haivivi/webchat/pkg/modcache"
	"github.com/haivivi/webchat/pkg/relay"
	"github.com/haivivi/webchat/pkg/wire"
)

const (
	oaiFinishReasonContentFilter = "content_filter"

	defaultTranscriptionModel = "whisper-1"
	defaultRealtimeURL        = "wss://api.openai.com/v1/realtime"
	defaultRealtimeModel      = "gpt-4o-realtime-preview"
)

// Config configures the provider. APIKey is required.
type Config struct {
	APIKey  string
	BaseURL string

	TranscriptionModel string
	RealtimeURL        string
	RealtimeModel      string
}

// Provider implements the relay provider interfaces over one OpenAI client.
type Provider struct {
	client openai.Client
	cfg    Config
}

var (
	_ relay.CompletionProvider    = (*Provider)(nil)
	_ relay.TranscriptionProvider = (*Provider)(nil)
	_ relay.RealtimeProvider      = (*Provider)(nil)
	_ modcache.Backend            = (*Provider)(nil)
)

// New creates a Provider.
func New(cfg Config) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = defaultTranscriptionModel
	}
	if cfg.RealtimeURL == "" {
		cfg.RealtimeURL = defaultRealtimeURL
	}
	if cfg.RealtimeModel == "" {
		cfg.RealtimeModel = defaultRealtimeModel
	}
	return &Provider{client: openai.NewClient(opts...), cfg: cfg}
}

// ChatCompletion starts a streaming chat completion.
func (p *Provider) ChatCompletion(ctx context.Context, req *relay.CompletionRequest) (relay.CompletionStream, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.Instruction != "" {
		msgs = append(msgs, openai.SystemMessage(req.Instruction))
	}
	for _, m := range req.Messages {
		if m.Role == wire.RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: msgs,
	})
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("openai: completion: %w", mapStatus(err))
	}
	return &completionStream{sse: stream}, nil
}

// mapStatus lifts auth and quota API failures to the relay sentinels so
// they are surfaced immediately instead of retried.
func mapStatus(err error) error {
	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		return err
	}
	switch apierr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %v", relay.ErrAuthRequired, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", relay.ErrUsageLimit, err)
	}
	return err
}

type completionStream struct {
	sse *ssestream.Stream[openai.ChatCompletionChunk]
}

func (s *completionStream) Next() (string, error) {
	for s.sse.Next() {
		chunk := s.sse.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]
		if c.FinishReason == oaiFinishReasonContentFilter {
			return "", fmt.Errorf("openai: completion blocked by content filter")
		}
		if c.Delta.Content != "" {
			return c.Delta.Content, nil
		}
	}
	if err := s.sse.Err(); err != nil {
		return "", fmt.Errorf("openai: completion stream: %w", mapStatus(err))
	}
	return "", io.EOF
}

func (s *completionStream) Close() error { return s.sse.Close() }

// Moderation implements the moderation cache backend.
func (p *Provider) Moderation(ctx context.Context, req *modcache.Request) (*modcache.Response, error) {
	res, err := p.client.Moderations.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{OfStringArray: req.Content},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: moderation: %w", mapStatus(err))
	}
	if len(res.Results) != len(req.Content) {
		return nil, fmt.Errorf("openai: moderation: %d results for %d inputs", len(res.Results), len(req.Content))
	}
	out := &modcache.Response{Results: make([]modcache.Verdict, 0, len(res.Results))}
	for _, r := range res.Results {
		v := modcache.Verdict{Flagged: r.Flagged}
		if r.Flagged {
			v.Reason = flaggedCategories(r.Categories)
		}
		out.Results = append(out.Results, v)
	}
	return out, nil
}

// flaggedCategories lists the category names the API marked true.
func flaggedCategories(categories any) string {
	data, err := json.Marshal(categories)
	if err != nil {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	var names []string
	for name, v := range m {
		if b, ok := v.(bool); ok && b {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Transcribe converts recorded audio to text.
func (p *Provider) Transcribe(ctx context.Context, req *relay.TranscriptionRequest) (string, error) {
	res, err := p.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(p.cfg.TranscriptionModel),
		File:  openai.File(bytes.NewReader(req.Audio), "audio"+audioExt(req.MIMEType), req.MIMEType),
	})
	if err != nil {
		return "", fmt.Errorf("openai: transcription: %w", mapStatus(err))
	}
	return strings.TrimSpace(res.Text), nil
}

func audioExt(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "wav"):
		return ".wav"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return ".mp3"
	default:
		return ".bin"
	}
}
