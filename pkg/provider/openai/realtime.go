package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haivivi/webchat/pkg/relay"
)

const realtimeHandshakeTimeout = 30 * time.Second

// RealtimeConversation opens a WebSocket realtime session and bridges it to
// the relay's conversation interface.
func (p *Provider) RealtimeConversation(ctx context.Context, req *relay.RealtimeRequest) (relay.RealtimeConversation, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.RealtimeModel
	}
	url := fmt.Sprintf("%s?model=%s", p.cfg.RealtimeURL, model)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: realtimeHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("openai: realtime connect: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("openai: realtime connect: %w", err)
	}

	c := &conversation{conn: conn}
	session := map[string]any{
		"modalities": []string{"audio", "text"},
	}
	if req.Instruction != "" {
		session["instructions"] = req.Instruction
	}
	if req.Voice != "" {
		session["voice"] = req.Voice
	}
	if err := c.sendEvent(map[string]any{
		"event_id": eventID(),
		"type":     "session.update",
		"session":  session,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("openai: realtime session update: %w", err)
	}
	return c, nil
}

type conversation struct {
	conn *websocket.Conn

	// mu serializes writes; gorilla allows one concurrent writer.
	mu   sync.Mutex
	once sync.Once
}

func eventID() string {
	return "evt_" + uuid.NewString()[:12]
}

func (c *conversation) sendEvent(ev map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ev)
}

func (c *conversation) Send(audio []byte) error {
	return c.sendEvent(map[string]any{
		"event_id": eventID(),
		"type":     "input_audio_buffer.append",
		"audio":    base64.StdEncoding.EncodeToString(audio),
	})
}

type serverEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *conversation) Recv() (*relay.RealtimeEvent, error) {
	for {
		var ev serverEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			return nil, err
		}
		switch ev.Type {
		case "response.audio.delta":
			audio, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				return nil, fmt.Errorf("openai: realtime audio decode: %w", err)
			}
			return &relay.RealtimeEvent{Audio: audio}, nil
		case "input_audio_buffer.speech_started":
			return &relay.RealtimeEvent{State: "listening"}, nil
		case "response.created":
			return &relay.RealtimeEvent{State: "speaking"}, nil
		case "response.done":
			return &relay.RealtimeEvent{State: "idle"}, nil
		case "error":
			msg := "unknown error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return &relay.RealtimeEvent{Err: errors.New("openai: realtime: " + msg)}, nil
		}
	}
}

func (c *conversation) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}
