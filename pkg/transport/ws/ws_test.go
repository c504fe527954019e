package ws_test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haivivi/webchat/pkg/chunker"
	"github.com/haivivi/webchat/pkg/modcache"
	"github.com/haivivi/webchat/pkg/relay"
	"github.com/haivivi/webchat/pkg/transport/ws"
	"github.com/haivivi/webchat/pkg/wire"
)

type okBackend struct{}

func (okBackend) Moderation(ctx context.Context, req *modcache.Request) (*modcache.Response, error) {
	return &modcache.Response{Results: make([]modcache.Verdict, len(req.Content))}, nil
}

type fakeCompletion struct {
	deltas []string
}

func (p *fakeCompletion) ChatCompletion(ctx context.Context, req *relay.CompletionRequest) (relay.CompletionStream, error) {
	return &fakeStream{deltas: p.deltas}, nil
}

type fakeStream struct {
	deltas []string
	i      int
}

func (s *fakeStream) Next() (string, error) {
	if s.i >= len(s.deltas) {
		return "", io.EOF
	}
	d := s.deltas[s.i]
	s.i++
	return d, nil
}

func (s *fakeStream) Close() error { return nil }

func newServer(t *testing.T, cfg relay.Config, deltas ...string) *httptest.Server {
	t.Helper()
	cache := modcache.New(okBackend{}, modcache.Options{})
	if cfg.Chunker == (chunker.Params{}) {
		cfg.Chunker = chunker.Params{MinChunkSize: 4, MaxChunkSize: 16}
	}
	r := relay.New(relay.Providers{Completion: &fakeCompletion{deltas: deltas}}, cache, cfg)
	srv := httptest.NewServer(ws.NewHandler(r, nil, nil))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSessionOverWebSocket(t *testing.T) {
	srv := newServer(t, relay.Config{}, "Hi ", "from the relay.")
	conn := dial(t, srv)

	f := &wire.Frame{Kind: wire.KindMsgNew, New: &wire.MsgNew{Text: "hello"}}
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got strings.Builder
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		rf, err := wire.Decode(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if rf.Kind != wire.KindMsgPart {
			t.Fatalf("unexpected %s frame", rf.Kind)
		}
		got.WriteString(rf.Part.Text)
		if rf.Part.Done {
			break
		}
	}
	if want := "Hi from the relay."; got.String() != want {
		t.Fatalf("delivered %q, want %q", got.String(), want)
	}
}

type flaggingBackend struct {
	bad string
}

func (b *flaggingBackend) Moderation(ctx context.Context, req *modcache.Request) (*modcache.Response, error) {
	resp := &modcache.Response{Results: make([]modcache.Verdict, len(req.Content))}
	for i, c := range req.Content {
		if strings.Contains(c, b.bad) {
			resp.Results[i] = modcache.Verdict{Flagged: true, Reason: "harassment"}
		}
	}
	return resp, nil
}

// A rejected request sends an error frame and then closes the
// connection. The client must see the frame, not just the close.
func TestRejectionDeliversErrorFrame(t *testing.T) {
	cache := modcache.New(&flaggingBackend{bad: "unsafe"}, modcache.Options{})
	r := relay.New(relay.Providers{Completion: &fakeCompletion{}}, cache, relay.Config{
		Chunker: chunker.Params{MinChunkSize: 4, MaxChunkSize: 16},
	})
	srv := httptest.NewServer(ws.NewHandler(r, nil, nil))
	t.Cleanup(srv.Close)
	conn := dial(t, srv)

	f := &wire.Frame{Kind: wire.KindMsgNew, New: &wire.MsgNew{Text: "something unsafe"}}
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	rf, err := wire.Decode(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rf.Kind != wire.KindMsgError {
		t.Fatalf("got %s frame, want %s", rf.Kind, wire.KindMsgError)
	}
	if rf.Error.Code != wire.CodeModeration {
		t.Fatalf("error code %s, want %s", rf.Error.Code, wire.CodeModeration)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close after error frame, got %v", err)
	}
}

func TestIdleSessionClosed(t *testing.T) {
	srv := newServer(t, relay.Config{IdleTimeout: 50 * time.Millisecond})
	conn := dial(t, srv)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection close")
	}
}
