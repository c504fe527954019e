// Package ws hosts relay sessions over WebSocket connections. Each accepted
// connection gets a dedicated write pump; the pending-write counter backs
// the transport's BufferEmpty signal that gates streamed delivery.
package ws

import (
	"bytes"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haivivi/webchat/pkg/relay"
	"github.com/haivivi/webchat/pkg/wire"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 75 * time.Second
	pingPeriod   = 30 * time.Second

	sendQueueSize  = 64
	maxMessageSize = 1 << 20
)

// ErrTransportClosed is returned by Send after the connection closed.
var ErrTransportClosed = errors.New("ws: transport closed")

// Handler upgrades HTTP requests and runs each connection as one relay
// session.
type Handler struct {
	relay    *relay.Relay
	log      relay.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler. checkOrigin may be nil to accept any origin.
func NewHandler(r *relay.Relay, log relay.Logger, checkOrigin func(*http.Request) bool) *Handler {
	if log == nil {
		log = relay.DefaultLogger()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		relay: r,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnPrintf("ws: upgrade failed: %v", err)
		return
	}
	t := newTransport(conn)
	go t.writePump()

	sess := h.relay.HandleConnect(t)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.HandleError(err)
			} else {
				sess.HandleClose()
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		sess.HandleMessage(data)
	}
}

type transport struct {
	conn   *websocket.Conn
	out    chan []byte
	queued atomic.Int64
	closed chan struct{}
	once   sync.Once
}

var _ relay.Transport = (*transport)(nil)

func newTransport(conn *websocket.Conn) *transport {
	return &transport{
		conn:   conn,
		out:    make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
}

func (t *transport) Send(f *wire.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	t.queued.Add(1)
	select {
	case t.out <- data:
		return nil
	case <-t.closed:
		t.queued.Add(-1)
		return ErrTransportClosed
	}
}

func (t *transport) BufferEmpty() bool {
	return t.queued.Load() == 0
}

func (t *transport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *transport) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		t.conn.Close()
	}()
	for {
		select {
		case data := <-t.out:
			if err := t.writeData(data); err != nil {
				t.Close()
				return
			}
		case <-ping.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.Close()
				return
			}
		case <-t.closed:
			// Frames queued before Close must still go out. A session
			// abort sends its error frame and closes back to back, and
			// this select fires with both cases ready.
			t.drain()
			t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (t *transport) writeData(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	mt := websocket.TextMessage
	if bytes.IndexByte(data, 0) >= 0 {
		mt = websocket.BinaryMessage
	}
	err := t.conn.WriteMessage(mt, data)
	t.queued.Add(-1)
	return err
}

func (t *transport) drain() {
	for {
		select {
		case data := <-t.out:
			if err := t.writeData(data); err != nil {
				return
			}
		default:
			return
		}
	}
}
