package relay

import "github.com/haivivi/webchat/pkg/wire"

// Transport is one bidirectional client connection. Send queues a frame for
// delivery; BufferEmpty reports whether every queued frame has been written
// out, which gates non-final assistant deliveries.
type Transport interface {
	Send(f *wire.Frame) error
	BufferEmpty() bool
	Close() error
}
