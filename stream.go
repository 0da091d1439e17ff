package bareclient

import (
	"context"
	"time"
)

// Conn is a negotiated client connection running one wire protocol.
// A Conn owns its transport byte stream and protocol engine exclusively;
// callers interact with it only through the streams it hands out.
type Conn interface {
	// NewStream reserves an exchange on the connection. For HTTP/1.1 this
	// blocks, in FIFO order, until the previous exchange has been fully
	// drained. The context only bounds the wait itself.
	NewStream(ctx context.Context) (Stream, error)
	// Proto returns the negotiated protocol name.
	Proto() string
	// Close closes the connection, failing any active streams.
	Close() error
}

// Stream carries one request/response exchange as ACGI events.
type Stream interface {
	// Send accepts RequestEvent, RequestBodyEvent and DisconnectEvent.
	Send(ev Event) error
	// Receive yields ConnectedEvent, ResponseEvent, ResponseBodyEvent and
	// DisconnectEvent, in that order for a successful exchange.
	Receive() (Event, error)
	// SetDeadline bounds future Send and Receive calls.
	// A zero time means no deadline.
	SetDeadline(t time.Time) error
	// Close abandons the exchange, releasing any buffered data. For HTTP/2
	// an unfinished stream is cancelled with RST_STREAM; for HTTP/1.1 the
	// connection is closed since the byte stream cannot be resynchronized.
	Close() error
}
