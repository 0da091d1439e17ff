package bareclient

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/pkg/errors"
)

// The error taxonomy uses small marker types as causes; call sites attach
// context with errors.Wrap and callers classify with errors.Cause.

// ConnectError is the cause for DNS or socket level connect failures.
type ConnectError struct{}

func (ConnectError) Error() string { return "connect failed" }

// TLSError is the cause for TLS handshake or certificate failures.
type TLSError struct{}

func (TLSError) Error() string { return "tls handshake failed" }

// NegotiationError is returned when the peer selected an application
// protocol this client does not support.
type NegotiationError struct {
	Proto string // the protocol the peer selected
}

func (e NegotiationError) Error() string {
	return fmt.Sprintf("unsupported negotiated protocol %q", e.Proto)
}

// ProtocolError is the cause for malformed frames or events from the peer,
// all of which are fatal to the affected connection or stream.
type ProtocolError struct{}

func (ProtocolError) Error() string { return "protocol error" }

// StreamResetError is returned when the HTTP/2 peer reset one stream.
// Other streams on the connection are unaffected.
type StreamResetError struct {
	ID   uint32 // the reset stream
	Code uint32 // the HTTP/2 error code
}

func (e StreamResetError) Error() string {
	return fmt.Sprintf("stream %d reset by peer (code %d)", e.ID, e.Code)
}

// TimeoutError is the cause for an exceeded connect or request deadline.
type TimeoutError struct{}

func (TimeoutError) Error() string   { return "deadline exceeded" }
func (TimeoutError) Timeout() bool   { return true }
func (TimeoutError) Temporary() bool { return true }

// DisconnectedError is surfaced to body consumers when the connection
// closed while a body was being read.
type DisconnectedError struct{}

func (DisconnectedError) Error() string { return "connection closed" }

// MiddlewareError is returned when a middleware handler invokes its
// continuation more than once. It indicates an implementation bug and is
// never retried.
type MiddlewareError struct{}

func (MiddlewareError) Error() string { return "middleware invoked its continuation more than once" }

// connClosedError is the internal cause used when an operation is attempted
// on a closed connection.
type connClosedError struct{}

func (connClosedError) Error() string { return "use of closed connection" }

func isClosedError(err error) bool {
	switch errors.Cause(err) {
	case connClosedError{}, DisconnectedError{}, io.ErrClosedPipe, io.EOF:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if _, ok := errors.Cause(err).(TimeoutError); ok {
		return true
	}
	if nerr, ok := errors.Cause(err).(net.Error); ok {
		return nerr.Timeout()
	}
	return errors.Cause(err) == context.DeadlineExceeded
}

// mapReadError folds transport read errors into the taxonomy.
func mapReadError(err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return errors.WithStack(TimeoutError{})
	}
	if errors.Cause(err) == io.EOF || errors.Cause(err) == io.ErrUnexpectedEOF {
		return errors.WithStack(DisconnectedError{})
	}
	return err
}
