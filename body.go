package bareclient

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// responseBody pulls ResponseBodyEvents from a stream on demand. It is the
// consumer side of the streaming body contract: single pass, finite, and
// released eagerly on early abandonment.
type responseBody struct {
	mu     sync.Mutex
	stream Stream
	buf    []byte // remainder of the current chunk
	more   bool   // the peer has more chunks to deliver
	done   bool   // the stream has been released
	closed bool
	err    error  // sticky terminal error
	onDone func() // invoked exactly once when drained or closed
}

func newResponseBody(stream Stream, more bool, onDone func()) *responseBody {
	b := &responseBody{
		stream: stream,
		more:   more,
		onDone: onDone,
	}
	if !more {
		b.finishLocked()
	}
	return b
}

// finishLocked marks the body exhausted and releases the exchange.
func (b *responseBody) finishLocked() {
	if !b.done {
		b.done = true
		if b.onDone != nil {
			b.onDone()
		}
	}
}

// next refills buf with the next chunk from the stream.
func (b *responseBody) next() error {
	ev, err := b.stream.Receive()
	if err != nil {
		b.err = err
		b.finishLocked()
		return err
	}
	switch ev := ev.(type) {
	case ResponseBodyEvent:
		b.buf = ev.Body
		b.more = ev.MoreBody
		if !b.more {
			b.finishLocked()
		}
		return nil
	case DisconnectEvent:
		b.err = errors.WithStack(DisconnectedError{})
		b.finishLocked()
		return b.err
	default:
		b.err = errors.Wrapf(ProtocolError{}, "unexpected event %T while reading body", ev)
		b.finishLocked()
		return b.err
	}
}

// Chunk returns the next body chunk, or io.EOF once the final chunk has
// been delivered.
func (b *responseBody) Chunk() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buf) > 0 {
		chunk := b.buf
		b.buf = nil
		return chunk, nil
	}
	for {
		if b.err != nil {
			return nil, b.err
		}
		if b.closed || (b.done && !b.more) {
			return nil, io.EOF
		}
		if err := b.next(); err != nil {
			return nil, err
		}
		if len(b.buf) > 0 {
			chunk := b.buf
			b.buf = nil
			return chunk, nil
		}
		if !b.more {
			return nil, io.EOF
		}
	}
}

// Read implements io.Reader over the chunk sequence.
func (b *responseBody) Read(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.buf) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		if b.closed || (b.done && !b.more) {
			return 0, io.EOF
		}
		if err = b.next(); err != nil {
			return 0, err
		}
	}
	n = copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

// Close abandons the body. If the stream has not ended, it is cancelled so
// the peer stops sending data for it.
func (b *responseBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.buf = nil
	if !b.done {
		err := b.stream.Close()
		b.finishLocked()
		return err
	}
	return nil
}
