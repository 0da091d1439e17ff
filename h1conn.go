// Copyright 2024 Rob Blackbourn. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package bareclient

import (
	"context"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// H1Conn is the HTTP/1.1 protocol adapter. It drives a single exchange at a
// time over one transport connection; senders queue on a FIFO gate until the
// previous response body has been fully drained.
type H1Conn struct {
	rwc    net.Conn
	engine *h1Engine
	bufsiz int
	rbuf   []byte

	gate     chan struct{} // capacity 1, holds the active exchange
	mu       sync.Mutex
	doneChan chan struct{}

	serialNumber uint32
	netLog       bool // if true, log events using log.Print()
}

var h1ConnNextSerialNumber uint32

func newH1Conn(rwc net.Conn, bufsiz int) *H1Conn {
	if bufsiz <= 0 {
		bufsiz = DefaultReadBufferSize
	}
	return &H1Conn{
		rwc:          rwc,
		engine:       newH1Engine(),
		bufsiz:       bufsiz,
		rbuf:         make([]byte, bufsiz),
		gate:         make(chan struct{}, 1),
		doneChan:     make(chan struct{}),
		serialNumber: atomic.AddUint32(&h1ConnNextSerialNumber, 1),
	}
}

// Proto returns the negotiated protocol name.
func (c *H1Conn) Proto() string { return ProtoHTTP1 }

func (c *H1Conn) isClosed() bool {
	return isClosedChan(c.doneChan)
}

// Close closes the connection. Any active exchange fails with a closed
// connection error.
func (c *H1Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if isClosedChan(c.doneChan) {
		return nil
	}
	close(c.doneChan)
	return c.rwc.Close()
}

// NewStream reserves the connection for one exchange. Waiters are served in
// FIFO order; the context only bounds the wait.
func (c *H1Conn) NewStream(ctx context.Context) (Stream, error) {
	select {
	case <-c.doneChan:
		return nil, errors.WithStack(connClosedError{})
	default:
	}
	select {
	case c.gate <- struct{}{}:
		if c.isClosed() {
			<-c.gate
			return nil, errors.WithStack(connClosedError{})
		}
		return &h1Stream{conn: c}, nil
	case <-c.doneChan:
		return nil, errors.WithStack(connClosedError{})
	case <-ctx.Done():
		if errors.Cause(ctx.Err()) == context.DeadlineExceeded {
			return nil, errors.WithStack(TimeoutError{})
		}
		return nil, errors.WithStack(ctx.Err())
	}
}

// releaseExchange ends the active exchange. A non-reusable connection is
// closed before the gate is released.
func (c *H1Conn) releaseExchange(reusable bool) {
	if reusable {
		if err := c.engine.startNextCycle(); err != nil {
			reusable = false
		}
	}
	if !reusable {
		c.Close()
	}
	<-c.gate
}

// h1Stream is the single exchange active on an H1Conn.
type h1Stream struct {
	conn        *H1Conn
	pending     []engineEvent
	connected   bool // ConnectedEvent has been delivered
	reqDone     bool // end of request body written
	respDone    bool // end of response body seen
	deadline    time.Time
	releaseOnce sync.Once
}

func (s *h1Stream) SetDeadline(t time.Time) error {
	s.deadline = t
	return nil
}

func (s *h1Stream) release(reusable bool) {
	s.releaseOnce.Do(func() {
		s.conn.releaseExchange(reusable)
	})
}

// Close abandons the exchange. HTTP/1.1 cannot resynchronize mid-message,
// so an unfinished exchange closes the whole connection.
func (s *h1Stream) Close() error {
	if s.respDone && s.reqDone {
		s.release(true)
		return nil
	}
	err := s.conn.Close()
	s.release(false)
	return err
}

func (s *h1Stream) Send(ev Event) error {
	if s.conn.isClosed() {
		return errors.WithStack(connClosedError{})
	}

	var out []byte
	switch ev := ev.(type) {
	case RequestEvent:
		out = s.conn.engine.encodeRequest(&ev)
		out = append(out, s.conn.engine.encodeBodyChunk(ev.Body)...)
		if !ev.MoreBody {
			out = append(out, s.conn.engine.encodeEndStream()...)
			s.reqDone = true
		}
	case RequestBodyEvent:
		out = s.conn.engine.encodeBodyChunk(ev.Body)
		if !ev.MoreBody {
			out = append(out, s.conn.engine.encodeEndStream()...)
			s.reqDone = true
		}
	case DisconnectEvent:
		err := s.conn.Close()
		s.release(false)
		return err
	default:
		return errors.Wrapf(ProtocolError{}, "unknown request event %T", ev)
	}

	if len(out) == 0 {
		return nil
	}
	if err := s.conn.rwc.SetWriteDeadline(s.deadline); err != nil {
		s.conn.Close()
		s.release(false)
		return errors.WithStack(err)
	}
	if _, err := s.conn.rwc.Write(out); err != nil {
		if isTimeout(err) {
			return errors.WithStack(TimeoutError{})
		}
		s.conn.Close()
		s.release(false)
		return errors.WithStack(err)
	}
	if s.conn.netLog {
		log.Printf("[H1Conn %x] SENT %T %d bytes", s.conn.serialNumber, ev, len(out))
	}
	return nil
}

func (s *h1Stream) Receive() (Event, error) {
	if !s.connected {
		s.connected = true
		return ConnectedEvent{Proto: ProtoHTTP1}, nil
	}

	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			switch ev := ev.(type) {
			case h1Status:
				re := ResponseEvent{
					Proto:      "HTTP/1.1",
					StatusCode: ev.code,
					Headers:    ev.headers,
					MoreBody:   ev.moreBody,
				}
				if !ev.moreBody {
					// the engine emits the EOM in the same batch
					s.finish()
				}
				return re, nil
			case h1Data:
				return ResponseBodyEvent{Body: ev.p, MoreBody: true}, nil
			case h1EOM:
				s.finish()
				return ResponseBodyEvent{MoreBody: false}, nil
			}
		}

		if err := s.fill(); err != nil {
			if errors.Cause(err) == (DisconnectedError{}) {
				// peer closed mid-message
				s.conn.Close()
				s.release(false)
				return DisconnectEvent{}, nil
			}
			if !isTimeout(err) {
				s.conn.Close()
				s.release(false)
			}
			return nil, err
		}
	}
}

// finish consumes any trailing EOM and ends the exchange.
func (s *h1Stream) finish() {
	s.respDone = true
	reusable := s.conn.engine.reusable && s.reqDone
	for len(s.pending) > 0 {
		if _, ok := s.pending[0].(h1EOM); !ok {
			break
		}
		s.pending = s.pending[1:]
	}
	s.release(reusable)
}

// fill reads from the transport and feeds the engine until it produces at
// least one event.
func (s *h1Stream) fill() error {
	for len(s.pending) == 0 {
		if err := s.conn.rwc.SetReadDeadline(s.deadline); err != nil {
			return errors.WithStack(err)
		}
		n, err := s.conn.rwc.Read(s.conn.rbuf)
		if n > 0 {
			evs, perr := s.conn.engine.feed(s.conn.rbuf[:n])
			s.pending = append(s.pending, evs...)
			if perr != nil {
				return perr
			}
		}
		if err != nil {
			if isTimeout(err) {
				return errors.WithStack(TimeoutError{})
			}
			evs, eerr := s.conn.engine.feedEOF()
			s.pending = append(s.pending, evs...)
			if len(s.pending) > 0 {
				return nil
			}
			if eerr != nil {
				return eerr
			}
			return errors.WithStack(DisconnectedError{})
		}
	}
	return nil
}
