// Copyright 2024 Rob Blackbourn. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package bareclient

import (
	"bufio"
	"bytes"
	"context"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// H2Conn is the HTTP/2 protocol adapter. It multiplexes many concurrent
// exchanges over one transport connection. A single reader goroutine owns
// the inbound side of the framer and dispatches frames to per-stream
// queues; writers serialize on wmu. Flow control is a per-stream and
// per-connection send window replenished by WINDOW_UPDATE signals; an
// exhausted window parks the sender on a channel, it never spins.
type H2Conn struct {
	rwc net.Conn
	fr  *http2.Framer
	bw  *bufio.Writer

	wmu          sync.Mutex // serializes frame writes and stream id allocation
	henc         *hpack.Encoder
	hbuf         bytes.Buffer
	nextStreamID uint32

	mu                sync.Mutex // guards the fields below
	streams           map[uint32]*h2Stream
	goawayLastID      uint32
	goingAway         bool
	connSendWindow    int32
	peerInitialWindow int32

	slots    chan struct{} // bounds concurrent streams
	doneChan chan struct{}

	serialNumber uint32
	netLog       bool // if true, log frame traffic using log.Print()
}

var h2ConnNextSerialNumber uint32

// newH2Conn writes the client preface and SETTINGS and starts the reader.
func newH2Conn(rwc net.Conn, bufsiz int) (*H2Conn, error) {
	if bufsiz <= 0 {
		bufsiz = DefaultReadBufferSize
	}
	bw := bufio.NewWriterSize(rwc, bufsiz)
	fr := http2.NewFramer(bw, bufio.NewReaderSize(rwc, bufsiz))
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	fr.MaxHeaderListSize = MaxHeaderListSize

	c := &H2Conn{
		rwc:               rwc,
		fr:                fr,
		bw:                bw,
		nextStreamID:      1,
		streams:           make(map[uint32]*h2Stream),
		connSendWindow:    initialWindowSize,
		peerInitialWindow: initialWindowSize,
		slots:             make(chan struct{}, MaxConcurrentStreams),
		doneChan:          make(chan struct{}),
		serialNumber:      atomic.AddUint32(&h2ConnNextSerialNumber, 1),
	}
	c.henc = hpack.NewEncoder(&c.hbuf)

	if _, err := rwc.Write([]byte(http2.ClientPreface)); err != nil {
		rwc.Close()
		return nil, errors.WithStack(err)
	}
	err := fr.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: MaxConcurrentStreams},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: MaxHeaderListSize},
	)
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		rwc.Close()
		return nil, errors.WithStack(err)
	}

	go c.readLoop()
	return c, nil
}

// Proto returns the negotiated protocol name.
func (c *H2Conn) Proto() string { return ProtoHTTP2 }

func (c *H2Conn) isClosed() bool {
	return isClosedChan(c.doneChan)
}

// Close tears down the connection, failing all active streams.
func (c *H2Conn) Close() error {
	c.teardown(errors.WithStack(connClosedError{}))
	return nil
}

// teardown closes the connection once and fails every active stream.
func (c *H2Conn) teardown(err error) {
	c.mu.Lock()
	if isClosedChan(c.doneChan) {
		c.mu.Unlock()
		return
	}
	close(c.doneChan)
	streams := c.streams
	c.streams = make(map[uint32]*h2Stream)
	c.mu.Unlock()

	for _, st := range streams {
		st.deliverErr(err)
	}
	c.rwc.Close()
}

// NewStream reserves a concurrency slot for one exchange. The stream id is
// assigned when the request headers are written.
func (c *H2Conn) NewStream(ctx context.Context) (Stream, error) {
	select {
	case <-c.doneChan:
		return nil, errors.WithStack(connClosedError{})
	default:
	}
	select {
	case c.slots <- struct{}{}:
		st := &h2Stream{
			conn:     c,
			notify:   make(chan struct{}, 1),
			windowCh: make(chan struct{}, 1),
			resetCh:  make(chan struct{}),
			deadline: makeDeadline(),
		}
		return st, nil
	case <-c.doneChan:
		return nil, errors.WithStack(connClosedError{})
	case <-ctx.Done():
		if errors.Cause(ctx.Err()) == context.DeadlineExceeded {
			return nil, errors.WithStack(TimeoutError{})
		}
		return nil, errors.WithStack(ctx.Err())
	}
}

func (c *H2Conn) getStream(id uint32) *h2Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *H2Conn) forgetStream(id uint32) {
	c.mu.Lock()
	_, ok := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if ok {
		<-c.slots
	}
}

// readLoop is the reactor: it owns the inbound framer and dispatches
// events to streams. No other goroutine reads the transport.
func (c *H2Conn) readLoop() {
	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			if se, ok := err.(http2.StreamError); ok {
				// bad frame on one stream only
				if st := c.getStream(se.StreamID); st != nil {
					st.deliverErr(errors.Wrapf(ProtocolError{}, "%v", se))
					st.forget()
				}
				continue
			}
			c.teardown(mapReadError(errors.WithStack(err)))
			return
		}
		if c.netLog {
			log.Printf("[H2Conn %x] READ %v", c.serialNumber, f)
		}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			c.processHeaders(f)
		case *http2.DataFrame:
			c.processData(f)
		case *http2.RSTStreamFrame:
			if st := c.getStream(f.StreamID); st != nil {
				st.deliverErr(errors.WithStack(StreamResetError{ID: f.StreamID, Code: uint32(f.ErrCode)}))
				st.forget()
			}
		case *http2.SettingsFrame:
			if err := c.processSettings(f); err != nil {
				c.teardown(err)
				return
			}
		case *http2.WindowUpdateFrame:
			c.processWindowUpdate(f)
		case *http2.PingFrame:
			if !f.IsAck() {
				c.writeFrame(func(fr *http2.Framer) error {
					return fr.WritePing(true, f.Data)
				})
			}
		case *http2.GoAwayFrame:
			c.processGoAway(f)
		}
	}
}

func (c *H2Conn) processHeaders(f *http2.MetaHeadersFrame) {
	st := c.getStream(f.StreamID)
	if st == nil {
		return
	}
	if st.sawResponse {
		// a HEADERS block after the response head carries trailers,
		// which end the body rather than starting a new response
		if f.StreamEnded() {
			st.deliver(ResponseBodyEvent{ID: f.StreamID, MoreBody: false})
			st.remoteEnded()
		}
		return
	}
	statusCode := 200
	headers := make(Headers, 0, len(f.Fields))
	for _, hf := range f.Fields {
		if hf.Name == ":status" {
			if code, err := strconv.Atoi(hf.Value); err == nil {
				statusCode = code
			}
			continue
		}
		if strings.HasPrefix(hf.Name, ":") {
			continue
		}
		headers.Add(hf.Name, hf.Value)
	}
	if statusCode >= 100 && statusCode < 200 {
		// informational response, the final one follows
		return
	}
	st.sawResponse = true
	ended := f.StreamEnded()
	st.deliver(ResponseEvent{
		ID:         f.StreamID,
		Proto:      "HTTP/2.0",
		StatusCode: statusCode,
		Headers:    headers,
		MoreBody:   !ended,
	})
	if ended {
		st.remoteEnded()
	}
}

func (c *H2Conn) processData(f *http2.DataFrame) {
	st := c.getStream(f.StreamID)
	if st == nil {
		// stale stream; return the flow control credit
		if n := len(f.Data()); n > 0 {
			c.addReceiveCredit(0, n)
		}
		return
	}
	// the framer reuses its buffer, so the payload must be copied
	data := append([]byte(nil), f.Data()...)
	ended := f.StreamEnded()
	st.deliver(ResponseBodyEvent{ID: f.StreamID, Body: data, MoreBody: !ended})
	if ended {
		st.remoteEnded()
	}
}

func (c *H2Conn) processSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	if v, ok := f.Value(http2.SettingInitialWindowSize); ok {
		c.mu.Lock()
		delta := int32(v) - c.peerInitialWindow
		c.peerInitialWindow = int32(v)
		for _, st := range c.streams {
			atomic.AddInt32(&st.sendWindow, delta)
			st.signalWindow()
		}
		c.mu.Unlock()
	}
	return c.writeFrame(func(fr *http2.Framer) error {
		return fr.WriteSettingsAck()
	})
}

func (c *H2Conn) processWindowUpdate(f *http2.WindowUpdateFrame) {
	if f.StreamID == 0 {
		c.mu.Lock()
		c.connSendWindow += int32(f.Increment)
		for _, st := range c.streams {
			st.signalWindow()
		}
		c.mu.Unlock()
		return
	}
	if st := c.getStream(f.StreamID); st != nil {
		atomic.AddInt32(&st.sendWindow, int32(f.Increment))
		st.signalWindow()
	}
}

// processGoAway fails streams the peer will not process; streams at or
// below the last processed id continue unaffected.
func (c *H2Conn) processGoAway(f *http2.GoAwayFrame) {
	c.mu.Lock()
	c.goingAway = true
	c.goawayLastID = f.LastStreamID
	var doomed []*h2Stream
	for id, st := range c.streams {
		if id > f.LastStreamID {
			doomed = append(doomed, st)
		}
	}
	c.mu.Unlock()
	for _, st := range doomed {
		st.deliverErr(errors.WithStack(DisconnectedError{}))
		st.forget()
	}
}

// writeFrame runs fn with exclusive access to the framer and flushes.
func (c *H2Conn) writeFrame(fn func(*http2.Framer) error) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := fn(c.fr); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(c.bw.Flush())
}

// addReceiveCredit returns consumed bytes to the peer's view of our
// receive windows. Stream id 0 updates only the connection window.
func (c *H2Conn) addReceiveCredit(id uint32, n int) {
	if n <= 0 {
		return
	}
	c.writeFrame(func(fr *http2.Framer) error {
		if err := fr.WriteWindowUpdate(0, uint32(n)); err != nil {
			return err
		}
		if id != 0 {
			return fr.WriteWindowUpdate(id, uint32(n))
		}
		return nil
	})
}

// h2Stream is one multiplexed exchange within an H2Conn.
type h2Stream struct {
	conn *H2Conn
	id   uint32

	qmu           sync.Mutex
	q             []streamMsg
	qerr          error
	notify        chan struct{}
	respEnded     bool
	reqEnded      bool
	forgotten     bool
	pendingCredit int  // body bytes queued but not yet pulled or reclaimed
	reclaimed     bool // queued credits were returned at forget

	sawResponse bool // reader goroutine only: response head delivered

	sendWindow int32 // atomic
	windowCh   chan struct{}

	resetOnce sync.Once
	resetCh   chan struct{}

	deadline deadline
}

type streamMsg struct {
	ev  Event
	err error
}

func (st *h2Stream) SetDeadline(t time.Time) error {
	st.deadline.set(t)
	return nil
}

func (st *h2Stream) signalWindow() {
	select {
	case st.windowCh <- struct{}{}:
	default:
	}
}

// deliver queues an event for the consumer. The queue is unbounded in
// event count but its body bytes are bounded by the receive windows, which
// are only replenished as the consumer pulls chunks, or in one step when
// the stream is forgotten with chunks still queued.
func (st *h2Stream) deliver(ev Event) {
	st.qmu.Lock()
	if st.reclaimed {
		// the consumer is gone; hand the credit straight back
		st.qmu.Unlock()
		if body, ok := ev.(ResponseBodyEvent); ok && len(body.Body) > 0 && !st.conn.isClosed() {
			st.conn.addReceiveCredit(0, len(body.Body))
		}
		return
	}
	if body, ok := ev.(ResponseBodyEvent); ok {
		st.pendingCredit += len(body.Body)
	}
	st.q = append(st.q, streamMsg{ev: ev})
	st.qmu.Unlock()
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

func (st *h2Stream) deliverErr(err error) {
	st.qmu.Lock()
	if st.qerr == nil {
		st.qerr = err
	}
	st.qmu.Unlock()
	st.resetOnce.Do(func() { close(st.resetCh) })
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

// remoteEnded records END_STREAM from the peer and retires the stream once
// both directions are done.
func (st *h2Stream) remoteEnded() {
	st.qmu.Lock()
	st.respEnded = true
	done := st.reqEnded
	st.qmu.Unlock()
	if done {
		st.forget()
	}
}

func (st *h2Stream) localEnded() {
	st.qmu.Lock()
	st.reqEnded = true
	done := st.respEnded
	st.qmu.Unlock()
	if done {
		st.forget()
	}
}

func (st *h2Stream) forget() {
	st.qmu.Lock()
	if st.forgotten {
		st.qmu.Unlock()
		return
	}
	st.forgotten = true
	st.reclaimed = true
	id := st.id
	credit := st.pendingCredit
	st.pendingCredit = 0
	st.qmu.Unlock()
	if id != 0 {
		st.conn.forgetStream(id)
	} else {
		// never sent; just release the slot
		select {
		case <-st.conn.slots:
		default:
		}
	}
	if credit > 0 && !st.conn.isClosed() {
		// chunks the consumer never pulled still count against the
		// connection window until credited back
		st.conn.addReceiveCredit(0, credit)
	}
}

// Close abandons the exchange. An unfinished stream is cancelled with
// RST_STREAM so the peer stops sending data for it; other streams on the
// connection are unaffected.
func (st *h2Stream) Close() error {
	st.qmu.Lock()
	finished := st.respEnded && st.reqEnded
	id := st.id
	st.qmu.Unlock()

	var err error
	if !finished && id != 0 && !st.conn.isClosed() {
		err = st.conn.writeFrame(func(fr *http2.Framer) error {
			return fr.WriteRSTStream(id, http2.ErrCodeCancel)
		})
	}
	st.forget()
	return err
}

func (st *h2Stream) Send(ev Event) error {
	switch ev := ev.(type) {
	case RequestEvent:
		return st.sendRequest(&ev)
	case RequestBodyEvent:
		if err := st.sendData(ev.Body, !ev.MoreBody); err != nil {
			return err
		}
		if !ev.MoreBody {
			st.localEnded()
		}
		return nil
	case DisconnectEvent:
		return st.Close()
	default:
		return errors.Wrapf(ProtocolError{}, "unknown request event %T", ev)
	}
}

// sendRequest allocates the stream id and writes HEADERS. Allocation and
// the write happen under the write lock so ids are monotonic on the wire.
func (st *h2Stream) sendRequest(ev *RequestEvent) error {
	endStream := !ev.MoreBody && len(ev.Body) == 0

	st.conn.wmu.Lock()
	st.conn.mu.Lock()
	if isClosedChan(st.conn.doneChan) || st.conn.goingAway {
		st.conn.mu.Unlock()
		st.conn.wmu.Unlock()
		return errors.WithStack(connClosedError{})
	}
	id := st.conn.nextStreamID
	st.conn.nextStreamID += 2
	st.id = id
	atomic.StoreInt32(&st.sendWindow, st.conn.peerInitialWindow)
	st.conn.streams[id] = st
	st.conn.mu.Unlock()

	st.deliver(ConnectedEvent{Proto: ProtoHTTP2, ID: id})

	st.conn.hbuf.Reset()
	st.conn.henc.WriteField(hpack.HeaderField{Name: ":method", Value: ev.Method})
	st.conn.henc.WriteField(hpack.HeaderField{Name: ":authority", Value: ev.Authority})
	st.conn.henc.WriteField(hpack.HeaderField{Name: ":scheme", Value: ev.Scheme})
	st.conn.henc.WriteField(hpack.HeaderField{Name: ":path", Value: ev.Path})
	for _, h := range ev.Headers.Lower() {
		switch h.Name {
		case "host", "connection", "keep-alive", "transfer-encoding", "upgrade":
			// connection-specific, not allowed on HTTP/2
			continue
		}
		st.conn.henc.WriteField(hpack.HeaderField{Name: h.Name, Value: h.Value})
	}

	err := st.conn.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: st.conn.hbuf.Bytes(),
		EndStream:     endStream,
		EndHeaders:    true,
	})
	if err == nil {
		err = st.conn.bw.Flush()
	}
	st.conn.wmu.Unlock()
	if err != nil {
		st.conn.teardown(errors.WithStack(err))
		return errors.WithStack(err)
	}

	if endStream {
		st.localEnded()
		return nil
	}
	if len(ev.Body) > 0 {
		if err := st.sendData(ev.Body, !ev.MoreBody); err != nil {
			return err
		}
	}
	if !ev.MoreBody {
		st.localEnded()
	}
	return nil
}

// sendData streams one chunk as DATA frames, waiting on the stream and
// connection send windows. The wait parks on the window channel; it is
// woken by WINDOW_UPDATE, reset, deadline or connection close.
func (st *h2Stream) sendData(p []byte, endStream bool) error {
	c := st.conn
	for {
		// reserve window atomically so concurrent streams cannot
		// oversubscribe the connection window
		c.mu.Lock()
		avail := c.connSendWindow
		if w := atomic.LoadInt32(&st.sendWindow); w < avail {
			avail = w
		}
		if avail > maxFrameSize {
			avail = maxFrameSize
		}
		n := len(p)
		if int32(n) > avail {
			n = int(avail)
		}
		if n > 0 {
			c.connSendWindow -= int32(n)
		}
		c.mu.Unlock()

		if n <= 0 && len(p) > 0 {
			select {
			case <-st.windowCh:
				continue
			case <-st.resetCh:
				return st.takeErr()
			case <-st.deadline.wait():
				return errors.WithStack(TimeoutError{})
			case <-c.doneChan:
				return errors.WithStack(connClosedError{})
			}
		}
		if n > 0 {
			atomic.AddInt32(&st.sendWindow, -int32(n))
		}
		end := endStream && n == len(p)
		err := c.writeFrame(func(fr *http2.Framer) error {
			return fr.WriteData(st.id, end, p[:n])
		})
		if err != nil {
			c.teardown(err)
			return err
		}
		p = p[n:]
		if len(p) == 0 {
			return nil
		}
	}
}

// takeErr returns the stream's terminal error.
func (st *h2Stream) takeErr() error {
	st.qmu.Lock()
	defer st.qmu.Unlock()
	if st.qerr != nil {
		return st.qerr
	}
	return errors.WithStack(DisconnectedError{})
}

func (st *h2Stream) Receive() (Event, error) {
	for {
		st.qmu.Lock()
		if len(st.q) > 0 {
			msg := st.q[0]
			st.q = st.q[1:]
			creditN := 0
			creditStream := uint32(0)
			if body, ok := msg.ev.(ResponseBodyEvent); ok && !st.reclaimed {
				creditN = len(body.Body)
				st.pendingCredit -= creditN
				if !st.respEnded && !st.forgotten {
					creditStream = st.id
				}
			}
			st.qmu.Unlock()
			if creditN > 0 {
				// replenish the receive windows as the consumer pulls
				st.conn.addReceiveCredit(creditStream, creditN)
			}
			return msg.ev, nil
		}
		err := st.qerr
		st.qmu.Unlock()
		if err != nil {
			return nil, err
		}

		select {
		case <-st.notify:
		case <-st.deadline.wait():
			return nil, errors.WithStack(TimeoutError{})
		case <-st.conn.doneChan:
			// drain anything queued before the close
			st.qmu.Lock()
			drained := len(st.q) == 0 && st.qerr == nil
			st.qmu.Unlock()
			if drained {
				return nil, errors.WithStack(connClosedError{})
			}
		}
	}
}
