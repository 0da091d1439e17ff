package bareclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"golang.org/x/net/http2"
)

// h2Server serves handler over a loopback connection and returns the client
// side as an H2Conn.
func h2Server(t *testing.T, handler http.Handler) (*H2Conn, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		srv := &http2.Server{}
		srv.ServeConn(c, &http2.ServeConnOpts{
			Handler:    handler,
			BaseConfig: &http.Server{},
		})
	}()
	cc, err := net.Dial("tcp", ln.Addr().String())
	assert.NoError(t, err)
	conn, err := newH2Conn(cc, 0)
	assert.NoError(t, err)
	return conn, func() {
		conn.Close()
		ln.Close()
		<-serverDone
	}
}

func Test_H2Conn_simple_get(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	conn, stop := h2Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "hello")
	}))
	defer stop()

	assert.Equal(t, ProtoHTTP2, conn.Proto())
	s, err := conn.NewStream(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, s.Send(RequestEvent{Method: "GET", Scheme: "http", Authority: "example.com", Path: "/"}))

	ev, err := s.Receive()
	assert.NoError(t, err)
	connected := ev.(ConnectedEvent)
	assert.Equal(t, ProtoHTTP2, connected.Proto)
	assert.Equal(t, uint32(1), connected.ID)

	resp, body, err := collectResponse(t, s)
	assert.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "HTTP/2.0", resp.Proto)
	ct, _ := resp.Headers.Get("content-type")
	assert.Equal(t, "text/plain", ct)
	assert.Equal(t, "hello", string(body))
}

func Test_H2Conn_concurrent_streams(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	conn, stop := h2Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "path=%s", r.URL.Path)
	}))
	defer stop()

	const workers = 10
	var mu sync.Mutex
	ids := make(map[uint32]bool)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := conn.NewStream(context.Background())
			assert.NoError(t, err)
			path := fmt.Sprintf("/worker/%d", i)
			assert.NoError(t, s.Send(RequestEvent{Method: "GET", Scheme: "http", Authority: "example.com", Path: path}))
			ev, err := s.Receive()
			assert.NoError(t, err)
			id := ev.(ConnectedEvent).ID
			mu.Lock()
			assert.False(t, ids[id], "stream id reused")
			assert.NotZero(t, id%2, "client stream ids must be odd")
			ids[id] = true
			mu.Unlock()
			resp, body, err := collectResponse(t, s)
			assert.NoError(t, err)
			assert.Equal(t, 200, resp.StatusCode)
			assert.Equal(t, "path="+path, string(body))
		}(i)
	}
	wg.Wait()
	mu.Lock()
	assert.Equal(t, workers, len(ids))
	mu.Unlock()
}

func Test_H2Conn_large_body_flow_control(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	// well past the 64KiB initial windows in both directions
	payload := bytes.Repeat([]byte("0123456789abcdef"), 16*1024)
	conn, stop := h2Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := io.Copy(w, r.Body)
		assert.NoError(t, err)
		assert.Equal(t, int64(len(payload)), n)
	}))
	defer stop()

	s, err := conn.NewStream(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, s.Send(RequestEvent{
		Method: "POST", Scheme: "http", Authority: "example.com", Path: "/echo",
		Body: payload[:1000], MoreBody: true,
	}))
	ev, err := s.Receive()
	assert.NoError(t, err)
	id := ev.(ConnectedEvent).ID
	for sent := 1000; sent < len(payload); {
		end := sent + 32*1024
		if end > len(payload) {
			end = len(payload)
		}
		assert.NoError(t, s.Send(RequestBodyEvent{ID: id, Body: payload[sent:end], MoreBody: end < len(payload)}))
		sent = end
	}

	_, body, err := collectResponse(t, s)
	assert.NoError(t, err)
	assert.Equal(t, len(payload), len(body))
	assert.Equal(t, payload, body)
}

func Test_H2Conn_abandoned_stream_does_not_block_others(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	cancelled := make(chan struct{})
	conn, stop := h2Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/drip" {
			fl := w.(http.Flusher)
			chunk := bytes.Repeat([]byte("x"), 1024)
			for {
				if _, err := w.Write(chunk); err != nil {
					close(cancelled)
					return
				}
				fl.Flush()
				select {
				case <-r.Context().Done():
					close(cancelled)
					return
				case <-time.After(time.Millisecond):
				}
			}
		}
		fmt.Fprint(w, "ok")
	}))
	defer stop()

	s, err := conn.NewStream(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, s.Send(RequestEvent{Method: "GET", Scheme: "http", Authority: "example.com", Path: "/drip"}))
	ev, err := s.Receive()
	assert.NoError(t, err)
	assert.IsType(t, ConnectedEvent{}, ev)
	ev, err = s.Receive()
	assert.NoError(t, err)
	assert.IsType(t, ResponseEvent{}, ev)
	ev, err = s.Receive()
	assert.NoError(t, err)
	assert.IsType(t, ResponseBodyEvent{}, ev)

	// abandon mid-body; the reset must reach the server
	assert.NoError(t, s.Close())
	select {
	case <-cancelled:
	case <-time.After(time.Second * 5):
		t.Fatal("server never saw the cancellation")
	}

	// the connection is still usable for other exchanges
	s2, err := conn.NewStream(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, s2.Send(RequestEvent{Method: "GET", Scheme: "http", Authority: "example.com", Path: "/ok"}))
	resp, body, err := collectResponse(t, s2)
	assert.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func Test_H2Conn_abandoned_unread_bodies_return_window_credit(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	conn, stop := h2Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n int
		fmt.Sscanf(r.URL.Path, "/body/%d", &n)
		w.Write(bytes.Repeat([]byte("x"), n))
	}))
	defer stop()

	// these sum to the whole 65535-byte initial connection window; each
	// body is delivered but never pulled before the stream is abandoned
	for _, n := range []int{60000, 5000, 535} {
		s, err := conn.NewStream(context.Background())
		assert.NoError(t, err)
		assert.NoError(t, s.Send(RequestEvent{
			Method: "GET", Scheme: "http", Authority: "example.com",
			Path: fmt.Sprintf("/body/%d", n),
		}))
		ev, err := s.Receive()
		assert.NoError(t, err)
		assert.IsType(t, ConnectedEvent{}, ev)
		ev, err = s.Receive()
		assert.NoError(t, err)
		assert.IsType(t, ResponseEvent{}, ev)
		assert.NoError(t, s.Close())
	}

	// with the window credits reclaimed, a later body still flows
	s, err := conn.NewStream(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, s.SetDeadline(time.Now().Add(time.Second*10)))
	assert.NoError(t, s.Send(RequestEvent{
		Method: "GET", Scheme: "http", Authority: "example.com", Path: "/body/100",
	}))
	resp, body, err := collectResponse(t, s)
	assert.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 100, len(body))
}

func Test_H2Conn_trailers_end_body(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	conn, stop := h2Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Trailer", "X-Checksum")
		fmt.Fprint(w, "trailed body")
		w.Header().Set("X-Checksum", "abc123")
	}))
	defer stop()

	s, err := conn.NewStream(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, s.Send(RequestEvent{Method: "GET", Scheme: "http", Authority: "example.com", Path: "/"}))
	resp, body, err := collectResponse(t, s)
	assert.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "trailed body", string(body))

	// the connection remains usable after the trailer block
	s2, err := conn.NewStream(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, s2.Send(RequestEvent{Method: "GET", Scheme: "http", Authority: "example.com", Path: "/"}))
	resp, _, err = collectResponse(t, s2)
	assert.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func Test_H2Conn_receive_deadline(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	release := make(chan struct{})
	conn, stop := h2Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer func() {
		close(release)
		stop()
	}()

	s, err := conn.NewStream(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, s.SetDeadline(time.Now().Add(time.Millisecond*50)))
	assert.NoError(t, s.Send(RequestEvent{Method: "GET", Scheme: "http", Authority: "example.com", Path: "/"}))
	ev, err := s.Receive()
	assert.NoError(t, err)
	assert.IsType(t, ConnectedEvent{}, ev)
	_, err = s.Receive()
	assert.Error(t, err)
	assert.Equal(t, TimeoutError{}, errors.Cause(err))
	s.Close()
}

func Test_H2Conn_close_fails_active_streams(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	conn, stop := h2Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer stop()

	s, err := conn.NewStream(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, s.Send(RequestEvent{Method: "GET", Scheme: "http", Authority: "example.com", Path: "/"}))
	ev, err := s.Receive()
	assert.NoError(t, err)
	assert.IsType(t, ConnectedEvent{}, ev)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Receive()
		errCh <- err
	}()
	time.Sleep(time.Millisecond * 20)
	conn.Close()
	err = <-errCh
	assert.Error(t, err)
	assert.True(t, isClosedError(err), "got %v", err)
}

func Test_H2Conn_new_stream_on_closed(t *testing.T) {
	conn, stop := h2Server(t, http.NotFoundHandler())
	stop()
	s, err := conn.NewStream(context.Background())
	assert.Nil(t, s)
	assert.Error(t, err)
	assert.Equal(t, connClosedError{}, errors.Cause(err))
}
