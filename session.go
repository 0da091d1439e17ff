// Copyright 2024 Rob Blackbourn. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package bareclient

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SessionConfig configures a Session. The zero value is usable.
type SessionConfig struct {
	// Transport carries the TLS and dialing options.
	Transport *TransportConfig

	// Middleware is applied around every request, first entry outermost.
	// The cookie layer runs inside the configured middleware.
	Middleware []Middleware

	// Jar is the cookie jar. Nil means a fresh in-memory jar.
	Jar http.CookieJar

	// ConnectTimeout bounds dialing and the TLS handshake. Zero means
	// DefaultConnectTimeout; a negative value disables the timeout.
	ConnectTimeout time.Duration

	// RequestTimeout bounds a whole exchange including reading the response
	// body. Zero or negative means no timeout.
	RequestTimeout time.Duration

	// IdleTimeout is how long an unused connection is kept before the
	// reaper closes it. Zero means DefaultIdleTimeout; a negative value
	// keeps idle connections until the session is closed.
	IdleTimeout time.Duration

	// ReadBufferSize is the chunk size for request and response bodies,
	// default DefaultReadBufferSize.
	ReadBufferSize int
}

// Session is a streaming HTTP client that reuses connections per origin and
// carries cookies across requests. An origin is dialed at most once while
// its connection stays healthy; requests to the same HTTP/1.1 origin
// serialize in FIFO order, requests to an HTTP/2 origin multiplex. A
// background reaper closes connections that stay idle past IdleTimeout.
type Session struct {
	config  SessionConfig
	jar     http.CookieJar
	handler Handler

	mu        sync.Mutex
	conns     map[string]*sessionConn // keyed by origin
	doneChan  chan struct{}
	closeOnce sync.Once
}

// sessionConn tracks one cached connection.
type sessionConn struct {
	conn     Conn
	active   int       // in-flight exchanges
	lastUsed time.Time // last release, only meaningful when active == 0
}

// NewSession returns a Session with the given configuration and starts its
// idle reaper. A nil config uses defaults. Close releases the session's
// connections and stops the reaper.
func NewSession(config *SessionConfig) *Session {
	s := &Session{
		conns:    make(map[string]*sessionConn),
		doneChan: make(chan struct{}),
	}
	if config != nil {
		s.config = *config
	}
	s.jar = s.config.Jar
	if s.jar == nil {
		// the error path is unreachable with nil options
		s.jar, _ = cookiejar.New(nil)
	}
	middleware := append(append([]Middleware{}, s.config.Middleware...), cookieMiddleware(s.jar))
	s.handler = chainMiddleware(s.dispatch, middleware...)

	if s.config.IdleTimeout >= 0 {
		go s.reapLoop(idleTimeout(s.config.IdleTimeout))
	}
	return s
}

// Jar returns the session's cookie jar.
func (s *Session) Jar() http.CookieJar { return s.jar }

// Close closes every cached connection and stops the reaper. Active
// exchanges fail with a closed connection error.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.doneChan)
		s.mu.Lock()
		conns := s.conns
		s.conns = make(map[string]*sessionConn)
		s.mu.Unlock()
		for _, sc := range conns {
			sc.conn.Close()
		}
	})
	return nil
}

// Request performs req through the middleware chain. The response body
// must be drained or closed; either returns the connection to the cache.
func (s *Session) Request(ctx context.Context, req *Request) (*Response, error) {
	select {
	case <-s.doneChan:
		return nil, errors.WithStack(connClosedError{})
	default:
	}
	return s.handler(ctx, req)
}

// Get is a convenience for a GET request.
func (s *Session) Get(ctx context.Context, rawurl string) (*Response, error) {
	req, err := NewRequest("GET", rawurl, nil)
	if err != nil {
		return nil, err
	}
	return s.Request(ctx, req)
}

// Post is a convenience for a POST request with a streamed body.
func (s *Session) Post(ctx context.Context, rawurl, contentType string, body io.Reader) (*Response, error) {
	req, err := NewRequest("POST", rawurl, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Headers.Add("content-type", contentType)
	}
	return s.Request(ctx, req)
}

// dispatch is the innermost handler: acquire the origin's connection,
// exchange, and return the connection to the cache when the body is done.
// A cached connection found closed is replaced with one redial.
func (s *Session) dispatch(ctx context.Context, req *Request) (*Response, error) {
	origin := req.Origin()

	for attempt := 0; ; attempt++ {
		sc, cached, err := s.acquire(ctx, origin, req)
		if err != nil {
			return nil, err
		}

		reqCtx, reqCancel := withTimeout(ctx, s.config.RequestTimeout)
		resp, err := roundTrip(reqCtx, sc.conn, req, s.config.ReadBufferSize, func() {
			reqCancel()
			s.release(origin, sc)
		})
		if err != nil {
			reqCancel()
			if !connIsClosed(sc.conn) && !isClosedError(err) {
				// the connection survived; other streams on it may be
				// active, so only this exchange is given up
				s.release(origin, sc)
				return nil, err
			}
			s.discard(origin, sc)
			if cached && attempt == 0 && isClosedError(err) && req.Body == nil {
				// the cached connection went stale under us
				continue
			}
			return nil, err
		}
		return resp, nil
	}
}

// acquire returns the cached connection for origin, dialing if absent or
// closed. cached reports whether the connection predates this call.
func (s *Session) acquire(ctx context.Context, origin string, req *Request) (*sessionConn, bool, error) {
	s.mu.Lock()
	if sc, ok := s.conns[origin]; ok && !connIsClosed(sc.conn) {
		sc.active++
		s.mu.Unlock()
		return sc, true, nil
	}
	s.mu.Unlock()

	connectCtx, cancel := withTimeout(ctx, connectTimeout(s.config.ConnectTimeout))
	conn, err := Connect(connectCtx, req.URL, s.config.Transport)
	cancel()
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	if isClosedChan(s.doneChan) {
		s.mu.Unlock()
		conn.Close()
		return nil, false, errors.WithStack(connClosedError{})
	}
	if sc, ok := s.conns[origin]; ok && !connIsClosed(sc.conn) {
		// another request dialed first; keep the established one
		sc.active++
		s.mu.Unlock()
		conn.Close()
		return sc, true, nil
	}
	sc := &sessionConn{conn: conn, active: 1}
	s.conns[origin] = sc
	s.mu.Unlock()
	return sc, false, nil
}

func (s *Session) release(origin string, sc *sessionConn) {
	s.mu.Lock()
	sc.active--
	sc.lastUsed = time.Now()
	s.mu.Unlock()
}

// discard drops a failed connection from the cache.
func (s *Session) discard(origin string, sc *sessionConn) {
	s.mu.Lock()
	sc.active--
	if s.conns[origin] == sc {
		delete(s.conns, origin)
	}
	s.mu.Unlock()
	sc.conn.Close()
}

// reapLoop closes connections that stay idle past the timeout.
func (s *Session) reapLoop(timeout time.Duration) {
	interval := timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.doneChan:
			return
		case now := <-ticker.C:
			s.reap(now, timeout)
		}
	}
}

func (s *Session) reap(now time.Time, timeout time.Duration) {
	s.mu.Lock()
	var doomed []Conn
	for origin, sc := range s.conns {
		if sc.active == 0 && (connIsClosed(sc.conn) || now.Sub(sc.lastUsed) >= timeout) {
			doomed = append(doomed, sc.conn)
			delete(s.conns, origin)
		}
	}
	s.mu.Unlock()
	for _, conn := range doomed {
		conn.Close()
	}
}

func connIsClosed(conn Conn) bool {
	if c, ok := conn.(interface{ isClosed() bool }); ok {
		return c.isClosed()
	}
	return false
}

func idleTimeout(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultIdleTimeout
	}
	return d
}

// cookieMiddleware attaches the jar's cookies to outgoing requests and
// stores set-cookie headers from responses, applying RFC 6265 domain, path
// and expiry matching. Each response's cookies are applied in one step.
func cookieMiddleware(jar http.CookieJar) Middleware {
	return func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		if cookies := jar.Cookies(req.URL); len(cookies) > 0 {
			pairs := make([]string, 0, len(cookies))
			for _, c := range cookies {
				pairs = append(pairs, c.Name+"="+c.Value)
			}
			req = req.Clone()
			req.Headers.Add("cookie", strings.Join(pairs, "; "))
		}

		resp, err := next(ctx, req)
		if err != nil {
			return nil, err
		}
		if values := resp.Headers.Values("set-cookie"); len(values) != 0 {
			header := make(http.Header, 1)
			for _, v := range values {
				header.Add("Set-Cookie", v)
			}
			cookies := (&http.Response{Header: header}).Cookies()
			jar.SetCookies(req.URL, cookies)
		}
		return resp, nil
	}
}
