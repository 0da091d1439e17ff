// Copyright 2024 Rob Blackbourn. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package bareclient

import (
	"context"
	"io"
	"time"
)

// ClientConfig configures a Client. The zero value is usable.
type ClientConfig struct {
	// Transport carries the TLS and dialing options.
	Transport *TransportConfig

	// Middleware is applied around every request, first entry outermost.
	Middleware []Middleware

	// ConnectTimeout bounds dialing and the TLS handshake. Zero means
	// DefaultConnectTimeout; a negative value disables the timeout.
	ConnectTimeout time.Duration

	// RequestTimeout bounds a whole exchange including reading the response
	// body. Zero or negative means no timeout.
	RequestTimeout time.Duration

	// ReadBufferSize is the chunk size for request and response bodies,
	// default DefaultReadBufferSize.
	ReadBufferSize int
}

// Client is a one-shot streaming HTTP client: every request dials its own
// connection, and closing or draining the response body closes it. Use a
// Session to reuse connections and carry cookies across requests.
type Client struct {
	config  ClientConfig
	handler Handler
}

// NewClient returns a Client with the given configuration. A nil config
// uses defaults.
func NewClient(config *ClientConfig) *Client {
	c := &Client{}
	if config != nil {
		c.config = *config
	}
	c.handler = chainMiddleware(c.dispatch, c.config.Middleware...)
	return c
}

// Request performs req through the middleware chain. The response body
// must be drained or closed; either releases the connection.
func (c *Client) Request(ctx context.Context, req *Request) (*Response, error) {
	return c.handler(ctx, req)
}

// Get is a convenience for a GET request.
func (c *Client) Get(ctx context.Context, rawurl string) (*Response, error) {
	req, err := NewRequest("GET", rawurl, nil)
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, req)
}

// Post is a convenience for a POST request with a streamed body.
func (c *Client) Post(ctx context.Context, rawurl, contentType string, body io.Reader) (*Response, error) {
	req, err := NewRequest("POST", rawurl, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Headers.Add("content-type", contentType)
	}
	return c.Request(ctx, req)
}

// dispatch is the innermost handler: dial, exchange, and tie the
// connection's lifetime to the response body.
func (c *Client) dispatch(ctx context.Context, req *Request) (*Response, error) {
	connectCtx, connectCancel := withTimeout(ctx, connectTimeout(c.config.ConnectTimeout))
	conn, err := Connect(connectCtx, req.URL, c.config.Transport)
	connectCancel()
	if err != nil {
		return nil, err
	}

	reqCtx, reqCancel := withTimeout(ctx, c.config.RequestTimeout)
	resp, err := roundTrip(reqCtx, conn, req, c.config.ReadBufferSize, func() {
		conn.Close()
		reqCancel()
	})
	if err != nil {
		conn.Close()
		reqCancel()
		return nil, err
	}
	return resp, nil
}

func connectTimeout(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultConnectTimeout
	}
	return d
}

// withTimeout derives a context bounded by d. Non-positive d leaves the
// context as is.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
