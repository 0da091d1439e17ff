// Copyright 2024 Rob Blackbourn. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package bareclient

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Handler produces the response for a request.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps a handler. It receives the rest of the chain as an
// explicit continuation: it may call next at most once, skip it entirely to
// short-circuit, or transform the request and response on the way through.
// Middleware must treat the request as immutable and Clone it before
// changing it.
type Middleware func(ctx context.Context, req *Request, next Handler) (*Response, error)

// chainMiddleware folds the middleware around handler. The first middleware
// in the list becomes the outermost layer: it sees the request first and the
// response last.
func chainMiddleware(handler Handler, middleware ...Middleware) Handler {
	h := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		h = wrapMiddleware(middleware[i], h)
	}
	return h
}

// wrapMiddleware binds one middleware to its continuation. Every invocation
// of the resulting handler gets a fresh single-use continuation: a
// middleware that calls next twice gets a MiddlewareError on the second
// call.
func wrapMiddleware(mw Middleware, next Handler) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		var called int32
		once := func(ctx context.Context, req *Request) (*Response, error) {
			if !atomic.CompareAndSwapInt32(&called, 0, 1) {
				return nil, errors.WithStack(MiddlewareError{})
			}
			return next(ctx, req)
		}
		return mw(ctx, req, once)
	}
}
