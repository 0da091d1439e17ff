// Copyright 2024 Rob Blackbourn. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package bareclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/base64"
	"io"

	"github.com/pkg/errors"
)

// BasicAuth returns a middleware that adds an authorization header with the
// given credentials to every request that does not carry one already.
func BasicAuth(username, password string) Middleware {
	credentials := "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	return func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		if _, ok := req.Headers.Get("authorization"); !ok {
			req = req.Clone()
			req.Headers.Add("authorization", credentials)
		}
		return next(ctx, req)
	}
}

// Compression returns a middleware that advertises gzip and deflate
// support and transparently decompresses response bodies encoded with
// either. A decompressed response loses its content-encoding and
// content-length headers, since they no longer describe the body.
func Compression() Middleware {
	return func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		if _, ok := req.Headers.Get("accept-encoding"); !ok {
			req = req.Clone()
			req.Headers.Add("accept-encoding", "gzip, deflate")
		}

		resp, err := next(ctx, req)
		if err != nil {
			return nil, err
		}
		encoding, ok := resp.Header("content-encoding")
		if !ok || resp.Body == nil {
			return resp, nil
		}

		var decoder io.ReadCloser
		switch encoding {
		case "gzip":
			decoder, err = gzip.NewReader(resp.Body)
			if err != nil {
				resp.Body.Close()
				return nil, errors.Wrapf(ProtocolError{}, "bad gzip body: %v", err)
			}
		case "deflate":
			decoder = flate.NewReader(resp.Body)
		default:
			return resp, nil
		}

		headers := make(Headers, 0, len(resp.Headers))
		for _, h := range resp.Headers {
			if h.Name == "content-encoding" || h.Name == "content-length" {
				continue
			}
			headers = append(headers, h)
		}
		resp.Headers = headers
		resp.Body = &decodedBody{decoder: decoder, underlying: resp.Body}
		return resp, nil
	}
}

// decodedBody layers a streaming decompressor over a response body.
type decodedBody struct {
	decoder    io.ReadCloser
	underlying BodyReader
	buf        []byte
}

func (b *decodedBody) Read(p []byte) (int, error) {
	return b.decoder.Read(p)
}

// Chunk decompresses and returns the next span of body bytes.
func (b *decodedBody) Chunk() ([]byte, error) {
	if b.buf == nil {
		b.buf = make([]byte, DefaultReadBufferSize)
	}
	for {
		n, err := b.decoder.Read(b.buf)
		if n > 0 {
			return b.buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (b *decodedBody) Close() error {
	b.decoder.Close()
	return b.underlying.Close()
}
