// Copyright 2024 Rob Blackbourn. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package bareclient

import (
	"context"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// roundTrip performs one exchange over conn: it reserves a stream, sends
// the request head with the first body chunk, pumps the remaining body, and
// returns the response with a lazy body bound to the stream. onDone is
// invoked exactly once when the response body is drained or closed.
func roundTrip(ctx context.Context, conn Conn, req *Request, bufsiz int, onDone func()) (*Response, error) {
	if bufsiz <= 0 {
		bufsiz = DefaultReadBufferSize
	}

	stream, err := conn.NewStream(ctx)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		stream.SetDeadline(dl)
	}

	resp, err := exchange(stream, req, bufsiz, onDone)
	if err != nil {
		stream.Close()
		return nil, err
	}
	return resp, nil
}

func exchange(stream Stream, req *Request, bufsiz int, onDone func()) (*Response, error) {
	headers := req.Headers.Lower()
	if _, ok := headers.Get("content-length"); !ok && req.Body != nil && req.ContentLength >= 0 {
		headers.Add("content-length", strconv.FormatInt(req.ContentLength, 10))
	}

	// the first body chunk rides along with the request head
	var buf []byte
	var first []byte
	moreBody := false
	if req.Body != nil {
		buf = make([]byte, bufsiz)
		n, last, err := readChunk(req.Body, buf)
		if err != nil {
			return nil, err
		}
		first = buf[:n]
		moreBody = !last
	}

	err := stream.Send(RequestEvent{
		Method:    req.Method,
		Scheme:    req.URL.Scheme,
		Authority: authority(req.URL),
		Path:      req.requestPath(),
		Headers:   headers,
		Body:      first,
		MoreBody:  moreBody,
	})
	if err != nil {
		return nil, err
	}

	ev, err := stream.Receive()
	if err != nil {
		return nil, err
	}
	connected, ok := ev.(ConnectedEvent)
	if !ok {
		return nil, errors.Wrapf(ProtocolError{}, "expected connected event, got %T", ev)
	}
	id := connected.ID

	for moreBody {
		n, last, err := readChunk(req.Body, buf)
		if err != nil {
			return nil, err
		}
		err = stream.Send(RequestBodyEvent{ID: id, Body: buf[:n], MoreBody: !last})
		if err != nil {
			return nil, err
		}
		moreBody = !last
	}

	ev, err = stream.Receive()
	if err != nil {
		return nil, err
	}
	switch ev := ev.(type) {
	case ResponseEvent:
		return &Response{
			StatusCode: ev.StatusCode,
			Headers:    ev.Headers.Lower().stripPseudo(),
			Body:       newResponseBody(stream, ev.MoreBody, onDone),
			Proto:      ev.Proto,
			ID:         id,
		}, nil
	case DisconnectEvent:
		return nil, errors.WithStack(DisconnectedError{})
	default:
		return nil, errors.Wrapf(ProtocolError{}, "expected response event, got %T", ev)
	}
}

// readChunk fills buf from r, reporting whether the body is complete.
func readChunk(r io.Reader, buf []byte) (n int, last bool, err error) {
	for n == 0 {
		var nn int
		nn, err = r.Read(buf[n:])
		n += nn
		if err == io.EOF {
			return n, true, nil
		}
		if err != nil {
			return n, false, errors.WithStack(err)
		}
		if n > 0 {
			return n, false, nil
		}
	}
	return n, false, nil
}
