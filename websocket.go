// Copyright 2024 Rob Blackbourn. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package bareclient

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// DialWebSocket opens a WebSocket connection to a ws or wss URL using the
// given transport options. The upgrade always runs over HTTP/1.1. Extra
// headers ride on the handshake request.
func DialWebSocket(ctx context.Context, rawurl string, headers Headers, config *TransportConfig) (*websocket.Conn, *http.Response, error) {
	return dialWebSocket(ctx, rawurl, headers, config, nil)
}

// DialWebSocket opens a WebSocket connection sharing the session's cookie
// jar and transport options: cookies set by earlier requests ride on the
// handshake, and cookies set by the handshake response are stored.
func (s *Session) DialWebSocket(ctx context.Context, rawurl string, headers Headers) (*websocket.Conn, *http.Response, error) {
	return dialWebSocket(ctx, rawurl, headers, s.config.Transport, s.jar)
}

func dialWebSocket(ctx context.Context, rawurl string, headers Headers, config *TransportConfig, jar http.CookieJar) (*websocket.Conn, *http.Response, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}

	dialer := websocket.Dialer{Jar: jar}
	if u.Scheme == "wss" && config != nil {
		tconf, err := config.tlsConfig(u.Hostname())
		if err != nil {
			return nil, nil, err
		}
		// the upgrade is HTTP/1.1 only
		tconf.NextProtos = []string{ProtoHTTP1}
		dialer.TLSClientConfig = tconf
	}

	conn, resp, err := dialer.DialContext(ctx, rawurl, headers.httpHeader())
	if err != nil {
		return nil, resp, errors.Wrapf(ConnectError{}, "websocket dial %s: %v", rawurl, err)
	}
	return conn, resp, nil
}
