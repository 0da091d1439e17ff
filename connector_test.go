package bareclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func mustParseURL(t *testing.T, rawurl string) *url.URL {
	t.Helper()
	u, err := url.Parse(rawurl)
	assert.NoError(t, err)
	return u
}

func Test_Connect_expired_deadline_sends_nothing(t *testing.T) {
	// a listener that fails the test if anything connects
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			t.Error("connect attempted despite expired deadline")
			c.Close()
		}
	}()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now())
	defer cancel()
	conn, err := Connect(ctx, mustParseURL(t, "http://"+ln.Addr().String()), nil)
	assert.Nil(t, conn)
	assert.Error(t, err)
	assert.Equal(t, TimeoutError{}, errors.Cause(err))
}

func Test_Connect_refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	conn, err := Connect(context.Background(), mustParseURL(t, "http://"+addr), nil)
	assert.Nil(t, conn)
	assert.Error(t, err)
	assert.Equal(t, ConnectError{}, errors.Cause(err))
}

func Test_Connect_plain_http_is_http1(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	conn, err := Connect(context.Background(), mustParseURL(t, srv.URL), nil)
	assert.NoError(t, err)
	assert.Equal(t, ProtoHTTP1, conn.Proto())
	assert.IsType(t, &H1Conn{}, conn)
	assert.NoError(t, conn.Close())
}

func Test_Connect_negotiates_http2(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	srv := httptest.NewUnstartedServer(http.NotFoundHandler())
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()

	conn, err := Connect(context.Background(), mustParseURL(t, srv.URL),
		&TransportConfig{InsecureSkipVerify: true})
	assert.NoError(t, err)
	assert.Equal(t, ProtoHTTP2, conn.Proto())
	assert.IsType(t, &H2Conn{}, conn)
	assert.NoError(t, conn.Close())
}

func Test_Connect_falls_back_to_http1(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	conn, err := Connect(context.Background(), mustParseURL(t, srv.URL),
		&TransportConfig{InsecureSkipVerify: true})
	assert.NoError(t, err)
	assert.Equal(t, ProtoHTTP1, conn.Proto())
	assert.NoError(t, conn.Close())
}

func Test_Connect_untrusted_certificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	conn, err := Connect(context.Background(), mustParseURL(t, srv.URL), nil)
	assert.Nil(t, conn)
	assert.Error(t, err)
	assert.Equal(t, TLSError{}, errors.Cause(err))
}

func Test_Connect_unsupported_negotiated_protocol(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.NotFoundHandler())
	srv.TLS = &tls.Config{NextProtos: []string{"smtp"}}
	srv.StartTLS()
	defer srv.Close()

	conn, err := Connect(context.Background(), mustParseURL(t, srv.URL),
		&TransportConfig{
			InsecureSkipVerify: true,
			Protocols:          []string{"smtp", ProtoHTTP2},
		})
	assert.Nil(t, conn)
	assert.Error(t, err)
	cause, ok := errors.Cause(err).(NegotiationError)
	assert.True(t, ok, "got %v", err)
	assert.Equal(t, "smtp", cause.Proto)
}

func Test_TransportConfig_rejects_bad_ca_data(t *testing.T) {
	tc := &TransportConfig{CAData: []byte("not a certificate")}
	_, err := tc.tlsConfig("example.com")
	assert.Error(t, err)
	assert.Equal(t, TLSError{}, errors.Cause(err))
}

func Test_TransportConfig_defaults(t *testing.T) {
	tc := &TransportConfig{}
	conf, err := tc.tlsConfig("example.com")
	assert.NoError(t, err)
	assert.Equal(t, DefaultProtocols, conf.NextProtos)
	assert.Equal(t, "example.com", conf.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), conf.MinVersion)
}
