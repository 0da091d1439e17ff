// Copyright 2024 Rob Blackbourn. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package bareclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
)

// TransportConfig carries the TLS and transport options used when dialing.
// The zero value dials with the system trust store and negotiates HTTP/2
// with an HTTP/1.1 fallback.
type TransportConfig struct {
	// RootCAs overrides the trust store. CAFile and CAData, if set, load
	// additional PEM roots into a dedicated pool instead.
	RootCAs *x509.CertPool
	CAFile  string
	CAData  []byte

	// Certificates is the client certificate chain, if any.
	Certificates []tls.Certificate

	// InsecureSkipVerify disables server certificate verification.
	InsecureSkipVerify bool

	// CipherSuites restricts the TLS 1.2 cipher suites.
	CipherSuites []uint16

	// Protocols is the ALPN preference list, most preferred first.
	// Defaults to DefaultProtocols.
	Protocols []string

	// ServerName overrides the SNI name, which defaults to the URL host.
	ServerName string

	// ReadBufferSize is the transport read buffer size, default
	// DefaultReadBufferSize.
	ReadBufferSize int
}

// tlsConfig builds the tls.Config for a connection to host.
func (tc *TransportConfig) tlsConfig(host string) (*tls.Config, error) {
	pool := tc.RootCAs
	if tc.CAFile != "" || len(tc.CAData) > 0 {
		pool = x509.NewCertPool()
		if tc.CAFile != "" {
			pem, err := os.ReadFile(tc.CAFile)
			if err != nil {
				return nil, errors.Wrapf(TLSError{}, "reading CA file: %v", err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, errors.Wrapf(TLSError{}, "no certificates found in %s", tc.CAFile)
			}
		}
		if len(tc.CAData) > 0 && !pool.AppendCertsFromPEM(tc.CAData) {
			return nil, errors.Wrap(TLSError{}, "no certificates found in CA data")
		}
	}

	protocols := tc.Protocols
	if len(protocols) == 0 {
		protocols = DefaultProtocols
	}
	serverName := tc.ServerName
	if serverName == "" {
		serverName = host
	}
	return &tls.Config{
		RootCAs:            pool,
		Certificates:       tc.Certificates,
		InsecureSkipVerify: tc.InsecureSkipVerify,
		CipherSuites:       tc.CipherSuites,
		NextProtos:         protocols,
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
	}, nil
}

// Connect opens a transport connection to the origin of u, performs the TLS
// handshake for https, and returns the protocol adapter matching the
// negotiated application protocol. A peer that negotiates nothing is served
// as HTTP/1.1; any other protocol is a NegotiationError.
//
// The context deadline bounds dialing and the handshake. An already-expired
// deadline returns TimeoutError before any transport byte is sent.
func Connect(ctx context.Context, u *url.URL, config *TransportConfig) (Conn, error) {
	if config == nil {
		config = &TransportConfig{}
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return nil, errors.WithStack(TimeoutError{})
	}

	addr := hostPort(u)
	var dialer net.Dialer
	rwc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if isTimeout(err) {
			return nil, errors.WithStack(TimeoutError{})
		}
		return nil, errors.Wrapf(ConnectError{}, "dial %s: %v", addr, err)
	}

	if u.Scheme != "https" {
		return newH1Conn(rwc, config.ReadBufferSize), nil
	}

	tconf, err := config.tlsConfig(u.Hostname())
	if err != nil {
		rwc.Close()
		return nil, err
	}
	tc := tls.Client(rwc, tconf)
	if err := tc.HandshakeContext(ctx); err != nil {
		rwc.Close()
		if isTimeout(err) {
			return nil, errors.WithStack(TimeoutError{})
		}
		return nil, errors.Wrapf(TLSError{}, "handshake with %s: %v", addr, err)
	}

	switch proto := tc.ConnectionState().NegotiatedProtocol; proto {
	case ProtoHTTP2:
		return newH2Conn(tc, config.ReadBufferSize)
	case ProtoHTTP1, "":
		return newH1Conn(tc, config.ReadBufferSize), nil
	default:
		tc.Close()
		return nil, errors.WithStack(NegotiationError{Proto: proto})
	}
}
