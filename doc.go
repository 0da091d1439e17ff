// Copyright 2024 Rob Blackbourn. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package bareclient implements a streaming HTTP client that speaks both
HTTP/1.1 and HTTP/2 behind one request/response abstraction.

The protocol to use for a connection is chosen during the TLS handshake
through ALPN. Whatever was negotiated, the client orchestration talks to the
protocol adapter through ACGI, an internal asynchronous event protocol: a
request is a RequestEvent followed by zero or more RequestBodyEvents, and a
response arrives as a ConnectedEvent, a ResponseEvent and a stream of
ResponseBodyEvents. Request and response bodies are streamed one chunk at a
time and are never buffered in full.

A Client performs a single exchange over a fresh connection. A Session adds
connection reuse keyed by origin and a cookie jar, and both compose an
ordered middleware chain around the protocol adapter call.
*/
package bareclient
