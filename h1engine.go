package bareclient

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// The HTTP/1.1 protocol engine. It consumes raw bytes fed from the
// transport and produces protocol events, and it encodes the outgoing
// request line, headers and body framing. It holds no transport state:
// the adapter owns the socket and the engine owns the grammar.

type engineEvent interface{}

// h1Status is emitted when the status line and headers have been parsed.
type h1Status struct {
	code     int
	headers  Headers
	moreBody bool
}

// h1Data is emitted for each span of body bytes.
type h1Data struct {
	p []byte
}

// h1EOM is emitted when the message body is complete. reusable reports
// whether the connection may carry another exchange.
type h1EOM struct {
	reusable bool
}

type h1State int

const (
	h1StateStatus h1State = iota
	h1StateHeaders
	h1StateBody      // identity framing, counting down bodyRemain
	h1StateBodyToEOF // no framing, body ends at connection close
	h1StateChunkSize
	h1StateChunkData
	h1StateChunkCRLF
	h1StateTrailers
	h1StateDone
)

// h1Engine is an incremental HTTP/1.1 response parser and request encoder.
// One engine instance is bound to exactly one connection.
type h1Engine struct {
	state      h1State
	inbuf      []byte
	statusCode int
	headers    Headers
	bodyRemain int64 // identity bytes left, or current chunk bytes left
	reusable   bool  // keep-alive allowed after the current message
	chunkedOut bool  // the request body is sent with chunked framing
	method     string
}

func newH1Engine() *h1Engine {
	return &h1Engine{state: h1StateStatus, reusable: true}
}

// startNextCycle resets the engine for the next exchange on a keep-alive
// connection.
func (e *h1Engine) startNextCycle() error {
	if e.state != h1StateDone {
		return errors.Wrap(ProtocolError{}, "previous message not complete")
	}
	if !e.reusable {
		return errors.Wrap(ProtocolError{}, "connection not reusable")
	}
	e.state = h1StateStatus
	e.statusCode = 0
	e.headers = nil
	e.bodyRemain = 0
	e.reusable = true
	e.chunkedOut = false
	e.method = ""
	return nil
}

// encodeRequest serializes the request line and headers. It decides the
// request body framing: an explicit content-length header means identity,
// anything else with a body means chunked.
func (e *h1Engine) encodeRequest(ev *RequestEvent) []byte {
	e.method = ev.Method

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", ev.Method, ev.Path)

	headers := ev.Headers.Lower()
	if _, ok := headers.Get("host"); !ok {
		fmt.Fprintf(&buf, "host: %s\r\n", ev.Authority)
	}

	_, hasLength := headers.Get("content-length")
	_, hasTransferEncoding := headers.Get("transfer-encoding")
	e.chunkedOut = !hasLength && !hasTransferEncoding && (ev.MoreBody || len(ev.Body) > 0)
	if e.chunkedOut {
		buf.WriteString("transfer-encoding: chunked\r\n")
	}

	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// encodeBodyChunk frames one request body chunk.
func (e *h1Engine) encodeBodyChunk(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	if !e.chunkedOut {
		return p
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%x\r\n", len(p))
	buf.Write(p)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// encodeEndStream frames the end of the request body.
func (e *h1Engine) encodeEndStream() []byte {
	if e.chunkedOut {
		return []byte("0\r\n\r\n")
	}
	return nil
}

// feed consumes raw bytes from the transport and returns the protocol
// events they complete. Partial input is buffered until more arrives.
func (e *h1Engine) feed(p []byte) (evs []engineEvent, err error) {
	e.inbuf = append(e.inbuf, p...)

	for {
		switch e.state {
		case h1StateStatus:
			line, ok := e.takeLine()
			if !ok {
				return evs, nil
			}
			if err = e.parseStatusLine(line); err != nil {
				return evs, err
			}
			e.state = h1StateHeaders

		case h1StateHeaders:
			line, ok := e.takeLine()
			if !ok {
				return evs, nil
			}
			if len(line) > 0 {
				if err = e.parseHeaderLine(line); err != nil {
					return evs, err
				}
				continue
			}
			if e.statusCode >= 100 && e.statusCode < 200 {
				// informational response, the final one follows
				e.headers = nil
				e.state = h1StateStatus
				continue
			}
			ev := h1Status{code: e.statusCode, headers: e.headers}
			ev.moreBody = e.decideBodyFraming()
			evs = append(evs, ev)
			if !ev.moreBody {
				e.state = h1StateDone
				evs = append(evs, h1EOM{reusable: e.reusable})
			}

		case h1StateBody:
			if len(e.inbuf) == 0 {
				return evs, nil
			}
			n := int64(len(e.inbuf))
			if n > e.bodyRemain {
				n = e.bodyRemain
			}
			evs = append(evs, h1Data{p: e.take(int(n))})
			e.bodyRemain -= n
			if e.bodyRemain == 0 {
				e.state = h1StateDone
				evs = append(evs, h1EOM{reusable: e.reusable})
			}

		case h1StateBodyToEOF:
			if len(e.inbuf) == 0 {
				return evs, nil
			}
			evs = append(evs, h1Data{p: e.take(len(e.inbuf))})

		case h1StateChunkSize:
			line, ok := e.takeLine()
			if !ok {
				return evs, nil
			}
			size, perr := parseChunkSize(line)
			if perr != nil {
				return evs, perr
			}
			if size == 0 {
				e.state = h1StateTrailers
				continue
			}
			e.bodyRemain = size
			e.state = h1StateChunkData

		case h1StateChunkData:
			if len(e.inbuf) == 0 {
				return evs, nil
			}
			n := int64(len(e.inbuf))
			if n > e.bodyRemain {
				n = e.bodyRemain
			}
			evs = append(evs, h1Data{p: e.take(int(n))})
			e.bodyRemain -= n
			if e.bodyRemain == 0 {
				e.state = h1StateChunkCRLF
			}

		case h1StateChunkCRLF:
			if len(e.inbuf) < 2 {
				return evs, nil
			}
			if e.inbuf[0] != '\r' || e.inbuf[1] != '\n' {
				return evs, errors.Wrap(ProtocolError{}, "missing CRLF after chunk data")
			}
			e.take(2)
			e.state = h1StateChunkSize

		case h1StateTrailers:
			line, ok := e.takeLine()
			if !ok {
				return evs, nil
			}
			if len(line) > 0 {
				// trailers are parsed and discarded
				continue
			}
			e.state = h1StateDone
			evs = append(evs, h1EOM{reusable: e.reusable})

		case h1StateDone:
			if len(e.inbuf) > 0 {
				return evs, errors.Wrap(ProtocolError{}, "data received after message end")
			}
			return evs, nil
		}
	}
}

// feedEOF reports the transport closing. It returns the final events, or an
// error if the close arrived mid-message.
func (e *h1Engine) feedEOF() ([]engineEvent, error) {
	e.reusable = false
	if e.state == h1StateBodyToEOF {
		e.state = h1StateDone
		return []engineEvent{h1EOM{reusable: false}}, nil
	}
	if e.state == h1StateDone {
		return nil, nil
	}
	return nil, errors.WithStack(DisconnectedError{})
}

func (e *h1Engine) take(n int) []byte {
	p := e.inbuf[:n:n]
	e.inbuf = e.inbuf[n:]
	return p
}

// takeLine removes and returns the next CRLF-terminated line, without the
// terminator. Bare LF is tolerated.
func (e *h1Engine) takeLine() ([]byte, bool) {
	i := bytes.IndexByte(e.inbuf, '\n')
	if i < 0 {
		return nil, false
	}
	line := e.inbuf[:i]
	e.inbuf = e.inbuf[i+1:]
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, true
}

func (e *h1Engine) parseStatusLine(line []byte) error {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) < 2 {
		return errors.Wrapf(ProtocolError{}, "malformed status line %q", line)
	}
	switch parts[0] {
	case "HTTP/1.1":
	case "HTTP/1.0":
		e.reusable = false
	default:
		return errors.Wrapf(ProtocolError{}, "unsupported protocol version %q", parts[0])
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return errors.Wrapf(ProtocolError{}, "malformed status code %q", parts[1])
	}
	e.statusCode = code
	return nil
}

func (e *h1Engine) parseHeaderLine(line []byte) error {
	i := bytes.IndexByte(line, ':')
	if i < 1 {
		return errors.Wrapf(ProtocolError{}, "malformed header line %q", line)
	}
	name := strings.ToLower(string(line[:i]))
	value := string(bytes.TrimSpace(line[i+1:]))
	e.headers.Add(name, value)
	return nil
}

// decideBodyFraming inspects the parsed head and sets up the body state.
// It returns whether any body bytes follow.
func (e *h1Engine) decideBodyFraming() bool {
	for _, v := range e.headers.Values("connection") {
		if strings.Contains(strings.ToLower(v), "close") {
			e.reusable = false
		}
	}

	if e.method == "HEAD" || e.statusCode == 204 || e.statusCode == 304 {
		return false
	}

	for _, v := range e.headers.Values("transfer-encoding") {
		if strings.Contains(strings.ToLower(v), "chunked") {
			e.state = h1StateChunkSize
			return true
		}
	}

	if v, ok := e.headers.Get("content-length"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			// treated as no body; the adapter surfaces the malformed
			// header when it validates the response
			n = 0
		}
		if n == 0 {
			return false
		}
		e.bodyRemain = n
		e.state = h1StateBody
		return true
	}

	// no framing headers: the body runs until the peer closes
	e.reusable = false
	e.state = h1StateBodyToEOF
	return true
}

func parseChunkSize(line []byte) (int64, error) {
	// chunk extensions are discarded
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	size, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
	if err != nil || size < 0 {
		return 0, errors.Wrapf(ProtocolError{}, "malformed chunk size %q", line)
	}
	return size, nil
}
