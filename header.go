package bareclient

import (
	"net/http"
	"strings"
)

// Header is a single name/value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Duplicate names are allowed and order
// is significant. Names are lowercased before they reach the wire or the
// caller; Lower produces the normalized copy.
type Headers []Header

// Add appends a header pair, preserving order.
func (hs *Headers) Add(name, value string) {
	*hs = append(*hs, Header{Name: name, Value: value})
}

// Get returns the first value for name, matching case-insensitively.
func (hs Headers) Get(name string) (string, bool) {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Values returns all values for name in order, matching case-insensitively.
func (hs Headers) Values(name string) (values []string) {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			values = append(values, h.Value)
		}
	}
	return
}

// Lower returns a copy with all names lowercased, preserving order.
func (hs Headers) Lower() Headers {
	out := make(Headers, 0, len(hs))
	for _, h := range hs {
		out = append(out, Header{Name: strings.ToLower(h.Name), Value: h.Value})
	}
	return out
}

// stripPseudo returns a copy without HTTP/2 pseudo-headers.
func (hs Headers) stripPseudo() Headers {
	out := make(Headers, 0, len(hs))
	for _, h := range hs {
		if strings.HasPrefix(h.Name, ":") {
			continue
		}
		out = append(out, h)
	}
	return out
}

// httpHeader converts to a net/http header map, losing order within
// different names but keeping per-name value order. Used for cookie
// handling and the WebSocket handshake.
func (hs Headers) httpHeader() http.Header {
	out := make(http.Header, len(hs))
	for _, h := range hs {
		out.Add(h.Name, h.Value)
	}
	return out
}
