package bareclient

import "io"

// BodyReader is a finite, single-pass response body. It may be consumed at
// most once and only while the originating connection is open. Close
// releases its resources; closing before exhaustion cancels the stream.
type BodyReader interface {
	io.ReadCloser
	// Chunk returns the next body chunk, or io.EOF at end of stream.
	// The returned slice is only valid until the next call.
	Chunk() ([]byte, error)
}

// Response is one HTTP response. It is owned exclusively by the caller that
// received it.
type Response struct {
	// StatusCode is the HTTP status code.
	StatusCode int
	// Headers is the ordered header list, names lowercased and
	// pseudo-headers stripped.
	Headers Headers
	// Body is the lazy body sequence, or nil when the response has none.
	Body BodyReader
	// Proto is the protocol actually used, "HTTP/1.1" or "HTTP/2.0".
	Proto string
	// ID is the HTTP/2 stream id, or zero for HTTP/1.1.
	ID uint32
}

// Header is the key-lookup view over the ordered header list. It returns
// the first value for name.
func (r *Response) Header(name string) (string, bool) {
	return r.Headers.Get(name)
}
