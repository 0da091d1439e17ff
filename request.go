package bareclient

import (
	"io"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Request is one HTTP request. It is immutable once handed to a middleware
// chain: a middleware that wants to change it must build a new Request,
// typically via Clone.
type Request struct {
	Method  string
	URL     *url.URL
	Headers Headers

	// Body produces the request body one chunk at a time as the adapter
	// pulls from it, or nil for no body. Each Request is single use: the
	// reader is consumed exactly once.
	Body io.Reader

	// ContentLength is the body length if known. A value of -1 with a
	// non-nil Body sends the body with chunked framing on HTTP/1.1.
	ContentLength int64
}

// NewRequest builds a Request for the given method and URL. The method
// defaults to GET. If body is non-nil the content length is unknown and the
// body is streamed.
func NewRequest(method, rawurl string, body io.Reader) (*Request, error) {
	if method == "" {
		method = "GET"
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	contentLength := int64(0)
	if body != nil {
		contentLength = -1
	}
	return &Request{
		Method:        method,
		URL:           u,
		ContentLength: contentLength,
		Body:          body,
	}, nil
}

// Clone returns a copy of the request with its own header list. The body
// reader is shared; a request body can only be sent once.
func (r *Request) Clone() *Request {
	r2 := *r
	r2.Headers = make(Headers, len(r.Headers))
	copy(r2.Headers, r.Headers)
	return &r2
}

// Origin returns the request origin as "scheme://host:port".
func (r *Request) Origin() string {
	return r.URL.Scheme + "://" + hostPort(r.URL)
}

// requestPath returns the request target: path plus raw query.
func (r *Request) requestPath() string {
	path := r.URL.RequestURI()
	if path == "" {
		path = "/"
	}
	return path
}

func hostPort(u *url.URL) string {
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}
	return host
}

// authority returns the value for the host header or :authority
// pseudo-header: the host, with the port elided when it is the default for
// the scheme.
func authority(u *url.URL) string {
	host := u.Host
	port := u.Port()
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		host = strings.TrimSuffix(host, ":"+port)
	}
	return host
}
