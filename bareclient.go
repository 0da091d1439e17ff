package bareclient

import "time"

const (
	// ProtoHTTP1 is the protocol name for HTTP/1.1, as used in ALPN.
	ProtoHTTP1 = "http/1.1"
	// ProtoHTTP2 is the protocol name for HTTP/2, as used in ALPN.
	ProtoHTTP2 = "h2"

	// DefaultReadBufferSize is the buffer size used when reading from the
	// transport and when pulling request body chunks.
	DefaultReadBufferSize = 8096
	// DefaultConnectTimeout is how long to wait for the transport to connect
	// and complete its handshake.
	DefaultConnectTimeout = time.Second * 60
	// DefaultIdleTimeout is how long a Session keeps an idle connection
	// before the reaper closes it.
	DefaultIdleTimeout = time.Second * 90

	// MaxConcurrentStreams is the limit on in-flight exchanges per HTTP/2
	// connection, also advertised to the peer in our SETTINGS.
	MaxConcurrentStreams = 100
	// MaxHeaderListSize is the limit on received header block size
	// advertised to the peer in our SETTINGS.
	MaxHeaderListSize = 65536

	// initialWindowSize is the HTTP/2 default flow control window.
	initialWindowSize = 65535
	// maxFrameSize is the largest DATA payload we send per frame.
	maxFrameSize = 16384
)

var (
	// DefaultProtocols is the default ALPN preference list.
	DefaultProtocols = []string{ProtoHTTP2, ProtoHTTP1}
)
