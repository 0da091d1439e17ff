package bareclient

// The ACGI event protocol is the message vocabulary exchanged between the
// client orchestration and the protocol adapters. A request flows down as a
// RequestEvent followed by RequestBodyEvents; a response flows up as a
// ConnectedEvent, a ResponseEvent and ResponseBodyEvents. A DisconnectEvent
// in either direction ends the exchange abnormally.
//
// Body-carrying events use MoreBody as the continuation flag: an empty body
// with MoreBody false signals end of stream.

// Event is the tagged variant type for ACGI messages.
type Event interface {
	// StreamID returns the HTTP/2 stream the event belongs to,
	// or zero for HTTP/1.1.
	StreamID() uint32
}

// RequestEvent starts an exchange. The first body chunk rides along with the
// request head so that small requests need a single event.
type RequestEvent struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Headers   Headers
	Body      []byte
	MoreBody  bool
}

// ConnectedEvent reports the negotiated protocol and, for HTTP/2, the stream
// id assigned to the exchange.
type ConnectedEvent struct {
	Proto string
	ID    uint32
}

// RequestBodyEvent carries one request body chunk.
type RequestBodyEvent struct {
	ID       uint32
	Body     []byte
	MoreBody bool
}

// ResponseEvent carries the response status and headers. Header names are
// lowercase and pseudo-headers have been stripped.
type ResponseEvent struct {
	ID         uint32
	Proto      string
	StatusCode int
	Headers    Headers
	MoreBody   bool
}

// ResponseBodyEvent carries one response body chunk.
type ResponseBodyEvent struct {
	ID       uint32
	Body     []byte
	MoreBody bool
}

// DisconnectEvent reports that the exchange ended without a final body
// chunk, for example because the peer closed the connection.
type DisconnectEvent struct {
	ID uint32
}

func (RequestEvent) StreamID() uint32        { return 0 }
func (e ConnectedEvent) StreamID() uint32    { return e.ID }
func (e RequestBodyEvent) StreamID() uint32  { return e.ID }
func (e ResponseEvent) StreamID() uint32     { return e.ID }
func (e ResponseBodyEvent) StreamID() uint32 { return e.ID }
func (e DisconnectEvent) StreamID() uint32   { return e.ID }
