// Package zhttp implements the backend message envelope and the session
// I/O helpers that build, send, and interpret it. The wire codec itself
// (serialization to/from bytes over the message bus) lives outside this
// binary; here the envelope is a plain Go struct carried over channels
// that stand in for the router/pull/push sockets a real deployment uses.
package zhttp

// MessageType identifies the kind of envelope. The empty string means
// "data" (a request or response body/header payload) — the wire form
// omits the type field entirely for that case.
type MessageType string

const (
	TypeData           MessageType = ""
	TypeError          MessageType = "error"
	TypeCredit         MessageType = "credit"
	TypeKeepAlive      MessageType = "keep-alive"
	TypeCancel         MessageType = "cancel"
	TypeHandoffStart   MessageType = "handoff-start"
	TypeHandoffProceed MessageType = "handoff-proceed"
	TypeClose          MessageType = "close"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
)

// Mode selects the scheme used when building a request envelope's URI:
// it depends on both the connection mode and whether TLS is in use.
type Mode int

const (
	ModeHTTPReq Mode = iota
	ModeHTTPStream
	ModeWebSocket
)

// SchemeFor returns the URI scheme for a given mode and TLS setting.
func SchemeFor(mode Mode, secure bool) string {
	switch mode {
	case ModeWebSocket:
		if secure {
			return "wss"
		}
		return "ws"
	default:
		if secure {
			return "https"
		}
		return "http"
	}
}

// Header is a plain name/value pair carried in an envelope. It is
// intentionally decoupled from internal/http1.Header (which holds
// zero-copy slices into the receive buffer) because an envelope must
// outlive the receive buffer's lifetime once it is handed to the backend
// channel.
type Header struct {
	Name  string
	Value string
}

// EnvelopeID is one element of an envelope's "ids" list: the target
// connection id and, for inbound (backend->proxy) envelopes, the sequence
// number that must match the receiver's expected value.
type EnvelopeID struct {
	ID  string
	Seq *uint32
}

// RequestData carries the fields of a "data" envelope flowing from the
// connection driver to the backend (peer -> backend).
type RequestData struct {
	Method      string
	URI         string
	Headers     []Header
	Body        []byte
	More        bool
	Stream      bool
	Credits     uint32
	PeerAddress string
	PeerPort    int
	ContentType string

	// Opcode carries the WebSocket frame opcode (ws.OpText/ws.OpBinary)
	// for a Stream-mode WebSocket "data" envelope, so the receiving side
	// knows whether Body is a TEXT or BINARY fragment. Unused outside
	// WebSocket mode.
	Opcode byte
}

// ResponseData carries the fields of a "data" envelope flowing from the
// backend to the connection driver (backend -> peer).
type ResponseData struct {
	Code        int
	Reason      string
	Headers     []Header
	Body        []byte
	More        bool
	Credits     uint32
	ContentType string

	// Opcode mirrors RequestData.Opcode for the backend -> peer
	// direction.
	Opcode byte
}

// RejectedInfo is carried by an "error" envelope with condition
// "rejected": the backend declined a WebSocket upgrade and supplied the
// HTTP response to send back in its place.
type RejectedInfo struct {
	Code    int
	Reason  string
	Headers []Header
	Body    []byte
}

// ErrorData carries the fields of a "error"-typed envelope.
type ErrorData struct {
	Condition string
	Rejected  *RejectedInfo
}

// CloseData carries the optional {code, reason} of a WebSocket CLOSE
// envelope.
type CloseData struct {
	HasCode bool
	Code    int
	Reason  string
}

// Envelope is the Go struct realization of the backend message map.
// Exactly one of Req/Resp/Err/Close is populated depending on Type and
// direction; Credits is used by bare "credit"/"ping"/"pong" envelopes.
type Envelope struct {
	From    []byte
	IDs     []EnvelopeID
	Type    MessageType
	Multi   bool
	Req     *RequestData
	Resp    *ResponseData
	Err     *ErrorData
	Close   *CloseData
	Credits uint32
}

// IDIndexFor returns the index into env.IDs matching id, or -1 if this
// envelope is not addressed to id.
func (e *Envelope) IDIndexFor(id string) int {
	for i, eid := range e.IDs {
		if eid.ID == id {
			return i
		}
	}
	return -1
}
