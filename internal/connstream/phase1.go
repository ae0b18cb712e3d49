package connstream

import (
	"bytes"
	"errors"
	"io"
	"net"

	"zhttpbridge/internal/buffer"
	"zhttpbridge/internal/connerr"
	"zhttpbridge/internal/http1"
	"zhttpbridge/internal/ws"
)

// headerInfo is the set of request-header fields the driver needs after
// buf1 may have been grown or reused, copied out before the parse view is
// released: realigning or growing the ring would move memory these
// fields still point into.
type headerInfo struct {
	method        string
	uri           string
	version       string
	headers       []http1Header
	bodySize      http1.BodySize
	reqConnection []byte
	isWebSocket   bool
	wsKey         string
	wsProtocol    string
	consumed      int
}

type http1Header struct{ Name, Value []byte }

// receiveHeader receives the request header into buf1, and copies out
// the fields the rest of the cycle needs. EOF with nothing buffered is a
// normal close; any other failure is reported via connerr.
func receiveHeader(conn net.Conn, buf1 *buffer.Ring) (*headerInfo, error) {
	req, err := http1.ReceiveHeader(conn, buf1)
	if err != nil {
		if errIsEOF(err) && buf1.Len() == 0 {
			return nil, io.EOF
		}
		if err == http1.ErrBufferExceeded {
			return nil, connerr.New(connerr.BufferExceeded, err)
		}
		return nil, connerr.New(connerr.Http, err)
	}

	buf1.HoldView()
	info := &headerInfo{
		method:        string(req.Method),
		uri:           string(req.URI),
		version:       req.Version,
		bodySize:      req.BodySize,
		reqConnection: copyBytes(req.HeaderValue("Connection")),
		consumed:      req.Consumed,
	}
	for _, h := range req.Headers {
		info.headers = append(info.headers, http1Header{Name: copyBytes(h.Name), Value: copyBytes(h.Value)})
	}
	upgrade := req.HeaderValue("Upgrade")
	info.isWebSocket = bytes.EqualFold(bytes.TrimSpace(upgrade), []byte("websocket"))
	if key := req.HeaderValue("Sec-WebSocket-Key"); key != nil {
		info.wsKey = string(key)
	}
	if proto := req.HeaderValue("Sec-WebSocket-Protocol"); proto != nil {
		info.wsProtocol = ws.PickFirstToken(string(proto))
	}
	buf1.ReleaseView()
	buf1.CommitRead(info.consumed)
	return info, nil
}

// validateWebSocket checks the GET/no-body/valid-key requirements of a
// WebSocket upgrade request and computes the accept token.
func (h *headerInfo) validateWebSocket() (accept string, err error) {
	if h.method != "GET" {
		return "", connerr.New(connerr.InvalidWebSocketRequest, errors.New("websocket upgrade must be GET"))
	}
	if h.bodySize.Kind != http1.NoBody {
		return "", connerr.New(connerr.InvalidWebSocketRequest, errors.New("websocket upgrade must have no body"))
	}
	if h.wsKey == "" {
		return "", connerr.New(connerr.InvalidWebSocketRequest, errors.New("missing Sec-WebSocket-Key"))
	}
	accept, aerr := ws.ComputeAccept(h.wsKey)
	if aerr != nil {
		return "", connerr.New(connerr.InvalidWebSocketRequest, aerr)
	}
	return accept, nil
}

func (h *headerInfo) headerValue(name string) string {
	for _, hd := range h.headers {
		if bytes.EqualFold(hd.Name, []byte(name)) {
			return string(hd.Value)
		}
	}
	return ""
}

func copyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func errIsEOF(err error) bool { return errors.Is(err, io.EOF) }
