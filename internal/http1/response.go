package http1

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrDuplicateContentLength is returned when the caller-supplied headers
// already contain a Content-Length; the encoder refuses to emit a second
// one rather than silently overriding or duplicating it.
var ErrDuplicateContentLength = errors.New("http1: duplicate content-length")

// Persistent reports whether a connection is reusable: both request and
// response must indicate keep-alive semantics, via the Connection
// headers and the HTTP version defaults they fall back to.
func Persistent(reqVersion string, reqConnection []byte, respConnection []byte) bool {
	reqKeepAlive := connectionAllowsKeepAlive(reqVersion, reqConnection)
	respKeepAlive := connectionAllowsKeepAlive(reqVersion, respConnection)
	return reqKeepAlive && respKeepAlive
}

func connectionAllowsKeepAlive(version string, conn []byte) bool {
	if conn != nil {
		if hasToken(conn, "close") {
			return false
		}
		if hasToken(conn, "keep-alive") {
			return true
		}
	}
	// HTTP/1.1 defaults to persistent; HTTP/1.0 defaults to non-persistent
	// unless explicitly requested via Connection: keep-alive (handled above).
	return version == "HTTP/1.1"
}

func hasToken(v []byte, token string) bool {
	for _, part := range bytes.Split(v, []byte(",")) {
		if bytes.EqualFold(bytes.TrimSpace(part), []byte(token)) {
			return true
		}
	}
	return false
}

// EncodeResponseHeader writes a status line and headers to buf: it adds
// "Connection: close" when the body size is known and the connection
// will not be reused, switches to chunked encoding when the body size is
// Unknown, and refuses a caller-supplied duplicate Content-Length. It
// returns whether chunked encoding was selected.
func EncodeResponseHeader(buf *bytes.Buffer, code int, reason string, headers []Header, bodySize BodySize, persistent bool) (chunked bool, err error) {
	for _, h := range headers {
		if bytes.EqualFold(h.Name, []byte("Content-Length")) {
			return false, ErrDuplicateContentLength
		}
	}

	fmt.Fprintf(buf, "HTTP/1.1 %d %s\r\n", code, reason)
	for _, h := range headers {
		buf.Write(h.Name)
		buf.WriteString(": ")
		buf.Write(h.Value)
		buf.WriteString("\r\n")
	}

	switch bodySize.Kind {
	case NoBody:
		if !persistent {
			buf.WriteString("Connection: close\r\n")
		}
	case KnownLength:
		if !persistent {
			buf.WriteString("Connection: close\r\n")
		}
		fmt.Fprintf(buf, "Content-Length: %d\r\n", bodySize.N)
	case Unknown:
		chunked = true
		buf.WriteString("Transfer-Encoding: chunked\r\n")
	}

	buf.WriteString("\r\n")
	return chunked, nil
}

// WriteChunk appends one chunk frame (size line, payload, CRLF) to buf. If
// final is true and payload is empty, it writes the terminating zero
// chunk instead.
func WriteChunk(buf *bytes.Buffer, payload []byte, final bool) {
	if final && len(payload) == 0 {
		buf.WriteString("0\r\n\r\n")
		return
	}
	fmt.Fprintf(buf, "%x\r\n", len(payload))
	buf.Write(payload)
	buf.WriteString("\r\n")
	if final {
		buf.WriteString("0\r\n\r\n")
	}
}
