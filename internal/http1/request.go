// Package http1 implements a zero-copy HTTP/1.1 request parser and
// response encoder. The parser never blocks: it returns ErrNeedMore when
// the bytes on hand don't yet contain a full request line + headers, so
// the caller can read more into the ring buffer and retry. Parsed fields
// are slices into the caller-supplied byte slice and are only valid
// until that slice is mutated or compacted.
package http1

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// HeaderMax is the maximum number of headers a request may carry.
	HeaderMax = 64

	// URIMax is the maximum accepted request-target length in bytes.
	URIMax = 4096
)

// ErrNeedMore indicates the supplied bytes do not yet contain a complete
// request line and header block.
var ErrNeedMore = errors.New("http1: need more bytes")

// ErrBadMessage indicates malformed request syntax, a header count
// overflow, or a URI exceeding URIMax.
var ErrBadMessage = errors.New("http1: bad message")

// BodyKind classifies how a request or response body is framed.
type BodyKind int

const (
	// NoBody means the message has no body at all.
	NoBody BodyKind = iota
	// KnownLength means the body length is known up front (Content-Length).
	KnownLength
	// Unknown means the body length is not known up front (chunked, or a
	// response with neither Content-Length nor chunked framing that ends
	// at connection close).
	Unknown
)

// BodySize describes a message body's framing.
type BodySize struct {
	Kind BodyKind
	N    int64 // valid when Kind == KnownLength
}

// Header is a single zero-copy header field.
type Header struct {
	Name  []byte
	Value []byte
}

// Request is a parsed request line and header block. Method, URI, and
// each header's Name/Value are slices into the buffer passed to
// ParseRequest.
type Request struct {
	Method    []byte
	URI       []byte
	Version   string // "HTTP/1.1" or "HTTP/1.0"
	Headers   []Header
	BodySize  BodySize
	Expect100 bool

	// Consumed is the number of bytes of the input slice occupied by the
	// request line and header block (i.e. up to and including the blank
	// line terminator).
	Consumed int
}

// HeaderValue returns the value of the first header matching name
// case-insensitively, or nil if absent.
func (r *Request) HeaderValue(name string) []byte {
	for _, h := range r.Headers {
		if bytes.EqualFold(h.Name, []byte(name)) {
			return h.Value
		}
	}
	return nil
}

// ParseRequest scans buf for a complete request line + header block.
// Accepts LF-or-CRLF line endings.
func ParseRequest(buf []byte) (*Request, error) {
	end := findHeaderEnd(buf)
	if end < 0 {
		if len(buf) > URIMax+8192 {
			// pathological: no terminator found within a generous bound
			return nil, ErrBadMessage
		}
		return nil, ErrNeedMore
	}

	head := buf[:end]
	lines := splitLines(head)
	if len(lines) == 0 {
		return nil, ErrBadMessage
	}

	method, uri, version, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}
	if len(uri) > URIMax {
		return nil, ErrBadMessage
	}

	headers := make([]Header, 0, len(lines)-1)
	for _, ln := range lines[1:] {
		if len(ln) == 0 {
			continue
		}
		if len(headers) >= HeaderMax {
			return nil, ErrBadMessage
		}
		h, err := parseHeaderLine(ln)
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}

	req := &Request{
		Method:   method,
		URI:      uri,
		Version:  version,
		Headers:  headers,
		Consumed: end,
	}

	bs, err := decodeBodySize(string(method), headers)
	if err != nil {
		return nil, err
	}
	req.BodySize = bs

	if v := req.HeaderValue("Expect"); v != nil && bytes.EqualFold(bytes.TrimSpace(v), []byte("100-continue")) {
		req.Expect100 = true
	}

	return req, nil
}

// findHeaderEnd locates the index just past the blank-line terminator
// ("\r\n\r\n" or "\n\n", possibly mixed), or -1 if not yet present.
func findHeaderEnd(buf []byte) int {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return -1
}

// splitLines splits head on LF, trimming a trailing CR from each line.
func splitLines(head []byte) [][]byte {
	raw := bytes.Split(head, []byte("\n"))
	lines := make([][]byte, 0, len(raw))
	for _, ln := range raw {
		ln = bytes.TrimSuffix(ln, []byte("\r"))
		lines = append(lines, ln)
	}
	return lines
}

func parseRequestLine(line []byte) (method, uri []byte, version string, err error) {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return nil, nil, "", ErrBadMessage
	}
	method = parts[0]
	uri = parts[1]
	ver := string(parts[2])
	if ver != "HTTP/1.1" && ver != "HTTP/1.0" {
		return nil, nil, "", ErrBadMessage
	}
	if len(method) == 0 || len(uri) == 0 {
		return nil, nil, "", ErrBadMessage
	}
	return method, uri, ver, nil
}

func parseHeaderLine(line []byte) (Header, error) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return Header{}, ErrBadMessage
	}
	name := line[:i]
	value := bytes.TrimSpace(line[i+1:])
	if len(name) == 0 {
		return Header{}, ErrBadMessage
	}
	return Header{Name: name, Value: value}, nil
}

// decodeBodySize derives body framing from Content-Length, Transfer-Encoding,
// and method rules.
func decodeBodySize(method string, headers []Header) (BodySize, error) {
	var te, cl []byte
	for _, h := range headers {
		if bytes.EqualFold(h.Name, []byte("Transfer-Encoding")) {
			te = h.Value
		}
		if bytes.EqualFold(h.Name, []byte("Content-Length")) {
			if cl != nil {
				return BodySize{}, ErrBadMessage
			}
			cl = h.Value
		}
	}

	if te != nil {
		if !bytes.EqualFold(bytes.TrimSpace(te), []byte("chunked")) {
			return BodySize{}, ErrBadMessage
		}
		return BodySize{Kind: Unknown}, nil
	}

	if cl != nil {
		n, err := parseUint(cl)
		if err != nil {
			return BodySize{}, ErrBadMessage
		}
		if n == 0 {
			return BodySize{Kind: NoBody}, nil
		}
		return BodySize{Kind: KnownLength, N: n}, nil
	}

	return BodySize{Kind: NoBody}, nil
}

func parseUint(b []byte) (int64, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0, fmt.Errorf("empty integer")
	}
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid digit %q", c)
		}
		n = n*10 + int64(c-'0')
	}
	return n, nil
}
