package connstream

import (
	"bytes"
	"net"
	"strconv"

	"zhttpbridge/internal/buffer"
	"zhttpbridge/internal/connerr"
	"zhttpbridge/internal/http1"
	"zhttpbridge/internal/zhttp"
)

// sendResponseHeader writes the response header for one cycle. For a
// successful WebSocket upgrade it strips any Upgrade/Connection/
// Sec-WebSocket-Accept/Sec-WebSocket-Protocol the backend supplied and
// re-injects the computed trio, echoing back the first subprotocol the
// client offered (if any); for HTTP it derives body framing from a
// backend Content-Length header, falling back to chunked when absent
// and resp.More is true. It returns whether the response allows the
// connection to persist (always false for a successful WebSocket
// upgrade) and whether the framing is chunked.
func sendResponseHeader(conn net.Conn, h *headerInfo, resp *zhttp.ResponseData, wsAccept string, isWebSocketSuccess bool) (persistent bool, chunked bool, err error) {
	var buf bytes.Buffer

	if isWebSocketSuccess {
		buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
		for _, hd := range resp.Headers {
			if isWebSocketHopHeader(hd.Name) {
				continue
			}
			buf.WriteString(hd.Name)
			buf.WriteString(": ")
			buf.WriteString(hd.Value)
			buf.WriteString("\r\n")
		}
		buf.WriteString("Upgrade: websocket\r\n")
		buf.WriteString("Connection: Upgrade\r\n")
		buf.WriteString("Sec-WebSocket-Accept: " + wsAccept + "\r\n")
		if h.wsProtocol != "" {
			buf.WriteString("Sec-WebSocket-Protocol: " + h.wsProtocol + "\r\n")
		}
		buf.WriteString("\r\n")
		if _, werr := conn.Write(buf.Bytes()); werr != nil {
			return false, false, connerr.New(connerr.Io, werr)
		}
		return false, false, nil
	}

	respConnection := headerValueFrom(resp.Headers, "Connection")
	var respConnBytes []byte
	if respConnection != "" {
		respConnBytes = []byte(respConnection)
	}
	persistent = http1.Persistent(h.version, h.reqConnection, respConnBytes)

	bodySize := http1.BodySize{Kind: http1.NoBody}
	if cl := headerValueFrom(resp.Headers, "Content-Length"); cl != "" {
		if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
			bodySize = http1.BodySize{Kind: http1.KnownLength, N: n}
		}
	} else if resp.More {
		bodySize = http1.BodySize{Kind: http1.Unknown}
	} else if len(resp.Body) > 0 {
		bodySize = http1.BodySize{Kind: http1.KnownLength, N: int64(len(resp.Body))}
	}

	hdrs := toHTTP1Headers(resp.Headers)
	gotChunked, eerr := http1.EncodeResponseHeader(&buf, resp.Code, resp.Reason, hdrs, bodySize, persistent)
	if eerr != nil {
		return false, false, connerr.New(connerr.Http, eerr)
	}
	chunked = gotChunked

	// Header and body go out as one vectored write (net.Buffers, writev
	// where the platform supports it) rather than copying the body into
	// the header's bytes.Buffer first.
	bufs := [][]byte{buf.Bytes()}
	if chunked && len(resp.Body) > 0 {
		var chunkBuf bytes.Buffer
		http1.WriteChunk(&chunkBuf, resp.Body, !resp.More)
		bufs = append(bufs, chunkBuf.Bytes())
	} else if !chunked && len(resp.Body) > 0 {
		bufs = append(bufs, resp.Body)
	}

	if _, werr := buffer.WriteVectored(conn, bufs); werr != nil {
		return persistent, chunked, connerr.New(connerr.Io, werr)
	}
	return persistent, chunked, nil
}

func isWebSocketHopHeader(name string) bool {
	return bytes.EqualFold([]byte(name), []byte("Upgrade")) ||
		bytes.EqualFold([]byte(name), []byte("Connection")) ||
		bytes.EqualFold([]byte(name), []byte("Sec-WebSocket-Accept")) ||
		bytes.EqualFold([]byte(name), []byte("Sec-WebSocket-Protocol"))
}

func headerValueFrom(hs []zhttp.Header, name string) string {
	for _, h := range hs {
		if bytes.EqualFold([]byte(h.Name), []byte(name)) {
			return h.Value
		}
	}
	return ""
}

func toHTTP1Headers(hs []zhttp.Header) []http1.Header {
	out := make([]http1.Header, 0, len(hs))
	for _, h := range hs {
		if bytes.EqualFold([]byte(h.Name), []byte("Connection")) || bytes.EqualFold([]byte(h.Name), []byte("Content-Length")) {
			continue // re-emitted explicitly by EncodeResponseHeader
		}
		out = append(out, http1.Header{Name: []byte(h.Name), Value: []byte(h.Value)})
	}
	return out
}
