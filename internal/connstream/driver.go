package connstream

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"

	"zhttpbridge/internal/buffer"
	"zhttpbridge/internal/connerr"
	"zhttpbridge/internal/http1"
	"zhttpbridge/internal/metrics"
	"zhttpbridge/internal/ws"
	"zhttpbridge/internal/zhttp"
)

// Run drives the streaming connection until a non-upgrade response
// closes the connection, a WebSocket session ends, or an error
// terminates it. Each persistent HTTP response loops back to Phase 1
// with a fresh cycle (new connection id, new SessionIn/SessionOut); a
// WebSocket connection never keeps alive past its own close handshake.
func (d *Driver) Run(ctx context.Context) error {
	metrics.ActiveConns.Inc()
	defer metrics.ActiveConns.Dec()

	buf1 := buffer.NewGrowable(d.Limits.ReceiveBufferSize, d.Limits.MaxReceiveBufferSize)
	reads := startReader(d.Conn)

	for {
		done, err := d.runOnce(ctx, buf1, reads)
		if err != nil {
			if ws.IsNetClose(err) {
				return nil
			}
			if cerr, ok := err.(*connerr.Error); ok {
				metrics.Errors.WithLabelValues(cerr.Kind.String()).Inc()
			}
			return err
		}
		if done {
			return nil
		}
		metrics.KeepAliveCycles.Inc()
	}
}

// runOnce executes Phase 1 through Phase 6 (plus handoff and keep-alive
// bookkeeping) for one request/response exchange, or for the lifetime of
// a WebSocket connection. done reports whether the caller should stop
// looping (WebSocket session ended, or the HTTP response was
// non-persistent).
func (d *Driver) runOnce(ctx context.Context, buf1 *buffer.Ring, reads <-chan readMsg) (done bool, err error) {
	// Phase 1: receive header, detect WebSocket upgrade.
	h, err := receiveHeader(d.Conn, buf1)
	if err != nil {
		if ws.IsNetClose(err) {
			return true, io.EOF
		}
		return true, err
	}

	var wsAccept string
	if h.isWebSocket {
		accept, verr := h.validateWebSocket()
		if verr != nil {
			d.writeLocalReject(400, "Bad Request", "invalid websocket upgrade request")
			return true, verr
		}
		wsAccept = accept
	}

	c := d.newCycle(ctx, h.isWebSocket)
	defer c.close()

	mode := zhttp.ModeHTTPStream
	if h.isWebSocket {
		mode = zhttp.ModeWebSocket
	}
	peerAddr, peerPort := splitHostPort(d.Conn.RemoteAddr())
	headers := toZhttpHeaders(h.headers)
	env := zhttp.Envelope{
		Req: &zhttp.RequestData{
			Method:      h.method,
			URI:         zhttp.SchemeFor(mode, d.Secure) + "://" + hostForHeaders(headers) + h.uri,
			Headers:     headers,
			Stream:      true,
			Credits:     uint32(d.Limits.ReceiveBufferSize),
			PeerAddress: peerAddr,
			PeerPort:    peerPort,
			ContentType: headerValueOf(headers, "Content-Type"),
			More:        !h.isWebSocket && h.bodySize.Kind != http1.NoBody,
		},
	}
	if err := d.sendInitial(ctx, c.id, env); err != nil {
		return true, connerr.New(connerr.Io, err)
	}
	c.shared.IncOutSeq() // seq 0 went out with the initial envelope
	metrics.RequestsTotal.WithLabelValues(modeLabel(h.isWebSocket)).Inc()

	// Phase 2 (to_addr) is established implicitly by the first Absorb
	// inside whichever of Phase 3/4 receives the first backend envelope.

	// Phase 3: forward the request body (HTTP only; a WebSocket upgrade
	// request has no body per validateWebSocket).
	leftover := copyBytes(buf1.ReadBuf())
	buf1.CommitRead(buf1.Len())
	if !h.isWebSocket && h.bodySize.Kind == http1.Unknown {
		if err := forwardChunkedRequestBody(c.ctx, reads, c.so, c.si, c.idle, leftover, d.Limits.MaxBodySize); err != nil {
			d.cancelBackend(c, err)
			return true, err
		}
		leftover = nil
	} else if !h.isWebSocket && h.bodySize.Kind != http1.NoBody {
		if err := forwardRequestBody(c.ctx, reads, c.so, c.si, h.bodySize.N, c.idle, leftover); err != nil {
			d.cancelBackend(c, err)
			return true, err
		}
		leftover = nil
	}

	// Phase 4: wait for the response header (or a WebSocket rejection).
	resp, rejected, err := waitForResponse(c.ctx, c.si, h.isWebSocket)
	if err != nil {
		d.cancelBackend(c, err)
		return true, err
	}
	if rejected != nil {
		d.writeLocalResponse(rejected.Code, rejected.Reason, rejected.Headers, rejected.Body)
		return true, nil
	}

	// Phase 5: send the response header.
	persistent, chunked, err := sendResponseHeader(d.Conn, h, resp, wsAccept, h.isWebSocket)
	if err != nil {
		d.cancelBackend(c, err)
		return true, err
	}

	// Phase 6: stream the body.
	if h.isWebSocket {
		if err := streamWebSocket(c, d.Conn, reads, leftover); err != nil {
			d.cancelBackend(c, err)
			return true, err
		}
		return true, nil // a websocket connection never keeps alive
	}

	if err := streamHTTPBody(c, d.Conn, chunked, resp.More); err != nil {
		d.cancelBackend(c, err)
		return true, err
	}
	if !persistent {
		_ = d.Conn.Close()
		return true, nil
	}
	return false, nil
}

// sendInitial sends the first envelope of a cycle on d.Out before any
// backend-discovered to_addr is known: it mirrors zhttp.SessionOut.Send's
// stamping logic (with seq 0) without that prerequisite, the same
// divergence connreq.Driver.send makes for the same reason. The caller
// advances the shared sequence counter past 0 afterwards.
func (d *Driver) sendInitial(ctx context.Context, id string, env zhttp.Envelope) error {
	seq := uint32(0)
	env.From = []byte(d.InstanceID)
	env.IDs = []zhttp.EnvelopeID{{ID: id, Seq: &seq}}
	env.Multi = true
	select {
	case d.Out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelBackend makes a best-effort attempt to tell the backend the
// connection it was handling just died abnormally, so it can free
// whatever state it was holding for this id. It only fires once to_addr
// is known, and only for error kinds the taxonomy marks CancelEligible.
func (d *Driver) cancelBackend(c *cycle, err error) {
	cerr, ok := err.(*connerr.Error)
	if !ok || !cerr.Kind.CancelEligible() {
		return
	}
	if c.shared.ToAddr() == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.Background(), c.idle.d)
	defer cancel()
	if serr := c.so.Send(sendCtx, zhttp.Envelope{Type: zhttp.TypeCancel}); serr != nil {
		log.Printf("conn %s: best-effort cancel send failed: %v", c.id, serr)
	}
}

func (d *Driver) writeLocalReject(code int, reason, message string) {
	d.writeLocalResponse(code, reason, []zhttp.Header{{Name: "Connection", Value: "close"}}, []byte(message))
}

func (d *Driver) writeLocalResponse(code int, reason string, headers []zhttp.Header, body []byte) {
	var buf bytes.Buffer
	bodySize := http1.BodySize{Kind: http1.NoBody}
	if len(body) > 0 {
		bodySize = http1.BodySize{Kind: http1.KnownLength, N: int64(len(body))}
	}
	if _, err := http1.EncodeResponseHeader(&buf, code, reason, toHTTP1Headers(headers), bodySize, false); err != nil {
		log.Printf("connstream: failed to encode local response: %v", err)
		_ = d.Conn.Close()
		return
	}
	buf.Write(body)
	_, _ = d.Conn.Write(buf.Bytes())
	_ = d.Conn.Close()
}

func modeLabel(isWebSocket bool) string {
	if isWebSocket {
		return "websocket"
	}
	return "stream"
}

func toZhttpHeaders(hs []http1Header) []zhttp.Header {
	out := make([]zhttp.Header, len(hs))
	for i, h := range hs {
		out[i] = zhttp.Header{Name: string(h.Name), Value: string(h.Value)}
	}
	return out
}

func headerValueOf(hs []zhttp.Header, name string) string {
	for _, h := range hs {
		if bytes.EqualFold([]byte(h.Name), []byte(name)) {
			return h.Value
		}
	}
	return ""
}

func hostForHeaders(hs []zhttp.Header) string {
	if h := headerValueOf(hs, "Host"); h != "" {
		return h
	}
	return "localhost"
}

func splitHostPort(addr net.Addr) (string, int) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String(), 0
	}
	return tcp.IP.String(), tcp.Port
}
