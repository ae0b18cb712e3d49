// Package connreq implements the single-shot, request-mode connection
// driver: no credits, no streaming, no handoff. Each cycle receives one
// full request, sends one backend message, waits for one response, and
// writes it back before deciding whether the connection stays open.
package connreq

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"

	"zhttpbridge/internal/buffer"
	"zhttpbridge/internal/config"
	"zhttpbridge/internal/connerr"
	"zhttpbridge/internal/http1"
	"zhttpbridge/internal/metrics"
	"zhttpbridge/internal/zhttp"
)

// errBodyTooLarge signals a request body exceeding the configured bound.
var errBodyTooLarge = errors.New("connreq: body exceeds configured limit")

// Dispatcher registers a connection id with the backend demultiplexer and
// returns the inbound channel the driver should read from, plus a cleanup
// function to call once the id is no longer in use.
type Dispatcher interface {
	Register(id string) (in <-chan zhttp.Envelope, unregister func())
}

// Driver runs the request-mode cycle over a single peer connection.
type Driver struct {
	Conn       net.Conn
	Secure     bool
	InstanceID string
	Limits     config.Limits
	Out        chan<- zhttp.Envelope
	Dispatch   Dispatcher
	NewID      func() string
}

// Run drives request/response cycles until the connection closes or
// persistence ends, returning nil on a normal close.
func (d *Driver) Run(ctx context.Context) error {
	buf1 := buffer.NewGrowable(d.Limits.ReceiveBufferSize, d.Limits.MaxReceiveBufferSize)
	metrics.ActiveConns.Inc()
	defer metrics.ActiveConns.Dec()

	for {
		persistent, err := d.runOnce(ctx, buf1)
		if err != nil {
			if err == io.EOF {
				return nil // peer closed between cycles
			}
			return err
		}
		if !persistent {
			return nil
		}
	}
}

// runOnce executes one request/response cycle: receive header, read
// body, send to the backend, wait for a response, write it back.
// Receiving the header is allowed to observe EOF with nothing buffered,
// which Run treats as a normal close; any other error terminates the
// connection.
func (d *Driver) runOnce(ctx context.Context, buf1 *buffer.Ring) (persistent bool, err error) {
	id := d.NewID()
	in, unregister := d.Dispatch.Register(id)
	defer unregister()

	cctx, cancel := context.WithTimeout(ctx, d.Limits.StreamIdleTimeout)
	defer cancel()

	// Step 1: receive request header into buf1.
	req, err := http1.ReceiveHeader(d.Conn, buf1)
	if err != nil {
		if errors.Is(err, http1.ErrBufferExceeded) {
			metrics.Errors.WithLabelValues(connerr.BufferExceeded.String()).Inc()
			return false, connerr.New(connerr.BufferExceeded, err)
		}
		if errors.Is(err, io.EOF) && buf1.Len() == 0 {
			// Nothing at all arrived: a normal close between cycles.
			return false, io.EOF
		}
		if errors.Is(err, io.EOF) {
			metrics.Errors.WithLabelValues(connerr.Io.String()).Inc()
			return false, connerr.New(connerr.Io, errors.New("connreq: truncated request header"))
		}
		metrics.Errors.WithLabelValues(connerr.Http.String()).Inc()
		return false, connerr.New(connerr.Http, err)
	}

	// Step 2: copy header fields out of buf1 (which may be compacted or
	// grown on the next ReceiveHeader call) before consuming it, then
	// read the body.
	buf1.HoldView()
	method := string(req.Method)
	uri := string(req.URI)
	version := req.Version
	reqConnection := copyOrNil(req.HeaderValue("Connection"))
	isUpgrade := isWebSocketUpgrade(req)
	headers := copyHeaders(req.Headers)
	bodySize := req.BodySize
	consumed := req.Consumed
	buf1.ReleaseView()
	buf1.CommitRead(consumed)

	body, err := readBody(d.Conn, buf1, bodySize, d.Limits.MaxBodySize)
	if err != nil {
		kind := connerr.Io
		switch {
		case errors.Is(err, errBodyTooLarge):
			kind = connerr.BufferExceeded
		case errors.Is(err, http1.ErrChunkMalformed):
			kind = connerr.Http
		}
		metrics.Errors.WithLabelValues(kind.String()).Inc()
		return false, connerr.New(kind, err)
	}

	if isUpgrade {
		// Request-mode connections don't support WebSocket: discard the
		// body and answer locally rather than round-tripping to the
		// backend for an upgrade it could never honor here.
		return d.writeResponse(version, reqConnection, rejectUpgradeResponse())
	}

	// Step 3: build and send the single backend "data" message.
	peerAddr, peerPort := splitHostPort(d.Conn.RemoteAddr())
	env := zhttp.Envelope{
		Req: &zhttp.RequestData{
			Method:      method,
			URI:         zhttp.SchemeFor(zhttp.ModeHTTPReq, d.Secure) + "://" + hostFor(headers) + uri,
			Headers:     headers,
			Body:        body,
			PeerAddress: peerAddr,
			PeerPort:    peerPort,
			ContentType: headerValue(headers, "Content-Type"),
		},
	}
	if err := d.send(cctx, id, env); err != nil {
		metrics.Errors.WithLabelValues(connerr.Io.String()).Inc()
		return false, connerr.New(connerr.Io, err)
	}
	metrics.BytesForwarded.WithLabelValues("peer_to_backend").Add(float64(len(body)))

	// Step 4: wait for the response.
	resp, err := d.waitForResponse(cctx, id, in)
	if err != nil {
		return false, err
	}
	metrics.RequestsTotal.WithLabelValues("req").Inc()

	// Steps 5-6: encode and write the response, report persistence.
	return d.writeResponse(version, reqConnection, resp)
}

// send stamps env with a fresh single-message envelope (seq always 0,
// since a request-mode cycle sends exactly one outbound message) and
// pushes it onto the shared outbound channel.
func (d *Driver) send(ctx context.Context, id string, env zhttp.Envelope) error {
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

// waitForResponse reads from the inbound channel until it sees a data
// message for this id: non-data messages are logged and ignored,
// messages addressed to a stale id are skipped silently, and a data
// message without response data is BadMessage.
func (d *Driver) waitForResponse(ctx context.Context, id string, in <-chan zhttp.Envelope) (*zhttp.ResponseData, error) {
	for {
		select {
		case env, ok := <-in:
			if !ok {
				return nil, connerr.New(connerr.Io, errors.New("connreq: inbound channel closed"))
			}
			if env.IDIndexFor(id) < 0 {
				continue
			}
			if env.Type != zhttp.TypeData {
				log.Printf("conn %s: ignoring non-data message %q while awaiting response", id, env.Type)
				continue
			}
			if env.Resp == nil {
				metrics.Errors.WithLabelValues(connerr.BadMessage.String()).Inc()
				return nil, connerr.New(connerr.BadMessage, errors.New("connreq: data message without response"))
			}
			return env.Resp, nil
		case <-ctx.Done():
			metrics.Errors.WithLabelValues(connerr.Timeout.String()).Inc()
			return nil, connerr.New(connerr.Timeout, ctx.Err())
		}
	}
}

// writeResponse encodes the response header, writes header+body, and
// reports whether the connection may be reused.
func (d *Driver) writeResponse(reqVersion string, reqConnection []byte, resp *zhttp.ResponseData) (bool, error) {
	respConnection := copyOrNil([]byte(headerValue(resp.Headers, "Connection")))
	persistent := http1.Persistent(reqVersion, reqConnection, respConnection)

	bodySize := http1.BodySize{Kind: http1.NoBody}
	if len(resp.Body) > 0 {
		bodySize = http1.BodySize{Kind: http1.KnownLength, N: int64(len(resp.Body))}
	}

	var buf2 bytes.Buffer
	if _, err := http1.EncodeResponseHeader(&buf2, resp.Code, resp.Reason, toHTTP1Headers(resp.Headers), bodySize, persistent); err != nil {
		return false, connerr.New(connerr.Http, err)
	}
	if len(resp.Body) > 0 {
		buf2.Write(resp.Body)
	}

	if _, err := d.Conn.Write(buf2.Bytes()); err != nil {
		metrics.Errors.WithLabelValues(connerr.Io.String()).Inc()
		return false, connerr.New(connerr.Io, err)
	}
	metrics.BytesForwarded.WithLabelValues("backend_to_peer").Add(float64(len(resp.Body)))

	if !persistent {
		_ = d.Conn.Close()
	}
	return persistent, nil
}

// rejectUpgradeResponse builds the local 400 response for a WebSocket
// upgrade attempted on a request-mode connection.
func rejectUpgradeResponse() *zhttp.ResponseData {
	body := []byte("WebSockets not supported on req mode")
	return &zhttp.ResponseData{
		Code:    400,
		Reason:  "Bad Request",
		Headers: []zhttp.Header{{Name: "Connection", Value: "close"}},
		Body:    body,
	}
}

func readBody(r io.Reader, ring *buffer.Ring, size http1.BodySize, max int64) ([]byte, error) {
	switch size.Kind {
	case http1.NoBody:
		return nil, nil
	case http1.KnownLength:
		if size.N > max {
			return nil, errBodyTooLarge
		}
		body := make([]byte, 0, size.N)
		for int64(len(body)) < size.N {
			if ring.Len() > 0 {
				take := ring.ReadBuf()
				need := size.N - int64(len(body))
				if int64(len(take)) > need {
					take = take[:need]
				}
				body = append(body, take...)
				ring.CommitRead(len(take))
				continue
			}
			if err := fillRing(r, ring); err != nil {
				return nil, err
			}
		}
		return body, nil
	default: // Unknown: chunked
		dec := http1.NewChunkedDecoder()
		var body []byte
		for !dec.Done() {
			if ring.Len() == 0 {
				if err := fillRing(r, ring); err != nil {
					return nil, err
				}
			}
			consumed, out, err := dec.Decode(ring.ReadBuf(), body)
			if err != nil {
				return nil, err
			}
			body = out
			ring.CommitRead(consumed)
			if int64(len(body)) > max {
				return nil, errBodyTooLarge
			}
			if consumed == 0 && !dec.Done() {
				if err := fillRing(r, ring); err != nil {
					return nil, err
				}
			}
		}
		return body, nil
	}
}

func fillRing(r io.Reader, ring *buffer.Ring) error {
	if ring.WriteAvail() == 0 {
		if err := ring.Align(); err != nil {
			if err := ring.Grow(); err != nil {
				return errBodyTooLarge
			}
		}
	}
	n, err := r.Read(ring.WriteBuf())
	if n > 0 {
		_ = ring.CommitWrite(n)
	}
	if err != nil && n == 0 {
		return err
	}
	return nil
}

func copyOrNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func headerValue(hs []zhttp.Header, name string) string {
	for _, h := range hs {
		if bytes.EqualFold([]byte(h.Name), []byte(name)) {
			return h.Value
		}
	}
	return ""
}

func hostFor(hs []zhttp.Header) string {
	if h := headerValue(hs, "Host"); h != "" {
		return h
	}
	return "localhost"
}

func isWebSocketUpgrade(req *http1.Request) bool {
	return bytes.EqualFold(bytes.TrimSpace(req.HeaderValue("Upgrade")), []byte("websocket"))
}

func copyHeaders(hs []http1.Header) []zhttp.Header {
	out := make([]zhttp.Header, len(hs))
	for i, h := range hs {
		out[i] = zhttp.Header{Name: string(h.Name), Value: string(h.Value)}
	}
	return out
}

func toHTTP1Headers(hs []zhttp.Header) []http1.Header {
	out := make([]http1.Header, 0, len(hs))
	for _, h := range hs {
		if bytes.EqualFold([]byte(h.Name), []byte("Connection")) {
			continue // re-emitted explicitly by EncodeResponseHeader's persistence logic
		}
		out = append(out, http1.Header{Name: []byte(h.Name), Value: []byte(h.Value)})
	}
	return out
}

func splitHostPort(addr net.Addr) (string, int) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String(), 0
	}
	return tcp.IP.String(), tcp.Port
}
