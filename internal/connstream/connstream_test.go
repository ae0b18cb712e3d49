package connstream

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"zhttpbridge/internal/config"
	"zhttpbridge/internal/connid"
	"zhttpbridge/internal/zhttp"
)

// fakeDispatcher hands out one buffered inbound channel per id, recorded
// so the test can push backend envelopes onto it (same pattern as
// connreq's driver_test.go).
type fakeDispatcher struct {
	chans map[string]chan zhttp.Envelope
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{chans: make(map[string]chan zhttp.Envelope)}
}

func (f *fakeDispatcher) Register(id string) (<-chan zhttp.Envelope, func()) {
	ch := make(chan zhttp.Envelope, 8)
	f.chans[id] = ch
	return ch, func() { delete(f.chans, id) }
}

func newStreamDriver(conn net.Conn, out chan zhttp.Envelope, disp *fakeDispatcher) *Driver {
	limits := config.Default()
	limits.StreamIdleTimeout = 2 * time.Second
	limits.ZhttpSessionTimeout = 5 * time.Second
	return &Driver{
		Conn:          conn,
		InstanceID:    "inst-1",
		Limits:        limits,
		Out:           out,
		Dispatch:      disp,
		IDs:           connid.NewProvider(),
		InitialTarget: []byte("zhttp-handler"),
	}
}

func recvEnvelope(t *testing.T, out chan zhttp.Envelope) zhttp.Envelope {
	t.Helper()
	select {
	case env := <-out:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound envelope")
		return zhttp.Envelope{}
	}
}

func TestStreamHTTPRoundTripWithCredits(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	out := make(chan zhttp.Envelope, 8)
	disp := newFakeDispatcher()
	d := newStreamDriver(serverConn, out, disp)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	go func() {
		clientConn.Write([]byte("GET /stream HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	}()

	env := recvEnvelope(t, out)
	if env.Req == nil || env.Req.Method != "GET" || !env.Req.Stream {
		t.Fatalf("unexpected initial envelope: %+v", env)
	}
	if env.Req.Credits != uint32(config.Default().ReceiveBufferSize) {
		t.Fatalf("initial credits = %d, want %d", env.Req.Credits, config.Default().ReceiveBufferSize)
	}
	id := env.IDs[0].ID

	disp.chans[id] <- zhttp.Envelope{
		IDs:  []zhttp.EnvelopeID{{ID: id}},
		Type: zhttp.TypeData,
		Resp: &zhttp.ResponseData{
			Code: 200, Reason: "OK",
			Headers: []zhttp.Header{{Name: "Content-Length", Value: "5"}},
			Body:    []byte("hello"),
			More:    false,
		},
	}

	buf := make([]byte, 512)
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	got := string(buf[:n])
	if got[:15] != "HTTP/1.1 200 OK" {
		t.Fatalf("response = %q", got)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not exit after non-persistent response")
	}
}

func TestStreamRejectsInvalidWebSocketUpgrade(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	out := make(chan zhttp.Envelope, 8)
	disp := newFakeDispatcher()
	d := newStreamDriver(serverConn, out, disp)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	go func() {
		// Missing Sec-WebSocket-Key: invalid upgrade, rejected locally
		// before any backend envelope is sent.
		clientConn.Write([]byte("GET /ws HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Version: 13\r\n\r\n"))
	}()

	buf := make([]byte, 256)
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if got := string(buf[:n]); got[:26] != "HTTP/1.1 400 Bad Request\r\n" {
		t.Fatalf("response = %q", got)
	}

	select {
	case <-out:
		t.Fatal("no backend envelope should be sent for a locally-rejected upgrade")
	default:
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not exit after rejecting upgrade")
	}
}

// TestStreamWebSocketRoundTrip drives the server's WebSocket pump with a
// real gorilla/websocket client (dialed over net.Pipe via a custom
// NetDial): a real client validates our wire framing instead of another
// hand-rolled frame writer.
func TestStreamWebSocketRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	out := make(chan zhttp.Envelope, 8)
	disp := newFakeDispatcher()
	d := newStreamDriver(serverConn, out, disp)

	driverDone := make(chan error, 1)
	go func() { driverDone <- d.Run(context.Background()) }()

	dialer := &websocket.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) { return clientConn, nil },
	}
	dialDone := make(chan struct{})
	var (
		wsConn   *websocket.Conn
		dialErr  error
		dialResp *http.Response
	)
	go func() {
		wsConn, dialResp, dialErr = dialer.Dial("ws://example.com/ws", nil)
		close(dialDone)
	}()

	// Accept the upgrade: the backend only needs to answer with a "data"
	// message and the driver emits 101 Switching Protocols once the
	// request itself has validated as a WebSocket upgrade.
	env := recvEnvelope(t, out)
	if env.Req == nil {
		t.Fatalf("unexpected initial envelope: %+v", env)
	}
	id := env.IDs[0].ID
	disp.chans[id] <- zhttp.Envelope{
		IDs:  []zhttp.EnvelopeID{{ID: id}},
		Type: zhttp.TypeData,
		Resp: &zhttp.ResponseData{Code: 101, Reason: "Switching Protocols"},
	}

	select {
	case <-dialDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client handshake")
	}
	if dialErr != nil {
		t.Fatalf("dial: %v (resp=%v)", dialErr, dialResp)
	}
	defer wsConn.Close()

	// Peer -> backend: a text message.
	if err := wsConn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	dataEnv := recvEnvelope(t, out)
	if dataEnv.Req == nil || string(dataEnv.Req.Body) != "ping" {
		t.Fatalf("unexpected forwarded frame: %+v", dataEnv)
	}

	// Backend -> peer: the echo.
	disp.chans[id] <- zhttp.Envelope{
		IDs:  []zhttp.EnvelopeID{{ID: id}},
		Type: zhttp.TypeData,
		Resp: &zhttp.ResponseData{Opcode: dataEnv.Req.Opcode, Body: []byte("pong"), More: false},
	}

	msgType, payload, err := wsConn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != websocket.TextMessage || string(payload) != "pong" {
		t.Fatalf("echoed message = (%d, %q)", msgType, payload)
	}

	// Client-initiated close handshake.
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := wsConn.WriteMessage(websocket.CloseMessage, closeMsg); err != nil {
		t.Fatalf("WriteMessage(close): %v", err)
	}
	closeEnv := recvEnvelope(t, out)
	if closeEnv.Type != zhttp.TypeClose {
		t.Fatalf("expected close envelope, got %+v", closeEnv)
	}
	disp.chans[id] <- zhttp.Envelope{
		IDs:  []zhttp.EnvelopeID{{ID: id}},
		Type: zhttp.TypeClose,
	}

	select {
	case err := <-driverDone:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not exit after close handshake completed")
	}
}
