package connreq

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"zhttpbridge/internal/config"
	"zhttpbridge/internal/zhttp"
)

// fakeDispatcher hands out one fixed inbound channel per id, recorded so
// the test can push backend replies onto it.
type fakeDispatcher struct {
	chans map[string]chan zhttp.Envelope
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{chans: make(map[string]chan zhttp.Envelope)}
}

func (f *fakeDispatcher) Register(id string) (<-chan zhttp.Envelope, func()) {
	ch := make(chan zhttp.Envelope, 4)
	f.chans[id] = ch
	return ch, func() { delete(f.chans, id) }
}

func newDriver(t *testing.T, conn net.Conn, out chan zhttp.Envelope, disp *fakeDispatcher) *Driver {
	t.Helper()
	n := 0
	return &Driver{
		Conn:       conn,
		InstanceID: "inst-1",
		Limits:     config.Default(),
		Out:        out,
		Dispatch:   disp,
		NewID: func() string {
			n++
			return "conn-test"
		},
	}
}

func TestRequestModeSingleCycle(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	out := make(chan zhttp.Envelope, 4)
	disp := newFakeDispatcher()
	d := newDriver(t, serverConn, out, disp)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	go func() {
		clientConn.Write([]byte("GET /hello HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	}()

	var env zhttp.Envelope
	select {
	case env = <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound envelope")
	}
	if env.Req == nil || env.Req.Method != "GET" {
		t.Fatalf("unexpected request envelope: %+v", env)
	}
	if env.Req.URI != "http://example.com/hello" {
		t.Fatalf("URI = %q", env.Req.URI)
	}

	disp.chans["conn-test"] <- zhttp.Envelope{
		IDs:  []zhttp.EnvelopeID{{ID: "conn-test"}},
		Type: zhttp.TypeData,
		Resp: &zhttp.ResponseData{Code: 200, Reason: "OK", Body: []byte("world")},
	}

	br := bufio.NewReader(clientConn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if status != "HTTP/1.1 200 OK\r\n" {
		t.Fatalf("status = %q", status)
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

func TestRequestModeRejectsWebSocketUpgrade(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	out := make(chan zhttp.Envelope, 4)
	disp := newFakeDispatcher()
	d := newDriver(t, serverConn, out, disp)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	go func() {
		clientConn.Write([]byte("GET /ws HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n"))
	}()

	br := bufio.NewReader(clientConn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if status != "HTTP/1.1 400 Bad Request\r\n" {
		t.Fatalf("status = %q", status)
	}

	select {
	case <-out:
		t.Fatal("no backend envelope should be sent for a rejected upgrade")
	default:
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not exit after rejecting upgrade")
	}
}
