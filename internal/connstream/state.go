// Package connstream implements the long-lived, credit-based streaming
// connection driver: chunked/unbounded HTTP bodies and WebSocket
// connections, both driven by a single cooperative select loop per
// connection rather than a goroutine pair per direction, so a timer,
// a peer read, and a backend message can all be waited on at once.
package connstream

import (
	"context"
	"net"

	"zhttpbridge/internal/config"
	"zhttpbridge/internal/connid"
	"zhttpbridge/internal/connstate"
	"zhttpbridge/internal/zhttp"
)

// Dispatcher registers a connection id with the backend demultiplexer and
// returns the inbound channel the driver should read from, plus a cleanup
// function to call once the id is no longer in use.
type Dispatcher interface {
	Register(id string) (in <-chan zhttp.Envelope, unregister func())
}

// Driver runs the streaming cycle over a single peer connection,
// looping back to receiving a fresh header after each persistent HTTP
// response (WebSocket connections never keep-alive on top of another
// request).
type Driver struct {
	Conn       net.Conn
	Secure     bool
	InstanceID string
	Limits     config.Limits
	Out        chan<- zhttp.Envelope
	Dispatch   Dispatcher
	IDs        *connid.Provider

	// InitialTarget names the well-known zhttp request handler. The
	// driver does not read it: the first envelope of a connection goes
	// out on Out, and the dispatcher on the other end routes it.
	InitialTarget []byte
}

// cycle bundles the state that lives for one request/response iteration
// of the keep-alive loop: its own connection id, session helpers, and
// timers. A new cycle is created on every keep-alive repetition, each
// with a fresh connection id.
type cycle struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	shared *connstate.Shared
	si     *zhttp.SessionIn
	so     *zhttp.SessionOut

	idle         *idleResetter
	sessionTimer *idleResetter

	maxPending int

	unregister func()
}

// outboundPendingLimit bounds the msgtracker.Tracker the WebSocket pump
// uses to track in-flight backend -> peer messages.
func (c *cycle) outboundPendingLimit() int { return c.maxPending }

func (d *Driver) newCycle(parent context.Context, isWebSocket bool) *cycle {
	id := d.IDs.New()
	in, unregister := d.Dispatch.Register(id)
	shared := connstate.New()
	ctx, cancel := context.WithCancel(parent)

	return &cycle{
		id:           id,
		ctx:          ctx,
		cancel:       cancel,
		shared:       shared,
		si:           zhttp.NewSessionIn(id, uint32(d.Limits.ReceiveBufferSize), isWebSocket, in, shared),
		so:           zhttp.NewSessionOut(d.InstanceID, id, shared, d.Out),
		idle:         newIdleResetter(d.Limits.StreamIdleTimeout),
		sessionTimer: newIdleResetter(d.Limits.ZhttpSessionTimeout),
		maxPending:   d.Limits.MaxPendingMessages,
		unregister:   unregister,
	}
}

func (c *cycle) close() {
	c.idle.stop()
	c.sessionTimer.stop()
	c.cancel()
	c.unregister()
}
