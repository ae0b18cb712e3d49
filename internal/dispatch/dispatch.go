// Package dispatch implements the in-process connection-id demultiplexer
// that stands in for the message bus's ROUTER/PULL sockets: it hands
// each connection driver its own inbound channel and fans envelopes
// arriving from the backend out by id.
package dispatch

import (
	"sync"

	"zhttpbridge/internal/zhttp"
)

// Table routes envelopes to per-connection inbound channels by id. It
// implements both connreq.Dispatcher and connstream.Dispatcher.
type Table struct {
	mu    sync.Mutex
	conns map[string]chan zhttp.Envelope
	size  int
}

// New creates a Table whose per-connection channels are buffered to
// bufSize.
func New(bufSize int) *Table {
	return &Table{conns: make(map[string]chan zhttp.Envelope), size: bufSize}
}

// Register creates id's inbound channel and returns it plus a cleanup
// function that removes and closes it.
func (t *Table) Register(id string) (<-chan zhttp.Envelope, func()) {
	ch := make(chan zhttp.Envelope, t.size)
	t.mu.Lock()
	t.conns[id] = ch
	t.mu.Unlock()
	return ch, func() {
		t.mu.Lock()
		delete(t.conns, id)
		t.mu.Unlock()
		close(ch)
	}
}

// Deliver routes env to every id it addresses that currently has a
// registered channel; ids with no registration (already torn down, or a
// stale id never known to this table) are dropped silently.
func (t *Table) Deliver(env zhttp.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, eid := range env.IDs {
		if ch, ok := t.conns[eid.ID]; ok {
			select {
			case ch <- env:
			default:
				// Slow consumer: drop rather than block the dispatcher
				// goroutine indefinitely. A production backend transport
				// would apply its own backpressure before this point.
			}
		}
	}
}
