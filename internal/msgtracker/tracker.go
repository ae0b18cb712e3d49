// Package msgtracker implements the queue of pending outbound WebSocket
// messages: each item is tagged by opcode and the number of bytes that
// have been appended to it so far, with at most one "still appending"
// item, always at the tail.
package msgtracker

import (
	"errors"

	"github.com/eapache/queue"
)

// ErrFull is returned by Start when the tracker has no room for another
// message and the tail item isn't appending (so the caller must drain
// before starting more).
var ErrFull = errors.New("msgtracker: full")

// ErrInProgress is returned by Start when the tail item is still
// appending; only one message may be mid-append at a time.
var ErrInProgress = errors.New("msgtracker: message in progress")

type item struct {
	opcode byte
	avail  int
}

// Tracker is a FIFO of pending outbound message items, backed by
// github.com/eapache/queue's ring-buffered Queue so that the queue itself
// does not reallocate in steady state; Start still allocates one item per
// message.
type Tracker struct {
	q       *queue.Queue
	max     int
	partial bool
}

// New creates a Tracker that holds at most maxMessages items.
func New(maxMessages int) *Tracker {
	return &Tracker{q: queue.New(), max: maxMessages}
}

// InProgress reports whether the tail item is still being appended to.
func (t *Tracker) InProgress() bool { return t.partial }

// Start opens a new tail item for opcode. It fails if a message is
// already in progress or the tracker is at capacity.
func (t *Tracker) Start(opcode byte) error {
	if t.partial {
		return ErrInProgress
	}
	if t.q.Length() >= t.max {
		return ErrFull
	}
	t.q.Add(&item{opcode: opcode})
	t.partial = true
	return nil
}

// Extend adds amt bytes to the tail item. It panics if no message is in
// progress, mirroring the original's debug-assert discipline.
func (t *Tracker) Extend(amt int) {
	if !t.partial {
		panic("msgtracker: Extend with no message in progress")
	}
	it := t.q.Get(t.q.Length() - 1).(*item)
	it.avail += amt
}

// Done marks the tail item as fully appended; it remains queued for
// consumption but no longer accepts Extend calls.
func (t *Tracker) Done() { t.partial = false }

// Current reports the head item's opcode, available bytes, and whether
// it is done (i.e. safe to fully consume without waiting on more Extend
// calls). It returns ok=false if the tracker is empty.
func (t *Tracker) Current() (opcode byte, avail int, done bool, ok bool) {
	switch t.q.Length() {
	case 0:
		return 0, 0, false, false
	case 1:
		it := t.q.Peek().(*item)
		return it.opcode, it.avail, !t.partial, true
	default:
		it := t.q.Peek().(*item)
		return it.opcode, it.avail, true, true
	}
}

// Consumed records that amt bytes of the head item were consumed; if
// done, the head item is popped (and must have zero bytes remaining).
func (t *Tracker) Consumed(amt int, done bool) {
	it := t.q.Peek().(*item)
	if amt > it.avail {
		panic("msgtracker: Consumed more than available")
	}
	it.avail -= amt
	if done {
		if it.avail != 0 {
			panic("msgtracker: Consumed(done=true) with bytes remaining")
		}
		t.q.Remove()
	}
}

// Len reports the number of queued items (including any in-progress tail).
func (t *Tracker) Len() int { return t.q.Length() }
