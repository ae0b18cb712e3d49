package zhttp

import (
	"context"
	"errors"

	"zhttpbridge/internal/connstate"
)

// ErrBadMessage covers a sequence mismatch, an empty ids list, or an
// oversize from-address: any envelope malformed enough that the
// connection driver should tear the connection down rather than try to
// recover.
var ErrBadMessage = errors.New("zhttp: bad message")

// SessionOut builds and sends outbound ("data"/"credit"/"cancel"/...)
// envelopes, stamping each with the instance id, connection id, and the
// next outbound sequence number. Sending requires that a backend reply-to
// address has been recorded in shared; the envelope itself carries no
// destination field.
type SessionOut struct {
	instanceID string
	id         string
	shared     *connstate.Shared
	out        chan<- Envelope
}

// NewSessionOut creates a SessionOut that sends on out, a channel shared
// by every connection goroutine feeding one backend dispatcher — the Go
// stand-in for a PUSH socket in a real message-bus deployment.
func NewSessionOut(instanceID, id string, shared *connstate.Shared, out chan<- Envelope) *SessionOut {
	return &SessionOut{instanceID: instanceID, id: id, shared: shared, out: out}
}

// Send stamps env with from/ids/multi and sends it on the outbound
// channel, blocking until capacity is available or ctx is cancelled.
func (so *SessionOut) Send(ctx context.Context, env Envelope) error {
	addr := so.shared.ToAddr()
	if addr == nil {
		return errors.New("zhttp: send with no reply-to address")
	}
	if !connstate.CanHoldAddr(addr) {
		return ErrBadMessage
	}

	seq := so.shared.IncOutSeq()
	env.From = []byte(so.instanceID)
	env.IDs = []EnvelopeID{{ID: so.id, Seq: &seq}}
	env.Multi = true

	select {
	case so.out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionIn peeks and consumes envelopes addressed to id from in,
// validating sequence numbers, tracking the reply-to address, and
// aggregating credit deltas.
type SessionIn struct {
	id          string
	sendBufSize uint32
	websocket   bool
	in          <-chan Envelope
	shared      *connstate.Shared

	next      *Envelope
	seq       uint32
	credits   uint32
	firstData bool
}

// NewSessionIn creates a SessionIn reading from in, a per-connection
// inbound channel fed by a dispatcher demultiplexing backend replies by
// connection id (the Go stand-in for a ZMQ ROUTER/PULL socket delivering
// to the right connection task).
func NewSessionIn(id string, sendBufSize uint32, isWebSocket bool, in <-chan Envelope, shared *connstate.Shared) *SessionIn {
	return &SessionIn{id: id, sendBufSize: sendBufSize, websocket: isWebSocket, in: in, shared: shared, firstData: true}
}

// Credits returns the currently accumulated receive credits.
func (si *SessionIn) Credits() uint32 { return si.credits }

// SubtractCredits deducts amount from the accumulated credits, called as
// the driver spends them forwarding body bytes to the backend.
func (si *SessionIn) SubtractCredits(amount uint32) {
	si.credits -= amount
}

// PeekMsg returns the next envelope addressed to this connection without
// consuming it (a second PeekMsg call with no RecvMsg in between returns
// the same envelope). It skips envelopes addressed to stale ids and
// returns ErrBadMessage on a sequence mismatch or an empty ids list,
// without advancing the sequence counter — a sequence violation means
// the driver tears the connection down rather than tries to resync.
func (si *SessionIn) PeekMsg(ctx context.Context) (*Envelope, error) {
	if si.next != nil {
		return si.next, nil
	}

	for {
		select {
		case env, ok := <-si.in:
			terminal, err := si.Absorb(env, ok)
			if err != nil {
				return nil, err
			}
			if terminal {
				return si.next, nil
			}
			// credit/ping/pong/stale-id: fully absorbed, keep waiting.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// In exposes the raw inbound channel so a driver loop that must also
// select on other event sources (peer reads, timers) during body
// forwarding can multiplex without PeekMsg's internal blocking receive.
func (si *SessionIn) In() <-chan Envelope { return si.in }

// Absorb applies one envelope received from In() (or an internal
// receive): it validates the id/sequence, updates the reply-to address,
// and folds in any credit delta. It reports terminal == true when the
// envelope is itself the next thing a caller of RecvMsg/PeekMsg should
// see (any type other than "credit", "ping" or "pong": "data", "error",
// "cancel", "handoff-start", "handoff-proceed", "close", "keep-alive" and
// any unrecognized type) and caches it as si.next; terminal == false means
// the envelope was fully handled here (a bare credit/ping/pong bump, or
// one addressed to a stale id) and the caller should keep waiting.
func (si *SessionIn) Absorb(env Envelope, ok bool) (terminal bool, err error) {
	if !ok {
		return false, ErrBadMessage
	}
	if len(env.IDs) == 0 {
		return false, ErrBadMessage
	}

	idx := env.IDIndexFor(si.id)
	if idx < 0 {
		return false, nil // addressed to an old id; skip silently
	}

	if env.IDs[idx].Seq != nil {
		if *env.IDs[idx].Seq != si.seq {
			return false, ErrBadMessage
		}
		si.seq++
	}

	if !connstate.CanHoldAddr(env.From) {
		return false, ErrBadMessage
	}
	si.shared.SetToAddr(env.From)

	si.applyCredits(&env)

	switch env.Type {
	case TypeCredit, TypePing, TypePong:
		return false, nil
	default:
		si.next = &env
		return true, nil
	}
}

func (si *SessionIn) applyCredits(env *Envelope) {
	switch env.Type {
	case TypeData:
		if env.Resp == nil {
			return
		}
		credits := env.Resp.Credits
		if si.firstData {
			si.firstData = false
			if si.websocket && credits == 0 {
				// Some backends don't send credits on the websocket
				// accept message; grant the configured default so the
				// connection isn't stuck with zero send window.
				credits = si.sendBufSize
			}
		}
		si.credits += credits
	case TypeCredit, TypePing, TypePong:
		si.credits += env.Credits
	}
}

// RecvMsg consumes and returns the next envelope addressed to this
// connection (equivalent to PeekMsg followed by discarding the peeked
// value).
func (si *SessionIn) RecvMsg(ctx context.Context) (*Envelope, error) {
	env, err := si.PeekMsg(ctx)
	if err != nil {
		return nil, err
	}
	si.next = nil
	return env, nil
}
