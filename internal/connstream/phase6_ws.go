package connstream

import (
	"errors"
	"log"
	"net"

	"zhttpbridge/internal/buffer"
	"zhttpbridge/internal/connerr"
	"zhttpbridge/internal/metrics"
	"zhttpbridge/internal/msgtracker"
	"zhttpbridge/internal/ws"
	"zhttpbridge/internal/zhttp"
)

// streamWebSocket pumps frames in both directions until the close
// handshake completes on both sides. Peer frames are decoded
// incrementally; TEXT/BINARY and CLOSE frames are forwarded as "data" and
// "close" envelopes gated by in_credits, the same flow-control gate used
// for HTTP request bodies, while a PING is answered locally with a PONG
// and a PONG is dropped. Backend envelopes are translated back into frames
// via ws.Encoder.
func streamWebSocket(d *cycle, conn net.Conn, reads <-chan readMsg, preload []byte) error {
	decoder := ws.NewDecoder()
	encoder := ws.NewEncoder(false) // server -> client frames are unmasked
	machine := ws.NewMachine()
	peerRing := buffer.NewGrowable(4096, 256*1024)
	tracker := msgtracker.New(d.outboundPendingLimit())
	var assembling []byte

	if len(preload) > 0 {
		if err := feedRing(peerRing, preload); err != nil {
			return connerr.New(connerr.BufferExceeded, err)
		}
		done, err := drainPeerFrames(d, conn, encoder, decoder, machine, peerRing, &assembling)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	for !machine.Finished() {
		select {
		case msg, ok := <-reads:
			if !ok || msg.err != nil {
				if ws.IsNetClose(msg.err) && machine.State() == ws.StateClosing {
					return nil // we'd already sent CLOSE; peer dropping the TCP half is expected
				}
				return connerr.New(connerr.Io, msg.err)
			}
			d.idle.reset()
			if err := feedRing(peerRing, msg.data); err != nil {
				return connerr.New(connerr.BufferExceeded, err)
			}

			done, err := drainPeerFrames(d, conn, encoder, decoder, machine, peerRing, &assembling)
			if err != nil {
				return err
			}
			if done {
				return nil
			}

		case env, ok := <-d.si.In():
			d.sessionTimer.reset()
			terminal, aerr := d.si.Absorb(env, ok)
			if aerr != nil {
				metrics.Errors.WithLabelValues(connerr.BadMessage.String()).Inc()
				return connerr.New(connerr.BadMessage, aerr)
			}
			if terminal {
				if err := applyBackendFrame(d, conn, encoder, machine, tracker, env); err != nil {
					return err
				}
			}
			// A credit grant can reopen the in_credits gate on frames
			// already buffered in peerRing.
			if peerRing.Len() > 0 && d.si.Credits() > 0 && !machine.Finished() {
				done, err := drainPeerFrames(d, conn, encoder, decoder, machine, peerRing, &assembling)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}

		case <-d.idle.C():
			metrics.TimeoutsTotal.WithLabelValues("stream_idle").Inc()
			return connerr.New(connerr.Timeout, errStreamIdle)
		case <-d.sessionTimer.C():
			metrics.TimeoutsTotal.WithLabelValues("zhttp_session").Inc()
			return connerr.New(connerr.Timeout, errZhttpSession)
		case <-d.ctx.Done():
			return connerr.New(connerr.Stopped, d.ctx.Err())
		}
	}
	return nil
}

// drainPeerFrames decodes and forwards as many complete frames as
// peerRing currently holds and in_credits allow, reporting done == true
// once the close handshake has completed in both directions.
func drainPeerFrames(d *cycle, conn net.Conn, encoder *ws.Encoder, decoder *ws.Decoder, machine *ws.Machine, peerRing *buffer.Ring, assembling *[]byte) (done bool, err error) {
	for peerRing.Len() > 0 {
		if d.si.Credits() == 0 {
			return false, nil // gated on in_credits, same as a request body
		}
		consumed, opcode, result, end, derr := decoder.Decode(peerRing.ReadBuf(), *assembling)
		if derr == ws.ErrNeedMore {
			return false, nil
		}
		if derr != nil {
			metrics.Errors.WithLabelValues(connerr.BadFrame.String()).Inc()
			return false, connerr.New(connerr.BadFrame, derr)
		}
		peerRing.CommitRead(consumed)
		*assembling = result
		if opcode == 0 {
			// The current frame is not complete yet; its payload so far
			// stays in *assembling until the rest arrives.
			if consumed == 0 {
				return false, nil
			}
			continue
		}

		if ferr := forwardPeerFrame(d, conn, encoder, machine, opcode, *assembling, end); ferr != nil {
			return false, ferr
		}
		*assembling = nil
		if machine.Finished() {
			return true, nil
		}
	}
	return false, nil
}

// forwardPeerFrame translates one decoded peer frame into a backend
// envelope (peer -> backend direction).
func forwardPeerFrame(d *cycle, conn net.Conn, encoder *ws.Encoder, machine *ws.Machine, opcode byte, payload []byte, end bool) error {
	switch opcode {
	case ws.OpText, ws.OpBinary:
		env := zhttp.Envelope{Req: &zhttp.RequestData{Stream: true, Opcode: opcode, Body: payload, More: !end}}
		if err := d.so.Send(d.ctx, env); err != nil {
			return connerr.New(connerr.Io, err)
		}
		d.si.SubtractCredits(uint32(len(payload)))
		metrics.BytesForwarded.WithLabelValues("peer_to_backend").Add(float64(len(payload)))
		return nil
	case ws.OpClose:
		code, reason, err := ws.ParseClosePayload(payload)
		if err != nil {
			metrics.Errors.WithLabelValues(connerr.Utf8.String()).Inc()
			return connerr.New(connerr.Utf8, err)
		}
		if err := d.so.Send(d.ctx, zhttp.Envelope{Type: zhttp.TypeClose, Close: &zhttp.CloseData{HasCode: true, Code: int(code), Reason: reason}}); err != nil {
			return connerr.New(connerr.Io, err)
		}
		return machine.OnPeerClose()
	case ws.OpPing:
		// Answered directly at this layer rather than round-tripped
		// through the backend: zhttp's own "ping"/"pong" envelope types
		// are absorbed invisibly by zhttp.SessionIn.Absorb as connection
		// keepalive/credit carriers (see session.go), so they have no way
		// to surface a distinct relay-to-backend event. A WebSocket PING
		// is answered directly with a PONG per RFC 6455.
		if err := encoder.SendControl(conn, ws.OpPong, payload); err != nil {
			return connerr.New(connerr.Io, err)
		}
		return nil
	case ws.OpPong:
		return nil // unsolicited pong, nothing to do
	default:
		metrics.Errors.WithLabelValues(connerr.BadFrame.String()).Inc()
		return connerr.New(connerr.BadFrame, errUnsupportedOpcode)
	}
}

// applyBackendFrame translates one terminal backend envelope into an
// outgoing frame (backend -> peer direction). tracker enforces that at
// most one message in the backend -> peer sequence is still appending,
// and that it's always the one at the tail.
func applyBackendFrame(d *cycle, conn net.Conn, encoder *ws.Encoder, machine *ws.Machine, tracker *msgtracker.Tracker, env zhttp.Envelope) error {
	switch env.Type {
	case zhttp.TypeData:
		if env.Resp == nil {
			return connerr.New(connerr.BadMessage, errNilResponse)
		}
		op := env.Resp.Opcode
		if op == 0 {
			op = ws.OpText
		}
		start := !tracker.InProgress()
		if start {
			if err := tracker.Start(op); err != nil {
				return connerr.New(connerr.BadMessage, err)
			}
		}
		tracker.Extend(len(env.Resp.Body))
		if err := writeWSMessage(conn, encoder, op, env.Resp.Body, start, !env.Resp.More); err != nil {
			return connerr.New(connerr.Io, err)
		}
		d.idle.reset()
		if !env.Resp.More {
			tracker.Done()
		}
		if _, avail, done, ok := tracker.Current(); ok {
			tracker.Consumed(avail, done)
		}
		metrics.BytesForwarded.WithLabelValues("backend_to_peer").Add(float64(len(env.Resp.Body)))
		return nil
	case zhttp.TypeClose:
		code := uint16(ws.DefaultCloseCode)
		reason := ws.DefaultCloseReason
		if env.Close != nil && env.Close.HasCode {
			code = uint16(env.Close.Code)
			reason = env.Close.Reason
		}
		if err := encoder.SendControl(conn, ws.OpClose, ws.BuildClosePayload(code, reason)); err != nil {
			return connerr.New(connerr.Io, err)
		}
		d.idle.reset()
		return machine.OnSendClose()
	case zhttp.TypeError:
		return connerr.New(connerr.HandlerError, errCondition(errConditionOf(env)))
	case zhttp.TypeCancel:
		return connerr.New(connerr.HandlerCancel, errHandlerCancel)
	default:
		log.Printf("conn %s: ignoring %q message during websocket pump", d.id, env.Type)
		return nil
	}
}

func writeWSMessage(conn net.Conn, encoder *ws.Encoder, opcode byte, payload []byte, start, done bool) error {
	if start {
		if err := encoder.SendMessageStart(opcode); err != nil {
			return err
		}
	}
	return encoder.SendMessageContent(conn, payload, done)
}

func feedRing(ring *buffer.Ring, data []byte) error {
	for len(data) > 0 {
		if ring.WriteAvail() == 0 {
			if err := ring.Align(); err != nil {
				if err := ring.Grow(); err != nil {
					return err
				}
			}
		}
		n := copy(ring.WriteBuf(), data)
		if n == 0 {
			if err := ring.Grow(); err != nil {
				return err
			}
			continue
		}
		_ = ring.CommitWrite(n)
		data = data[n:]
	}
	return nil
}

var errUnsupportedOpcode = errors.New("connstream: unsupported websocket opcode")
