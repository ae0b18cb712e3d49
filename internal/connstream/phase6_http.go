package connstream

import (
	"bytes"
	"log"
	"net"

	"zhttpbridge/internal/connerr"
	"zhttpbridge/internal/http1"
	"zhttpbridge/internal/metrics"
	"zhttpbridge/internal/zhttp"
)

// streamHTTPBody writes the HTTP response body as it arrives from the
// backend: each "data" message's bytes go straight to the peer, and a
// matching "credit" message is sent back immediately afterward so the
// backend's send window grows in step with what's actually left the
// buffer. Returns once the backend sets more=false; a
// HandoffStart/HandoffProceed cycle hands the connection to a new
// backend address and streaming then carries on.
func streamHTTPBody(d *cycle, conn net.Conn, chunked bool, more bool) error {
	for more {
		select {
		case env, ok := <-d.si.In():
			terminal, aerr := d.si.Absorb(env, ok)
			if aerr != nil {
				metrics.Errors.WithLabelValues(connerr.BadMessage.String()).Inc()
				return connerr.New(connerr.BadMessage, aerr)
			}
			d.sessionTimer.reset()
			if !terminal {
				continue
			}
			switch env.Type {
			case zhttp.TypeData:
				if env.Resp == nil {
					return connerr.New(connerr.BadMessage, errNilResponse)
				}
				if err := writeBodyFragment(conn, chunked, env.Resp.Body, !env.Resp.More); err != nil {
					return connerr.New(connerr.Io, err)
				}
				d.idle.reset()
				metrics.BytesForwarded.WithLabelValues("backend_to_peer").Add(float64(len(env.Resp.Body)))
				if err := grantOutCredit(d, uint32(len(env.Resp.Body))); err != nil {
					return err
				}
				more = env.Resp.More
			case zhttp.TypeHandoffStart:
				if err := performHandoff(d); err != nil {
					return err
				}
				// After handoff, the new backend resumes the response by
				// sending further data messages; keep looping.
			case zhttp.TypeError:
				return connerr.New(connerr.HandlerError, errCondition(errConditionOf(env)))
			case zhttp.TypeCancel:
				return connerr.New(connerr.HandlerCancel, errHandlerCancel)
			default:
				log.Printf("conn %s: ignoring %q message mid-response", d.id, env.Type)
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

func writeBodyFragment(conn net.Conn, chunked bool, body []byte, final bool) error {
	if len(body) == 0 && !final {
		return nil
	}
	var buf []byte
	if chunked {
		var bb bytes.Buffer
		http1.WriteChunk(&bb, body, final)
		buf = bb.Bytes()
	} else {
		buf = body
	}
	if len(buf) == 0 {
		return nil
	}
	_, err := conn.Write(buf)
	return err
}

// grantOutCredit sends a "credit" envelope for n bytes just flushed to
// the peer, replenishing the backend's send window by that amount.
func grantOutCredit(d *cycle, n uint32) error {
	if n == 0 {
		return nil
	}
	metrics.CreditsGranted.WithLabelValues("out").Add(float64(n))
	if err := d.so.Send(d.ctx, zhttp.Envelope{Type: zhttp.TypeCredit, Credits: n}); err != nil {
		return connerr.New(connerr.Io, err)
	}
	return nil
}

func errConditionOf(env zhttp.Envelope) string {
	if env.Err != nil {
		return env.Err.Condition
	}
	return ""
}
