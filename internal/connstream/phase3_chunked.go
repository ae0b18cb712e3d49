package connstream

import (
	"context"
	"errors"
	"io"

	"zhttpbridge/internal/connerr"
	"zhttpbridge/internal/http1"
	"zhttpbridge/internal/metrics"
	"zhttpbridge/internal/zhttp"
)

// forwardChunkedRequestBody is forwardRequestBody's counterpart for a
// request with Transfer-Encoding: chunked: it strips chunk framing
// before handing payload bytes to the backend, still gated by
// in_credits and still selecting over the peer-reader channel and the
// backend inbound channel so neither one can stall the other.
func forwardChunkedRequestBody(ctx context.Context, reads <-chan readMsg, so *zhttp.SessionOut, si *zhttp.SessionIn, idle *idleResetter, preload []byte, maxBody int64) error {
	dec := http1.NewChunkedDecoder()
	var raw []byte
	var payload []byte
	var total int64
	raw = append(raw, preload...)

	for {
		if len(payload) > 0 {
			if si.Credits() == 0 {
				if err := waitForCredit(ctx, si); err != nil {
					return err
				}
				continue
			}
			take := int64(len(payload))
			if c := int64(si.Credits()); take > c {
				take = c
			}
			more := !dec.Done() || int64(len(payload)) > take
			if err := so.Send(ctx, zhttp.Envelope{Req: &zhttp.RequestData{Body: payload[:take], More: more}}); err != nil {
				return connerr.New(connerr.Io, err)
			}
			si.SubtractCredits(uint32(take))
			metrics.BytesForwarded.WithLabelValues("peer_to_backend").Add(float64(take))
			payload = payload[take:]
			continue
		}

		if dec.Done() {
			return nil
		}

		if len(raw) > 0 {
			consumed, result, err := dec.Decode(raw, nil)
			if err != nil {
				return connerr.New(connerr.Http, err)
			}
			raw = raw[consumed:]
			payload = result
			total += int64(len(payload))
			if total > maxBody {
				return connerr.New(connerr.BufferExceeded, errChunkedBodyTooLarge)
			}
			if len(payload) > 0 || dec.Done() || consumed > 0 {
				continue
			}
		}

		select {
		case msg, ok := <-reads:
			idle.reset()
			if !ok || msg.err != nil {
				if errors.Is(msg.err, io.EOF) {
					return connerr.New(connerr.Io, io.ErrUnexpectedEOF)
				}
				return connerr.New(connerr.Io, msg.err)
			}
			raw = append(raw, msg.data...)
		case env, ok := <-si.In():
			terminal, aerr := si.Absorb(env, ok)
			if aerr != nil {
				return connerr.New(connerr.BadMessage, aerr)
			}
			if terminal {
				return nil // early response/error/cancel; Phase 4 picks it up
			}
		case <-ctx.Done():
			return connerr.New(connerr.Stopped, ctx.Err())
		}
	}
}

var errChunkedBodyTooLarge = errors.New("connstream: chunked request body exceeds configured limit")
