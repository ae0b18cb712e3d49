package connstream

import (
	"context"
	"errors"
	"io"

	"zhttpbridge/internal/connerr"
	"zhttpbridge/internal/metrics"
	"zhttpbridge/internal/zhttp"
)

// forwardRequestBody streams an HTTP request body to the backend: read
// up to min(scratch, in_credits) bytes per iteration and forward each
// chunk as a "data" message with more = still more body remaining,
// blocking on in_credits == 0 until a credit message arrives. It selects
// over the reader channel and the backend inbound channel simultaneously
// rather than blocking on either alone, so a credit grant or an
// unsolicited backend message never stalls behind a blocked peer read.
func forwardRequestBody(ctx context.Context, reads <-chan readMsg, so *zhttp.SessionOut, si *zhttp.SessionIn, remaining int64, idle *idleResetter, preload []byte) error {
	var pending []byte // bytes read from peer but not yet forwarded, waiting on credits
	if len(preload) > 0 {
		if int64(len(preload)) > remaining {
			preload = preload[:remaining]
		}
		remaining -= int64(len(preload))
		pending = append(pending, preload...)
	}

	for remaining > 0 || len(pending) > 0 {
		if len(pending) > 0 {
			if si.Credits() == 0 {
				if err := waitForCredit(ctx, si); err != nil {
					return err
				}
				continue
			}
			take := int64(len(pending))
			if c := int64(si.Credits()); take > c {
				take = c
			}
			more := remaining > 0 || int64(len(pending)) > take
			if err := so.Send(ctx, zhttp.Envelope{Req: &zhttp.RequestData{Body: pending[:take], More: more}}); err != nil {
				return connerr.New(connerr.Io, err)
			}
			si.SubtractCredits(uint32(take))
			metrics.BytesForwarded.WithLabelValues("peer_to_backend").Add(float64(take))
			pending = pending[take:]
			continue
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
			chunk := msg.data
			if int64(len(chunk)) > remaining {
				chunk = chunk[:remaining]
			}
			remaining -= int64(len(chunk))
			pending = append(pending, chunk...)
		case env, ok := <-si.In():
			terminal, aerr := si.Absorb(env, ok)
			if aerr != nil {
				return connerr.New(connerr.BadMessage, aerr)
			}
			if terminal {
				// An early response/error/cancel arrived before the body
				// finished sending; stop forwarding and let Phase 4 pick
				// it up via RecvMsg (it is already cached as si.next).
				return nil
			}
		case <-ctx.Done():
			return connerr.New(connerr.Stopped, ctx.Err())
		}
	}
	return nil
}

func waitForCredit(ctx context.Context, si *zhttp.SessionIn) error {
	for si.Credits() == 0 {
		if _, err := si.RecvMsg(ctx); err != nil {
			return connerr.New(connerr.BadMessage, err)
		}
	}
	return nil
}
