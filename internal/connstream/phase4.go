package connstream

import (
	"context"
	"log"

	"zhttpbridge/internal/connerr"
	"zhttpbridge/internal/zhttp"
)

// waitForResponse blocks until the backend sends the response header
// (or, on its first iteration, establishes to_addr as a side effect of
// zhttp.SessionIn.Absorb). On a backend "error" of condition "rejected"
// for a WebSocket request it returns the rejected response instead of an
// error, since a rejected upgrade is still a normal HTTP response to
// write back to the peer.
func waitForResponse(ctx context.Context, si *zhttp.SessionIn, isWebSocket bool) (resp *zhttp.ResponseData, rejected *zhttp.RejectedInfo, err error) {
	for {
		env, err := si.RecvMsg(ctx)
		if err != nil {
			return nil, nil, connerr.New(connerr.BadMessage, err)
		}

		switch env.Type {
		case zhttp.TypeData:
			if env.Resp == nil {
				return nil, nil, connerr.New(connerr.BadMessage, errNilResponse)
			}
			return env.Resp, nil, nil
		case zhttp.TypeError:
			if isWebSocket && env.Err != nil && env.Err.Condition == "rejected" {
				return nil, env.Err.Rejected, nil
			}
			cond := ""
			if env.Err != nil {
				cond = env.Err.Condition
			}
			return nil, nil, connerr.New(connerr.HandlerError, errCondition(cond))
		case zhttp.TypeCancel:
			return nil, nil, connerr.New(connerr.HandlerCancel, errHandlerCancel)
		case zhttp.TypeKeepAlive, zhttp.TypePing, zhttp.TypePong:
			log.Printf("conn: ignoring %q message while awaiting response header", env.Type)
			continue
		default:
			log.Printf("conn: ignoring unexpected %q message while awaiting response header", env.Type)
			continue
		}
	}
}
