package main

import (
	"log"

	"zhttpbridge/internal/dispatch"
	"zhttpbridge/internal/zhttp"
)

// loopbackBackend is a minimal stand-in for the real ZHTTP backend
// handler, which normally lives behind the message bus and is reached
// over the opaque wire codec. It lets this binary run and answer
// requests standalone (echoing the request back as a 200 response)
// rather than requiring a real backend process for the bridge to be
// exercised at all.
func loopbackBackend(out <-chan zhttp.Envelope, table *dispatch.Table, instanceID string) {
	for env := range out {
		if len(env.IDs) == 0 {
			continue
		}
		reply := zhttp.Envelope{
			From: []byte(instanceID + "-backend"),
			IDs:  env.IDs,
		}
		switch env.Type {
		case zhttp.TypeData:
			if env.Req == nil {
				continue
			}
			reply.Resp = &zhttp.ResponseData{
				Code:    200,
				Reason:  "OK",
				Headers: []zhttp.Header{{Name: "Content-Type", Value: "text/plain"}},
				Body:    env.Req.Body,
				Opcode:  env.Req.Opcode,
			}
		case zhttp.TypeCredit, zhttp.TypePing, zhttp.TypePong, zhttp.TypeClose, zhttp.TypeCancel:
			continue
		default:
			log.Printf("loopback backend: ignoring %q envelope", env.Type)
			continue
		}
		table.Deliver(reply)
	}
}
