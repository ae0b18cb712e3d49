package connstream

import (
	"zhttpbridge/internal/connerr"
	"zhttpbridge/internal/metrics"
	"zhttpbridge/internal/zhttp"
)

// performHandoff transfers a connection from one backend handler to
// another. Any pending outbound body is already flushed by the time
// streamHTTPBody observes HandoffStart (writes are synchronous in this
// driver), so this only has to send HandoffProceed and clear to_addr.
// The connection then sits paused until the next inbound envelope's
// From address re-establishes to_addr via zhttp.SessionIn.Absorb.
func performHandoff(d *cycle) error {
	if err := d.so.Send(d.ctx, zhttp.Envelope{Type: zhttp.TypeHandoffProceed}); err != nil {
		return connerr.New(connerr.Io, err)
	}
	d.shared.ClearToAddr()
	metrics.HandoffsTotal.Inc()
	return nil
}
