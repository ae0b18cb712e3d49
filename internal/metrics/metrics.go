// Package metrics exports Prometheus series for the connection drivers:
// gauges, counters, and vecs registered at init time, covering both the
// request-mode and streaming-mode cycles, including the credit-flow and
// handoff bookkeeping specific to streaming connections.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ActiveConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zhttpbridge_active_connections",
		Help: "Number of active client connections",
	})
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zhttpbridge_requests_total",
		Help: "Requests handled, by connection mode",
	}, []string{"mode"})
	Errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zhttpbridge_errors_total",
		Help: "Connection-terminating errors, by taxonomy kind",
	}, []string{"kind"})
	BytesForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zhttpbridge_bytes_forwarded_total",
		Help: "Body bytes forwarded, by direction",
	}, []string{"dir"}) // peer_to_backend, backend_to_peer
	CreditsGranted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zhttpbridge_credits_granted_total",
		Help: "Credit bytes granted, by direction",
	}, []string{"dir"}) // in, out
	HandoffsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zhttpbridge_handoffs_total",
		Help: "Backend handoffs completed",
	})
	TimeoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zhttpbridge_timeouts_total",
		Help: "Timeouts, by kind",
	}, []string{"kind"}) // stream_idle, zhttp_session
	KeepAliveCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zhttpbridge_keepalive_cycles_total",
		Help: "Persistent-connection request cycles completed",
	})
)

func init() {
	prometheus.MustRegister(
		ActiveConns, RequestsTotal, Errors, BytesForwarded,
		CreditsGranted, HandoffsTotal, TimeoutsTotal, KeepAliveCycles,
	)
}
