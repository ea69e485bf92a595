package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Hub-level collectors, registered on the default Prometheus registry.
var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderhub_connections",
		Help: "Number of currently open WebSocket connections, authenticated or pending.",
	})

	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderhub_broadcasts_total",
		Help: "Total broadcast operations accepted from the application layer.",
	})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderhub_events_delivered_total",
		Help: "Total event frames handed to individual connection send queues.",
	})

	EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderhub_evictions_total",
		Help: "Connections removed by the hub, by reason.",
	}, []string{"reason"})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderhub_auth_failures_total",
		Help: "Rejected authentication attempts, by reason.",
	}, []string{"reason"})
)

// Eviction reasons.
const (
	ReasonSendFailure      = "send_failure"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonStaleSweep       = "stale_sweep"
	ReasonShutdown         = "shutdown"
)

// Handler exposes the default registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
