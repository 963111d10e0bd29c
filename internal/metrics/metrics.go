// Package metrics provides Prometheus metrics for fleetd.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Backend adapter metrics.
	BackendRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "backend",
		Name:      "requests_total",
		Help:      "Total number of backend control-plane requests.",
	}, []string{"family", "op", "outcome"}) // outcome: ok, not_found, unreachable, rejected
	BackendRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleet",
		Subsystem: "backend",
		Name:      "request_duration_seconds",
		Help:      "Latency of backend control-plane requests.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"family", "op"})
	BackendRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "backend",
		Name:      "retries_total",
		Help:      "Bounded retries issued after an unreachable backend.",
	}, []string{"op"})

	// Server health, fed by the registry monitor.
	ServerHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleet",
		Subsystem: "server",
		Name:      "healthy",
		Help:      "Whether the backend server answered its last health probe (1) or not (0).",
	}, []string{"server"})
	ServerProbeLatency = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleet",
		Subsystem: "server",
		Name:      "probe_latency_seconds",
		Help:      "Latency of the last health probe per server.",
	}, []string{"server"})
	ServerOnlineUsers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleet",
		Subsystem: "server",
		Name:      "online_users",
		Help:      "Online users reported by the backend.",
	}, []string{"server"})

	// Session reconciler metrics.
	SessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Session lifecycle operations by outcome.",
	}, []string{"op", "outcome"})
	PartialFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "session",
		Name:      "partial_failures_total",
		Help:      "Operations that left backend and local store disagreeing.",
	}, []string{"op"})
	BackendCleanupFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "session",
		Name:      "backend_cleanup_failures_total",
		Help:      "Disconnects whose backend delete failed while the local row was deactivated.",
	})

	// Usage sync metrics.
	SyncIdentitiesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "sync",
		Name:      "identities_total",
		Help:      "Backend identities seen by the usage sync.",
	}, []string{"server", "result"}) // result: synced, untracked
	SyncErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Subsystem: "sync",
		Name:      "errors_total",
		Help:      "Usage sync failures per server.",
	}, []string{"server"})
)

func init() {
	prometheus.MustRegister(
		BackendRequestsTotal,
		BackendRequestDuration,
		BackendRetriesTotal,

		ServerHealthy,
		ServerProbeLatency,
		ServerOnlineUsers,

		SessionsTotal,
		PartialFailuresTotal,
		BackendCleanupFailuresTotal,

		SyncIdentitiesTotal,
		SyncErrorsTotal,
	)
}

// ObserveBackendRequest records one backend call.
func ObserveBackendRequest(family, op, outcome string, d time.Duration) {
	BackendRequestsTotal.WithLabelValues(family, op, outcome).Inc()
	BackendRequestDuration.WithLabelValues(family, op).Observe(d.Seconds())
}
