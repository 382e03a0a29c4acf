// Package metrics wraps the Prometheus collectors rpcmux exposes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps Prometheus collectors used across the core components.
type Registry struct {
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	SubscriptionsActive prometheus.Gauge
	ConnectionsActive   prometheus.Gauge
	WorkerClosedTotal   prometheus.Counter
	SelectorDropsTotal  prometheus.Counter
	CorrelationTimeouts prometheus.Counter
	CallsRouted         *prometheus.CounterVec
	RouteLatency        *prometheus.HistogramVec
}

// NewRegistry creates Prometheus metrics collectors.
func NewRegistry() *Registry {
	return &Registry{
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rpcmux_cache_hits_total",
			Help: "Number of calls served from the response cache",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rpcmux_cache_misses_total",
			Help: "Number of calls that missed the response cache",
		}),
		SubscriptionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rpcmux_subscriptions_active",
			Help: "Number of deduplicated upstream subscriptions currently open",
		}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rpcmux_upstream_connections_active",
			Help: "Number of upstream WebSocket connections currently Ready",
		}),
		WorkerClosedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rpcmux_worker_closed_total",
			Help: "Total number of per-connection worker terminations",
		}),
		SelectorDropsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rpcmux_selector_drops_total",
			Help: "Total number of outbound calls dropped because no node could be selected",
		}),
		CorrelationTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rpcmux_correlation_timeouts_total",
			Help: "Total number of calls that timed out waiting for a correlated response",
		}),
		CallsRouted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcmux_calls_routed_total",
			Help: "Total number of calls routed to an upstream node, by node index",
		}, []string{"node"}),
		RouteLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpcmux_route_latency_seconds",
			Help:    "Upstream round-trip latency observed by per-connection workers",
			Buckets: prometheus.DefBuckets,
		}, []string{"node"}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
