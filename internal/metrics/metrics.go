// Package metrics wraps the Prometheus collectors the broker exposes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the broker publishes.
type Registry struct {
	AgentsActive     prometheus.Gauge
	QueueDepth       *prometheus.GaugeVec
	Deliveries       *prometheus.CounterVec
	EventBusDropped  prometheus.Counter
	EventBusDepth    *prometheus.GaugeVec
	AckLatency       prometheus.Histogram
	ConnectionsTotal prometheus.Counter
	RateLimited      prometheus.Counter
}

// NewRegistry creates the broker's Prometheus collectors.
func NewRegistry() *Registry {
	return &Registry{
		AgentsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentbroker_agents_active",
			Help: "Number of agents currently registered.",
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentbroker_delivery_queue_depth",
			Help: "Current per-agent delivery queue depth.",
		}, []string{"agent"}),
		Deliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbroker_deliveries_total",
			Help: "Deliveries by terminal or transitional state.",
		}, []string{"state"}),
		EventBusDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentbroker_event_bus_dropped_total",
			Help: "Events dropped due to a slow subscriber.",
		}),
		EventBusDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentbroker_event_bus_subscriber_depth",
			Help: "Pending event count per subscriber.",
		}, []string{"connection"}),
		AckLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentbroker_ack_latency_seconds",
			Help:    "Latency between a blocking send and its ACK or timeout.",
			Buckets: prometheus.DefBuckets,
		}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentbroker_connections_total",
			Help: "Total control connections accepted.",
		}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentbroker_rate_limited_total",
			Help: "Requests rejected by the per-connection rate limiter.",
		}),
	}
}

// Handler returns an HTTP handler exposing the Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
