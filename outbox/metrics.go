package outbox

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	dispatchTotal   *prometheus.CounterVec
	deadTotal       *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	pending         prometheus.Gauge
	leader          prometheus.Gauge
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		dispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kpi_outbox",
			Name:      "dispatch_total",
			Help:      "Total number of notification dispatch attempts.",
		}, []string{"type", "result"}),
		deadTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kpi_outbox",
			Name:      "dead_total",
			Help:      "Total number of intents that entered dead state.",
		}, []string{"type"}),
		dispatchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kpi_outbox",
			Name:      "dispatch_latency_seconds",
			Help:      "Latency distribution for notification dispatch.",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.05,
				0.1, 0.5, 1, 5, 10,
			},
		}, []string{"type", "result"}),
		pending: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kpi_outbox",
			Name:      "pending",
			Help:      "Current number of undelivered intents.",
		}),
		leader: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "kpi_outbox",
			Name:      "relay_leader",
			Help:      "Whether this instance drained the outbox on its last tick (1/0).",
		}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
