package kpi

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/kpi-engine/generic"
)

type metrics struct {
	computeTotal    *prometheus.CounterVec
	computeDuration *prometheus.HistogramVec
	subjectsTotal   *prometheus.CounterVec
	lockTotal       *prometheus.CounterVec
	missedMarkings  prometheus.Counter
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		computeTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kpi",
			Name:      "compute_total",
			Help:      "Compute runs by period kind and outcome.",
		}, []string{"period", "result"}),
		computeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kpi",
			Name:      "compute_duration_seconds",
			Help:      "Wall time of compute runs.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"period"}),
		subjectsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kpi",
			Name:      "subjects_total",
			Help:      "Subjects processed by compute runs.",
		}, []string{"period", "result"}),
		lockTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kpi",
			Name:      "period_lock_total",
			Help:      "Period lock state changes.",
		}, []string{"period", "action"}),
		missedMarkings: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "kpi",
			Name:      "missed_markings_total",
			Help:      "Evaluations missed by markers, summed over weekly computes.",
		}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

// outcome labels a compute result for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case generic.IsLocked(err):
		return "locked"
	default:
		return "error"
	}
}
