package fund

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	transitions *prometheus.CounterVec
	reconciled  *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fund",
			Name:      "ledger_transitions_total",
			Help:      "Ledger status changes by entry type.",
		}, []string{"entry_type", "from", "to"}),
		reconciled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fund",
			Name:      "reconciled_entries_total",
			Help:      "Ledger entries created or refreshed by reconcile.",
		}, []string{"action"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
