package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "guardian"

var (
	memoriesStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "stored_total",
			Help:      "Memory writes by backend and outcome",
		},
		[]string{"backend", "status"},
	)

	recallResults = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "recall_results",
			Help:      "Number of memories returned per recall",
			Buckets:   []float64{0, 1, 2, 3, 5, 10},
		},
		[]string{"backend", "status"},
	)
)

func recordStore(backend, status string) {
	memoriesStored.WithLabelValues(backend, status).Inc()
}

func recordRecall(backend, status string, n int) {
	recallResults.WithLabelValues(backend, status).Observe(float64(n))
}
