package verify

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "guardian"

var (
	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "runs_total",
			Help:      "Sandbox verification runs by toolchain and outcome",
		},
		[]string{"toolchain", "outcome"},
	)

	verificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "duration_seconds",
			Help:      "Sandbox verification duration",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"toolchain"},
	)
)

func recordVerification(toolchain, outcome string, d time.Duration) {
	if toolchain == "" {
		toolchain = "none"
	}
	verificationsTotal.WithLabelValues(toolchain, outcome).Inc()
	verificationDuration.WithLabelValues(toolchain).Observe(d.Seconds())
}
