package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "guardian"

var (
	incidentsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "received_total",
			Help:      "Incidents accepted for processing",
		},
		[]string{"source", "severity"},
	)

	incidentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "transitions_total",
			Help:      "Incident status transitions by target status",
		},
		[]string{"status"},
	)

	stageRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stages",
			Name:      "runs_total",
			Help:      "Stage attempts by terminal status",
		},
		[]string{"stage", "status"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stages",
			Name:      "duration_seconds",
			Help:      "Duration of one stage attempt",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"stage"},
	)

	stageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stages",
			Name:      "retries_total",
			Help:      "Stage attempts after the first",
		},
		[]string{"stage"},
	)

	jobQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "queue_size",
			Help:      "Number of incident jobs by status",
		},
		[]string{"status"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Incident jobs processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	incidentsAborted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "aborted_total",
			Help:      "Operator aborts by whether a running job was cancelled",
		},
		[]string{"cancelled"},
	)
)

func recordIncidentReceived(source, severity string) {
	incidentsReceived.WithLabelValues(source, severity).Inc()
}

func recordTransition(status string) {
	incidentTransitions.WithLabelValues(status).Inc()
}

func recordStageRun(stage, status string, duration time.Duration) {
	stageRuns.WithLabelValues(stage, status).Inc()
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func recordStageRetry(stage string) {
	stageRetries.WithLabelValues(stage).Inc()
}

func recordAbort(cancelled bool) {
	label := "false"
	if cancelled {
		label = "true"
	}
	incidentsAborted.WithLabelValues(label).Inc()
}

func recordJobProcessed(kind JobKind, outcome string) {
	jobsProcessed.WithLabelValues(string(kind), outcome).Inc()
}

// RecordQueueStats updates job queue metrics.
func RecordQueueStats(stats *QueueStats) {
	jobQueueSize.WithLabelValues(string(JobStatusPending)).Set(float64(stats.Pending))
	jobQueueSize.WithLabelValues(string(JobStatusProcessing)).Set(float64(stats.Processing))
	jobQueueSize.WithLabelValues(string(JobStatusDone)).Set(float64(stats.Done))
	jobQueueSize.WithLabelValues(string(JobStatusFailed)).Set(float64(stats.Failed))
}
