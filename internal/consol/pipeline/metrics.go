package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for pipeline stages.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the stage metrics against registerer. A nil registerer
// yields nil metrics, which every method tolerates.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		return nil
	}
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consol_stage_runs_total",
		Help: "Consolidation stage executions partitioned by stage and outcome.",
	}, []string{"stage", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consol_stage_duration_seconds",
		Help:    "Duration in seconds of consolidation stage executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	registerer.MustRegister(runs, duration)
	return &Metrics{runs: runs, duration: duration}
}

// observe records one stage execution. outcome is "success", the domain error
// code, or "error" for infrastructure faults.
func (m *Metrics) observe(stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(stage, outcome).Inc()
	m.duration.WithLabelValues(stage).Observe(elapsed.Seconds())
}
