// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline, served on the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal            *prometheus.CounterVec
	StepDuration         *prometheus.HistogramVec
	FactsExtracted       *prometheus.CounterVec
	VerificationsTotal   *prometheus.CounterVec
	VerificationDuration prometheus.Histogram
	PipelineBusySkips    prometheus.Counter
)

// Init registers all pipeline metrics with the default registry. Call
// once at startup before any pipeline work begins.
func Init() {
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Total pipeline runs by type and terminal status.",
		},
		[]string{"type", "status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_step_duration_seconds",
			Help:    "Duration of individual pipeline steps.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"step", "status"},
	)

	FactsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facts_extracted_total",
			Help: "Facts extracted from pages, by kind.",
		},
		[]string{"kind"},
	)

	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_verifications_total",
			Help: "Source URL verification checks by outcome.",
		},
		[]string{"outcome"},
	)

	VerificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "source_verification_duration_seconds",
			Help:    "Duration of single source verification checks.",
			Buckets: prometheus.DefBuckets,
		},
	)

	PipelineBusySkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_busy_skips_total",
			Help: "Scheduled triggers skipped because a run was in progress.",
		},
	)
}
