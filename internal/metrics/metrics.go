// Package metrics exposes pipeline observations as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements the pipeline's Metrics interface with Prometheus
// collectors. Registering two Recorders on the same registry panics, so
// each process builds exactly one.
type Recorder struct {
	pipelinesTotal   *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	attemptsTotal    *prometheus.CounterVec
}

// NewRecorder registers the collectors on the default registry
func NewRecorder() *Recorder {
	return newRecorderWith(prometheus.DefaultRegisterer)
}

// NewRecorderWith registers the collectors on a caller-supplied
// registry, for tests
func NewRecorderWith(reg prometheus.Registerer) *Recorder {
	return newRecorderWith(reg)
}

func newRecorderWith(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		pipelinesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketsmith_pipelines_total",
				Help: "Finished pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		pipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ticketsmith_pipeline_duration_seconds",
				Help:    "Wall-clock duration of pipeline runs",
				Buckets: prometheus.ExponentialBuckets(10, 2, 10),
			},
			[]string{"outcome"},
		),
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketsmith_attempts_total",
				Help: "Agent attempts by failure classification, 'succeeded' for clean attempts",
			},
			[]string{"classification"},
		),
	}
}

// ObservePipeline records one finished pipeline run
func (r *Recorder) ObservePipeline(outcome string, d time.Duration) {
	r.pipelinesTotal.WithLabelValues(outcome).Inc()
	r.pipelineDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveAttempt records one finished agent attempt
func (r *Recorder) ObserveAttempt(classification string) {
	if classification == "" {
		classification = "succeeded"
	}
	r.attemptsTotal.WithLabelValues(classification).Inc()
}
