// Package metrics holds the Prometheus collectors describing pipeline runs.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "noiseuploader"

// Metrics groups the run collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Runs          *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	RowsDelivered prometheus.Gauge
	LastSuccess   prometheus.Gauge
	ArchiveErrors prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		RowsDelivered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rows_delivered",
			Help:      "Rows in the last delivered document.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that did not fail.",
		}),
		ArchiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_errors_total",
			Help:      "Failed archive inserts.",
		}),
	}
	m.registry.MustRegister(m.Runs, m.StageDuration, m.RowsDelivered, m.LastSuccess, m.ArchiveErrors)
	return m
}

// Registry exposes the registry for pushing or testing.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStage records the time elapsed since start for stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// RecordRun counts a finished run. Every outcome except "failed" also
// refreshes the last success timestamp.
func (m *Metrics) RecordRun(outcome string, now time.Time) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
	if outcome != "failed" {
		m.LastSuccess.Set(float64(now.Unix()))
	}
}

// RecordDelivered sets the delivered row count.
func (m *Metrics) RecordDelivered(rows int) {
	if m == nil {
		return
	}
	m.RowsDelivered.Set(float64(rows))
}

// RecordArchiveError counts a failed archive insert.
func (m *Metrics) RecordArchiveError() {
	if m == nil {
		return
	}
	m.ArchiveErrors.Inc()
}

// Push sends every collector to a Prometheus Pushgateway under job.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	return push.New(url, job).Gatherer(m.registry).PushContext(ctx)
}
