// Package metrics records deployment outcomes with Prometheus collectors and
// optionally pushes them to a Pushgateway at the end of a run.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var stageBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Metrics holds the collectors for one process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	hostResults   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	lastSuccess   *prometheus.GaugeVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "djdeploy",
		Name:      "runs_total",
		Help:      "Count of orchestrator runs by operation and outcome",
	}, []string{"operation", "outcome"})
	m.hostResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "djdeploy",
		Name:      "host_results_total",
		Help:      "Count of per-host results by operation and outcome",
	}, []string{"operation", "host", "outcome"})
	m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "djdeploy",
		Name:      "stage_duration_seconds",
		Help:      "Latency distribution of deployment stages",
		Buckets:   stageBuckets,
	}, []string{"operation", "stage"})
	m.lastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "djdeploy",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last successful run per operation",
	}, []string{"operation"})

	m.register(m.registry)
	return m
}

// register adds the collectors to r, adopting collectors already present.
func (m *Metrics) register(r prometheus.Registerer) {
	collectors := []prometheus.Collector{m.runs, m.hostResults, m.stageDuration, m.lastSuccess}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				continue
			}
			switch existing := already.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				if collector == m.runs {
					m.runs = existing
				} else {
					m.hostResults = existing
				}
			case *prometheus.HistogramVec:
				m.stageDuration = existing
			case *prometheus.GaugeVec:
				m.lastSuccess = existing
			}
		}
	}
}

// Registry exposes the registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(operation, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.With(prometheus.Labels{"operation": operation, "stage": stage}).Observe(d.Seconds())
}

// RecordHost counts one host result.
func (m *Metrics) RecordHost(operation, host, outcome string) {
	if m == nil {
		return
	}
	m.hostResults.With(prometheus.Labels{"operation": operation, "host": host, "outcome": outcome}).Inc()
}

// RecordRun counts one run and stamps the last success time. The environment
// is carried by the push grouping key, not by a label.
func (m *Metrics) RecordRun(operation, outcome string, at time.Time) {
	if m == nil {
		return
	}
	m.runs.With(prometheus.Labels{"operation": operation, "outcome": outcome}).Inc()
	if outcome == "success" {
		m.lastSuccess.With(prometheus.Labels{"operation": operation}).Set(float64(at.Unix()))
	}
}

// Push sends every collector to the Pushgateway at url under job, grouped by
// the given label pairs.
func (m *Metrics) Push(ctx context.Context, url, job string, grouping map[string]string) error {
	if m == nil || url == "" {
		return nil
	}
	pusher := push.New(url, job).Gatherer(m.registry)
	for k, v := range grouping {
		pusher = pusher.Grouping(k, v)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
