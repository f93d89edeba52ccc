// Package metrics exposes the Prometheus collectors of sweep executions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sweep"

const (
	resultOK    = "ok"
	resultError = "error"
)

// Metrics records executions, dispatches and background work on its own registry.
type Metrics struct {
	registry     *prometheus.Registry
	runs         *prometheus.CounterVec
	processed    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	dispatches   *prometheus.CounterVec
	workDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Executions by target and final status.",
		}, []string{"target", "status"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Items handled successfully by target.",
		}, []string{"target"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of executions by target.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"target"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Continuation dispatch attempts by target and result.",
		}, []string{"target", "result"}),
		workDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "work_duration_seconds",
			Help:      "Duration of background work executions by work and result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"work", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs,
		m.processed,
		m.runDuration,
		m.dispatches,
		m.workDuration,
	)
	return m
}

// RecordRun records a finished execution.
func (m *Metrics) RecordRun(target, status string, processed int, elapsed time.Duration) {
	m.runs.WithLabelValues(target, status).Inc()
	m.processed.WithLabelValues(target).Add(float64(processed))
	m.runDuration.WithLabelValues(target).Observe(elapsed.Seconds())
}

// RecordDispatch records one dispatch attempt.
func (m *Metrics) RecordDispatch(target string, err error) {
	m.dispatches.WithLabelValues(target, result(err)).Inc()
}

// ObserveWork records one execution of a background work item.
func (m *Metrics) ObserveWork(name string, elapsed time.Duration, err error) {
	m.workDuration.WithLabelValues(name, result(err)).Observe(elapsed.Seconds())
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func result(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}
