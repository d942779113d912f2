// Package metrics exposes Prometheus instruments for retries, sync runs and
// scheduled jobs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"upcoach-sync/pkg/retry"
)

const namespace = "coachsync"

// Metrics holds the agent's collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	attempts   *prometheus.CounterVec   // by operation
	retries    *prometheus.CounterVec   // by operation
	retryDelay *prometheus.HistogramVec // by operation
	outcomes   *prometheus.CounterVec   // by operation and outcome
	duration   *prometheus.HistogramVec // by operation

	syncRuns      *prometheus.CounterVec // by status
	syncDuration  prometheus.Histogram
	resourceItems *prometheus.GaugeVec // by resource
	lastSuccess   prometheus.Gauge

	jobRuns *prometheus.CounterVec // by job and outcome
}

// New creates and registers all collectors, plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total number of attempts made by the retry executor",
		}, []string{"operation"}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "retries_total",
			Help:      "Total number of failed attempts followed by another attempt",
		}, []string{"operation"}),

		retryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "delay_seconds",
			Help:      "Backoff delay before a retry",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"operation"}),

		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "outcomes_total",
			Help:      "Final outcome of retried operations",
		}, []string{"operation", "outcome"}), // outcome: success, failure

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "duration_seconds",
			Help:      "Total duration of retried operations including backoff",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sync runs by status",
		}, []string{"status"}), // status: ok, partial, failed

		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of a full sync run",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		resourceItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "resource_items",
			Help:      "Number of items in the latest snapshot of a resource",
		}, []string{"resource"}),

		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last sync run without failures",
		}),

		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job executions by outcome",
		}, []string{"job", "outcome"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts, m.retries, m.retryDelay, m.outcomes, m.duration,
		m.syncRuns, m.syncDuration, m.resourceItems, m.lastSuccess,
		m.jobRuns,
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RetryHooks returns executor options that count attempts and retries of op.
func (m *Metrics) RetryHooks(op string) []retry.Option {
	if m == nil {
		return nil
	}
	attempts := m.attempts.WithLabelValues(op)
	retries := m.retries.WithLabelValues(op)
	delay := m.retryDelay.WithLabelValues(op)
	return []retry.Option{
		retry.OnAttempt(func(int) { attempts.Inc() }),
		retry.OnRetry(func(_ int, _ error, d time.Duration) {
			retries.Inc()
			delay.Observe(d.Seconds())
		}),
	}
}

// ObserveOutcome records the final result of a retried operation.
func (m *Metrics) ObserveOutcome(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.outcomes.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveSync records a sync run. status is ok, partial or failed.
func (m *Metrics) ObserveSync(status string, d time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(status).Inc()
	m.syncDuration.Observe(d.Seconds())
	if status == "ok" {
		m.lastSuccess.Set(float64(at.Unix()))
	}
}

// SetResourceItems records the size of the latest snapshot of resource.
func (m *Metrics) SetResourceItems(resource string, n int) {
	if m == nil {
		return
	}
	m.resourceItems.WithLabelValues(resource).Set(float64(n))
}

// ObserveJob records one scheduled job execution.
func (m *Metrics) ObserveJob(job string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
}
