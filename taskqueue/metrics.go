/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package taskqueue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-grpcgate/internal/libinfo"
)

const metricsLabelStatus = "status"

// MetricsCollector is an interface for collecting metrics of the task queue.
type MetricsCollector interface {
	// ObserveSubmit is called when a task is registered as Pending.
	ObserveSubmit()
	// ObserveStart is called when a task moves to Processing after waiting in the queue.
	ObserveStart(waited time.Duration)
	// ObserveFinish is called when a task reaches a terminal status.
	// started is false for tasks cancelled while Pending.
	ObserveFinish(status Status, started bool, duration time.Duration)
}

// DefaultPrometheusDurationBuckets is default buckets for task wait and run durations.
var DefaultPrometheusDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	Namespace       string
	DurationBuckets []float64
	ConstLabels     prometheus.Labels
}

// PrometheusMetrics represents a collector of task queue metrics.
type PrometheusMetrics struct {
	Pending       prometheus.Gauge
	Processing    prometheus.Gauge
	Submitted     prometheus.Counter
	Finished      *prometheus.CounterVec
	WaitDurations prometheus.Histogram
	RunDurations  prometheus.Histogram
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.DurationBuckets
	if buckets == nil {
		buckets = DefaultPrometheusDurationBuckets
	}
	constLabels := libinfo.AddPrometheusLibVersionLabel(opts.ConstLabels)
	return &PrometheusMetrics{
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "task_queue_tasks_pending",
			Help:        "Number of tasks waiting in group queues.",
			ConstLabels: constLabels,
		}),
		Processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "task_queue_tasks_processing",
			Help:        "Number of tasks being processed.",
			ConstLabels: constLabels,
		}),
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "task_queue_tasks_submitted_total",
			Help:        "Number of submitted tasks.",
			ConstLabels: constLabels,
		}),
		Finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "task_queue_tasks_finished_total",
			Help:        "Number of tasks that reached a terminal status.",
			ConstLabels: constLabels,
		}, []string{metricsLabelStatus}),
		WaitDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "task_queue_task_wait_seconds",
			Help:        "A histogram of the time tasks spent in the queue before processing.",
			Buckets:     buckets,
			ConstLabels: constLabels,
		}),
		RunDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "task_queue_task_duration_seconds",
			Help:        "A histogram of the task processing durations.",
			Buckets:     buckets,
			ConstLabels: constLabels,
		}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.Pending, pm.Processing, pm.Submitted, pm.Finished, pm.WaitDurations, pm.RunDurations)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.Pending)
	prometheus.Unregister(pm.Processing)
	prometheus.Unregister(pm.Submitted)
	prometheus.Unregister(pm.Finished)
	prometheus.Unregister(pm.WaitDurations)
	prometheus.Unregister(pm.RunDurations)
}

// ObserveSubmit implements MetricsCollector.
func (pm *PrometheusMetrics) ObserveSubmit() {
	pm.Submitted.Inc()
	pm.Pending.Inc()
}

// ObserveStart implements MetricsCollector.
func (pm *PrometheusMetrics) ObserveStart(waited time.Duration) {
	pm.Pending.Dec()
	pm.Processing.Inc()
	pm.WaitDurations.Observe(waited.Seconds())
}

// ObserveFinish implements MetricsCollector.
func (pm *PrometheusMetrics) ObserveFinish(status Status, started bool, duration time.Duration) {
	if started {
		pm.Processing.Dec()
		pm.RunDurations.Observe(duration.Seconds())
	} else {
		pm.Pending.Dec()
	}
	pm.Finished.With(prometheus.Labels{metricsLabelStatus: status.String()}).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) ObserveSubmit()                            {}
func (disabledMetrics) ObserveStart(time.Duration)                {}
func (disabledMetrics) ObserveFinish(Status, bool, time.Duration) {}
