/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-grpcgate/internal/libinfo"
)

const admissionMetricsLabelCallKind = "call_kind"

// AdmissionMetricsCollector counts calls rejected by admission policies.
type AdmissionMetricsCollector interface {
	// IncRateLimitRejections increments the counter of calls rejected by the rate limiter.
	IncRateLimitRejections(info CallInfo, callKind string)

	// IncTimeouts increments the counter of calls terminated by the timeout enforcer.
	IncTimeouts(info CallInfo)
}

// PrometheusAdmissionMetrics represents Prometheus counters of rejected calls.
type PrometheusAdmissionMetrics struct {
	RateLimitRejections *prometheus.CounterVec
	Timeouts            *prometheus.CounterVec
}

// NewPrometheusAdmissionMetrics creates a new instance of PrometheusAdmissionMetrics.
// Only namespace, const labels and curried label names options are applied.
func NewPrometheusAdmissionMetrics(opts ...PrometheusOption) *PrometheusAdmissionMetrics {
	config := newPrometheusOptions(opts)

	rejections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   config.namespace,
			Name:        "grpc_rate_limit_rejections_total",
			Help:        "Number of gRPC calls rejected because the client exceeded its rate limit.",
			ConstLabels: libinfo.AddPrometheusLibVersionLabel(config.constLabels),
		},
		config.labelNames(callMetricsLabelService, callMetricsLabelMethod, admissionMetricsLabelCallKind),
	)

	timeouts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   config.namespace,
			Name:        "grpc_timeouts_total",
			Help:        "Number of gRPC calls terminated because the effective timeout elapsed.",
			ConstLabels: libinfo.AddPrometheusLibVersionLabel(config.constLabels),
		},
		config.labelNames(callMetricsLabelService, callMetricsLabelMethod),
	)

	return &PrometheusAdmissionMetrics{RateLimitRejections: rejections, Timeouts: timeouts}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusAdmissionMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusAdmissionMetrics {
	return &PrometheusAdmissionMetrics{
		RateLimitRejections: pm.RateLimitRejections.MustCurryWith(labels),
		Timeouts:            pm.Timeouts.MustCurryWith(labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusAdmissionMetrics) MustRegister() {
	prometheus.MustRegister(pm.RateLimitRejections, pm.Timeouts)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusAdmissionMetrics) Unregister() {
	prometheus.Unregister(pm.RateLimitRejections)
	prometheus.Unregister(pm.Timeouts)
}

// IncRateLimitRejections increments the counter of calls rejected by the rate limiter.
func (pm *PrometheusAdmissionMetrics) IncRateLimitRejections(info CallInfo, callKind string) {
	pm.RateLimitRejections.With(prometheus.Labels{
		callMetricsLabelService:       info.Service,
		callMetricsLabelMethod:        info.Method,
		admissionMetricsLabelCallKind: callKind,
	}).Inc()
}

// IncTimeouts increments the counter of calls terminated by the timeout enforcer.
func (pm *PrometheusAdmissionMetrics) IncTimeouts(info CallInfo) {
	pm.Timeouts.With(prometheus.Labels{
		callMetricsLabelService: info.Service,
		callMetricsLabelMethod:  info.Method,
	}).Inc()
}

type disabledAdmissionMetrics struct{}

func (disabledAdmissionMetrics) IncRateLimitRejections(CallInfo, string) {}
func (disabledAdmissionMetrics) IncTimeouts(CallInfo)                    {}
