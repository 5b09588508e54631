/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-grpcgate/internal/libinfo"
)

const (
	callMetricsLabelService       = "grpc_service"
	callMetricsLabelMethod        = "grpc_method"
	callMetricsLabelMethodType    = "grpc_method_type"
	callMetricsLabelUserAgentType = "user_agent_type"
	callMetricsLabelCode          = "grpc_code"
)

// CallMetricsInfo identifies a call in collected metrics.
type CallMetricsInfo struct {
	CallInfo
	UserAgentType string
}

func (ci CallMetricsInfo) labels() prometheus.Labels {
	return prometheus.Labels{
		callMetricsLabelService:       ci.Service,
		callMetricsLabelMethod:        ci.Method,
		callMetricsLabelMethodType:    ci.Shape.String(),
		callMetricsLabelUserAgentType: ci.UserAgentType,
	}
}

// UserAgentTypeProvider classifies the caller (e.g. "browser", "agent") by the call context.
// An empty string means the type is unknown.
type UserAgentTypeProvider func(ctx context.Context, info CallInfo) string

// MetricsCollector collects metrics of served calls.
type MetricsCollector interface {
	// CallStarted is called before the handler is invoked.
	CallStarted(info CallMetricsInfo)

	// CallFinished is called after the handler returns or panics.
	CallFinished(info CallMetricsInfo, code codes.Code, elapsed time.Duration)
}

// DefaultPrometheusDurationBuckets are the histogram buckets (in seconds) for call durations.
var DefaultPrometheusDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 150, 300, 600}

// PrometheusOption configures Prometheus collectors of this package.
type PrometheusOption func(*prometheusOptions)

type prometheusOptions struct {
	namespace         string
	durationBuckets   []float64
	constLabels       prometheus.Labels
	curriedLabelNames []string
}

func newPrometheusOptions(opts []PrometheusOption) *prometheusOptions {
	o := &prometheusOptions{durationBuckets: DefaultPrometheusDurationBuckets}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// labelNames prepends curried label names so that they can be bound with MustCurryWith later.
func (o *prometheusOptions) labelNames(names ...string) []string {
	return append(append(make([]string, 0, len(o.curriedLabelNames)+len(names)), o.curriedLabelNames...), names...)
}

func (o *prometheusOptions) constLabelsWithVersion() prometheus.Labels {
	return libinfo.AddPrometheusLibVersionLabel(o.constLabels)
}

// WithPrometheusNamespace sets the metrics namespace.
func WithPrometheusNamespace(namespace string) PrometheusOption {
	return func(o *prometheusOptions) { o.namespace = namespace }
}

// WithPrometheusDurationBuckets overrides DefaultPrometheusDurationBuckets. Nil keeps the default.
func WithPrometheusDurationBuckets(buckets []float64) PrometheusOption {
	return func(o *prometheusOptions) {
		if buckets != nil {
			o.durationBuckets = buckets
		}
	}
}

// WithPrometheusConstLabels sets labels added to every metric.
func WithPrometheusConstLabels(labels prometheus.Labels) PrometheusOption {
	return func(o *prometheusOptions) { o.constLabels = labels }
}

// WithPrometheusCurriedLabelNames declares extra variable labels that callers bind with MustCurryWith.
func WithPrometheusCurriedLabelNames(labelNames ...string) PrometheusOption {
	return func(o *prometheusOptions) { o.curriedLabelNames = labelNames }
}

// PrometheusMetrics is a MetricsCollector backed by a duration histogram and an in-flight gauge.
type PrometheusMetrics struct {
	Durations *prometheus.HistogramVec
	InFlight  *prometheus.GaugeVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates Prometheus collectors of call metrics.
func NewPrometheusMetrics(opts ...PrometheusOption) *PrometheusMetrics {
	o := newPrometheusOptions(opts)
	callLabels := []string{
		callMetricsLabelService, callMetricsLabelMethod, callMetricsLabelMethodType, callMetricsLabelUserAgentType,
	}
	return &PrometheusMetrics{
		Durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   o.namespace,
			Name:        "grpc_call_duration_seconds",
			Help:        "A histogram of the gRPC call durations.",
			Buckets:     o.durationBuckets,
			ConstLabels: o.constLabelsWithVersion(),
		}, o.labelNames(append(callLabels, callMetricsLabelCode)...)),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   o.namespace,
			Name:        "grpc_calls_in_flight",
			Help:        "Current number of gRPC calls being served.",
			ConstLabels: o.constLabelsWithVersion(),
		}, o.labelNames(callLabels...)),
	}
}

// MustCurryWith binds curried labels and returns the resulting collector.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		Durations: pm.Durations.MustCurryWith(labels).(*prometheus.HistogramVec),
		InFlight:  pm.InFlight.MustCurryWith(labels),
	}
}

// MustRegister registers the collectors in the default Prometheus registry and panics on failure.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.Durations, pm.InFlight)
}

// Unregister removes the collectors from the default Prometheus registry.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.Durations)
	prometheus.Unregister(pm.InFlight)
}

// CallStarted implements MetricsCollector.
func (pm *PrometheusMetrics) CallStarted(info CallMetricsInfo) {
	pm.InFlight.With(info.labels()).Inc()
}

// CallFinished implements MetricsCollector.
func (pm *PrometheusMetrics) CallFinished(info CallMetricsInfo, code codes.Code, elapsed time.Duration) {
	pm.InFlight.With(info.labels()).Dec()
	labels := info.labels()
	labels[callMetricsLabelCode] = code.String()
	pm.Durations.With(labels).Observe(elapsed.Seconds())
}

// MetricsOption configures the metrics call wrapper.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	excludedMethods       []string
	userAgentTypeProvider UserAgentTypeProvider
}

// WithMetricsExcludedMethods excludes methods matching the glob patterns ("/pkg.Service/*") from metrics.
func WithMetricsExcludedMethods(patterns ...string) MetricsOption {
	return func(o *metricsOptions) { o.excludedMethods = append(o.excludedMethods, patterns...) }
}

// WithMetricsUserAgentTypeProvider sets the provider of the user_agent_type label.
func WithMetricsUserAgentTypeProvider(provider UserAgentTypeProvider) MetricsOption {
	return func(o *metricsOptions) { o.userAgentTypeProvider = provider }
}

// NewMetricsCallWrapper returns a CallWrapper that reports every call of every shape to the collector.
// A panicking handler is reported with the Internal code and the panic is propagated.
func NewMetricsCallWrapper(collector MetricsCollector, opts ...MetricsOption) CallWrapper {
	var o metricsOptions
	for _, opt := range opts {
		opt(&o)
	}
	excluded := newMethodMatcher(o.excludedMethods)

	observe := func(ctx context.Context, info CallInfo, call func(ctx context.Context) error) (err error) {
		mi := CallMetricsInfo{CallInfo: info}
		if o.userAgentTypeProvider != nil {
			mi.UserAgentType = o.userAgentTypeProvider(ctx, info)
		}
		ctx, startTime := ensureCallStartTime(ctx)

		collector.CallStarted(mi)
		defer func() {
			if p := recover(); p != nil {
				collector.CallFinished(mi, codes.Internal, time.Since(startTime))
				panic(p)
			}
			collector.CallFinished(mi, codeFromError(err), time.Since(startTime))
		}()
		return call(ctx)
	}

	return newCallWrapper(
		func(info CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler {
			if excluded.Match(info.FullMethod) {
				return next
			}
			return func(ctx context.Context, req interface{}) (resp interface{}, err error) {
				err = observe(ctx, info, func(ctx context.Context) (callErr error) {
					resp, callErr = next(ctx, req)
					return callErr
				})
				return resp, err
			}
		},
		func(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
			if excluded.Match(info.FullMethod) {
				return next
			}
			return func(srv interface{}, ss grpc.ServerStream) error {
				return observe(ss.Context(), info, func(ctx context.Context) error {
					return next(srv, wrapServerStreamContext(ctx, ss))
				})
			}
		},
	)
}

// ensureCallStartTime returns the call start time from the context, storing the current time when there is none.
func ensureCallStartTime(ctx context.Context) (context.Context, time.Time) {
	if startTime := GetCallStartTimeFromContext(ctx); !startTime.IsZero() {
		return ctx, startTime
	}
	startTime := time.Now()
	return NewContextWithCallStartTime(ctx, startTime), startTime
}

// codeFromError maps handler errors to status codes. Bare context errors become Canceled or DeadlineExceeded.
func codeFromError(err error) codes.Code {
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return status.FromContextError(err).Code()
}
