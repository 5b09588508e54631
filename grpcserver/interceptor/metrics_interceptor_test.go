/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	gwtestutil "github.com/acronis/go-grpcgate/testutil"
)

func callLabelValues(shape CallShape, userAgentType string) []string {
	method := "UnaryCall"
	if shape == CallShapeUnaryStream {
		method = "StreamingOutputCall"
	}
	return []string{"grpc.testing.TestService", method, shape.String(), userAgentType}
}

func durationHistogram(pm *PrometheusMetrics, shape CallShape, userAgentType string, code codes.Code) prometheus.Histogram {
	return pm.Durations.WithLabelValues(append(callLabelValues(shape, userAgentType), code.String())...).(prometheus.Histogram)
}

func TestMetricsCallWrapper_Durations(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode codes.Code
	}{
		{name: "ok", wantCode: codes.OK},
		{name: "status error", err: status.Error(codes.NotFound, "no such archive"), wantCode: codes.NotFound},
		{name: "plain error", err: errors.New("disk is full"), wantCode: codes.Unknown},
	}
	for _, tt := range tests {
		for _, shape := range testCallShapes {
			t.Run(tt.name+"/"+shape.String(), func(t *testing.T) {
				pm := NewPrometheusMetrics()
				svc, client, closeFn, err := startTestService(chainedServerOptions(NewMetricsCallWrapper(pm)), nil)
				require.NoError(t, err)
				if tt.err != nil {
					svc.failWith(tt.err)
				}

				for i := 0; i < 3; i++ {
					require.Equal(t, tt.wantCode, status.Code(invokeShape(context.Background(), client, shape)))
				}
				require.NoError(t, closeFn())

				gwtestutil.RequireSamplesCountInHistogram(t, durationHistogram(pm, shape, "", tt.wantCode), 3)
				require.Equal(t, 1, testutil.CollectAndCount(pm.Durations))
				require.Zero(t, testutil.ToFloat64(pm.InFlight.WithLabelValues(callLabelValues(shape, "")...)))
			})
		}
	}
}

func TestMetricsCallWrapper_InFlight(t *testing.T) {
	for _, shape := range testCallShapes {
		t.Run(shape.String(), func(t *testing.T) {
			pm := NewPrometheusMetrics()
			svc, client, closeFn, err := startTestService(chainedServerOptions(NewMetricsCallWrapper(pm)), nil)
			require.NoError(t, err)
			defer func() { require.NoError(t, closeFn()) }()

			entered, release := make(chan struct{}), make(chan struct{})
			svc.onCall(func(context.Context) {
				close(entered)
				<-release
			})
			callErr := make(chan error, 1)
			go func() { callErr <- invokeShape(context.Background(), client, shape) }()

			inFlight := pm.InFlight.WithLabelValues(callLabelValues(shape, "")...)
			<-entered
			require.Equal(t, float64(1), testutil.ToFloat64(inFlight))
			close(release)
			require.NoError(t, <-callErr)
			require.Eventually(t, func() bool { return testutil.ToFloat64(inFlight) == 0 }, time.Second, 10*time.Millisecond)
		})
	}
}

func TestMetricsCallWrapper_ExcludedMethods(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		wantSeen map[CallShape]bool
	}{
		{
			name:     "exact method",
			patterns: []string{"/grpc.testing.TestService/UnaryCall"},
			wantSeen: map[CallShape]bool{CallShapeUnaryUnary: false, CallShapeUnaryStream: true},
		},
		{
			name:     "whole service",
			patterns: []string{"/grpc.health.v1.Health/*", "/grpc.testing.TestService/*"},
			wantSeen: map[CallShape]bool{CallShapeUnaryUnary: false, CallShapeUnaryStream: false},
		},
		{
			name:     "other service",
			patterns: []string{"/grpc.health.v1.Health/*"},
			wantSeen: map[CallShape]bool{CallShapeUnaryUnary: true, CallShapeUnaryStream: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := NewPrometheusMetrics()
			var opts []MetricsOption
			for _, p := range tt.patterns {
				opts = append(opts, WithMetricsExcludedMethods(p))
			}
			_, client, closeFn, err := startTestService(chainedServerOptions(NewMetricsCallWrapper(pm, opts...)), nil)
			require.NoError(t, err)
			for _, shape := range testCallShapes {
				require.NoError(t, invokeShape(context.Background(), client, shape))
			}
			require.NoError(t, closeFn())

			wantSeries := 0
			for _, shape := range testCallShapes {
				if tt.wantSeen[shape] {
					wantSeries++
					gwtestutil.RequireSamplesCountInHistogram(t, durationHistogram(pm, shape, "", codes.OK), 1)
				}
			}
			require.Equal(t, wantSeries, testutil.CollectAndCount(pm.Durations))
		})
	}
}

func TestMetricsCallWrapper_UserAgentType(t *testing.T) {
	tests := []struct {
		name     string
		provider UserAgentTypeProvider
	}{
		{name: "no provider"},
		{
			name: "classified by method",
			provider: func(_ context.Context, info CallInfo) string {
				if info.Shape.StreamingResponse() {
					return "exporter"
				}
				return "cli"
			},
		},
		{name: "unknown caller", provider: func(context.Context, CallInfo) string { return "" }},
	}
	for _, tt := range tests {
		for _, shape := range testCallShapes {
			t.Run(tt.name+"/"+shape.String(), func(t *testing.T) {
				pm := NewPrometheusMetrics()
				wrapper := NewMetricsCallWrapper(pm, WithMetricsUserAgentTypeProvider(tt.provider))
				_, client, closeFn, err := startTestService(chainedServerOptions(wrapper), nil)
				require.NoError(t, err)
				require.NoError(t, invokeShape(context.Background(), client, shape))
				require.NoError(t, closeFn())

				want := ""
				if tt.provider != nil {
					want = tt.provider(context.Background(), CallInfo{Shape: shape})
				}
				gwtestutil.RequireSamplesCountInHistogram(t, durationHistogram(pm, shape, want, codes.OK), 1)
			})
		}
	}
}

func TestMetricsCallWrapper_Panic(t *testing.T) {
	for _, shape := range testCallShapes {
		t.Run(shape.String(), func(t *testing.T) {
			pm := NewPrometheusMetrics()
			svc, client, closeFn, err := startTestService(chainedServerOptions(
				NewRecoveryCallWrapper(),
				NewMetricsCallWrapper(pm),
			), nil)
			require.NoError(t, err)
			svc.panicWith("unexpected state")

			require.Equal(t, codes.Internal, status.Code(invokeShape(context.Background(), client, shape)))
			require.NoError(t, closeFn())

			gwtestutil.RequireSamplesCountInHistogram(t, durationHistogram(pm, shape, "", codes.Internal), 1)
			require.Zero(t, testutil.ToFloat64(pm.InFlight.WithLabelValues(callLabelValues(shape, "")...)))
		})
	}
}

func TestNewPrometheusMetrics(t *testing.T) {
	info := CallMetricsInfo{CallInfo: CallInfo{Service: "backup.v1.Archives", Method: "List", Shape: CallShapeUnaryUnary}}

	t.Run("defaults", func(t *testing.T) {
		pm := NewPrometheusMetrics()
		pm.CallStarted(info)
		pm.CallFinished(info, codes.OK, 30*time.Millisecond)
		desc := describe(pm.Durations)
		require.Contains(t, desc, `fqName: "grpc_call_duration_seconds"`)
		require.Contains(t, desc, "go_grpcgate_version")
	})

	t.Run("namespace, const labels and buckets", func(t *testing.T) {
		pm := NewPrometheusMetrics(
			WithPrometheusNamespace("edge"),
			WithPrometheusConstLabels(prometheus.Labels{"zone": "eu-1"}),
			WithPrometheusDurationBuckets([]float64{0.1, 1}),
		)
		pm.CallStarted(info)
		pm.CallFinished(info, codes.Unavailable, 500*time.Millisecond)
		require.Contains(t, describe(pm.Durations), `fqName: "edge_grpc_call_duration_seconds"`)
		require.Contains(t, describe(pm.InFlight), `zone="eu-1"`)

		h := pm.Durations.WithLabelValues("backup.v1.Archives", "List", "unary", "", "Unavailable")
		gwtestutil.RequireSamplesCountInHistogram(t, h.(prometheus.Histogram), 1)
	})

	t.Run("nil buckets keep defaults", func(t *testing.T) {
		o := newPrometheusOptions([]PrometheusOption{WithPrometheusDurationBuckets(nil)})
		require.Equal(t, DefaultPrometheusDurationBuckets, o.durationBuckets)
	})

	t.Run("curried labels", func(t *testing.T) {
		pm := NewPrometheusMetrics(WithPrometheusCurriedLabelNames("tenant"))
		curried := pm.MustCurryWith(prometheus.Labels{"tenant": "acme"})
		curried.CallStarted(info)
		require.Equal(t, float64(1), testutil.ToFloat64(pm.InFlight.WithLabelValues("acme", "backup.v1.Archives", "List", "unary", "")))
		curried.CallFinished(info, codes.OK, time.Millisecond)
		require.Zero(t, testutil.ToFloat64(pm.InFlight.WithLabelValues("acme", "backup.v1.Archives", "List", "unary", "")))
		require.Equal(t, 1, testutil.CollectAndCount(pm.Durations))
	})
}

func describe(c prometheus.Collector) string {
	ch := make(chan *prometheus.Desc, 1)
	go func() {
		c.Describe(ch)
		close(ch)
	}()
	var sb strings.Builder
	for d := range ch {
		sb.WriteString(d.String())
	}
	return sb.String()
}
