/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// NewTraceIDCallWrapper returns a CallWrapper that puts the trace ID of the active span into the context,
// so that it is logged by the logging interceptor. Calls without a valid span are passed as is.
func NewTraceIDCallWrapper() CallWrapper {
	withTraceID := func(ctx context.Context) (context.Context, bool) {
		sc := trace.SpanContextFromContext(ctx)
		if !sc.HasTraceID() {
			return ctx, false
		}
		return NewContextWithTraceID(ctx, sc.TraceID().String()), true
	}
	return newCallWrapper(
		func(_ CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler {
			return func(ctx context.Context, req interface{}) (interface{}, error) {
				ctx, _ = withTraceID(ctx)
				return next(ctx, req)
			}
		},
		func(_ CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
			return func(srv interface{}, ss grpc.ServerStream) error {
				if ctx, ok := withTraceID(ss.Context()); ok {
					ss = &WrappedServerStream{ServerStream: ss, Ctx: ctx}
				}
				return next(srv, ss)
			}
		},
	)
}

// TraceIDUnaryInterceptor is a gRPC unary interceptor that puts the trace ID of the active span into the context.
func TraceIDUnaryInterceptor() grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorFor(NewTraceIDCallWrapper())
}

// TraceIDStreamInterceptor is a gRPC stream interceptor that puts the trace ID of the active span into the context.
func TraceIDStreamInterceptor() grpc.StreamServerInterceptor {
	return StreamServerInterceptorFor(NewTraceIDCallWrapper())
}
