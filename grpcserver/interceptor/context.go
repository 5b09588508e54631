/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/acronis/go-grpcgate/log"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyInternalRequestID
	ctxKeyTraceID
	ctxKeyCallStartTime
	ctxKeyLogger
	ctxKeyLoggingParams
	ctxKeyClientID
	ctxKeyPrincipal
)

// valueFromContext returns the value stored under key or the zero value of T.
func valueFromContext[T any](ctx context.Context, key ctxKey) T {
	v, _ := ctx.Value(key).(T)
	return v
}

// NewContextWithRequestID returns a context carrying the external request ID (x-request-id).
func NewContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// GetRequestIDFromContext returns the external request ID or an empty string.
func GetRequestIDFromContext(ctx context.Context) string {
	return valueFromContext[string](ctx, ctxKeyRequestID)
}

// NewContextWithInternalRequestID returns a context carrying the internal request ID (x-int-request-id).
func NewContextWithInternalRequestID(ctx context.Context, internalRequestID string) context.Context {
	return context.WithValue(ctx, ctxKeyInternalRequestID, internalRequestID)
}

// GetInternalRequestIDFromContext returns the internal request ID or an empty string.
func GetInternalRequestIDFromContext(ctx context.Context) string {
	return valueFromContext[string](ctx, ctxKeyInternalRequestID)
}

// NewContextWithTraceID returns a context carrying the trace ID.
func NewContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKeyTraceID, traceID)
}

// GetTraceIDFromContext returns the trace ID or an empty string.
func GetTraceIDFromContext(ctx context.Context) string {
	return valueFromContext[string](ctx, ctxKeyTraceID)
}

// NewContextWithCallStartTime returns a context carrying the moment the call was accepted.
func NewContextWithCallStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, ctxKeyCallStartTime, startTime)
}

// GetCallStartTimeFromContext returns the call start time or the zero time.
func GetCallStartTimeFromContext(ctx context.Context) time.Time {
	return valueFromContext[time.Time](ctx, ctxKeyCallStartTime)
}

// NewContextWithLogger returns a context carrying the call-scoped logger.
func NewContextWithLogger(ctx context.Context, logger log.FieldLogger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, logger)
}

// GetLoggerFromContext returns the call-scoped logger or nil.
func GetLoggerFromContext(ctx context.Context) log.FieldLogger {
	return valueFromContext[log.FieldLogger](ctx, ctxKeyLogger)
}

// NewContextWithLoggingParams returns a context carrying params that handlers fill for the "finished" log entry.
func NewContextWithLoggingParams(ctx context.Context, loggingParams *LoggingParams) context.Context {
	return context.WithValue(ctx, ctxKeyLoggingParams, loggingParams)
}

// GetLoggingParamsFromContext returns the logging params or nil.
func GetLoggingParamsFromContext(ctx context.Context) *LoggingParams {
	return valueFromContext[*LoggingParams](ctx, ctxKeyLoggingParams)
}

// NewContextWithClientID returns a context carrying the client identity resolved by the rate limiter.
func NewContextWithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ctxKeyClientID, clientID)
}

// GetClientIDFromContext returns the rate limiter client identity or an empty string.
func GetClientIDFromContext(ctx context.Context) string {
	return valueFromContext[string](ctx, ctxKeyClientID)
}

// NewContextWithPrincipal returns a context carrying the authenticated principal.
func NewContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, principal)
}

// GetPrincipalFromContext returns the authenticated principal, if any.
func GetPrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(ctxKeyPrincipal).(Principal)
	return principal, ok
}

// WrappedServerStream overrides the context of a grpc.ServerStream.
type WrappedServerStream struct {
	grpc.ServerStream
	Ctx context.Context
}

// Context implements grpc.ServerStream.
func (ss *WrappedServerStream) Context() context.Context {
	return ss.Ctx
}

// wrapServerStreamContext returns ss itself if it already carries ctx.
func wrapServerStreamContext(ctx context.Context, ss grpc.ServerStream) grpc.ServerStream {
	if ss.Context() == ctx {
		return ss
	}
	return &WrappedServerStream{ServerStream: ss, Ctx: ctx}
}
