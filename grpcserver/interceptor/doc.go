/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package interceptor provides gRPC server interceptors: observability (call start time, request ID,
// trace ID, logging, panic recovery, metrics) and admission policies (authentication, per-client
// sliding window rate limiting, error translation, hierarchical call timeouts).
//
// Every interceptor is a CallWrapper that wraps a handler once per call shape (unary-unary,
// unary-stream, stream-unary, stream-stream). UnaryServerInterceptorFor and StreamServerInterceptorFor
// adapt a CallWrapper to the grpc-go interceptor types.
package interceptor
