/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

/*
Package grpcserver runs a gRPC server whose every call passes through a fixed admission chain.

Outermost first, a call goes through: call start time, request ID, trace ID, logging, panic recovery,
Prometheus metrics, authentication (API key or bearer token), per-client sliding-window rate limiting,
translation of domain errors to gRPC statuses, and the hierarchical call timeout. Business call wrappers and
interceptors registered with WithCallWrappers, WithUnaryInterceptors and WithStreamInterceptors run after them.
Authentication, rate limiting and timeouts are switched on by Config.

The server listens on TCP or a Unix socket, optionally with TLS, and registers the health and reflection services.
Stop shuts it down gracefully within the configured timeout or at once.
*/
package grpcserver
