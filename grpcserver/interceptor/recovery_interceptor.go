/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"fmt"
	"runtime"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-grpcgate/log"
	"github.com/acronis/go-grpcgate/rpcerr"
)

const (
	// RecoveryDefaultStackSize defines the default size of stack part which will be logged.
	RecoveryDefaultStackSize = 8192
)

// InternalError is the default error returned when a panic is recovered.
var InternalError = status.Error(codes.Internal, rpcerr.InternalMessage)

// recoveryOptions represents options for the recovery interceptor.
type recoveryOptions struct {
	StackSize int
}

// RecoveryOption is a function type for configuring recoveryOptions.
type RecoveryOption func(*recoveryOptions)

// WithRecoveryStackSize sets the stack size for logging stack traces.
func WithRecoveryStackSize(size int) RecoveryOption {
	return func(opts *recoveryOptions) {
		opts.StackSize = size
	}
}

// NewRecoveryCallWrapper returns a CallWrapper that recovers from panics of the wrapped handler
// and returns Internal error instead.
func NewRecoveryCallWrapper(options ...RecoveryOption) CallWrapper {
	opts := recoveryOptions{
		StackSize: RecoveryDefaultStackSize,
	}
	for _, option := range options {
		option(&opts)
	}

	recoverPanic := func(ctx context.Context, info CallInfo, err *error) {
		p := recover()
		if p == nil {
			return
		}
		if logger := GetLoggerFromContext(ctx); logger != nil {
			logFields := []log.Field{log.String("grpc_method_type", info.Shape.String())}
			if opts.StackSize > 0 {
				stack := make([]byte, opts.StackSize)
				stack = stack[:runtime.Stack(stack, false)]
				logFields = append(logFields, log.Bytes("stack", stack))
			}
			logger.Error(fmt.Sprintf("Panic: %+v", p), logFields...)
		}
		*err = InternalError
	}

	return newCallWrapper(
		func(info CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler {
			return func(ctx context.Context, req interface{}) (resp interface{}, err error) {
				defer recoverPanic(ctx, info, &err)
				return next(ctx, req)
			}
		},
		func(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
			return func(srv interface{}, ss grpc.ServerStream) (err error) {
				defer recoverPanic(ss.Context(), info, &err)
				return next(srv, ss)
			}
		},
	)
}

// RecoveryUnaryInterceptor is a gRPC unary interceptor that recovers from panics and returns Internal error.
func RecoveryUnaryInterceptor(options ...RecoveryOption) grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorFor(NewRecoveryCallWrapper(options...))
}

// RecoveryStreamInterceptor is a gRPC stream interceptor that recovers from panics and returns Internal error.
func RecoveryStreamInterceptor(options ...RecoveryOption) grpc.StreamServerInterceptor {
	return StreamServerInterceptorFor(NewRecoveryCallWrapper(options...))
}
