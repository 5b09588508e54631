/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"

	"google.golang.org/grpc"

	"github.com/acronis/go-grpcgate/log"
	"github.com/acronis/go-grpcgate/rpcerr"
)

// NewErrorTranslationCallWrapper returns a CallWrapper that translates errors of the wrapped handler
// into gRPC statuses with rpcerr.ToStatus. Unknown errors are logged and surfaced as Internal.
func NewErrorTranslationCallWrapper() CallWrapper {
	translate := func(ctx context.Context, info CallInfo, err error) error {
		if err == nil {
			return nil
		}
		st, known := rpcerr.ToStatus(err)
		if !known {
			if logger := GetLoggerFromContext(ctx); logger != nil {
				logger.Error("unexpected error in gRPC handler",
					log.Error(err), log.String("grpc_method_type", info.Shape.String()))
			}
		}
		return st.Err()
	}
	return newCallWrapper(
		func(info CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler {
			return func(ctx context.Context, req interface{}) (interface{}, error) {
				resp, err := next(ctx, req)
				if err != nil {
					return nil, translate(ctx, info, err)
				}
				return resp, nil
			}
		},
		func(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
			return func(srv interface{}, ss grpc.ServerStream) error {
				return translate(ss.Context(), info, next(srv, ss))
			}
		},
	)
}

// ErrorTranslationUnaryInterceptor is a gRPC unary interceptor that translates handler errors into gRPC statuses.
func ErrorTranslationUnaryInterceptor() grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorFor(NewErrorTranslationCallWrapper())
}

// ErrorTranslationStreamInterceptor is a gRPC stream interceptor that translates handler errors into gRPC statuses.
func ErrorTranslationStreamInterceptor() grpc.StreamServerInterceptor {
	return StreamServerInterceptorFor(NewErrorTranslationCallWrapper())
}
