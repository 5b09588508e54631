/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"

	"github.com/rs/xid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	headerRequestIDKey         = "x-request-id"
	headerRequestInternalIDKey = "x-int-request-id"
)

// requestIDOptions represents options for the request ID interceptor.
type requestIDOptions struct {
	GenerateID         func() string
	GenerateInternalID func() string
}

// RequestIDOption is a function type for configuring requestIDOptions.
type RequestIDOption func(*requestIDOptions)

func newID() string {
	return xid.New().String()
}

// WithRequestIDGenerator sets the function for generating request IDs.
func WithRequestIDGenerator(generator func() string) RequestIDOption {
	return func(opts *requestIDOptions) {
		opts.GenerateID = generator
	}
}

// WithInternalRequestIDGenerator sets the function for generating internal request IDs.
func WithInternalRequestIDGenerator(generator func() string) RequestIDOption {
	return func(opts *requestIDOptions) {
		opts.GenerateInternalID = generator
	}
}

// NewRequestIDCallWrapper returns a CallWrapper that extracts the request ID from the incoming metadata
// (or generates a new one), generates an internal request ID, sends both back in the response header
// and attaches them to the context.
func NewRequestIDCallWrapper(options ...RequestIDOption) CallWrapper {
	opts := requestIDOptions{
		GenerateID:         newID,
		GenerateInternalID: newID,
	}
	for _, option := range options {
		option(&opts)
	}

	prepare := func(ctx context.Context, setHeader func(metadata.MD) error) (context.Context, error) {
		var requestID string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if requestIDList := md.Get(headerRequestIDKey); len(requestIDList) > 0 {
				requestID = requestIDList[0]
			}
		}
		if requestID == "" {
			requestID = opts.GenerateID()
		}
		internalRequestID := opts.GenerateInternalID()

		headerMD := metadata.Pairs(
			headerRequestIDKey, requestID,
			headerRequestInternalIDKey, internalRequestID,
		)
		if err := setHeader(headerMD); err != nil {
			return nil, err
		}

		ctx = NewContextWithRequestID(ctx, requestID)
		return NewContextWithInternalRequestID(ctx, internalRequestID), nil
	}

	return newCallWrapper(
		func(_ CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler {
			return func(ctx context.Context, req interface{}) (interface{}, error) {
				ctx, err := prepare(ctx, func(md metadata.MD) error { return grpc.SetHeader(ctx, md) })
				if err != nil {
					return nil, err
				}
				return next(ctx, req)
			}
		},
		func(_ CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
			return func(srv interface{}, ss grpc.ServerStream) error {
				ctx, err := prepare(ss.Context(), ss.SetHeader)
				if err != nil {
					return err
				}
				return next(srv, &WrappedServerStream{ServerStream: ss, Ctx: ctx})
			}
		},
	)
}

// RequestIDUnaryInterceptor is a gRPC unary interceptor that extracts the request ID from the incoming context metadata
// and attaches it to the context. If the request ID is missing, a new one is generated.
func RequestIDUnaryInterceptor(options ...RequestIDOption) grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorFor(NewRequestIDCallWrapper(options...))
}

// RequestIDStreamInterceptor is a gRPC stream interceptor that extracts the request ID from the incoming context metadata
// and attaches it to the context. If the request ID is missing, a new one is generated.
func RequestIDStreamInterceptor(options ...RequestIDOption) grpc.StreamServerInterceptor {
	return StreamServerInterceptorFor(NewRequestIDCallWrapper(options...))
}
