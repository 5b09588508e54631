/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-grpcgate/log"
)

const headerUserAgentKey = "user-agent"

const defaultSlowCallThreshold = 1 * time.Second

// CustomLoggerProvider returns a custom logger or nil based on the gRPC context and call info.
type CustomLoggerProvider func(ctx context.Context, info CallInfo) log.FieldLogger

// LoggingOption represents a configuration option for the logging interceptor.
type LoggingOption func(*loggingOptions)

type loggingOptions struct {
	callStart            bool
	callHeaders          map[string]string
	excludedMethods      []string
	addCallInfoToLogger  bool
	slowCallThreshold    time.Duration
	customLoggerProvider CustomLoggerProvider
}

// WithLoggingCallStart enables logging of call start events.
func WithLoggingCallStart(logCallStart bool) LoggingOption {
	return func(opts *loggingOptions) {
		opts.callStart = logCallStart
	}
}

// WithLoggingCallHeaders specifies custom headers to log from gRPC metadata.
func WithLoggingCallHeaders(headers map[string]string) LoggingOption {
	return func(opts *loggingOptions) {
		opts.callHeaders = headers
	}
}

// WithLoggingExcludedMethods specifies gRPC methods to exclude from logging.
// Failed calls of excluded methods are still logged.
func WithLoggingExcludedMethods(methods ...string) LoggingOption {
	return func(opts *loggingOptions) {
		opts.excludedMethods = methods
	}
}

// WithLoggingAddCallInfoToLogger adds call information to the logger context.
func WithLoggingAddCallInfoToLogger(addCallInfo bool) LoggingOption {
	return func(opts *loggingOptions) {
		opts.addCallInfoToLogger = addCallInfo
	}
}

// WithLoggingSlowCallThreshold sets the threshold for slow call detection.
func WithLoggingSlowCallThreshold(threshold time.Duration) LoggingOption {
	return func(opts *loggingOptions) {
		opts.slowCallThreshold = threshold
	}
}

// WithLoggingCustomLoggerProvider sets a custom logger provider function.
func WithLoggingCustomLoggerProvider(provider CustomLoggerProvider) LoggingOption {
	return func(opts *loggingOptions) {
		opts.customLoggerProvider = provider
	}
}

// NewLoggingCallWrapper returns a CallWrapper that puts a request-scoped logger and LoggingParams into the context
// and logs the end (and optionally the start) of every call.
func NewLoggingCallWrapper(logger log.FieldLogger, options ...LoggingOption) CallWrapper {
	opts := &loggingOptions{slowCallThreshold: defaultSlowCallThreshold}
	for _, option := range options {
		option(opts)
	}

	loggerFor := func(ctx context.Context, info CallInfo) log.FieldLogger {
		if opts.customLoggerProvider != nil {
			if l := opts.customLoggerProvider(ctx, info); l != nil {
				return l
			}
		}
		return logger
	}

	return newCallWrapper(
		func(info CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler {
			return func(ctx context.Context, req interface{}) (resp interface{}, err error) {
				logCall(ctx, info, loggerFor(ctx, info), opts, func(ctx context.Context) error {
					resp, err = next(ctx, req)
					return err
				})
				return resp, err
			}
		},
		func(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
			return func(srv interface{}, ss grpc.ServerStream) (err error) {
				ctx := ss.Context()
				logCall(ctx, info, loggerFor(ctx, info), opts, func(ctx context.Context) error {
					err = next(srv, &WrappedServerStream{ServerStream: ss, Ctx: ctx})
					return err
				})
				return err
			}
		},
	)
}

// LoggingUnaryInterceptor is a gRPC unary interceptor that logs the start and end of each RPC call.
func LoggingUnaryInterceptor(logger log.FieldLogger, options ...LoggingOption) grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorFor(NewLoggingCallWrapper(logger, options...))
}

// LoggingStreamInterceptor is a gRPC stream interceptor that logs the start and end of each RPC call.
func LoggingStreamInterceptor(logger log.FieldLogger, options ...LoggingOption) grpc.StreamServerInterceptor {
	return StreamServerInterceptorFor(NewLoggingCallWrapper(logger, options...))
}

func logCall(
	ctx context.Context,
	info CallInfo,
	baseLogger log.FieldLogger,
	opts *loggingOptions,
	handler func(ctx context.Context) error,
) {
	ctx, startTime := ensureCallStartTime(ctx)

	loggerForNext := baseLogger.With(
		log.String("request_id", GetRequestIDFromContext(ctx)),
		log.String("int_request_id", GetInternalRequestIDFromContext(ctx)),
		log.String("trace_id", GetTraceIDFromContext(ctx)),
	)

	logFields := buildCallInfoLogFields(ctx, info, opts)
	logger := loggerForNext.With(logFields...)
	if opts.addCallInfoToLogger {
		loggerForNext = logger
	}

	noLog := isLoggingDisabled(info.FullMethod, opts.excludedMethods)

	if opts.callStart && !noLog {
		logger.Info("gRPC call started")
	}

	lp := &LoggingParams{}
	ctx = NewContextWithLoggingParams(NewContextWithLogger(ctx, loggerForNext), lp)

	err := handler(ctx)
	duration := time.Since(startTime)

	grpcCode := status.Code(err)
	if !noLog || grpcCode != codes.OK { // Log if not excluded or if there's an error
		if duration >= opts.slowCallThreshold {
			lp.ExtendFields(
				log.Bool("slow_request", true),
				log.Object("time_slots", lp.getTimeSlots()),
			)
		}
		logFields = append(
			logFields,
			log.String("grpc_code", grpcCode.String()),
			log.Int64("duration_ms", duration.Milliseconds()),
		)
		if err != nil {
			logFields = append(logFields, log.String("grpc_error", err.Error()))
		}
		logger.Info(fmt.Sprintf("gRPC call finished in %.3fs", duration.Seconds()), append(logFields, lp.getFields()...)...)
	}
}

// buildCallInfoLogFields builds the common log fields for both unary and stream interceptors
func buildCallInfoLogFields(ctx context.Context, info CallInfo, opts *loggingOptions) []log.Field {
	var remoteAddr string
	var remoteAddrIP string
	var remoteAddrPort uint16
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remoteAddr = p.Addr.String()
		if addrIP, addrPort, err := net.SplitHostPort(remoteAddr); err == nil {
			remoteAddrIP = addrIP
			if port, pErr := strconv.ParseUint(addrPort, 10, 16); pErr == nil {
				remoteAddrPort = uint16(port)
			}
		}
	}

	var userAgent string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if userAgentList := md.Get(headerUserAgentKey); len(userAgentList) > 0 {
			userAgent = userAgentList[0]
		}
	}

	logFields := make([]log.Field, 0, 8)
	logFields = append(
		logFields,
		log.String("grpc_service", info.Service),
		log.String("grpc_method", info.Method),
		log.String("grpc_method_type", info.Shape.String()),
		log.String("remote_addr", remoteAddr),
		log.String("user_agent", userAgent),
	)

	if remoteAddrIP != "" {
		logFields = append(logFields, log.String("remote_addr_ip", remoteAddrIP))
		if remoteAddrPort != 0 {
			logFields = append(logFields, log.Uint16("remote_addr_port", remoteAddrPort))
		}
	}

	if len(opts.callHeaders) > 0 {
		// Add custom headers from metadata
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			for headerName, logKey := range opts.callHeaders {
				if headerValues := md.Get(headerName); len(headerValues) > 0 {
					logFields = append(logFields, log.String(logKey, headerValues[0]))
				}
			}
		}
	}

	return logFields
}

func splitFullMethodName(fullMethod string) (service string, method string) {
	const unknown = "unknown"
	fullMethod = strings.TrimPrefix(fullMethod, "/") // remove leading slash
	if i := strings.Index(fullMethod, "/"); i >= 0 {
		return fullMethod[:i], fullMethod[i+1:]
	}
	return unknown, unknown
}

func isLoggingDisabled(fullMethod string, excludedMethods []string) bool {
	for _, method := range excludedMethods {
		if fullMethod == method {
			return true
		}
	}
	return false
}
