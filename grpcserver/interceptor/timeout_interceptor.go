/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-grpcgate/log"
)

// TimeoutOption represents a configuration option for the timeout interceptor.
type TimeoutOption func(*timeoutOptions)

type timeoutOptions struct {
	skipMethods []string
	metrics     AdmissionMetricsCollector
}

// WithTimeoutSkipMethods replaces the list of full method names (glob patterns are supported) that are never wrapped.
func WithTimeoutSkipMethods(methods ...string) TimeoutOption {
	return func(opts *timeoutOptions) {
		opts.skipMethods = methods
	}
}

// WithTimeoutMetrics sets the collector of timed out calls.
func WithTimeoutMetrics(collector AdmissionMetricsCollector) TimeoutOption {
	return func(opts *timeoutOptions) {
		opts.metrics = collector
	}
}

// TimeoutEnforcer bounds calls by the timeout resolved from TimeoutPolicy and the caller's deadline.
// Service and method names of the policy are matched case-insensitively.
//
// A unary-unary handler is raced against the timer: on expiry the caller gets DeadlineExceeded at once
// while the handler is cancelled through its context and its late result is dropped.
// A streaming handler keeps running in the calling goroutine since a stream must not be used after
// the handler returns. Its context is cancelled on expiry, SendMsg and RecvMsg fail from then on,
// and the call ends with DeadlineExceeded even if the handler returns nil after expiry.
// Messages sent before expiry are delivered.
type TimeoutEnforcer struct {
	policy  TimeoutPolicy
	skip    methodMatcher
	metrics AdmissionMetricsCollector
}

var _ CallWrapper = (*TimeoutEnforcer)(nil)

// NewTimeoutEnforcer creates a new TimeoutEnforcer.
func NewTimeoutEnforcer(policy TimeoutPolicy, options ...TimeoutOption) (*TimeoutEnforcer, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	opts := timeoutOptions{skipMethods: DefaultTimeoutSkipMethods}
	for _, option := range options {
		option(&opts)
	}
	if opts.metrics == nil {
		opts.metrics = disabledAdmissionMetrics{}
	}
	return &TimeoutEnforcer{
		policy:  foldPolicyNames(policy),
		skip:    newMethodMatcher(opts.skipMethods),
		metrics: opts.metrics,
	}, nil
}

// foldPolicyNames lowercases service and method names of the policy.
// Configuration loaded through viper has lowercased keys, so names are always matched case-insensitively.
func foldPolicyNames(policy TimeoutPolicy) TimeoutPolicy {
	if len(policy.Services) == 0 {
		return policy
	}
	services := make(map[string]ServiceTimeouts, len(policy.Services))
	for svcName, svc := range policy.Services {
		folded := ServiceTimeouts{Default: svc.Default}
		if len(svc.Methods) > 0 {
			folded.Methods = make(map[string]time.Duration, len(svc.Methods))
			for methodName, t := range svc.Methods {
				folded.Methods[strings.ToLower(methodName)] = t
			}
		}
		services[strings.ToLower(svcName)] = folded
	}
	policy.Services = services
	return policy
}

// UnaryInterceptor returns a gRPC unary interceptor that enforces call timeouts.
func (te *TimeoutEnforcer) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorFor(te)
}

// StreamInterceptor returns a gRPC stream interceptor that enforces call timeouts.
func (te *TimeoutEnforcer) StreamInterceptor() grpc.StreamServerInterceptor {
	return StreamServerInterceptorFor(te)
}

// serverTimeout returns the resolved timeout of the call or zero if the call is not enforced.
func (te *TimeoutEnforcer) serverTimeout(info CallInfo) time.Duration {
	if !te.policy.Enabled || te.skip.Match(info.FullMethod) {
		return 0
	}
	return te.policy.Resolve(strings.ToLower(info.ServiceShortName()), strings.ToLower(info.Method))
}

type unaryResult struct {
	resp     interface{}
	err      error
	panicked bool
	panicVal interface{}
}

// WrapUnaryUnary implements CallWrapper.
func (te *TimeoutEnforcer) WrapUnaryUnary(info CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler {
	serverTimeout := te.serverTimeout(info)
	if serverTimeout == 0 {
		return next
	}
	return func(ctx context.Context, req interface{}) (interface{}, error) {
		timeout := EffectiveTimeout(serverTimeout, callerRemaining(ctx))
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		done := make(chan unaryResult, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					done <- unaryResult{panicked: true, panicVal: p}
				}
			}()
			resp, err := next(ctx, req)
			done <- unaryResult{resp: resp, err: err}
		}()

		var res unaryResult
		select {
		case res = <-done:
		case <-ctx.Done():
			select {
			case res = <-done:
			default:
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, status.FromContextError(ctx.Err()).Err()
				}
				return nil, te.onExpired(ctx, info, timeout)
			}
		}
		if res.panicked {
			panic(res.panicVal)
		}
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, te.onExpired(ctx, info, timeout)
		}
		return res.resp, res.err
	}
}

// WrapUnaryStream implements CallWrapper.
func (te *TimeoutEnforcer) WrapUnaryStream(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	return te.wrapStream(info, next)
}

// WrapStreamUnary implements CallWrapper.
func (te *TimeoutEnforcer) WrapStreamUnary(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	return te.wrapStream(info, next)
}

// WrapStreamStream implements CallWrapper.
func (te *TimeoutEnforcer) WrapStreamStream(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	return te.wrapStream(info, next)
}

func (te *TimeoutEnforcer) wrapStream(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	serverTimeout := te.serverTimeout(info)
	if serverTimeout == 0 {
		return next
	}
	return func(srv interface{}, ss grpc.ServerStream) error {
		timeout := EffectiveTimeout(serverTimeout, callerRemaining(ss.Context()))
		ctx, cancel := context.WithTimeout(ss.Context(), timeout)
		defer cancel()

		tss := &timeoutServerStream{ServerStream: ss, ctx: ctx, timeoutErr: TimeoutError(info.Shape, timeout)}
		err := next(srv, tss)
		if tss.expired.Load() || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return te.onExpired(ctx, info, timeout)
		}
		return err
	}
}

func (te *TimeoutEnforcer) onExpired(ctx context.Context, info CallInfo, timeout time.Duration) error {
	te.metrics.IncTimeouts(info)
	if lp := GetLoggingParamsFromContext(ctx); lp != nil {
		lp.addAdmissionFields("timeout", log.Duration("timeout", timeout))
	}
	if logger := GetLoggerFromContext(ctx); logger != nil {
		logger.Warn(fmt.Sprintf("gRPC call timeout exceeded (timeout=%s)", timeout),
			log.String("grpc_method_type", info.Shape.String()))
	}
	return TimeoutError(info.Shape, timeout)
}

// TimeoutError returns the DeadlineExceeded error for a call of the given shape.
func TimeoutError(shape CallShape, timeout time.Duration) error {
	seconds := strconv.FormatFloat(timeout.Round(time.Millisecond).Seconds(), 'f', -1, 64)
	if shape.StreamingResponse() {
		return status.Error(codes.DeadlineExceeded, "Stream timeout exceeded ("+seconds+"s)")
	}
	return status.Error(codes.DeadlineExceeded, "Request timeout exceeded ("+seconds+"s)")
}

// timeoutServerStream fails all stream operations after the context deadline.
// RecvMsg does not block past the deadline: a pending receive is abandoned
// and its result is dropped.
type timeoutServerStream struct {
	grpc.ServerStream
	ctx        context.Context
	timeoutErr error
	expired    atomic.Bool

	recvMu      sync.Mutex
	pendingRecv chan error
}

func (s *timeoutServerStream) Context() context.Context {
	return s.ctx
}

func (s *timeoutServerStream) checkExpired() error {
	if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
		s.expired.Store(true)
		return s.timeoutErr
	}
	return nil
}

func (s *timeoutServerStream) SendMsg(m interface{}) error {
	if err := s.checkExpired(); err != nil {
		return err
	}
	return s.ServerStream.SendMsg(m)
}

func (s *timeoutServerStream) RecvMsg(m interface{}) error {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	if s.pendingRecv != nil {
		// The previous receive was abandoned, the context is done.
		return s.ctxErr()
	}
	if err := s.checkExpired(); err != nil {
		return err
	}
	result := make(chan error, 1)
	go func() {
		result <- s.ServerStream.RecvMsg(m)
	}()
	select {
	case err := <-result:
		return err
	case <-s.ctx.Done():
		select {
		case err := <-result:
			return err
		default:
		}
		s.pendingRecv = result
		return s.ctxErr()
	}
}

func (s *timeoutServerStream) ctxErr() error {
	if err := s.checkExpired(); err != nil {
		return err
	}
	return status.FromContextError(s.ctx.Err()).Err()
}

// TimeoutUnaryInterceptor is a gRPC unary interceptor that enforces call timeouts.
func TimeoutUnaryInterceptor(policy TimeoutPolicy, options ...TimeoutOption) (grpc.UnaryServerInterceptor, error) {
	te, err := NewTimeoutEnforcer(policy, options...)
	if err != nil {
		return nil, err
	}
	return te.UnaryInterceptor(), nil
}

// TimeoutStreamInterceptor is a gRPC stream interceptor that enforces call timeouts.
func TimeoutStreamInterceptor(policy TimeoutPolicy, options ...TimeoutOption) (grpc.StreamServerInterceptor, error) {
	te, err := NewTimeoutEnforcer(policy, options...)
	if err != nil {
		return nil, err
	}
	return te.StreamInterceptor(), nil
}
