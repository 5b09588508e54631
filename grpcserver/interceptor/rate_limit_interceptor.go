/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-grpcgate/internal/ratelimit"
	"github.com/acronis/go-grpcgate/log"
	"github.com/acronis/go-grpcgate/ratelimitstats"
	"github.com/acronis/go-grpcgate/taskqueue"
)

// RateLimitLogFieldKey it is the name of the logged field that contains the client identity used for rate limiting.
const RateLimitLogFieldKey = "rate_limit_key"

// RetryAfterHeader is the response header with the number of seconds after which the client may retry.
const RetryAfterHeader = "retry-after"

// DefaultRateLimitCleanupInterval determines how often idle client windows are evicted.
const DefaultRateLimitCleanupInterval = ratelimit.DefaultCleanupInterval

// RateLimitStatsGroupsCount is the number of task queue groups that rate limit decision stats are spread over.
const RateLimitStatsGroupsCount = 4

// DefaultRateLimitExemptMethods are methods that are never rate limited by default.
var DefaultRateLimitExemptMethods = []string{
	HealthCheckMethod,
	HealthWatchMethod,
	ReflectionV1AlphaInfoMethod,
	ReflectionV1ServerInfoMethod,
}

// RateLimitPolicy describes how many requests a single client may make within the trailing window.
type RateLimitPolicy = ratelimit.Policy

// RateLimitUsage describes the current state of a client window.
type RateLimitUsage = ratelimit.Usage

// RateLimitParams contains data that relates to the rate limiting procedure
// and could be used for rejecting the call.
type RateLimitParams struct {
	Call       CallInfo
	ClientID   string
	CallKind   string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

// RateLimitGetClientIDFunc returns the identity of the calling client.
// If bypass is true, the call is not rate limited. On error the call is limited as UnknownClientID.
type RateLimitGetClientIDFunc func(ctx context.Context, info CallInfo) (clientID string, bypass bool, err error)

// RateLimitOnRejectFunc returns the error that is sent to the client when the rate limit is exceeded.
// The retry-after header is already set when it is called.
type RateLimitOnRejectFunc func(ctx context.Context, params RateLimitParams) error

// RateLimitOption represents a configuration option for the rate limit interceptor.
type RateLimitOption func(*rateLimitOptions)

type rateLimitOptions struct {
	getClientID      RateLimitGetClientIDFunc
	classify         func(info CallInfo) ratelimit.CallKind
	exemptMethods    []string
	dryRun           bool
	onReject         RateLimitOnRejectFunc
	cleanupInterval  time.Duration
	now              func() time.Time
	metrics          AdmissionMetricsCollector
	statsRecorder    ratelimitstats.Recorder
	statsQueue       *taskqueue.Queue
	statsQueueLogger log.FieldLogger
}

// WithRateLimitGetClientID sets the function that identifies the calling client.
// By default ClientIDFromContext is used.
func WithRateLimitGetClientID(getClientID RateLimitGetClientIDFunc) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.getClientID = getClientID
	}
}

// WithRateLimitExemptMethods replaces the list of full method names (glob patterns are supported) that are not rate limited.
func WithRateLimitExemptMethods(methods ...string) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.exemptMethods = methods
	}
}

// WithRateLimitDryRun enables dry run mode where limits are checked and rejections are logged but not enforced.
func WithRateLimitDryRun(dryRun bool) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.dryRun = dryRun
	}
}

// WithRateLimitOnReject sets the callback that builds the error for rejected calls.
func WithRateLimitOnReject(onReject RateLimitOnRejectFunc) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.onReject = onReject
	}
}

// WithRateLimitCleanupInterval sets how often idle client windows may be evicted.
func WithRateLimitCleanupInterval(interval time.Duration) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.cleanupInterval = interval
	}
}

// WithRateLimitClock sets the function that returns the current time.
func WithRateLimitClock(now func() time.Time) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.now = now
	}
}

// WithRateLimitMetrics sets the collector of rejected calls.
func WithRateLimitMetrics(collector AdmissionMetricsCollector) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.metrics = collector
	}
}

// WithRateLimitStatsRecorder makes the rate limiter report every decision to the recorder.
// Reports are submitted to the queue and never delay the call.
func WithRateLimitStatsRecorder(recorder ratelimitstats.Recorder, queue *taskqueue.Queue, logger log.FieldLogger) RateLimitOption {
	return func(opts *rateLimitOptions) {
		opts.statsRecorder = recorder
		opts.statsQueue = queue
		opts.statsQueueLogger = logger
	}
}

// RateLimiter enforces a sliding window limit per client for all call shapes.
// A single RateLimiter may serve both unary and stream interceptors so that they share client windows.
type RateLimiter struct {
	limiter *ratelimit.SlidingWindowLimiter
	exempt  methodMatcher
	opts    rateLimitOptions
}

var _ CallWrapper = (*RateLimiter)(nil)

// NewRateLimiter creates a new RateLimiter.
func NewRateLimiter(policy RateLimitPolicy, options ...RateLimitOption) (*RateLimiter, error) {
	opts := rateLimitOptions{
		exemptMethods:   DefaultRateLimitExemptMethods,
		cleanupInterval: DefaultRateLimitCleanupInterval,
		metrics:         disabledAdmissionMetrics{},
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.getClientID == nil {
		opts.getClientID = func(ctx context.Context, _ CallInfo) (string, bool, error) {
			return ClientIDFromContext(ctx), false, nil
		}
	}
	if opts.classify == nil {
		opts.classify = func(info CallInfo) ratelimit.CallKind { return ratelimit.ClassifyMethod(info.Method) }
	}
	if opts.onReject == nil {
		opts.onReject = DefaultRateLimitOnReject
	}
	if opts.metrics == nil {
		opts.metrics = disabledAdmissionMetrics{}
	}
	if opts.statsRecorder != nil && opts.statsQueue == nil {
		return nil, fmt.Errorf("rate limit stats recorder requires a task queue")
	}

	limiterOpts := []ratelimit.SlidingWindowOption{ratelimit.WithCleanupInterval(opts.cleanupInterval)}
	if opts.now != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithClock(opts.now))
	}
	limiter, err := ratelimit.NewSlidingWindowLimiter(policy, limiterOpts...)
	if err != nil {
		return nil, fmt.Errorf("new sliding window limiter: %w", err)
	}
	return &RateLimiter{limiter: limiter, exempt: newMethodMatcher(opts.exemptMethods), opts: opts}, nil
}

// UnaryInterceptor returns a gRPC unary interceptor that limits the rate of requests.
func (rl *RateLimiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return UnaryServerInterceptorFor(rl)
}

// StreamInterceptor returns a gRPC stream interceptor that limits the rate of requests.
func (rl *RateLimiter) StreamInterceptor() grpc.StreamServerInterceptor {
	return StreamServerInterceptorFor(rl)
}

// Usage returns the current state of the client window.
func (rl *RateLimiter) Usage(clientID string) RateLimitUsage {
	return rl.limiter.Usage(clientID)
}

// Cleanup evicts idle client windows and returns the number of evicted windows.
func (rl *RateLimiter) Cleanup() int {
	return rl.limiter.Cleanup()
}

// ClientsCount returns the number of tracked clients.
func (rl *RateLimiter) ClientsCount() int {
	return rl.limiter.ClientsCount()
}

// Policy returns the policy of the rate limiter.
func (rl *RateLimiter) Policy() RateLimitPolicy {
	return rl.limiter.Policy()
}

// WrapUnaryUnary implements CallWrapper.
func (rl *RateLimiter) WrapUnaryUnary(info CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler {
	if rl.exempt.Match(info.FullMethod) {
		return next
	}
	return func(ctx context.Context, req interface{}) (interface{}, error) {
		ctx, err := rl.admit(ctx, info, func(md metadata.MD) error { return grpc.SetHeader(ctx, md) })
		if err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

// WrapUnaryStream implements CallWrapper.
func (rl *RateLimiter) WrapUnaryStream(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	return rl.wrapStream(info, next)
}

// WrapStreamUnary implements CallWrapper.
func (rl *RateLimiter) WrapStreamUnary(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	return rl.wrapStream(info, next)
}

// WrapStreamStream implements CallWrapper.
func (rl *RateLimiter) WrapStreamStream(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	return rl.wrapStream(info, next)
}

func (rl *RateLimiter) wrapStream(info CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
	if rl.exempt.Match(info.FullMethod) {
		return next
	}
	return func(srv interface{}, ss grpc.ServerStream) error {
		ctx, err := rl.admit(ss.Context(), info, ss.SetHeader)
		if err != nil {
			return err
		}
		return next(srv, wrapServerStreamContext(ctx, ss))
	}
}

// admit checks the limit of the calling client. The returned error is sent to the client as is.
func (rl *RateLimiter) admit(
	ctx context.Context, info CallInfo, setHeader func(metadata.MD) error,
) (context.Context, error) {
	logger := GetLoggerFromContext(ctx)

	clientID, bypass, err := rl.opts.getClientID(ctx, info)
	if err != nil {
		if logger != nil {
			logger.Warn("failed to resolve client identity, rate limiting it as unknown", log.Error(err))
		}
		clientID, bypass = UnknownClientID, false
	}
	if bypass {
		return ctx, nil
	}
	ctx = NewContextWithClientID(ctx, clientID)

	kind := rl.opts.classify(info)
	decision := rl.limiter.Allow(clientID, kind)
	rl.recordStats(clientID, info, kind, decision.Allowed)
	if decision.Allowed {
		return ctx, nil
	}

	rl.opts.metrics.IncRateLimitRejections(info, kind.String())
	if lp := GetLoggingParamsFromContext(ctx); lp != nil {
		lp.addAdmissionFields("rate_limit", log.String(RateLimitLogFieldKey, clientID))
	}

	if rl.opts.dryRun {
		if logger != nil {
			logger.Warn("rate limit exceeded, continuing in dry run mode", log.String(RateLimitLogFieldKey, clientID))
		}
		return ctx, nil
	}
	if logger != nil {
		logger.Warn("rate limit exceeded",
			log.String(RateLimitLogFieldKey, clientID),
			log.String("call_kind", kind.String()),
			log.Int("limit", decision.Limit),
		)
	}

	params := RateLimitParams{
		Call:       info,
		ClientID:   clientID,
		CallKind:   kind.String(),
		Limit:      decision.Limit,
		Window:     decision.Window,
		RetryAfter: decision.RetryAfter,
	}
	md := metadata.Pairs(RetryAfterHeader, strconv.Itoa(retryAfterSeconds(params.RetryAfter)))
	if err = setHeader(md); err != nil && logger != nil {
		logger.Warn("failed to set retry-after header", log.Error(err))
	}
	return ctx, rl.opts.onReject(ctx, params)
}

func (rl *RateLimiter) recordStats(clientID string, info CallInfo, kind ratelimit.CallKind, allowed bool) {
	if rl.opts.statsRecorder == nil {
		return
	}
	ev := ratelimitstats.Event{
		ClientID: clientID,
		Method:   info.FullMethod,
		CallKind: kind.String(),
		Allowed:  allowed,
		At:       time.Now(),
	}
	recorder := rl.opts.statsRecorder
	_, err := rl.opts.statsQueue.Submit(context.Background(), rateLimitStatsGroup(clientID),
		func(ctx context.Context) (interface{}, error) {
			return nil, recorder.Record(ctx, ev)
		}, taskqueue.WithRemoveOnFinish())
	if err != nil && rl.opts.statsQueueLogger != nil {
		rl.opts.statsQueueLogger.Debug("rate limit decision is not recorded", log.Error(err))
	}
}

func rateLimitStatsGroup(clientID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return "rate-limit-stats-" + strconv.Itoa(int(h.Sum32()%RateLimitStatsGroupsCount))
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// RateLimitError returns the ResourceExhausted error for a rejected call.
func RateLimitError(limit int, window time.Duration) error {
	return status.Error(codes.ResourceExhausted, fmt.Sprintf(
		"Rate limit exceeded. Maximum %d requests per %s seconds. Please retry later.",
		limit, strconv.FormatFloat(window.Seconds(), 'f', -1, 64)))
}

// DefaultRateLimitOnReject returns RateLimitError for the limit that was exceeded.
func DefaultRateLimitOnReject(_ context.Context, params RateLimitParams) error {
	return RateLimitError(params.Limit, params.Window)
}

// RateLimitUnaryInterceptor is a gRPC unary interceptor that limits the rate of requests.
// Use NewRateLimiter to share client windows between unary and stream calls.
func RateLimitUnaryInterceptor(policy RateLimitPolicy, options ...RateLimitOption) (grpc.UnaryServerInterceptor, error) {
	rl, err := NewRateLimiter(policy, options...)
	if err != nil {
		return nil, err
	}
	return rl.UnaryInterceptor(), nil
}

// RateLimitStreamInterceptor is a gRPC stream interceptor that limits the rate of requests.
// Use NewRateLimiter to share client windows between unary and stream calls.
func RateLimitStreamInterceptor(policy RateLimitPolicy, options ...RateLimitOption) (grpc.StreamServerInterceptor, error) {
	rl, err := NewRateLimiter(policy, options...)
	if err != nil {
		return nil, err
	}
	return rl.StreamInterceptor(), nil
}
