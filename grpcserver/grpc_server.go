/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/acronis/go-grpcgate/grpcserver/interceptor"
	"github.com/acronis/go-grpcgate/log"
	"github.com/acronis/go-grpcgate/ratelimitstats"
	"github.com/acronis/go-grpcgate/service"
	"github.com/acronis/go-grpcgate/taskqueue"
)

// LoggingOptions customizes call logging beyond what Config.Log covers.
type LoggingOptions struct {
	CustomLoggerProvider interceptor.CustomLoggerProvider
}

// MetricsOptions customizes the Prometheus collectors of the server.
type MetricsOptions struct {
	Namespace             string
	DurationBuckets       []float64
	ConstLabels           prometheus.Labels
	UserAgentTypeProvider interceptor.UserAgentTypeProvider
}

// Option configures GRPCServer.
type Option func(*serverOptions)

type serverOptions struct {
	unaryInterceptors  []grpc.UnaryServerInterceptor
	streamInterceptors []grpc.StreamServerInterceptor
	callWrappers       []interceptor.CallWrapper
	metrics            MetricsOptions
	logging            LoggingOptions
	statsRecorder      ratelimitstats.Recorder
	statsQueue         *taskqueue.Queue
	tokenVerifier      interceptor.TokenVerifier
	clientID           interceptor.RateLimitGetClientIDFunc
}

// WithUnaryInterceptors adds unary interceptors that run after all built-in ones.
func WithUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) Option {
	return func(o *serverOptions) { o.unaryInterceptors = append(o.unaryInterceptors, interceptors...) }
}

// WithStreamInterceptors adds stream interceptors that run after all built-in ones.
func WithStreamInterceptors(interceptors ...grpc.StreamServerInterceptor) Option {
	return func(o *serverOptions) { o.streamInterceptors = append(o.streamInterceptors, interceptors...) }
}

// WithCallWrappers adds call wrappers that are applied to calls of every shape after all built-in ones.
func WithCallWrappers(wrappers ...interceptor.CallWrapper) Option {
	return func(o *serverOptions) { o.callWrappers = append(o.callWrappers, wrappers...) }
}

// WithLoggingOptions configures call logging.
func WithLoggingOptions(opts LoggingOptions) Option {
	return func(o *serverOptions) { o.logging = opts }
}

// WithMetricsOptions configures call metrics.
func WithMetricsOptions(opts MetricsOptions) Option {
	return func(o *serverOptions) { o.metrics = opts }
}

// WithRateLimitStatsRecorder makes the rate limiter report its decisions to the recorder through the task queue.
func WithRateLimitStatsRecorder(recorder ratelimitstats.Recorder, queue *taskqueue.Queue) Option {
	return func(o *serverOptions) {
		o.statsRecorder = recorder
		o.statsQueue = queue
	}
}

// WithRateLimitGetClientID overrides how the rate limiter identifies clients.
func WithRateLimitGetClientID(getClientID interceptor.RateLimitGetClientIDFunc) Option {
	return func(o *serverOptions) { o.clientID = getClientID }
}

// WithAuthTokenVerifier sets the verifier of bearer tokens.
// It takes precedence over the HMAC verifier built from the configured JWT secret.
func WithAuthTokenVerifier(verifier interceptor.TokenVerifier) Option {
	return func(o *serverOptions) { o.tokenVerifier = verifier }
}

// GRPCServer is the gateway gRPC server: grpc.Server with the admission chain installed,
// a health service and an optional reflection service.
// It implements service.Unit and service.MetricsRegisterer.
type GRPCServer struct {
	GRPCServer   *grpc.Server
	HealthServer *health.Server
	Logger       log.FieldLogger

	// RateLimiter is nil when rate limiting is disabled.
	RateLimiter *interceptor.RateLimiter

	address          atomic.Value
	unixSocketPath   string
	shutdownTimeout  time.Duration
	served           atomic.Value // chan struct{}, closed when Start returns
	callMetrics      *interceptor.PrometheusMetrics
	admissionMetrics *interceptor.PrometheusAdmissionMetrics
	rateLimitCleanup *service.WorkerUnit
}

var _ service.Unit = (*GRPCServer)(nil)
var _ service.MetricsRegisterer = (*GRPCServer)(nil)

// New creates a GRPCServer. Every call passes request ID, tracing, logging, panic recovery and metrics wrappers,
// then authentication, rate limiting and call timeouts as enabled by cfg.
func New(cfg *Config, logger log.FieldLogger, options ...Option) (*GRPCServer, error) {
	var opts serverOptions
	for _, opt := range options {
		opt(&opts)
	}

	serverOpts, err := transportServerOptions(cfg)
	if err != nil {
		return nil, err
	}

	promOpts := []interceptor.PrometheusOption{
		interceptor.WithPrometheusNamespace(opts.metrics.Namespace),
		interceptor.WithPrometheusDurationBuckets(opts.metrics.DurationBuckets),
		interceptor.WithPrometheusConstLabels(opts.metrics.ConstLabels),
	}
	s := &GRPCServer{
		Logger:           logger,
		unixSocketPath:   cfg.UnixSocketPath,
		shutdownTimeout:  time.Duration(cfg.Timeouts.Shutdown),
		callMetrics:      interceptor.NewPrometheusMetrics(promOpts...),
		admissionMetrics: interceptor.NewPrometheusAdmissionMetrics(promOpts...),
	}

	wrappers, err := s.buildCallWrappers(cfg, logger, &opts)
	if err != nil {
		return nil, err
	}
	unary := make([]grpc.UnaryServerInterceptor, 0, len(wrappers)+len(opts.unaryInterceptors))
	stream := make([]grpc.StreamServerInterceptor, 0, len(wrappers)+len(opts.streamInterceptors))
	for _, w := range wrappers {
		unary = append(unary, interceptor.UnaryServerInterceptorFor(w))
		stream = append(stream, interceptor.StreamServerInterceptorFor(w))
	}
	serverOpts = append(serverOpts,
		grpc.ChainUnaryInterceptor(append(unary, opts.unaryInterceptors...)...),
		grpc.ChainStreamInterceptor(append(stream, opts.streamInterceptors...)...))

	s.GRPCServer = grpc.NewServer(serverOpts...)
	s.HealthServer = health.NewServer()
	s.HealthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.GRPCServer, s.HealthServer)
	if cfg.Reflection {
		reflection.Register(s.GRPCServer)
	}

	if s.RateLimiter != nil && cfg.RateLimit.CleanupInterval > 0 {
		s.rateLimitCleanup = newRateLimitCleanup(s.RateLimiter, time.Duration(cfg.RateLimit.CleanupInterval), logger)
	}

	if cfg.UnixSocketPath != "" {
		s.address.Store(cfg.UnixSocketPath)
	} else {
		s.address.Store(cfg.Address)
	}
	return s, nil
}

func transportServerOptions(cfg *Config) ([]grpc.ServerOption, error) {
	serverOpts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    time.Duration(cfg.Keepalive.Time),
			Timeout: time.Duration(cfg.Keepalive.Timeout),
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Duration(cfg.Keepalive.MinTime),
			PermitWithoutStream: true,
		}),
	}
	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.Certificate, cfg.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("load TLS certificates: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})))
	}
	if n := cfg.Limits.MaxConcurrentStreams; n > 0 {
		serverOpts = append(serverOpts, grpc.MaxConcurrentStreams(n))
	}
	if size := cfg.Limits.MaxRecvMessageSize; size > 0 {
		serverOpts = append(serverOpts, grpc.MaxRecvMsgSize(int(size)))
	}
	if size := cfg.Limits.MaxSendMessageSize; size > 0 {
		serverOpts = append(serverOpts, grpc.MaxSendMsgSize(int(size)))
	}
	if cfg.Tracing.Enabled {
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}
	return serverOpts, nil
}

// newRateLimitCleanup returns a unit that periodically drops rate limiter state of idle clients.
func newRateLimitCleanup(rl *interceptor.RateLimiter, interval time.Duration, logger log.FieldLogger) *service.WorkerUnit {
	logger = logger.With(log.String("worker", "rate_limit_cleanup"))
	cleanup := service.WorkerFunc(func(context.Context) error {
		if removed := rl.Cleanup(); removed > 0 {
			logger.Debug("idle rate limit clients removed", log.Int("count", removed))
		}
		return nil
	})
	return service.NewWorkerUnit(service.NewPeriodicWorker(cleanup, interval, logger, service.WithInitialDelay(interval)))
}

// Start listens and serves until the server is stopped. It blocks, so it is usually run in its own goroutine.
// Listen and serve errors are sent to fatalError.
func (s *GRPCServer) Start(fatalError chan<- error) {
	served := make(chan struct{})
	s.served.Store(served)
	defer close(served)

	logger := s.Logger.With(log.String("address", s.Address()))

	network := "tcp"
	if s.unixSocketPath != "" {
		network = "unix"
		if err := os.Remove(s.unixSocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			fatalError <- fmt.Errorf("remove unix socket file %q: %w", s.unixSocketPath, err)
			return
		}
	}

	logger.Info("starting gRPC server...")
	listener, err := net.Listen(network, s.Address())
	if err != nil {
		logger.Error("gRPC server listen error", log.Error(err))
		fatalError <- err
		return
	}
	s.address.Store(listener.Addr().String())

	if s.rateLimitCleanup != nil {
		go s.rateLimitCleanup.Start(fatalError)
	}
	s.HealthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if err = s.GRPCServer.Serve(listener); err != nil {
		logger.Error("gRPC server error", log.Error(err))
		fatalError <- err
	}
}

// Stop marks the server as not serving and stops it.
// A graceful stop waits for in-flight calls up to the shutdown timeout and then closes all connections.
func (s *GRPCServer) Stop(gracefully bool) error {
	s.HealthServer.Shutdown()

	if s.rateLimitCleanup != nil {
		if err := s.rateLimitCleanup.Stop(gracefully); err != nil {
			s.Logger.Warn("failed to stop rate limit cleanup", log.Error(err))
		}
	}

	if gracefully {
		s.gracefulStop()
	} else {
		s.Logger.Info("stopping gRPC server...")
		s.GRPCServer.Stop()
	}

	if served, ok := s.served.Load().(chan struct{}); ok {
		<-served
	}
	return nil
}

func (s *GRPCServer) gracefulStop() {
	s.Logger.Info("stopping gRPC server gracefully...", log.Duration("timeout", s.shutdownTimeout))

	stopped := make(chan struct{})
	go func() {
		s.GRPCServer.GracefulStop()
		close(stopped)
	}()

	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
		s.Logger.Info("gRPC server gracefully stopped")
	case <-timer.C:
		s.Logger.Info("gRPC server graceful stop timed out, stopping forcefully...")
		s.GRPCServer.Stop()
	}
}

// MustRegisterMetrics registers call and admission metrics and panics on failure.
func (s *GRPCServer) MustRegisterMetrics() {
	s.callMetrics.MustRegister()
	s.admissionMetrics.MustRegister()
}

// UnregisterMetrics unregisters call and admission metrics.
func (s *GRPCServer) UnregisterMetrics() {
	s.callMetrics.Unregister()
	s.admissionMetrics.Unregister()
}

// Address returns the address the server listens on.
// Once the server is started, a ":0" port is replaced with the actual one.
func (s *GRPCServer) Address() string {
	address, _ := s.address.Load().(string)
	return address
}

func newCallStartTimeCallWrapper() interceptor.CallWrapper {
	stream := func(_ interceptor.CallInfo, next grpc.StreamHandler) grpc.StreamHandler {
		return func(srv interface{}, ss grpc.ServerStream) error {
			return next(srv, &interceptor.WrappedServerStream{
				ServerStream: ss,
				Ctx:          interceptor.NewContextWithCallStartTime(ss.Context(), time.Now()),
			})
		}
	}
	return interceptor.CallWrapperFuncs{
		UnaryUnary: func(_ interceptor.CallInfo, next grpc.UnaryHandler) grpc.UnaryHandler {
			return func(ctx context.Context, req interface{}) (interface{}, error) {
				return next(interceptor.NewContextWithCallStartTime(ctx, time.Now()), req)
			}
		},
		UnaryStream:  stream,
		StreamUnary:  stream,
		StreamStream: stream,
	}
}

// buildCallWrappers returns wrappers from the outermost to the innermost one.
// Authentication goes before rate limiting so that authenticated principals are limited by their identity.
// Error translation goes after admission so that only handler errors are translated.
func (s *GRPCServer) buildCallWrappers(
	cfg *Config, logger log.FieldLogger, opts *serverOptions,
) ([]interceptor.CallWrapper, error) {
	wrappers := []interceptor.CallWrapper{
		newCallStartTimeCallWrapper(),
		interceptor.NewRequestIDCallWrapper(),
		interceptor.NewTraceIDCallWrapper(),
		interceptor.NewLoggingCallWrapper(logger,
			interceptor.WithLoggingCallStart(cfg.Log.CallStart),
			interceptor.WithLoggingSlowCallThreshold(time.Duration(cfg.Log.SlowCallThreshold)),
			interceptor.WithLoggingExcludedMethods(cfg.Log.ExcludedMethods...),
			interceptor.WithLoggingCustomLoggerProvider(opts.logging.CustomLoggerProvider),
		),
		interceptor.NewRecoveryCallWrapper(),
		interceptor.NewMetricsCallWrapper(s.callMetrics,
			interceptor.WithMetricsUserAgentTypeProvider(opts.metrics.UserAgentTypeProvider)),
	}

	if cfg.Auth.Enabled {
		authenticator, err := newAuthenticator(&cfg.Auth, opts.tokenVerifier)
		if err != nil {
			return nil, err
		}
		wrappers = append(wrappers, authenticator)
	}

	if cfg.RateLimit.Enabled {
		rateLimiter, err := s.newRateLimiter(&cfg.RateLimit, logger, opts)
		if err != nil {
			return nil, err
		}
		s.RateLimiter = rateLimiter
		wrappers = append(wrappers, rateLimiter)
	}

	wrappers = append(wrappers, interceptor.NewErrorTranslationCallWrapper())

	if cfg.Timeouts.Call.Enabled {
		enforcer, err := interceptor.NewTimeoutEnforcer(
			cfg.Timeouts.Call.Policy(), interceptor.WithTimeoutMetrics(s.admissionMetrics))
		if err != nil {
			return nil, fmt.Errorf("new timeout enforcer: %w", err)
		}
		wrappers = append(wrappers, enforcer)
	}

	return append(wrappers, opts.callWrappers...), nil
}

func newAuthenticator(cfg *AuthConfig, verifier interceptor.TokenVerifier) (*interceptor.Authenticator, error) {
	authOpts := []interceptor.AuthOption{interceptor.WithAuthAPIKeys(cfg.APIKeys...)}
	if verifier == nil && cfg.JWTSecret != "" {
		hmacVerifier, err := interceptor.NewHMACTokenVerifier([]byte(cfg.JWTSecret), cfg.JWTAlgorithm)
		if err != nil {
			return nil, fmt.Errorf("new JWT verifier: %w", err)
		}
		verifier = hmacVerifier
	}
	if verifier != nil {
		authOpts = append(authOpts, interceptor.WithAuthTokenVerifier(verifier))
	}
	authenticator, err := interceptor.NewAuthenticator(authOpts...)
	if err != nil {
		return nil, fmt.Errorf("new authenticator: %w", err)
	}
	return authenticator, nil
}

func (s *GRPCServer) newRateLimiter(
	cfg *RateLimitConfig, logger log.FieldLogger, opts *serverOptions,
) (*interceptor.RateLimiter, error) {
	rlOpts := []interceptor.RateLimitOption{
		interceptor.WithRateLimitDryRun(cfg.DryRun),
		interceptor.WithRateLimitMetrics(s.admissionMetrics),
	}
	if cfg.ExemptMethods != nil {
		rlOpts = append(rlOpts, interceptor.WithRateLimitExemptMethods(cfg.ExemptMethods...))
	}
	if cfg.CleanupInterval > 0 {
		rlOpts = append(rlOpts, interceptor.WithRateLimitCleanupInterval(time.Duration(cfg.CleanupInterval)))
	}
	if opts.clientID != nil {
		rlOpts = append(rlOpts, interceptor.WithRateLimitGetClientID(opts.clientID))
	}
	if opts.statsRecorder != nil {
		rlOpts = append(rlOpts, interceptor.WithRateLimitStatsRecorder(opts.statsRecorder, opts.statsQueue, logger))
	}
	rateLimiter, err := interceptor.NewRateLimiter(cfg.Policy(), rlOpts...)
	if err != nil {
		return nil, fmt.Errorf("new rate limiter: %w", err)
	}
	return rateLimiter, nil
}
