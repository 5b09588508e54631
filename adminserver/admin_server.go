/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package adminserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acronis/go-grpcgate/grpcserver/interceptor"
	"github.com/acronis/go-grpcgate/log"
	"github.com/acronis/go-grpcgate/service"
	"github.com/acronis/go-grpcgate/taskqueue"
)

// Option represents a functional option for configuring AdminServer.
type Option func(*serverOptions)

type serverOptions struct {
	healthCheck HealthCheck
	gatherer    prometheus.Gatherer
	queue       *taskqueue.Queue
	rateLimiter *interceptor.RateLimiter
}

// WithHealthCheck sets the function that reports statuses of service's components on /healthz.
func WithHealthCheck(fn HealthCheck) Option {
	return func(o *serverOptions) {
		o.healthCheck = fn
	}
}

// WithMetricsGatherer sets the gatherer exposed on /metrics. prometheus.DefaultGatherer is used by default.
func WithMetricsGatherer(gatherer prometheus.Gatherer) Option {
	return func(o *serverOptions) {
		o.gatherer = gatherer
	}
}

// WithTaskQueue exposes task queue statistics and task statuses.
func WithTaskQueue(queue *taskqueue.Queue) Option {
	return func(o *serverOptions) {
		o.queue = queue
	}
}

// WithRateLimiter exposes per-client rate limit usage.
func WithRateLimiter(rl *interceptor.RateLimiter) Option {
	return func(o *serverOptions) {
		o.rateLimiter = rl
	}
}

// AdminServer represents HTTP server for operational endpoints: health-check, Prometheus metrics,
// task queue and rate limiter introspection and, optionally, pprof.
// It implements service.Unit interface.
type AdminServer struct {
	URL        string
	HTTPServer *http.Server
	Logger     log.FieldLogger

	shutdownTimeout time.Duration
	httpServerDone  chan struct{}
}

var _ service.Unit = (*AdminServer)(nil)

// New creates a new AdminServer.
func New(cfg *Config, logger log.FieldLogger, options ...Option) *AdminServer {
	opts := &serverOptions{gatherer: prometheus.DefaultGatherer}
	for _, opt := range options {
		opt(opts)
	}

	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           newRouter(cfg, logger, opts),
		ReadHeaderTimeout: time.Second * 5,
	}

	return &AdminServer{
		URL:             "http://" + httpServer.Addr,
		HTTPServer:      httpServer,
		Logger:          logger,
		shutdownTimeout: time.Duration(cfg.ShutdownTimeout),
		httpServerDone:  make(chan struct{}),
	}
}

func newRouter(cfg *Config, logger log.FieldLogger, opts *serverOptions) http.Handler {
	router := chi.NewRouter()
	router.Use(
		chimiddleware.RequestID,
		chimiddleware.Recoverer,
		loggingMiddleware(logger, "/healthz", "/metrics"),
	)

	router.Method(http.MethodGet, "/healthz", newHealthCheckHandler(opts.healthCheck, logger))
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.gatherer, promhttp.HandlerOpts{}))

	if opts.queue != nil {
		qh := &queueHandler{queue: opts.queue, logger: logger}
		router.Get("/queue/stats", qh.stats)
		router.Get("/queue/stats/{group}", qh.stats)
		router.Get("/queue/tasks/{taskID}", qh.task)
	}
	if opts.rateLimiter != nil {
		rh := &rateLimitHandler{rateLimiter: opts.rateLimiter, logger: logger}
		router.Get("/ratelimit/clients/{clientID}", rh.usage)
	}
	if cfg.Pprof {
		router.Mount("/debug", chimiddleware.Profiler())
	}
	return router
}

// Start starts the admin HTTP server in a blocking way. Supposed this methods will be called in a separate goroutine.
// If a fatal error occurs, it's sent into passed fatalError channel and should be processed outside.
func (s *AdminServer) Start(fatalError chan<- error) {
	defer close(s.httpServerDone)

	logger := s.Logger.With(log.String("address", s.HTTPServer.Addr))

	logger.Info("starting admin HTTP server...")
	if err := s.HTTPServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("admin HTTP server closed")
			return
		}
		logger.Error("admin HTTP server error", log.Error(err))
		fatalError <- err
		return
	}
}

// Stop stops the admin HTTP server.
// If gracefully is true, it waits for active requests within the shutdown timeout.
func (s *AdminServer) Stop(gracefully bool) error {
	if !gracefully {
		s.Logger.Info("closing admin HTTP server...")
		if err := s.HTTPServer.Close(); err != nil {
			s.Logger.Error("admin HTTP server closing error", log.Error(err))
			return err
		}
		<-s.httpServerDone // Wait closing of listener.
		return nil
	}

	s.Logger.Info("shutting down admin HTTP server...", log.Duration("timeout", s.shutdownTimeout))
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.HTTPServer.Shutdown(ctx); err != nil {
		s.Logger.Error("admin HTTP server shutdown error", log.Error(err))
		return err
	}
	<-s.httpServerDone
	return nil
}

func loggingMiddleware(logger log.FieldLogger, quietPaths ...string) func(next http.Handler) http.Handler {
	quiet := make(map[string]bool, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			wrw := chimiddleware.NewWrapResponseWriter(rw, r.ProtoMajor)
			next.ServeHTTP(wrw, r)

			fields := []log.Field{
				log.String("request_id", chimiddleware.GetReqID(r.Context())),
				log.String("method", r.Method),
				log.String("uri", r.RequestURI),
				log.Int("status", wrw.Status()),
				log.Int64("duration_ms", time.Since(startTime).Milliseconds()),
			}
			if quiet[r.URL.Path] && wrw.Status() < http.StatusInternalServerError {
				logger.Debug("admin HTTP request served", fields...)
				return
			}
			logger.Info("admin HTTP request served", fields...)
		})
	}
}
