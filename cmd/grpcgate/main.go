/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Command grpcgate runs a gRPC server with request admission (authentication, rate limiting, call timeouts)
// and a background task queue, together with an admin HTTP server for metrics, health and introspection.
package main

import (
	"context"
	"fmt"
	golog "log"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/interop/grpc_testing"

	"github.com/acronis/go-grpcgate/adminserver"
	"github.com/acronis/go-grpcgate/config"
	"github.com/acronis/go-grpcgate/grpcserver"
	"github.com/acronis/go-grpcgate/log"
	"github.com/acronis/go-grpcgate/ratelimitstats"
	"github.com/acronis/go-grpcgate/service"
	"github.com/acronis/go-grpcgate/taskqueue"
)

const envVarsPrefix = "grpcgate"

func main() {
	if err := runApp(os.Args[1:]); err != nil {
		golog.Fatal(err)
	}
}

func runApp(args []string) error {
	flags := pflag.NewFlagSet("grpcgate", pflag.ContinueOnError)
	cfgPath := flags.StringP("config", "c", "config.yml", "path to the configuration file (.yml, .yaml or .json)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAppConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, loggerClose := log.NewLogger(cfg.Log)
	defer loggerClose()

	units, err := makeServiceUnits(cfg, logger)
	if err != nil {
		return err
	}
	return service.New(logger, service.NewCompositeUnit(units...)).Start()
}

func makeServiceUnits(cfg *AppConfig, logger log.FieldLogger) ([]service.Unit, error) {
	queueUnit, err := taskqueue.NewUnit(cfg.TaskQueue, logger.With(log.String("component", "task_queue")),
		taskqueue.NewPrometheusMetrics())
	if err != nil {
		return nil, fmt.Errorf("create task queue: %w", err)
	}

	var rdb *redis.Client
	var grpcOpts []grpcserver.Option
	if cfg.RateLimitStats.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RateLimitStats.Redis.Address, DB: cfg.RateLimitStats.Redis.DB})
		grpcOpts = append(grpcOpts, grpcserver.WithRateLimitStatsRecorder(cfg.RateLimitStats.NewRecorder(rdb), queueUnit.Queue))
	}

	grpcServer, err := grpcserver.New(cfg.GRPCServer, logger, grpcOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gRPC server: %w", err)
	}
	grpc_testing.RegisterTestServiceServer(grpcServer.GRPCServer, newEchoService(queueUnit.Queue))

	var units []service.Unit
	if rdb != nil {
		units = append(units, &queueUnitWithRedis{Unit: queueUnit, rdb: rdb, logger: logger})
	} else {
		units = append(units, queueUnit)
	}
	units = append(units, grpcServer)
	if cfg.AdminServer.Enabled {
		adminOpts := []adminserver.Option{
			adminserver.WithTaskQueue(queueUnit.Queue),
			adminserver.WithHealthCheck(newHealthCheck(grpcServer, queueUnit.Queue, rdb)),
		}
		if grpcServer.RateLimiter != nil {
			adminOpts = append(adminOpts, adminserver.WithRateLimiter(grpcServer.RateLimiter))
		}
		units = append(units, adminserver.New(cfg.AdminServer, logger, adminOpts...))
	}
	return units, nil
}

func newHealthCheck(grpcServer *grpcserver.GRPCServer, queue *taskqueue.Queue, rdb *redis.Client) adminserver.HealthCheck {
	return func(ctx context.Context) (adminserver.HealthCheckResult, error) {
		result := adminserver.HealthCheckResult{"grpc": adminserver.HealthCheckStatusOK, "task_queue": adminserver.HealthCheckStatusOK}
		resp, err := grpcServer.HealthServer.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
		if err != nil || resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			result["grpc"] = adminserver.HealthCheckStatusFail
		}
		if queue.IsClosed() {
			result["task_queue"] = adminserver.HealthCheckStatusFail
		}
		if rdb != nil {
			result["redis"] = adminserver.HealthCheckStatusOK
			if pingErr := rdb.Ping(ctx).Err(); pingErr != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				result["redis"] = adminserver.HealthCheckStatusFail
			}
		}
		return result, nil
	}
}

// queueUnitWithRedis closes the Redis client of the stats recorder after the queue has been shut down,
// so pending stats tasks can still write.
type queueUnitWithRedis struct {
	*taskqueue.Unit
	rdb    *redis.Client
	logger log.FieldLogger
}

func (u *queueUnitWithRedis) Stop(gracefully bool) error {
	stopErr := u.Unit.Stop(gracefully)
	if err := u.rdb.Close(); err != nil {
		u.logger.Error("failed to close redis client", log.Error(err))
		if stopErr == nil {
			stopErr = err
		}
	}
	return stopErr
}

func loadAppConfig(path string) (*AppConfig, error) {
	dataType := config.DataTypeYAML
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		dataType = config.DataTypeJSON
	}
	cfg := NewAppConfig()
	if err := config.NewDefaultLoader(envVarsPrefix).LoadFromFile(path, dataType, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AppConfig is the top-level configuration of grpcgate.
type AppConfig struct {
	Log            *log.Config
	GRPCServer     *grpcserver.Config
	TaskQueue      *taskqueue.Config
	RateLimitStats *ratelimitstats.Config
	AdminServer    *adminserver.Config
}

// NewAppConfig creates AppConfig with all sections under their default key prefixes.
func NewAppConfig() *AppConfig {
	return &AppConfig{
		Log:            log.NewConfig(),
		GRPCServer:     grpcserver.NewConfig(),
		TaskQueue:      taskqueue.NewConfig(),
		RateLimitStats: ratelimitstats.NewConfig(),
		AdminServer:    adminserver.NewConfig(),
	}
}

// SetProviderDefaults sets default values for all sections.
func (c *AppConfig) SetProviderDefaults(dp config.DataProvider) {
	config.CallSetProviderDefaultsForFields(c, dp)
}

// Set sets values of all sections from config.DataProvider.
func (c *AppConfig) Set(dp config.DataProvider) error {
	return config.CallSetForFields(c, dp)
}
