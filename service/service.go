/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/acronis/go-grpcgate/log"
)

// Service starts a unit, registers its metrics and stops it gracefully on SIGINT/SIGTERM.
type Service struct {
	Unit   Unit
	Logger log.FieldLogger

	// Signals receives OS shutdown signals. Sending to it directly triggers a graceful stop.
	Signals chan os.Signal

	shutdownSignals []os.Signal
}

// New creates a Service for the unit.
func New(logger log.FieldLogger, unit Unit) *Service {
	return &Service{
		Unit:            unit,
		Logger:          logger,
		Signals:         make(chan os.Signal, 1),
		shutdownSignals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Start runs the service until a shutdown signal or a fatal error of the unit.
func (s *Service) Start() error {
	return s.StartContext(context.Background())
}

// StartContext is like Start but also stops the service when ctx is done.
func (s *Service) StartContext(ctx context.Context) error {
	if mr, ok := s.Unit.(MetricsRegisterer); ok {
		mr.MustRegisterMetrics()
		defer mr.UnregisterMetrics()
	}

	signal.Notify(s.Signals, s.shutdownSignals...)
	defer signal.Stop(s.Signals)

	fatalErr := make(chan error, 1)
	go s.Unit.Start(fatalErr)

	select {
	case err := <-fatalErr:
		s.Logger.Error("service fatal error", log.Error(err))
		return fmt.Errorf("fatal error: %w", err)
	case sig := <-s.Signals:
		s.Logger.Info("service got signal, stopping", log.String("signal", sig.String()))
	case <-ctx.Done():
		s.Logger.Info("context is canceled, stopping service")
	}

	if err := s.Unit.Stop(true); err != nil {
		return fmt.Errorf("stop service gracefully: %w", err)
	}
	s.Logger.Info("service stopped")
	return nil
}
