/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package service runs the long-lived parts of the gateway (gRPC server, admin server, task queue)
// as units with a common start/stop lifecycle driven by OS signals.
package service

// Unit is a component with its own lifecycle.
//
// Start either returns right after initialization or blocks while the unit runs.
// A failed Start reports the error to fatalErr; a successful one never writes to it,
// and nobody may write to the channel after Start returns.
//
// Stop may be called at any moment, even if Start failed or has not been called at all.
// With gracefully set the unit lets in-flight work finish.
type Unit interface {
	Start(fatalErr chan<- error)
	Stop(gracefully bool) error
}

// MetricsRegisterer is implemented by units that expose Prometheus metrics.
type MetricsRegisterer interface {
	MustRegisterMetrics()
	UnregisterMetrics()
}
