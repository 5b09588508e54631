/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"fmt"
	"time"
)

// DefaultCallTimeout is the global default timeout of a call.
const DefaultCallTimeout = 30 * time.Second

// DefaultTimeoutSkipMethods are methods that the timeout enforcer never wraps by default.
var DefaultTimeoutSkipMethods = []string{
	HealthWatchMethod,
	ReflectionV1AlphaInfoMethod,
	ReflectionV1ServerInfoMethod,
}

// ServiceTimeouts contains timeouts of a single service.
type ServiceTimeouts struct {
	// Default is the timeout of all methods of the service without an override. Nil means it is not configured.
	Default *time.Duration
	// Methods contains per-method overrides keyed by short method name.
	Methods map[string]time.Duration
}

// TimeoutPolicy describes server-side call timeouts. Zero at any level means no timeout.
// Services are keyed by the short service name ("Ingest" for "/pkg.v1.Ingest/Bulk").
type TimeoutPolicy struct {
	Enabled  bool
	Default  time.Duration
	Services map[string]ServiceTimeouts
}

// NewDefaultTimeoutPolicy returns an enabled policy with DefaultCallTimeout.
func NewDefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{Enabled: true, Default: DefaultCallTimeout}
}

// Validate checks that there are no negative timeouts.
func (p TimeoutPolicy) Validate() error {
	if p.Default < 0 {
		return fmt.Errorf("default timeout should not be negative, got %s", p.Default)
	}
	for svcName, svc := range p.Services {
		if svc.Default != nil && *svc.Default < 0 {
			return fmt.Errorf("default timeout of service %q should not be negative, got %s", svcName, *svc.Default)
		}
		for methodName, t := range svc.Methods {
			if t < 0 {
				return fmt.Errorf("timeout of method %q of service %q should not be negative, got %s", methodName, svcName, t)
			}
		}
	}
	return nil
}

// Resolve returns the server timeout of the method: the method override if configured,
// otherwise the service default if configured, otherwise the global default.
func (p TimeoutPolicy) Resolve(service, method string) time.Duration {
	svc, ok := p.Services[service]
	if !ok {
		return p.Default
	}
	if t, ok := svc.Methods[method]; ok {
		return t
	}
	if svc.Default != nil {
		return *svc.Default
	}
	return p.Default
}

// EffectiveTimeout reconciles the server timeout with the time remaining until the caller's deadline.
// Zero server timeout means no timeout regardless of the caller. Non-positive callerRemaining means
// that the caller did not propagate a deadline.
func EffectiveTimeout(serverTimeout, callerRemaining time.Duration) time.Duration {
	if serverTimeout <= 0 {
		return 0
	}
	if callerRemaining > 0 && callerRemaining < serverTimeout {
		return callerRemaining
	}
	return serverTimeout
}

// callerRemaining returns the time remaining until the deadline of the context or zero if there is no deadline.
func callerRemaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return 0
}
