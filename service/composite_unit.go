/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"errors"
	"strings"
	"sync"
)

// CompositeUnit runs several units as one.
type CompositeUnit struct {
	Units []Unit
}

var _ MetricsRegisterer = (*CompositeUnit)(nil)

// NewCompositeUnit creates a CompositeUnit.
func NewCompositeUnit(units ...Unit) *CompositeUnit {
	return &CompositeUnit{Units: units}
}

// Start starts all units concurrently and returns when every Start has returned.
// If any unit fails, all units are stopped non-gracefully and a single CompositeUnitError
// with start and stop errors is sent to fatalErr.
func (cu *CompositeUnit) Start(fatalErr chan<- error) {
	var (
		mu        sync.Mutex
		startErrs []error
		wg        sync.WaitGroup
	)
	failed := make(chan struct{}, len(cu.Units))
	wg.Add(len(cu.Units))
	for _, unit := range cu.Units {
		go func(unit Unit) {
			defer wg.Done()
			unitErr := make(chan error, 1)
			unit.Start(unitErr)
			select {
			case err := <-unitErr:
				mu.Lock()
				startErrs = append(startErrs, err)
				mu.Unlock()
				failed <- struct{}{}
			default:
			}
		}(unit)
	}

	allStarted := make(chan struct{})
	go func() {
		wg.Wait()
		close(allStarted)
	}()
	select {
	case <-allStarted:
		if len(failed) == 0 {
			return
		}
	case <-failed:
	}

	stopErr := cu.Stop(false)

	mu.Lock()
	errs := append([]error(nil), startErrs...)
	mu.Unlock()
	var stopUnitErr *CompositeUnitError
	if errors.As(stopErr, &stopUnitErr) {
		errs = append(errs, stopUnitErr.UnitErrors...)
	}
	if len(errs) != 0 {
		fatalErr <- &CompositeUnitError{UnitErrors: errs}
	}
}

// Stop stops all units concurrently and joins their errors into a CompositeUnitError.
func (cu *CompositeUnit) Stop(gracefully bool) error {
	errs := make([]error, len(cu.Units))
	var wg sync.WaitGroup
	wg.Add(len(cu.Units))
	for i, unit := range cu.Units {
		go func(i int, unit Unit) {
			defer wg.Done()
			errs[i] = unit.Stop(gracefully)
		}(i, unit)
	}
	wg.Wait()

	var unitErrs []error
	for _, err := range errs {
		if err != nil {
			unitErrs = append(unitErrs, err)
		}
	}
	if len(unitErrs) != 0 {
		return &CompositeUnitError{UnitErrors: unitErrs}
	}
	return nil
}

// MustRegisterMetrics registers metrics of all units that have them.
func (cu *CompositeUnit) MustRegisterMetrics() {
	for _, unit := range cu.Units {
		if mr, ok := unit.(MetricsRegisterer); ok {
			mr.MustRegisterMetrics()
		}
	}
}

// UnregisterMetrics unregisters metrics of all units that have them.
func (cu *CompositeUnit) UnregisterMetrics() {
	for _, unit := range cu.Units {
		if mr, ok := unit.(MetricsRegisterer); ok {
			mr.UnregisterMetrics()
		}
	}
}

// CompositeUnitError holds errors of individual units.
type CompositeUnitError struct {
	UnitErrors []error
}

func (e *CompositeUnitError) Error() string {
	msgs := make([]string, len(e.UnitErrors))
	for i, err := range e.UnitErrors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap allows errors.Is and errors.As to look into unit errors.
func (e *CompositeUnitError) Unwrap() []error {
	return e.UnitErrors
}
