/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"time"
)

// CallKind classifies a call for choosing the applicable limit.
type CallKind int

// Call kinds.
const (
	CallKindWrite CallKind = iota
	CallKindRead
)

// String implements fmt.Stringer.
func (k CallKind) String() string {
	if k == CallKindRead {
		return "read"
	}
	return "write"
}

// ReadMethods contains short names of the methods that are classified as reads.
var ReadMethods = map[string]struct{}{
	"Search":          {},
	"GetEntity":       {},
	"GetEntities":     {},
	"GetRelation":     {},
	"GetRelations":    {},
	"GetEpisode":      {},
	"GetEpisodes":     {},
	"GetEntityEdge":   {},
	"GetNode":         {},
	"GetEdge":         {},
	"GetServerStatus": {},
	"GetConfig":       {},
}

// ClassifyMethod returns CallKindRead if the short method name belongs to ReadMethods and CallKindWrite otherwise.
func ClassifyMethod(methodName string) CallKind {
	if _, ok := ReadMethods[methodName]; ok {
		return CallKindRead
	}
	return CallKindWrite
}

// Policy describes how many requests a single client may make within the trailing window.
// Zero ReadMaxRequests or WriteMaxRequests means that the global MaxRequests is applied to the kind.
type Policy struct {
	Window           time.Duration
	MaxRequests      int
	ReadMaxRequests  int
	WriteMaxRequests int
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("window should be positive, got %s", p.Window)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("max requests should be positive, got %d", p.MaxRequests)
	}
	if p.ReadMaxRequests < 0 {
		return fmt.Errorf("read max requests should not be negative, got %d", p.ReadMaxRequests)
	}
	if p.WriteMaxRequests < 0 {
		return fmt.Errorf("write max requests should not be negative, got %d", p.WriteMaxRequests)
	}
	return nil
}

// LimitFor returns the limit applicable to calls of the given kind.
func (p Policy) LimitFor(kind CallKind) int {
	switch {
	case kind == CallKindRead && p.ReadMaxRequests > 0:
		return p.ReadMaxRequests
	case kind == CallKindWrite && p.WriteMaxRequests > 0:
		return p.WriteMaxRequests
	}
	return p.MaxRequests
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool
	Limit   int
	Window  time.Duration
	// RetryAfter is the time until enough timestamps age out for a call of the checked kind to be admitted.
	// It is set only for rejected checks.
	RetryAfter time.Duration
}

// Usage describes the current state of a client window.
type Usage struct {
	CurrentRequests int
	MaxRequests     int
	Window          time.Duration
	Remaining       int
	ResetIn         time.Duration
}
