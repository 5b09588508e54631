/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"github.com/vasayxtx/go-glob"
)

// Infrastructure methods that admission policies skip by default.
const (
	HealthCheckMethod            = "/grpc.health.v1.Health/Check"
	HealthWatchMethod            = "/grpc.health.v1.Health/Watch"
	ReflectionV1AlphaInfoMethod  = "/grpc.reflection.v1alpha.ServerReflection/ServerReflectionInfo"
	ReflectionV1ServerInfoMethod = "/grpc.reflection.v1.ServerReflection/ServerReflectionInfo"
)

// methodMatcher matches full method names against glob patterns ("/pkg.Service/*").
type methodMatcher []func(s string) bool

func newMethodMatcher(patterns []string) methodMatcher {
	m := make(methodMatcher, 0, len(patterns))
	for _, pattern := range patterns {
		m = append(m, glob.Compile(pattern))
	}
	return m
}

func (m methodMatcher) Match(fullMethod string) bool {
	for _, match := range m {
		if match(fullMethod) {
			return true
		}
	}
	return false
}
