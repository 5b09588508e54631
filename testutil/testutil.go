/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package testutil contains helpers shared by tests of the gateway packages.
package testutil

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type tHelper interface {
	Helper()
}

// RequireNoErrorInChannel fails the test if the buffered channel holds an error.
// It is used to check fatal error channels of service units.
func RequireNoErrorInChannel(t require.TestingT, c <-chan error, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	select {
	case err := <-c:
		require.NoError(t, err, msgAndArgs...)
	default:
	}
}

// RequireSamplesCountInHistogram fails the test unless the histogram has observed exactly wantCount samples.
// The histogram must not have labels; pass a child of a vector obtained with WithLabelValues.
func RequireSamplesCountInHistogram(t require.TestingT, hist prometheus.Histogram, wantCount int) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(hist))
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	require.Len(t, families[0].GetMetric(), 1)
	require.Equal(t, wantCount, int(families[0].GetMetric()[0].GetHistogram().GetSampleCount()))
}
