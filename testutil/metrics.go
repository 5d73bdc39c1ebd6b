/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// RequireMetricValue asserts that the collector (a counter or a gauge, possibly a single child of a vector)
// holds the wanted value.
func RequireMetricValue(t require.TestingT, c prometheus.Collector, want float64, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, want, promtestutil.ToFloat64(c), msgAndArgs...)
}

// RequireHistogramSampleCount asserts that the histogram observer (usually a child of a histogram vector
// got by WithLabelValues) has the wanted number of observations.
func RequireHistogramSampleCount(t require.TestingT, obs prometheus.Observer, want uint64, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	m, ok := obs.(prometheus.Metric)
	require.True(t, ok, "observer %T is not a metric", obs)
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	require.NotNil(t, pb.GetHistogram(), "observer %T is not a histogram", obs)
	require.Equal(t, want, pb.GetHistogram().GetSampleCount(), msgAndArgs...)
}
