/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package governor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-resilience/internal/libinfo"
)

// MetricsCollector represents a collector of governed calls metrics.
type MetricsCollector interface {
	// ObserveCall registers a finished governed call.
	ObserveCall(resource string, outcome Outcome, duration time.Duration)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string
	// DurationBuckets is a list of buckets for the call duration histogram. prometheus.DefBuckets if nil.
	DurationBuckets []float64
	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents Prometheus metrics for governed calls.
type PrometheusMetrics struct {
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.DurationBuckets
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	constLabels := libinfo.AddPrometheusLibVersionLabel(opts.ConstLabels)
	labels := []string{"resource", "outcome"}
	return &PrometheusMetrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "governed_calls_total",
			Help:        "Number of governed calls by outcome.",
			ConstLabels: constLabels,
		}, labels),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "governed_call_duration_seconds",
			Help:        "Duration of governed calls including waiting for admission and settlement.",
			Buckets:     buckets,
			ConstLabels: constLabels,
		}, labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.CallsTotal, pm.CallDuration)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.CallsTotal)
	prometheus.Unregister(pm.CallDuration)
}

// ObserveCall registers a finished governed call.
func (pm *PrometheusMetrics) ObserveCall(resource string, outcome Outcome, duration time.Duration) {
	pm.CallsTotal.WithLabelValues(resource, string(outcome)).Inc()
	pm.CallDuration.WithLabelValues(resource, string(outcome)).Observe(duration.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) ObserveCall(string, Outcome, time.Duration) {}
