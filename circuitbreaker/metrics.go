/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-resilience/internal/libinfo"
)

// MetricsCollector represents a collector of circuit breaker metrics.
type MetricsCollector interface {
	// SetState sets the current state of the breaker.
	SetState(name string, state State)
	// IncRejections increments the total number of operations rejected without invocation.
	IncRejections(name string)
	// IncSevereFailures increments the total number of severe failures.
	IncSevereFailures(name string)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string
	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents Prometheus metrics for circuit breakers.
type PrometheusMetrics struct {
	State               *prometheus.GaugeVec
	RejectionsTotal     *prometheus.CounterVec
	SevereFailuresTotal *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	constLabels := libinfo.AddPrometheusLibVersionLabel(opts.ConstLabels)
	labels := []string{"breaker"}
	return &PrometheusMetrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "circuit_breaker_state",
			Help:        "State of a circuit breaker (0 - closed, 1 - open, 2 - half-open).",
			ConstLabels: constLabels,
		}, labels),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "circuit_breaker_rejections_total",
			Help:        "Number of operations rejected by a circuit breaker without invocation.",
			ConstLabels: constLabels,
		}, labels),
		SevereFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "circuit_breaker_severe_failures_total",
			Help:        "Number of severe failures seen by a circuit breaker.",
			ConstLabels: constLabels,
		}, labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.State, pm.RejectionsTotal, pm.SevereFailuresTotal)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.State)
	prometheus.Unregister(pm.RejectionsTotal)
	prometheus.Unregister(pm.SevereFailuresTotal)
}

// SetState sets the current state of the breaker.
func (pm *PrometheusMetrics) SetState(name string, state State) {
	pm.State.WithLabelValues(name).Set(float64(state))
}

// IncRejections increments the total number of rejected operations.
func (pm *PrometheusMetrics) IncRejections(name string) {
	pm.RejectionsTotal.WithLabelValues(name).Inc()
}

// IncSevereFailures increments the total number of severe failures.
func (pm *PrometheusMetrics) IncSevereFailures(name string) {
	pm.SevereFailuresTotal.WithLabelValues(name).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) SetState(string, State)   {}
func (disabledMetrics) IncRejections(string)     {}
func (disabledMetrics) IncSevereFailures(string) {}
