/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-resilience/internal/libinfo"
)

// MetricsCollector represents a collector of rate limiting metrics.
type MetricsCollector interface {
	// IncRecorded increments the total number of admitted requests of the priority.
	IncRecorded(p Priority)
	// IncRejected increments the total number of rejected admission checks of the priority.
	IncRejected(p Priority)
	// SetAllocation sets the current capacity allocation of the resource.
	SetAllocation(resource string, userReserved, backgroundMax int)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string
	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents Prometheus metrics for rate limiters.
type PrometheusMetrics struct {
	RecordedTotal *prometheus.CounterVec
	RejectedTotal *prometheus.CounterVec
	UserReserved  *prometheus.GaugeVec
	BackgroundMax *prometheus.GaugeVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	constLabels := libinfo.AddPrometheusLibVersionLabel(opts.ConstLabels)
	return &PrometheusMetrics{
		RecordedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "ratelimit_recorded_requests_total",
			Help:        "Number of requests admitted by rate limiters.",
			ConstLabels: constLabels,
		}, []string{"priority"}),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "ratelimit_rejected_requests_total",
			Help:        "Number of admission checks denied by rate limiters.",
			ConstLabels: constLabels,
		}, []string{"priority"}),
		UserReserved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "ratelimit_user_reserved",
			Help:        "Capacity reserved for user traffic of a resource.",
			ConstLabels: constLabels,
		}, []string{"resource"}),
		BackgroundMax: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "ratelimit_background_max",
			Help:        "Capacity available to background traffic of a resource.",
			ConstLabels: constLabels,
		}, []string{"resource"}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.RecordedTotal, pm.RejectedTotal, pm.UserReserved, pm.BackgroundMax)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.RecordedTotal)
	prometheus.Unregister(pm.RejectedTotal)
	prometheus.Unregister(pm.UserReserved)
	prometheus.Unregister(pm.BackgroundMax)
}

// IncRecorded increments the total number of admitted requests.
func (pm *PrometheusMetrics) IncRecorded(p Priority) {
	pm.RecordedTotal.WithLabelValues(string(p)).Inc()
}

// IncRejected increments the total number of rejected admission checks.
func (pm *PrometheusMetrics) IncRejected(p Priority) {
	pm.RejectedTotal.WithLabelValues(string(p)).Inc()
}

// SetAllocation sets the current capacity allocation of the resource.
func (pm *PrometheusMetrics) SetAllocation(resource string, userReserved, backgroundMax int) {
	pm.UserReserved.WithLabelValues(resource).Set(float64(userReserved))
	pm.BackgroundMax.WithLabelValues(resource).Set(float64(backgroundMax))
}

type disabledMetrics struct{}

func (disabledMetrics) IncRecorded(Priority)           {}
func (disabledMetrics) IncRejected(Priority)           {}
func (disabledMetrics) SetAllocation(string, int, int) {}
