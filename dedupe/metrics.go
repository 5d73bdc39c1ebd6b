/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dedupe

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-resilience/internal/libinfo"
)

// MetricsCollector represents a collector of dedupe metrics.
type MetricsCollector interface {
	// IncRegistrations increments the total number of registered jobs.
	IncRegistrations()
	// IncCoalesced increments the total number of calls served by another caller's job.
	IncCoalesced()
	// IncTimeouts increments the total number of jobs failed by timeout.
	IncTimeouts()
	// SetPendingJobs sets the current number of jobs pending in this process.
	SetPendingJobs(int)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string
	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents Prometheus metrics for Dedupe.
type PrometheusMetrics struct {
	RegistrationsTotal prometheus.Counter
	CoalescedTotal     prometheus.Counter
	TimeoutsTotal      prometheus.Counter
	PendingJobs        prometheus.Gauge
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
		RegistrationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace, Name: "dedupe_registrations_total",
			Help: "Number of registered dedupe jobs.", ConstLabels: constLabels,
		}),
		CoalescedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace, Name: "dedupe_coalesced_total",
			Help: "Number of calls that waited for an identical job instead of executing.", ConstLabels: constLabels,
		}),
		TimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace, Name: "dedupe_timeouts_total",
			Help: "Number of dedupe jobs failed by timeout.", ConstLabels: constLabels,
		}),
		PendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: opts.Namespace, Name: "dedupe_pending_jobs",
			Help: "Number of dedupe jobs pending in this process.", ConstLabels: constLabels,
		}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.RegistrationsTotal, pm.CoalescedTotal, pm.TimeoutsTotal, pm.PendingJobs)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.RegistrationsTotal)
	prometheus.Unregister(pm.CoalescedTotal)
	prometheus.Unregister(pm.TimeoutsTotal)
	prometheus.Unregister(pm.PendingJobs)
}

// IncRegistrations increments the total number of registered jobs.
func (pm *PrometheusMetrics) IncRegistrations() { pm.RegistrationsTotal.Inc() }

// IncCoalesced increments the total number of coalesced calls.
func (pm *PrometheusMetrics) IncCoalesced() { pm.CoalescedTotal.Inc() }

// IncTimeouts increments the total number of timed out jobs.
func (pm *PrometheusMetrics) IncTimeouts() { pm.TimeoutsTotal.Inc() }

// SetPendingJobs sets the current number of pending jobs.
func (pm *PrometheusMetrics) SetPendingJobs(n int) { pm.PendingJobs.Set(float64(n)) }

type disabledMetrics struct{}

func (disabledMetrics) IncRegistrations()  {}
func (disabledMetrics) IncCoalesced()      {}
func (disabledMetrics) IncTimeouts()       {}
func (disabledMetrics) SetPendingJobs(int) {}
