/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides sliding-window admission control of named resources
// with two traffic priorities (user and background).
//
// Fixed limits every resource by its own rate. Adaptive splits the rate of a resource between
// user and background traffic according to recent user activity, see Calculator.
// Window records are kept in a WindowLog: in-process (MemoryLog) or in a shared store (StoreLog).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/log"
)

// Mode is a mode of rate limiting.
type Mode string

// Rate limiting modes.
const (
	ModeFixed    Mode = "fixed"
	ModeAdaptive Mode = "adaptive"
)

// DefaultRate is the rate used when no rate is configured.
var DefaultRate = Rate{Limit: 100, Window: time.Minute}

// Limiter is a sliding-window admission controller of named resources.
type Limiter interface {
	// CanProceed reports whether a request of the given priority would be admitted now.
	CanProceed(ctx context.Context, resource string, p Priority) (bool, error)
	// Record registers an admitted request.
	Record(ctx context.Context, resource string, p Priority) error
	// Acquire checks admission and records the request atomically within this process.
	// If the request is not admitted, the returned duration is a hint of when to retry.
	Acquire(ctx context.Context, resource string, p Priority) (bool, time.Duration, error)
	// Status returns the current limit state of the resource.
	Status(ctx context.Context, resource string) (Status, error)
	// WaitTime returns how long a request of the given priority has to wait for admission (zero if it may proceed).
	WaitTime(ctx context.Context, resource string, p Priority) (time.Duration, error)
	// Reset drops the window of the resource.
	Reset(ctx context.Context, resource string) error
	// SetResourceConfig sets the rate of the resource overriding configured patterns.
	SetResourceConfig(resource string, rate Rate) error
	// Purge drops records that no window needs anymore.
	Purge(ctx context.Context) (int, error)
	// Stats returns a snapshot of limiter statistics.
	Stats() Stats
}

// Status is a limit state of a resource.
type Status struct {
	Resource       string        `json:"resource"`
	Mode           Mode          `json:"mode"`
	Limit          int           `json:"limit"`
	Window         time.Duration `json:"window"`
	Remaining      int           `json:"remaining"`
	ResetTime      time.Time     `json:"resetTime"`
	UserUsed       int           `json:"userUsed"`
	BackgroundUsed int           `json:"backgroundUsed"`
	Allocation     *Allocation   `json:"allocation,omitempty"`
}

// Stats is a snapshot of limiter statistics.
type Stats struct {
	Mode               Mode   `json:"mode"`
	Resources          int    `json:"resources"`
	RecordedUser       uint64 `json:"recordedUser"`
	RecordedBackground uint64 `json:"recordedBackground"`
	RejectedUser       uint64 `json:"rejectedUser"`
	RejectedBackground uint64 `json:"rejectedBackground"`
}

// Opts represents options shared by Fixed and Adaptive limiters.
type Opts struct {
	// DefaultRate is the rate of resources not matching any override. DefaultRate if zero.
	DefaultRate Rate
	// Resources are rate overrides matched by glob patterns in declaration order.
	Resources []ResourceRate
	// Log keeps window records. A new MemoryLog if nil.
	Log WindowLog

	Clock            clock.Clock
	Logger           log.FieldLogger
	MetricsCollector MetricsCollector
}

// verdict is an admission decision for a request.
type verdict struct {
	allowed bool
	wait    time.Duration
}

// policy decides admission given in-window records of a resource.
type policy interface {
	// lookback is how far back records are needed for a decision on a resource with the given rate.
	lookback(rate Rate) time.Duration
	evaluate(ctx context.Context, resource string, p Priority, rate Rate, recs []Record, now time.Time) (verdict, error)
	status(ctx context.Context, st *Status, rate Rate, recs []Record, now time.Time) error
	recorded(resource string, p Priority, now time.Time)
}

// base is the machinery shared by limiters: rate resolution, per-resource serialization, records and stats.
type base struct {
	mode    Mode
	policy  policy
	log     WindowLog
	clock   clock.Clock
	logger  log.FieldLogger
	metrics MetricsCollector

	ratesMu sync.RWMutex
	rates   *rateTable

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	recordedUser       atomic.Uint64
	recordedBackground atomic.Uint64
	rejectedUser       atomic.Uint64
	rejectedBackground atomic.Uint64
}

func newBase(mode Mode, opts Opts) (*base, error) {
	if opts.DefaultRate == (Rate{}) {
		opts.DefaultRate = DefaultRate
	}
	rates, err := newRateTable(opts.DefaultRate, opts.Resources)
	if err != nil {
		return nil, err
	}
	if opts.Log == nil {
		opts.Log = NewMemoryLog()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	return &base{
		mode:    mode,
		log:     opts.Log,
		clock:   clock.OrReal(opts.Clock),
		logger:  log.OrDisabled(opts.Logger),
		metrics: opts.MetricsCollector,
		rates:   rates,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (b *base) rateFor(resource string) Rate {
	b.ratesMu.RLock()
	defer b.ratesMu.RUnlock()
	return b.rates.lookup(resource)
}

func (b *base) lockResource(resource string) func() {
	b.locksMu.Lock()
	mu, ok := b.locks[resource]
	if !ok {
		mu = &sync.Mutex{}
		b.locks[resource] = mu
	}
	b.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (b *base) records(ctx context.Context, resource string, rate Rate, now time.Time) ([]Record, error) {
	recs, err := b.log.Since(ctx, resource, now.Add(-b.policy.lookback(rate)))
	if err != nil {
		return nil, fmt.Errorf("read rate window of %q: %w", resource, err)
	}
	return recs, nil
}

func (b *base) decide(ctx context.Context, resource string, p Priority) (verdict, time.Time, error) {
	now := b.clock.Now()
	rate := b.rateFor(resource)
	recs, err := b.records(ctx, resource, rate, now)
	if err != nil {
		return verdict{}, now, err
	}
	v, err := b.policy.evaluate(ctx, resource, p, rate, recs, now)
	return v, now, err
}

// CanProceed reports whether a request of the given priority would be admitted now.
func (b *base) CanProceed(ctx context.Context, resource string, p Priority) (bool, error) {
	unlock := b.lockResource(resource)
	defer unlock()
	v, _, err := b.decide(ctx, resource, p)
	if err != nil {
		return false, err
	}
	if !v.allowed {
		b.rejected(resource, p, v.wait)
	}
	return v.allowed, nil
}

// Record registers an admitted request.
func (b *base) Record(ctx context.Context, resource string, p Priority) error {
	unlock := b.lockResource(resource)
	defer unlock()
	return b.record(ctx, resource, p, b.clock.Now())
}

func (b *base) record(ctx context.Context, resource string, p Priority, now time.Time) error {
	if err := b.log.Add(ctx, Record{Resource: resource, Priority: p, Timestamp: now}); err != nil {
		return fmt.Errorf("record request of %q: %w", resource, err)
	}
	if p == PriorityBackground {
		b.recordedBackground.Inc()
	} else {
		b.recordedUser.Inc()
	}
	b.metrics.IncRecorded(p)
	b.policy.recorded(resource, p, now)
	return nil
}

// Acquire checks admission and records the request under the resource lock.
func (b *base) Acquire(ctx context.Context, resource string, p Priority) (bool, time.Duration, error) {
	unlock := b.lockResource(resource)
	defer unlock()
	v, now, err := b.decide(ctx, resource, p)
	if err != nil {
		return false, 0, err
	}
	if !v.allowed {
		b.rejected(resource, p, v.wait)
		return false, v.wait, nil
	}
	if err = b.record(ctx, resource, p, now); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}

func (b *base) rejected(resource string, p Priority, wait time.Duration) {
	if p == PriorityBackground {
		b.rejectedBackground.Inc()
	} else {
		b.rejectedUser.Inc()
	}
	b.metrics.IncRejected(p)
	b.logger.Debug("request is rate limited",
		log.String("resource", resource), log.String("priority", string(p)), log.Duration("wait_time", wait))
}

// WaitTime returns how long a request of the given priority has to wait for admission.
func (b *base) WaitTime(ctx context.Context, resource string, p Priority) (time.Duration, error) {
	unlock := b.lockResource(resource)
	defer unlock()
	v, _, err := b.decide(ctx, resource, p)
	if err != nil || v.allowed {
		return 0, err
	}
	return v.wait, nil
}

// Status returns the current limit state of the resource.
func (b *base) Status(ctx context.Context, resource string) (Status, error) {
	unlock := b.lockResource(resource)
	defer unlock()
	now := b.clock.Now()
	rate := b.rateFor(resource)
	recs, err := b.records(ctx, resource, rate, now)
	if err != nil {
		return Status{}, err
	}
	inWindow := windowRecords(recs, rate.Window, now)
	st := Status{
		Resource:  resource,
		Mode:      b.mode,
		Limit:     rate.Limit,
		Window:    rate.Window,
		Remaining: max(rate.Limit-len(inWindow), 0),
		ResetTime: now,
	}
	if len(inWindow) > 0 {
		st.ResetTime = inWindow[0].Timestamp.Add(rate.Window)
	}
	for _, rec := range inWindow {
		if rec.Priority == PriorityBackground {
			st.BackgroundUsed++
		} else {
			st.UserUsed++
		}
	}
	if err = b.policy.status(ctx, &st, rate, recs, now); err != nil {
		return Status{}, err
	}
	return st, nil
}

// Reset drops the window of the resource.
func (b *base) Reset(ctx context.Context, resource string) error {
	unlock := b.lockResource(resource)
	defer unlock()
	if err := b.log.Reset(ctx, resource); err != nil {
		return fmt.Errorf("reset rate window of %q: %w", resource, err)
	}
	return nil
}

// SetResourceConfig sets the rate of the resource overriding configured patterns.
func (b *base) SetResourceConfig(resource string, rate Rate) error {
	if err := rate.Validate(); err != nil {
		return fmt.Errorf("rate for %q: %w", resource, err)
	}
	b.ratesMu.Lock()
	b.rates.exact[resource] = rate
	b.ratesMu.Unlock()
	b.logger.Info("resource rate is set", log.String("resource", resource), log.String("rate", rate.String()))
	return nil
}

func (b *base) retention() time.Duration {
	b.ratesMu.RLock()
	w := b.rates.maxWindow()
	b.ratesMu.RUnlock()
	return b.policy.lookback(Rate{Window: w})
}

// Purge drops records older than any window or monitoring interval needs.
func (b *base) Purge(ctx context.Context) (int, error) {
	removed, err := b.log.Purge(ctx, b.clock.Now().Add(-b.retention()))
	if err != nil {
		return removed, fmt.Errorf("purge rate window records: %w", err)
	}
	return removed, nil
}

// Stats returns a snapshot of limiter statistics.
func (b *base) Stats() Stats {
	b.locksMu.Lock()
	resources := len(b.locks)
	b.locksMu.Unlock()
	return Stats{
		Mode:               b.mode,
		Resources:          resources,
		RecordedUser:       b.recordedUser.Load(),
		RecordedBackground: b.recordedBackground.Load(),
		RejectedUser:       b.rejectedUser.Load(),
		RejectedBackground: b.rejectedBackground.Load(),
	}
}

// windowRecords returns the suffix of sorted records falling in [now-window, now].
func windowRecords(recs []Record, window time.Duration, now time.Time) []Record {
	from := now.Add(-window)
	for i := range recs {
		if !recs[i].Timestamp.Before(from) {
			return recs[i:]
		}
	}
	return nil
}

// ageOutWait returns the time until enough records age out of the window for count to drop below limit.
// recs must be sorted and in-window.
func ageOutWait(recs []Record, limit int, window time.Duration, now time.Time) time.Duration {
	excess := len(recs) - limit + 1
	if excess <= 0 {
		return 0
	}
	if len(recs) == 0 {
		return time.Millisecond
	}
	if excess > len(recs) {
		excess = len(recs)
	}
	d := recs[excess-1].Timestamp.Add(window).Sub(now) + time.Nanosecond
	return ceilMillis(d)
}

func ceilMillis(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Millisecond
	}
	return ((d + time.Millisecond - 1) / time.Millisecond) * time.Millisecond
}
