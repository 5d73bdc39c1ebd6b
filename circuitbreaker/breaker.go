/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package circuitbreaker protects remote operations against cascading failures.
//
// A Breaker is CLOSED while the operation is healthy. Consecutive severe failures (see fault.IsSevere)
// trip it OPEN, and operations are rejected with *fault.CircuitOpenError without being invoked.
// Once the recovery timeout elapses, the breaker becomes HALF_OPEN and admits a single probe:
// its success closes the breaker, its severe failure reopens it for a fresh recovery timeout.
// State is recomputed lazily on every call, no timers are involved.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/fault"
	"github.com/acronis/go-resilience/log"
)

// State is a state of a circuit breaker.
type State int

// Circuit breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements the encoding.TextMarshaler interface.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown circuit breaker state %q", text)
}

// Default values.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = time.Minute
	DefaultOperationTimeout = 30 * time.Second
)

// Status is a snapshot of a circuit breaker state.
type Status struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failureCount"`
	LastFailureTime time.Time `json:"lastFailureTime"`
	// NextAttemptTime is valid only while the breaker is open.
	NextAttemptTime time.Time `json:"nextAttemptTime"`
}

// Opts represents options for Breaker.
type Opts struct {
	// Name identifies the breaker in errors, logs and metrics.
	Name string
	// Disabled makes the breaker a pass-through: no rejections and no timeout race.
	Disabled bool
	// FailureThreshold is the number of consecutive severe failures that trips the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before admitting a probe.
	// It's also the time after the last failure when the failure count of a closed breaker resets.
	RecoveryTimeout time.Duration
	// OperationTimeout bounds every operation. Negative value disables the timeout race.
	OperationTimeout time.Duration
	// IsSevere classifies errors counting toward tripping. fault.IsSevere if nil.
	IsSevere func(error) bool

	Clock            clock.Clock
	Logger           log.FieldLogger
	MetricsCollector MetricsCollector
}

// Breaker is a circuit breaker. It's safe for concurrent use.
type Breaker struct {
	name             string
	disabled         bool
	failureThreshold int
	recoveryTimeout  time.Duration
	operationTimeout time.Duration
	isSevere         func(error) bool
	clock            clock.Clock
	logger           log.FieldLogger
	metrics          MetricsCollector

	mu           sync.Mutex
	state        State
	failureCount int
	lastFailure  time.Time
	nextAttempt  time.Time
	probing      bool
}

// New creates a new Breaker.
func New(opts Opts) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if opts.OperationTimeout == 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.IsSevere == nil {
		opts.IsSevere = fault.IsSevere
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	b := &Breaker{
		name:             opts.Name,
		disabled:         opts.Disabled,
		failureThreshold: opts.FailureThreshold,
		recoveryTimeout:  opts.RecoveryTimeout,
		operationTimeout: opts.OperationTimeout,
		isSevere:         opts.IsSevere,
		clock:            clock.OrReal(opts.Clock),
		logger:           log.OrDisabled(opts.Logger).With(log.String("circuit_breaker", opts.Name)),
		metrics:          opts.MetricsCollector,
	}
	b.metrics.SetState(b.name, StateClosed)
	return b
}

// Name returns the name of the breaker.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn through the breaker.
// While the breaker is open, *fault.CircuitOpenError is returned and fn is not invoked.
// If fn doesn't finish within the operation timeout, *fault.TimeoutError is returned.
// fn gets a context that is canceled on timeout, it should respect it.
func (b *Breaker) Execute(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	if b.disabled {
		return fn(ctx)
	}

	probe, err := b.admit()
	if err != nil {
		b.metrics.IncRejections(b.name)
		return err
	}
	err = b.run(ctx, label, fn)
	b.record(err, probe)
	return err
}

// Do runs fn returning a value through the breaker, see Breaker.Execute.
func Do[T any](ctx context.Context, b *Breaker, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var res T
	err := b.Execute(ctx, label, func(ctx context.Context) error {
		var fnErr error
		res, fnErr = fn(ctx)
		return fnErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res, nil
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.refresh(now)
	switch b.state {
	case StateOpen:
		return false, &fault.CircuitOpenError{Name: b.name, NextAttempt: b.nextAttempt}
	case StateHalfOpen:
		if b.probing {
			return false, &fault.CircuitOpenError{Name: b.name, NextAttempt: now}
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) run(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	if b.operationTimeout < 0 {
		return fn(ctx)
	}
	opCtx, cancel := context.WithTimeout(ctx, b.operationTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(opCtx)
	}()
	var err error
	select {
	case err = <-done:
		if err == nil || opCtx.Err() == nil {
			return err
		}
	case <-opCtx.Done():
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if label == "" {
		label = "operation"
	}
	return &fault.TimeoutError{Op: label, Timeout: b.operationTimeout}
}

func (b *Breaker) record(err error, probe bool) {
	severe := err != nil && b.isSevere(err)

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	if probe {
		b.probing = false
	}
	b.refresh(now)

	if !severe {
		if probe && b.state == StateHalfOpen {
			b.transition(StateClosed, now, "probe succeeded")
		}
		if err == nil && b.state == StateClosed {
			b.failureCount = 0
		}
		return
	}

	b.metrics.IncSevereFailures(b.name)
	b.failureCount++
	b.lastFailure = now
	switch {
	case probe && b.state == StateHalfOpen:
		b.open(now, err, "probe failed")
	case b.state == StateClosed && b.failureCount >= b.failureThreshold:
		b.open(now, err, "failure threshold reached")
	}
}

// refresh applies time-driven transitions. b.mu must be held.
func (b *Breaker) refresh(now time.Time) {
	switch b.state {
	case StateOpen:
		if !now.Before(b.nextAttempt) {
			b.transition(StateHalfOpen, now, "recovery timeout elapsed")
		}
	case StateClosed:
		if b.failureCount > 0 && now.Sub(b.lastFailure) > b.recoveryTimeout {
			b.failureCount = 0
		}
	}
}

func (b *Breaker) open(now time.Time, err error, reason string) {
	b.nextAttempt = now.Add(b.recoveryTimeout)
	b.transition(StateOpen, now, reason, log.Error(err), log.Time("next_attempt", b.nextAttempt))
}

func (b *Breaker) transition(to State, now time.Time, reason string, fields ...log.Field) {
	from := b.state
	b.state = to
	if to == StateClosed {
		b.failureCount = 0
	}
	if to != StateOpen {
		b.nextAttempt = time.Time{}
	}
	b.metrics.SetState(b.name, to)

	fields = append(fields,
		log.String("from", from.String()), log.String("to", to.String()),
		log.String("reason", reason), log.Int("failure_count", b.failureCount))
	if to == StateOpen {
		b.logger.Warn("circuit breaker state changed", fields...)
		return
	}
	b.logger.Info("circuit breaker state changed", fields...)
}

// Status returns the current state of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(b.clock.Now())
	return Status{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailure,
		NextAttemptTime: b.nextAttempt,
	}
}

// Reset closes the breaker and clears its failure statistics.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed, b.clock.Now(), "reset")
	}
	b.failureCount = 0
	b.lastFailure = time.Time{}
	b.probing = false
}
