/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package fault

import (
	"errors"
	"fmt"
	"time"
)

// Taxonomy errors.
var (
	ErrAlreadyInProgress = errors.New("operation is already in progress")
	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("timeout exceeded")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrBackingStore      = errors.New("backing store failure")
	ErrSerialization     = errors.New("serialization failure")
)

// Error is an error annotated with a kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New creates a new Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates a new Error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// FaultKind implements KindProvider.
func (e *Error) FaultKind() Kind {
	return e.Kind
}

// TimeoutError is returned when an operation or a wait exceeds its time bound.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Op, ErrTimeout, e.Timeout)
}

// Is makes TimeoutError match ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// FaultKind implements KindProvider.
func (e *TimeoutError) FaultKind() Kind {
	return KindConnectionTimeout
}

// CircuitOpenError is returned when a circuit breaker rejects an operation without invoking it.
type CircuitOpenError struct {
	Name        string
	NextAttempt time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s, next attempt at %s", ErrCircuitOpen, e.NextAttempt.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("%s: %s, next attempt at %s", e.Name, ErrCircuitOpen, e.NextAttempt.Format(time.RFC3339Nano))
}

// Is makes CircuitOpenError match ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// FaultKind implements KindProvider.
func (e *CircuitOpenError) FaultKind() Kind {
	return KindCircuitOpen
}

// RetryAfter returns how long to wait from now before the breaker admits a probe.
func (e *CircuitOpenError) RetryAfter(now time.Time) time.Duration {
	if d := e.NextAttempt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// RateLimitedError is returned when admission is denied by a rate limiter.
type RateLimitedError struct {
	Resource string
	Priority string
	WaitTime time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s for resource %q (priority %s), retry after %s",
		ErrRateLimited, e.Resource, e.Priority, e.WaitTime)
}

// Is makes RateLimitedError match ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// FaultKind implements KindProvider.
func (e *RateLimitedError) FaultKind() Kind {
	return KindThrottling
}

// SerializationError is returned when a value is too large or cannot be represented.
type SerializationError struct {
	Size  int
	Limit int
	Err   error
}

func (e *SerializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", ErrSerialization, e.Err)
	}
	return fmt.Sprintf("%s: value size %d exceeds limit %d", ErrSerialization, e.Size, e.Limit)
}

// Unwrap returns the underlying error.
func (e *SerializationError) Unwrap() error {
	return e.Err
}

// Is makes SerializationError match ErrSerialization.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerialization
}

// FaultKind implements KindProvider.
func (e *SerializationError) FaultKind() Kind {
	return KindSerialization
}
