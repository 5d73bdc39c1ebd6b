/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package clock provides a time source abstraction so that expiry, sliding windows
// and circuit breaker transitions can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current instant.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by time.Now.
type Real struct{}

// Now returns the current local time.
func (Real) Now() time.Time {
	return time.Now()
}

// New returns the real clock.
func New() Clock {
	return Real{}
}

// OrReal returns c if it is not nil, and the real clock otherwise.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Mock is a manually driven Clock. It's safe for concurrent use.
type Mock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMock creates a new Mock set to the given instant.
// Zero instant means the current time.
func NewMock(now time.Time) *Mock {
	if now.IsZero() {
		now = time.Now()
	}
	return &Mock{now: now}
}

// Now returns the instant the mock is currently set to.
func (m *Mock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the mock to the given instant.
func (m *Mock) Set(now time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Add moves the mock forward by d and returns the new instant.
func (m *Mock) Add(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
