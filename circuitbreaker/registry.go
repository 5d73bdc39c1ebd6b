/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package circuitbreaker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/acronis/go-resilience/fault"
)

// Registry keeps named breakers created on demand from the same options.
type Registry struct {
	opts     Opts
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a new Registry. opts.Name is ignored.
func NewRegistry(opts Opts) *Registry {
	return &Registry{opts: opts, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker with the given name creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	opts := r.opts
	opts.Name = name
	b = New(opts)
	r.breakers[name] = b
	return b
}

// Lookup returns the breaker with the given name if it exists.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Statuses returns statuses of all breakers ordered by name.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()
	sort.Slice(breakers, func(i, j int) bool { return breakers[i].name < breakers[j].name })
	res := make([]Status, 0, len(breakers))
	for _, b := range breakers {
		res = append(res, b.Status())
	}
	return res
}

// Reset resets the breaker with the given name. It fails with fault.ErrNotFound if there is no such breaker.
func (r *Registry) Reset(name string) error {
	b, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("circuit breaker %q: %w", name, fault.ErrNotFound)
	}
	b.Reset()
	return nil
}

// ResetAll resets all breakers.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
