/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package memstore provides a volatile in-process realization of store.Store.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/store"
)

// Options represents options for the in-process store.
type Options struct {
	Clock clock.Clock
}

// Store keeps items in a map guarded by a mutex.
type Store struct {
	clock clock.Clock

	mu    sync.RWMutex
	items map[string]store.Item
}

var _ store.Store = (*Store)(nil)
var _ store.Sweeper = (*Store)(nil)

// New creates a new in-process store.
func New() *Store {
	return NewWithOpts(Options{})
}

// NewWithOpts creates a new in-process store with the provided options.
func NewWithOpts(opts Options) *Store {
	return &Store{clock: clock.OrReal(opts.Clock), items: make(map[string]store.Item)}
}

// Get returns a live item by key.
func (s *Store) Get(_ context.Context, key string) (store.Item, bool, error) {
	now := s.clock.Now()
	s.mu.RLock()
	it, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return store.Item{}, false, nil
	}
	if it.Expired(now) {
		s.mu.Lock()
		if cur, exists := s.items[key]; exists && cur.Expired(now) {
			delete(s.items, key)
		}
		s.mu.Unlock()
		return store.Item{}, false, nil
	}
	return cloneItem(it), true, nil
}

// Put inserts or replaces an item.
func (s *Store) Put(_ context.Context, item store.Item) error {
	s.mu.Lock()
	s.items[item.Key] = cloneItem(item)
	s.mu.Unlock()
	return nil
}

// PutIfAbsent inserts an item only if there is no live item under its key.
func (s *Store) PutIfAbsent(_ context.Context, item store.Item) (bool, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[item.Key]; ok && !cur.Expired(now) {
		return false, nil
	}
	s.items[item.Key] = cloneItem(item)
	return true, nil
}

// Delete removes an item by key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Scan returns live items with the given key prefix, ordered by key.
func (s *Store) Scan(_ context.Context, prefix string, filter *store.Filter) ([]store.Item, error) {
	now := s.clock.Now()
	s.mu.RLock()
	var res []store.Item
	for key, it := range s.items {
		if !strings.HasPrefix(key, prefix) || it.Expired(now) || !filter.Match(it) {
			continue
		}
		res = append(res, cloneItem(it))
	}
	s.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].Key < res[j].Key })
	return res, nil
}

// DeleteBatch removes items by keys.
func (s *Store) DeleteBatch(_ context.Context, keys []string) error {
	s.mu.Lock()
	for _, key := range keys {
		delete(s.items, key)
	}
	s.mu.Unlock()
	return nil
}

// Sweep removes expired items.
func (s *Store) Sweep(_ context.Context) (int, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, it := range s.items {
		if it.Expired(now) {
			delete(s.items, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored items including expired ones that were not swept yet.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close drops all items.
func (s *Store) Close() error {
	s.mu.Lock()
	s.items = make(map[string]store.Item)
	s.mu.Unlock()
	return nil
}

func cloneItem(it store.Item) store.Item {
	if it.Value != nil {
		it.Value = append([]byte(nil), it.Value...)
	}
	it.Attrs = store.CloneAttrs(it.Attrs)
	return it
}
