/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package store defines the backing store contract used by the cache, dedupe and rate limiter
// components. The contract is intentionally small: point reads and writes with optional TTL,
// prefix scans with an optional attribute predicate, atomic insert-if-absent and best-effort
// batch deletion. Realizations live in the memstore (volatile, in-process), filestore
// (embedded, file-backed) and redisstore (distributed) subpackages.
package store

import (
	"context"
	"strings"
	"time"
)

// Item is a single record kept in a store.
type Item struct {
	Key   string
	Value []byte

	// Attrs are small indexed string fields that can be used by Scan filters.
	Attrs map[string]string

	// ExpiresAt is the instant after which the item reads as absent. Zero means never.
	ExpiresAt time.Time
}

// Expired reports whether the item is expired at the given instant.
func (it Item) Expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)
}

// Filter is a field-equality predicate applied to item attributes during a scan.
type Filter struct {
	Attr  string
	Value string
}

// Match reports whether the item satisfies the filter. Nil filter matches everything.
func (f *Filter) Match(it Item) bool {
	if f == nil {
		return true
	}
	v, ok := it.Attrs[f.Attr]
	return ok && v == f.Value
}

// Store is a key-value storage with TTL support.
// Expired items read as absent from every operation.
type Store interface {
	// Get returns an item by key. The second result is false if the item is absent or expired.
	Get(ctx context.Context, key string) (Item, bool, error)

	// Put inserts or replaces an item.
	Put(ctx context.Context, item Item) error

	// PutIfAbsent atomically inserts an item only if no live item exists under its key.
	// It returns true if the item was inserted.
	PutIfAbsent(ctx context.Context, item Item) (bool, error)

	// Delete removes an item by key. Removing an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns live items whose keys start with prefix, ordered by key.
	// If filter is not nil, only items with a matching attribute are returned.
	Scan(ctx context.Context, prefix string, filter *Filter) ([]Item, error)

	// DeleteBatch removes items by keys. Missing keys are ignored.
	DeleteBatch(ctx context.Context, keys []string) error

	// Close releases resources held by the store.
	Close() error
}

// Sweeper is implemented by stores that can purge expired items on demand.
type Sweeper interface {
	// Sweep removes expired items and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
}

// Sweep calls Sweep on s if it implements Sweeper. Otherwise, it does nothing.
func Sweep(ctx context.Context, s Store) (int, error) {
	if sw, ok := s.(Sweeper); ok {
		return sw.Sweep(ctx)
	}
	return 0, nil
}

// JoinKey builds a store key from colon separated parts.
func JoinKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// ExpiresAt returns the expiration instant for the given TTL. Non-positive TTL means no expiration.
func ExpiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// CloneAttrs returns a copy of attrs.
func CloneAttrs(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	res := make(map[string]string, len(attrs))
	for k, v := range attrs {
		res[k] = v
	}
	return res
}
