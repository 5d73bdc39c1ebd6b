/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package cache provides response caches addressed by operation fingerprints.
//
// Memory is a bounded in-process LRU cache with per-entry TTL and two independent caps
// (number of entries and estimated size in bytes). Backed keeps entries in a store.Store,
// so the cache may be shared between processes or survive restarts.
//
// For both realizations, Set with a non-positive TTL stores an already expired entry,
// so the following Get reports a miss.
package cache

import (
	"context"
	"math"
	"time"
)

// NoExpiration may be passed as TTL to Set for entries that never expire.
const NoExpiration = time.Duration(math.MaxInt64)

// Cache is a key-value cache with per-entry TTL.
type Cache interface {
	// Get returns the value stored for key. Expired entries are removed and reported as absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set stores value for key for the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the entry for key. It is a no-op if there is no such entry.
	Delete(ctx context.Context, key string) error
	// Clear removes all entries.
	Clear(ctx context.Context) error
	// Cleanup removes expired entries and returns how many were removed.
	Cleanup(ctx context.Context) (int, error)
	// Stats returns a snapshot of cache statistics.
	Stats() Stats
}

// Stats is a snapshot of cache statistics. Zero limits mean the cache is unbounded by that dimension.
type Stats struct {
	Count       int     `json:"count"`
	Bytes       uint64  `json:"bytes"`
	MaxItems    int     `json:"maxItems"`
	MaxBytes    uint64  `json:"maxBytes"`
	Utilization float64 `json:"utilization"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
}

func utilization(count int, bytes uint64, maxItems int, maxBytes uint64) float64 {
	var u float64
	if maxItems > 0 {
		u = float64(count) / float64(maxItems)
	}
	if maxBytes > 0 {
		u = math.Max(u, float64(bytes)/float64(maxBytes))
	}
	return u
}

func expiresAt(now time.Time, ttl time.Duration) time.Time {
	switch {
	case ttl == NoExpiration:
		return time.Time{}
	case ttl <= 0:
		return now
	default:
		return now.Add(ttl)
	}
}
