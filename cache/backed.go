/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/fault"
	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/store"
)

// DefaultBackedKeyPrefix is the store key namespace used by Backed when no prefix is configured.
const DefaultBackedKeyPrefix = "cache"

// BackedOpts represents options for the Backed cache.
type BackedOpts struct {
	// KeyPrefix is the namespace of cache entries in the store. DefaultBackedKeyPrefix if empty.
	KeyPrefix string
	// MaxValueBytes limits the size of a single value. Zero means no limit.
	MaxValueBytes int

	Clock            clock.Clock
	Logger           log.FieldLogger
	MetricsCollector MetricsCollector
}

// Backed is a cache that keeps entries in a store.Store. It is unbounded by itself,
// expiration is delegated to the store. Store errors are returned to the caller.
type Backed struct {
	store         store.Store
	keyPrefix     string
	maxValueBytes int
	clock         clock.Clock
	logger        log.FieldLogger
	metrics       MetricsCollector

	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ Cache = (*Backed)(nil)

// NewBacked creates a new Backed cache over s.
func NewBacked(s store.Store, opts BackedOpts) *Backed {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultBackedKeyPrefix
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	return &Backed{
		store:         s,
		keyPrefix:     opts.KeyPrefix,
		maxValueBytes: opts.MaxValueBytes,
		clock:         clock.OrReal(opts.Clock),
		logger:        log.OrDisabled(opts.Logger),
		metrics:       opts.MetricsCollector,
	}
}

func (c *Backed) key(key string) string {
	return store.JoinKey(c.keyPrefix, key)
}

// Get returns a value from the store.
func (c *Backed) Get(ctx context.Context, key string) ([]byte, bool, error) {
	item, found, err := c.store.Get(ctx, c.key(key))
	if err != nil {
		return nil, false, fmt.Errorf("get cache entry: %w", err)
	}
	if !found {
		c.misses.Inc()
		c.metrics.IncMisses()
		return nil, false, nil
	}
	c.hits.Inc()
	c.metrics.IncHits()
	return item.Value, true, nil
}

// Set puts value to the store with an expiration instant derived from ttl.
func (c *Backed) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.maxValueBytes > 0 && len(value) > c.maxValueBytes {
		return &fault.SerializationError{Size: len(value), Limit: c.maxValueBytes}
	}
	item := store.Item{Key: c.key(key), Value: value, ExpiresAt: expiresAt(c.clock.Now(), ttl)}
	if err := c.store.Put(ctx, item); err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry from the store.
func (c *Backed) Delete(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, c.key(key)); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Clear removes all entries of the cache namespace.
func (c *Backed) Clear(ctx context.Context) error {
	items, err := c.store.Scan(ctx, c.keyPrefix+":", nil)
	if err != nil {
		return fmt.Errorf("scan cache entries: %w", err)
	}
	if len(items) == 0 {
		return nil
	}
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.Key)
	}
	if err = c.store.DeleteBatch(ctx, keys); err != nil {
		return fmt.Errorf("delete cache entries: %w", err)
	}
	return nil
}

// Cleanup asks the store to sweep expired items. Stores that expire items by themselves report zero.
func (c *Backed) Cleanup(ctx context.Context) (int, error) {
	n, err := store.Sweep(ctx, c.store)
	if err != nil {
		return 0, fmt.Errorf("sweep expired cache entries: %w", err)
	}
	return n, nil
}

// Stats returns a snapshot of cache statistics. Count and Bytes are computed by scanning the namespace;
// if the scan fails, they are reported as zero.
func (c *Backed) Stats() Stats {
	var count int
	var bytes uint64
	items, err := c.store.Scan(context.Background(), c.keyPrefix+":", nil)
	if err != nil {
		c.logger.Warn("failed to scan cache entries for stats", log.Error(err))
	}
	for _, it := range items {
		count++
		bytes += uint64(len(it.Key) + len(it.Value) + EntryOverheadBytes)
	}
	c.metrics.SetAmount(count)
	c.metrics.SetBytes(bytes)
	return Stats{Count: count, Bytes: bytes, Hits: c.hits.Load(), Misses: c.misses.Load()}
}
