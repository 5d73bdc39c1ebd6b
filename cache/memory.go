/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package cache

import (
	"container/list"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"go.uber.org/atomic"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/fault"
	"github.com/acronis/go-resilience/log"
)

// EntryOverheadBytes is added to len(key)+len(value) when estimating the size of a cache entry.
const EntryOverheadBytes = 64

// DefaultEvictionRatio is the share of least recently used entries evicted at once when a cap is exceeded.
const DefaultEvictionRatio = 0.1

type memoryEntry struct {
	key          string
	value        []byte
	expiresAt    time.Time
	lastAccessed time.Time
}

func (e *memoryEntry) size() uint64 {
	return uint64(len(e.key) + len(e.value) + EntryOverheadBytes)
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryOpts represents options for the Memory cache.
type MemoryOpts struct {
	// MaxItems limits the number of entries. Zero means no limit.
	MaxItems int
	// MaxBytes limits the estimated size of all entries. Zero means no limit.
	MaxBytes uint64
	// EvictionRatio is the share of entries evicted at once when a cap is exceeded. DefaultEvictionRatio if zero.
	EvictionRatio float64
	// MaxValueBytes limits the size of a single value. Zero means no limit.
	MaxValueBytes int

	Clock            clock.Clock
	Logger           log.FieldLogger
	MetricsCollector MetricsCollector
}

// Memory is a bounded in-process LRU cache.
type Memory struct {
	maxItems      int
	maxBytes      uint64
	evictionRatio float64
	maxValueBytes int

	clock   clock.Clock
	logger  log.FieldLogger
	metrics MetricsCollector

	mu      sync.Mutex
	lruList *list.List
	entries map[string]*list.Element
	bytes   uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

var _ Cache = (*Memory)(nil)

// NewMemory creates a new Memory cache.
func NewMemory(opts MemoryOpts) (*Memory, error) {
	if opts.MaxItems < 0 {
		return nil, fmt.Errorf("max items must be greater or equal to 0 (no limit)")
	}
	if opts.MaxValueBytes < 0 {
		return nil, fmt.Errorf("max value bytes must be greater or equal to 0 (no limit)")
	}
	if opts.EvictionRatio == 0 {
		opts.EvictionRatio = DefaultEvictionRatio
	}
	if opts.EvictionRatio < 0 || opts.EvictionRatio > 1 {
		return nil, fmt.Errorf("eviction ratio must be in (0, 1], got %v", opts.EvictionRatio)
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	return &Memory{
		maxItems:      opts.MaxItems,
		maxBytes:      opts.MaxBytes,
		evictionRatio: opts.EvictionRatio,
		maxValueBytes: opts.MaxValueBytes,
		clock:         clock.OrReal(opts.Clock),
		logger:        log.OrDisabled(opts.Logger),
		metrics:       opts.MetricsCollector,
		lruList:       list.New(),
		entries:       make(map[string]*list.Element),
	}, nil
}

// Get returns a value from the cache and moves the entry to the front of the LRU list.
// The returned slice must not be modified.
func (c *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.miss()
		return nil, false, nil
	}
	now := c.clock.Now()
	entry := elem.Value.(*memoryEntry)
	if entry.expired(now) {
		c.removeElement(elem)
		c.updateSizeMetrics()
		c.miss()
		return nil, false, nil
	}
	entry.lastAccessed = now
	c.lruList.MoveToFront(elem)
	c.hits.Inc()
	c.metrics.IncHits()
	return entry.value, true, nil
}

// Set stores a copy of value. If caps are exceeded after that, the least recently used entries are evicted.
func (c *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if c.maxValueBytes > 0 && len(value) > c.maxValueBytes {
		return &fault.SerializationError{Size: len(value), Limit: c.maxValueBytes}
	}
	now := c.clock.Now()
	entry := &memoryEntry{
		key:          key,
		value:        append([]byte(nil), value...),
		expiresAt:    expiresAt(now, ttl),
		lastAccessed: now,
	}
	if c.maxBytes > 0 && entry.size() > c.maxBytes {
		return &fault.SerializationError{Size: int(entry.size()), Limit: int(c.maxBytes)} //nolint:gosec // bounded by maxBytes
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.bytes -= elem.Value.(*memoryEntry).size()
		elem.Value = entry
		c.lruList.MoveToFront(elem)
	} else {
		c.entries[key] = c.lruList.PushFront(entry)
	}
	c.bytes += entry.size()
	c.evictIfNeeded()
	c.updateSizeMetrics()
	return nil
}

// Delete removes the entry. It is a no-op if the key is absent.
func (c *Memory) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeElement(elem)
		c.updateSizeMetrics()
	}
	return nil
}

// Clear drops all entries. Removed entries are not counted as evictions.
func (c *Memory) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lruList.Init()
	c.bytes = 0
	c.updateSizeMetrics()
	return nil
}

// Cleanup removes all expired entries independently of access.
func (c *Memory) Cleanup(_ context.Context) (int, error) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.lruList.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*memoryEntry).expired(now) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}
	if removed > 0 {
		c.updateSizeMetrics()
	}
	return removed, nil
}

// RunPeriodicCleanup runs Cleanup every cleanupInterval until ctx is done.
// It's supposed to be run in a separate goroutine.
func (c *Memory) RunPeriodicCleanup(ctx context.Context, cleanupInterval time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, _ := c.Cleanup(ctx); n > 0 {
				c.logger.Debug("expired cache entries removed", log.Int("removed", n))
			}
		}
	}
}

// Len returns the number of entries in the cache (including expired but not yet removed ones).
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache statistics.
func (c *Memory) Stats() Stats {
	c.mu.Lock()
	count, bytes := len(c.entries), c.bytes
	c.mu.Unlock()
	return Stats{
		Count:       count,
		Bytes:       bytes,
		MaxItems:    c.maxItems,
		MaxBytes:    c.maxBytes,
		Utilization: utilization(count, bytes, c.maxItems, c.maxBytes),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
	}
}

func (c *Memory) overCaps() bool {
	return (c.maxItems > 0 && len(c.entries) > c.maxItems) || (c.maxBytes > 0 && c.bytes > c.maxBytes)
}

// evictIfNeeded removes batches of the least recently used entries until both caps are satisfied.
// The most recently used entry is never evicted.
func (c *Memory) evictIfNeeded() {
	evicted := 0
	for c.overCaps() && c.lruList.Len() > 1 {
		batch := int(math.Ceil(float64(len(c.entries)) * c.evictionRatio))
		for i := 0; i < batch && c.lruList.Len() > 1; i++ {
			c.removeElement(c.lruList.Back())
			evicted++
		}
	}
	if evicted == 0 {
		return
	}
	c.evictions.Add(uint64(evicted))
	c.metrics.AddEvictions(evicted)
	c.logger.Debug("cache entries evicted",
		log.Int("evicted", evicted), log.Int("entries", len(c.entries)),
		log.String("size", bytefmt.ByteSize(c.bytes)))
}

func (c *Memory) removeElement(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	c.lruList.Remove(elem)
	delete(c.entries, entry.key)
	c.bytes -= entry.size()
}

func (c *Memory) miss() {
	c.misses.Inc()
	c.metrics.IncMisses()
}

func (c *Memory) updateSizeMetrics() {
	c.metrics.SetAmount(len(c.entries))
	c.metrics.SetBytes(c.bytes)
}
