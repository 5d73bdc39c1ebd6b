/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/acronis/go-resilience/store"
)

// Record is a single admitted request of a resource.
type Record struct {
	Resource  string
	Priority  Priority
	Timestamp time.Time
}

// WindowLog keeps records of admitted requests that sliding windows are computed from.
type WindowLog interface {
	// Add appends a record. Records are kept for the retention the log was created with.
	Add(ctx context.Context, rec Record) error
	// Since returns records of the resource with timestamps not before from, ordered by timestamp.
	Since(ctx context.Context, resource string, from time.Time) ([]Record, error)
	// Reset drops all records of the resource.
	Reset(ctx context.Context, resource string) error
	// Purge drops records with timestamps before the given instant and returns how many were removed.
	Purge(ctx context.Context, before time.Time) (int, error)
	// Resources returns resources having at least one record.
	Resources(ctx context.Context) ([]string, error)
}

// MemoryLog is an in-process WindowLog. Records of every resource are guarded by their own lock.
type MemoryLog struct {
	mu        sync.RWMutex
	resources map[string]*resourceLog
}

type resourceLog struct {
	mu      sync.Mutex
	records []Record
}

var _ WindowLog = (*MemoryLog)(nil)

// NewMemoryLog creates a new in-process window log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{resources: make(map[string]*resourceLog)}
}

func (l *MemoryLog) resource(name string, create bool) *resourceLog {
	l.mu.RLock()
	rl := l.resources[name]
	l.mu.RUnlock()
	if rl != nil || !create {
		return rl
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if rl = l.resources[name]; rl == nil {
		rl = &resourceLog{}
		l.resources[name] = rl
	}
	return rl
}

// Add appends a record keeping the resource log ordered by timestamp.
func (l *MemoryLog) Add(_ context.Context, rec Record) error {
	rl := l.resource(rec.Resource, true)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := len(rl.records)
	if n == 0 || !rec.Timestamp.Before(rl.records[n-1].Timestamp) {
		rl.records = append(rl.records, rec)
		return nil
	}
	i := sort.Search(n, func(i int) bool { return rl.records[i].Timestamp.After(rec.Timestamp) })
	rl.records = append(rl.records, Record{})
	copy(rl.records[i+1:], rl.records[i:])
	rl.records[i] = rec
	return nil
}

// Since returns records of the resource with timestamps not before from.
func (l *MemoryLog) Since(_ context.Context, resource string, from time.Time) ([]Record, error) {
	rl := l.resource(resource, false)
	if rl == nil {
		return nil, nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	i := sort.Search(len(rl.records), func(i int) bool { return !rl.records[i].Timestamp.Before(from) })
	return append([]Record(nil), rl.records[i:]...), nil
}

// Reset drops all records of the resource.
func (l *MemoryLog) Reset(_ context.Context, resource string) error {
	l.mu.Lock()
	delete(l.resources, resource)
	l.mu.Unlock()
	return nil
}

// Purge drops records older than before.
func (l *MemoryLog) Purge(_ context.Context, before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for name, rl := range l.resources {
		rl.mu.Lock()
		i := sort.Search(len(rl.records), func(i int) bool { return !rl.records[i].Timestamp.Before(before) })
		removed += i
		rl.records = append(rl.records[:0:0], rl.records[i:]...)
		empty := len(rl.records) == 0
		rl.mu.Unlock()
		if empty {
			delete(l.resources, name)
		}
	}
	return removed, nil
}

// Resources returns resources having records.
func (l *MemoryLog) Resources(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	res := make([]string, 0, len(l.resources))
	for name := range l.resources {
		res = append(res, name)
	}
	sort.Strings(res)
	return res, nil
}

// DefaultStoreLogKeyPrefix is the default namespace of records in a store.
const DefaultStoreLogKeyPrefix = "ratelimit"

const attrPriority = "priority"

var resourceKeyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")
var resourceKeyUnescaper = strings.NewReplacer("%3A", ":", "%25", "%")

// StoreLog is a WindowLog over a store.Store, so several processes sharing the store share the windows.
// A record is kept under "<prefix>:<resource>:<unix nanos>:<xid>" and expires after the retention.
type StoreLog struct {
	store     store.Store
	keyPrefix string
	retention time.Duration
}

var _ WindowLog = (*StoreLog)(nil)

// NewStoreLog creates a window log over the store s. The retention must cover the largest window in use.
func NewStoreLog(s store.Store, keyPrefix string, retention time.Duration) *StoreLog {
	if keyPrefix == "" {
		keyPrefix = DefaultStoreLogKeyPrefix
	}
	return &StoreLog{store: s, keyPrefix: keyPrefix, retention: retention}
}

func (l *StoreLog) resourcePrefix(resource string) string {
	return store.JoinKey(l.keyPrefix, resourceKeyEscaper.Replace(resource)) + ":"
}

// Add stores a record.
func (l *StoreLog) Add(ctx context.Context, rec Record) error {
	ts := fmt.Sprintf("%020d", rec.Timestamp.UnixNano())
	item := store.Item{
		Key:       store.JoinKey(l.keyPrefix, resourceKeyEscaper.Replace(rec.Resource), ts, xid.New().String()),
		Value:     []byte(ts),
		Attrs:     map[string]string{attrPriority: string(rec.Priority)},
		ExpiresAt: store.ExpiresAt(rec.Timestamp, l.retention),
	}
	if err := l.store.Put(ctx, item); err != nil {
		return fmt.Errorf("put rate window record: %w", err)
	}
	return nil
}

// Since returns records of the resource with timestamps not before from.
func (l *StoreLog) Since(ctx context.Context, resource string, from time.Time) ([]Record, error) {
	items, err := l.store.Scan(ctx, l.resourcePrefix(resource), nil)
	if err != nil {
		return nil, fmt.Errorf("scan rate window records: %w", err)
	}
	var res []Record
	for _, it := range items {
		ts, err := parseRecordTimestamp(it.Value)
		if err != nil || ts.Before(from) {
			continue
		}
		res = append(res, Record{Resource: resource, Priority: Priority(it.Attrs[attrPriority]), Timestamp: ts})
	}
	return res, nil
}

// Reset drops all records of the resource.
func (l *StoreLog) Reset(ctx context.Context, resource string) error {
	items, err := l.store.Scan(ctx, l.resourcePrefix(resource), nil)
	if err != nil {
		return fmt.Errorf("scan rate window records: %w", err)
	}
	if err = l.store.DeleteBatch(ctx, itemKeys(items)); err != nil {
		return fmt.Errorf("delete rate window records: %w", err)
	}
	return nil
}

// Purge drops records older than before and sweeps expired ones.
func (l *StoreLog) Purge(ctx context.Context, before time.Time) (int, error) {
	items, err := l.store.Scan(ctx, l.keyPrefix+":", nil)
	if err != nil {
		return 0, fmt.Errorf("scan rate window records: %w", err)
	}
	var keys []string
	for _, it := range items {
		if ts, parseErr := parseRecordTimestamp(it.Value); parseErr != nil || ts.Before(before) {
			keys = append(keys, it.Key)
		}
	}
	if len(keys) > 0 {
		if err = l.store.DeleteBatch(ctx, keys); err != nil {
			return 0, fmt.Errorf("delete rate window records: %w", err)
		}
	}
	swept, err := store.Sweep(ctx, l.store)
	if err != nil {
		return len(keys), fmt.Errorf("sweep expired rate window records: %w", err)
	}
	return len(keys) + swept, nil
}

// Resources returns resources having live records.
func (l *StoreLog) Resources(ctx context.Context) ([]string, error) {
	items, err := l.store.Scan(ctx, l.keyPrefix+":", nil)
	if err != nil {
		return nil, fmt.Errorf("scan rate window records: %w", err)
	}
	seen := make(map[string]struct{})
	var res []string
	for _, it := range items {
		rest := strings.TrimPrefix(it.Key, l.keyPrefix+":")
		parts := strings.Split(rest, ":")
		if len(parts) != 3 {
			continue
		}
		name := resourceKeyUnescaper.Replace(parts[0])
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			res = append(res, name)
		}
	}
	return res, nil
}

func parseRecordTimestamp(v []byte) (time.Time, error) {
	nanos, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed rate window record %q: %w", v, err)
	}
	return time.Unix(0, nanos), nil
}

func itemKeys(items []store.Item) []string {
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.Key)
	}
	return keys
}
