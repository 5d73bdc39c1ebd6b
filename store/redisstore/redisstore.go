/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package redisstore provides a distributed realization of store.Store backed by Redis.
//
// Each item is kept as a Redis hash with the payload in the "v" field, the expiration instant
// (Unix nanoseconds, 0 means never) in the "e" field and every attribute in an "a:<name>" field.
// Redis key expiration is set as well, so abandoned items are eventually evicted by the server,
// while reads compare "e" with the store clock to treat items as absent as soon as they expire.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/fault"
	"github.com/acronis/go-resilience/store"
)

// DefaultScanCount is the default COUNT hint for SCAN iterations.
const DefaultScanCount = 256

const (
	fieldValue     = "v"
	fieldExpiresAt = "e"
	attrPrefix     = "a:"
)

// putIfAbsent replaces the hash only when there is no live item under the key.
// ARGV[1] is the current instant, ARGV[2] the expiration in ms (0 = none), the rest are field/value pairs.
var putIfAbsentScript = redis.NewScript(`
local e = redis.call('HGET', KEYS[1], 'e')
if e and (e == '0' or tonumber(e) > tonumber(ARGV[1])) then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
if tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIREAT', KEYS[1], ARGV[2])
end
return 1
`)

// Options represents options for the Redis store.
type Options struct {
	// KeyPrefix is prepended to every key to namespace the store inside a shared Redis database.
	KeyPrefix string

	// ScanCount is the COUNT hint for SCAN. Zero means DefaultScanCount.
	ScanCount int64

	Clock clock.Clock
}

// Store keeps items in Redis hashes.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	scanCount int64
	clock     clock.Clock
}

var _ store.Store = (*Store)(nil)

// New creates a new Redis store over the given client.
// The client is owned by the caller unless Close is called.
func New(client redis.UniversalClient, opts Options) *Store {
	if opts.ScanCount <= 0 {
		opts.ScanCount = DefaultScanCount
	}
	return &Store{
		client:    client,
		keyPrefix: opts.KeyPrefix,
		scanCount: opts.ScanCount,
		clock:     clock.OrReal(opts.Clock),
	}
}

// Get returns a live item by key.
func (s *Store) Get(ctx context.Context, key string) (store.Item, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return store.Item{}, false, store.NewError("get", key, Classify(err), err)
	}
	it, ok, err := s.decode(key, fields)
	if err != nil {
		return store.Item{}, false, store.NewError("get", key, fault.KindSerialization, err)
	}
	if !ok || it.Expired(s.clock.Now()) {
		return store.Item{}, false, nil
	}
	return it, true, nil
}

// Put inserts or replaces an item atomically (MULTI/EXEC).
func (s *Store) Put(ctx context.Context, item store.Item) error {
	rk := s.redisKey(item.Key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rk)
		pipe.HSet(ctx, rk, encode(item)...)
		if !item.ExpiresAt.IsZero() {
			pipe.PExpireAt(ctx, rk, item.ExpiresAt)
		}
		return nil
	})
	if err != nil {
		return store.NewError("put", item.Key, Classify(err), err)
	}
	return nil
}

// PutIfAbsent inserts an item via a Lua script so the check and the insertion are atomic.
func (s *Store) PutIfAbsent(ctx context.Context, item store.Item) (bool, error) {
	var expireMs int64
	if !item.ExpiresAt.IsZero() {
		expireMs = (item.ExpiresAt.UnixNano() + int64(time.Millisecond) - 1) / int64(time.Millisecond)
	}
	args := append([]interface{}{s.clock.Now().UnixNano(), expireMs}, encode(item)...)
	res, err := putIfAbsentScript.Run(ctx, s.client, []string{s.redisKey(item.Key)}, args...).Int()
	if err != nil {
		return false, store.NewError("putIfAbsent", item.Key, Classify(err), err)
	}
	return res == 1, nil
}

// Delete removes an item by key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return store.NewError("delete", key, Classify(err), err)
	}
	return nil
}

// Scan iterates keys with SCAN MATCH and fetches matching hashes in a pipeline.
func (s *Store) Scan(ctx context.Context, prefix string, filter *store.Filter) ([]store.Item, error) {
	keys, err := s.scanKeys(ctx, prefix)
	if err != nil {
		return nil, store.NewError("scan", prefix, Classify(err), err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	if _, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, k)
		}
		return nil
	}); err != nil {
		return nil, store.NewError("scan", prefix, Classify(err), err)
	}
	now := s.clock.Now()
	res := make([]store.Item, 0, len(keys))
	for i, cmd := range cmds {
		key := strings.TrimPrefix(keys[i], s.keyPrefix)
		it, ok, decErr := s.decode(key, cmd.Val())
		if decErr != nil {
			return nil, store.NewError("scan", key, fault.KindSerialization, decErr)
		}
		if !ok || it.Expired(now) || !filter.Match(it) {
			continue
		}
		res = append(res, it)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key < res[j].Key })
	return res, nil
}

// DeleteBatch removes items by keys with pipelined DEL commands.
func (s *Store) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Del(ctx, s.redisKey(k))
		}
		return nil
	}); err != nil {
		return store.NewError("deleteBatch", "", Classify(err), err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return store.NewError("close", "", Classify(err), err)
	}
	return nil
}

func (s *Store) redisKey(key string) string {
	return s.keyPrefix + key
}

func (s *Store) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(s.keyPrefix+prefix) + "*"
	seen := make(map[string]struct{})
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, s.scanCount).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			if _, dup := seen[k]; dup { // SCAN may return a key more than once.
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func encode(item store.Item) []interface{} {
	var expiresAt int64
	if !item.ExpiresAt.IsZero() {
		expiresAt = item.ExpiresAt.UnixNano()
	}
	values := make([]interface{}, 0, 4+len(item.Attrs)*2)
	values = append(values, fieldValue, item.Value, fieldExpiresAt, strconv.FormatInt(expiresAt, 10))
	for k, v := range item.Attrs {
		values = append(values, attrPrefix+k, v)
	}
	return values
}

func (s *Store) decode(key string, fields map[string]string) (store.Item, bool, error) {
	rawExp, ok := fields[fieldExpiresAt]
	if !ok {
		return store.Item{}, false, nil
	}
	it := store.Item{Key: key, Value: []byte(fields[fieldValue])}
	exp, err := strconv.ParseInt(rawExp, 10, 64)
	if err != nil {
		return store.Item{}, false, &fault.SerializationError{Err: fmt.Errorf("decode expiration of %q: %w", key, err)}
	}
	if exp != 0 {
		it.ExpiresAt = time.Unix(0, exp)
	}
	for f, v := range fields {
		if name, isAttr := strings.CutPrefix(f, attrPrefix); isAttr {
			if it.Attrs == nil {
				it.Attrs = make(map[string]string)
			}
			it.Attrs[name] = v
		}
	}
	return it, true, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Classify maps go-redis errors to fault kinds.
func Classify(err error) fault.Kind {
	switch {
	case err == nil:
		return fault.KindUnknown
	case errors.Is(err, redis.ErrClosed), errors.Is(err, redis.ErrPoolExhausted):
		return fault.KindServiceUnavailable
	case errors.Is(err, redis.ErrPoolTimeout):
		return fault.KindConnectionTimeout
	case redis.HasErrorPrefix(err, "OOM"):
		return fault.KindThrottling
	case redis.HasErrorPrefix(err, "LOADING"), redis.HasErrorPrefix(err, "BUSY"),
		redis.HasErrorPrefix(err, "MASTERDOWN"), redis.HasErrorPrefix(err, "READONLY"),
		redis.HasErrorPrefix(err, "CLUSTERDOWN"), redis.HasErrorPrefix(err, "TRYAGAIN"):
		return fault.KindServiceUnavailable
	case redis.HasErrorPrefix(err, "WRONGTYPE"):
		return fault.KindSerialization
	}
	if k := fault.KindOf(err); k != fault.KindUnknown {
		return k
	}
	var rErr redis.Error
	if errors.As(err, &rErr) {
		return fault.KindInternal
	}
	return fault.KindServiceUnavailable
}
