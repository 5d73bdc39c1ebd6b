/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package filestore provides an embedded file-backed realization of store.Store on top of bbolt.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/fault"
	"github.com/acronis/go-resilience/store"
)

// DefaultOpenTimeout is the default time to wait for the database file lock.
const DefaultOpenTimeout = time.Second * 5

var bucketName = []byte("items")

// Options represents options for the file-backed store.
type Options struct {
	// OpenTimeout is the time to wait for the file lock. Zero means DefaultOpenTimeout.
	OpenTimeout time.Duration

	// FileMode is used when the database file is created. Zero means 0600.
	FileMode os.FileMode

	Clock clock.Clock
}

// Store keeps items in a single bbolt bucket. Each value is a JSON envelope
// holding the payload, attributes and expiration instant.
type Store struct {
	db    *bolt.DB
	clock clock.Clock
}

var _ store.Store = (*Store)(nil)
var _ store.Sweeper = (*Store)(nil)

type envelope struct {
	Value     []byte            `json:"v,omitempty"`
	Attrs     map[string]string `json:"a,omitempty"`
	ExpiresAt int64             `json:"e,omitempty"`
}

// Open opens (creating if needed) the database file at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.OpenTimeout == 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0o600
	}
	db, err := bolt.Open(path, opts.FileMode, &bolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, store.NewError("open", "", classify(err), fmt.Errorf("open %s: %w", path, err))
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		_, bErr := tx.CreateBucketIfNotExists(bucketName)
		return bErr
	}); err != nil {
		_ = db.Close()
		return nil, store.NewError("open", "", classify(err), fmt.Errorf("create bucket: %w", err))
	}
	return &Store{db: db, clock: clock.OrReal(opts.Clock)}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// Get returns a live item by key.
func (s *Store) Get(ctx context.Context, key string) (store.Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.Item{}, false, err
	}
	now := s.clock.Now()
	var it store.Item
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var decErr error
		if it, decErr = decode(key, raw); decErr != nil {
			return decErr
		}
		found = !it.Expired(now)
		return nil
	})
	if err != nil {
		return store.Item{}, false, store.NewError("get", key, classify(err), err)
	}
	if !found {
		return store.Item{}, false, nil
	}
	return it, true, nil
}

// Put inserts or replaces an item.
func (s *Store) Put(ctx context.Context, item store.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(item)
	if err != nil {
		return store.NewError("put", item.Key, fault.KindSerialization, err)
	}
	if err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(item.Key), raw)
	}); err != nil {
		return store.NewError("put", item.Key, classify(err), err)
	}
	return nil
}

// PutIfAbsent inserts an item in a single write transaction if no live item exists under its key.
func (s *Store) PutIfAbsent(ctx context.Context, item store.Item) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	raw, err := encode(item)
	if err != nil {
		return false, store.NewError("putIfAbsent", item.Key, fault.KindSerialization, err)
	}
	now := s.clock.Now()
	inserted := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if cur := b.Get([]byte(item.Key)); cur != nil {
			existing, decErr := decode(item.Key, cur)
			if decErr == nil && !existing.Expired(now) {
				return nil
			}
		}
		inserted = true
		return b.Put([]byte(item.Key), raw)
	})
	if err != nil {
		return false, store.NewError("putIfAbsent", item.Key, classify(err), err)
	}
	return inserted, nil
}

// Delete removes an item by key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.DeleteBatch(ctx, []string{key})
}

// Scan returns live items with the given key prefix, ordered by key.
func (s *Store) Scan(ctx context.Context, prefix string, filter *store.Filter) ([]store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var res []store.Item
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			it, decErr := decode(string(k), v)
			if decErr != nil {
				return decErr
			}
			if it.Expired(now) || !filter.Match(it) {
				continue
			}
			res = append(res, it)
		}
		return nil
	})
	if err != nil {
		return nil, store.NewError("scan", prefix, classify(err), err)
	}
	return res, nil
}

// DeleteBatch removes items by keys in a single write transaction.
func (s *Store) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, key := range keys {
			if key == "" {
				continue
			}
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return store.NewError("deleteBatch", "", classify(err), err)
	}
	return nil
}

// Sweep removes expired items.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.clock.Now()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		var expired [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return nil // Undecodable records are left for Get/Scan to report.
			}
			if env.ExpiresAt != 0 && !now.Before(time.Unix(0, env.ExpiresAt)) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, store.NewError("sweep", "", classify(err), err)
	}
	return removed, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return store.NewError("close", "", classify(err), err)
	}
	return nil
}

func encode(item store.Item) ([]byte, error) {
	env := envelope{Value: item.Value, Attrs: item.Attrs}
	if !item.ExpiresAt.IsZero() {
		env.ExpiresAt = item.ExpiresAt.UnixNano()
	}
	return json.Marshal(env)
}

func decode(key string, raw []byte) (store.Item, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return store.Item{}, &fault.SerializationError{Size: len(raw), Err: fmt.Errorf("decode %q: %w", key, err)}
	}
	it := store.Item{Key: key, Value: env.Value, Attrs: env.Attrs}
	if env.ExpiresAt != 0 {
		it.ExpiresAt = time.Unix(0, env.ExpiresAt)
	}
	return it, nil
}

func classify(err error) fault.Kind {
	switch {
	case errors.Is(err, bolt.ErrTimeout):
		return fault.KindConnectionTimeout
	case errors.Is(err, bolt.ErrDatabaseNotOpen), errors.Is(err, bolt.ErrTxClosed),
		errors.Is(err, bolt.ErrDatabaseReadOnly), errors.Is(err, bolt.ErrBucketNotFound):
		return fault.KindServiceUnavailable
	case errors.Is(err, bolt.ErrKeyRequired), errors.Is(err, bolt.ErrKeyTooLarge), errors.Is(err, bolt.ErrValueTooLarge):
		return fault.KindInvalidArgument
	case errors.Is(err, bolt.ErrInvalid), errors.Is(err, bolt.ErrChecksum), errors.Is(err, bolt.ErrVersionMismatch):
		return fault.KindInternal
	}
	if k := fault.KindOf(err); k != fault.KindUnknown {
		return k
	}
	return fault.KindInternal
}
