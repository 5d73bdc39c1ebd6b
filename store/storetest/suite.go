/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package storetest provides a conformance test suite that every store.Store realization must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/store"
)

// Factory creates a fresh store driven by the given clock.
// The returned cleanup function is called after each test.
type Factory func(c clock.Clock) (s store.Store, cleanup func())

// Suite is a testify suite checking the store.Store contract.
type Suite struct {
	suite.Suite

	NewStore Factory

	clock   *clock.Mock
	store   store.Store
	cleanup func()
}

// New creates a new conformance suite for the given factory.
func New(factory Factory) *Suite {
	return &Suite{NewStore: factory}
}

// SetupTest creates a fresh store for every test.
func (s *Suite) SetupTest() {
	s.clock = clock.NewMock(time.Now().Truncate(time.Millisecond))
	s.store, s.cleanup = s.NewStore(s.clock)
}

// TearDownTest releases the store.
func (s *Suite) TearDownTest() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

func (s *Suite) TestGetPutDelete() {
	ctx := context.Background()

	_, found, err := s.store.Get(ctx, "missing")
	s.Require().NoError(err)
	s.Require().False(found)

	item := store.Item{Key: "k1", Value: []byte("v1"), Attrs: map[string]string{"status": "pending"}}
	s.Require().NoError(s.store.Put(ctx, item))

	got, found, err := s.store.Get(ctx, "k1")
	s.Require().NoError(err)
	s.Require().True(found)
	s.Require().Equal("k1", got.Key)
	s.Require().Equal([]byte("v1"), got.Value)
	s.Require().Equal(map[string]string{"status": "pending"}, got.Attrs)
	s.Require().True(got.ExpiresAt.IsZero())

	s.Require().NoError(s.store.Put(ctx, store.Item{Key: "k1", Value: []byte("v2")}))
	got, found, err = s.store.Get(ctx, "k1")
	s.Require().NoError(err)
	s.Require().True(found)
	s.Require().Equal([]byte("v2"), got.Value)
	s.Require().Empty(got.Attrs, "replaced item must not keep previous attributes")

	s.Require().NoError(s.store.Delete(ctx, "k1"))
	_, found, err = s.store.Get(ctx, "k1")
	s.Require().NoError(err)
	s.Require().False(found)

	s.Require().NoError(s.store.Delete(ctx, "k1"), "deleting an absent key is not an error")
}

func (s *Suite) TestTTL() {
	ctx := context.Background()
	now := s.clock.Now()

	s.Require().NoError(s.store.Put(ctx, store.Item{Key: "ttl", Value: []byte("x"), ExpiresAt: now.Add(time.Minute)}))
	got, found, err := s.store.Get(ctx, "ttl")
	s.Require().NoError(err)
	s.Require().True(found)
	s.Require().WithinDuration(now.Add(time.Minute), got.ExpiresAt, time.Millisecond)

	s.clock.Add(time.Minute - time.Second)
	_, found, err = s.store.Get(ctx, "ttl")
	s.Require().NoError(err)
	s.Require().True(found)

	s.clock.Add(time.Second)
	_, found, err = s.store.Get(ctx, "ttl")
	s.Require().NoError(err)
	s.Require().False(found, "item must read as absent once now >= expiresAt")

	items, err := s.store.Scan(ctx, "", nil)
	s.Require().NoError(err)
	s.Require().Empty(items)
}

func (s *Suite) TestPutIfAbsent() {
	ctx := context.Background()
	now := s.clock.Now()

	ok, err := s.store.PutIfAbsent(ctx, store.Item{Key: "job", Value: []byte("a"), ExpiresAt: now.Add(time.Second)})
	s.Require().NoError(err)
	s.Require().True(ok)

	ok, err = s.store.PutIfAbsent(ctx, store.Item{Key: "job", Value: []byte("b")})
	s.Require().NoError(err)
	s.Require().False(ok)

	got, _, err := s.store.Get(ctx, "job")
	s.Require().NoError(err)
	s.Require().Equal([]byte("a"), got.Value)

	// An expired item is treated as absent and superseded.
	s.clock.Add(time.Second)
	ok, err = s.store.PutIfAbsent(ctx, store.Item{Key: "job", Value: []byte("c")})
	s.Require().NoError(err)
	s.Require().True(ok)

	got, found, err := s.store.Get(ctx, "job")
	s.Require().NoError(err)
	s.Require().True(found)
	s.Require().Equal([]byte("c"), got.Value)
	s.Require().True(got.ExpiresAt.IsZero())
}

func (s *Suite) TestPutIfAbsentConcurrently() {
	ctx := context.Background()
	const workers = 20

	var inserted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := s.store.PutIfAbsent(ctx, store.Item{Key: "race", Value: []byte(fmt.Sprintf("w%d", i))})
			s.NoError(err)
			if ok {
				inserted.Inc()
			}
		}(i)
	}
	close(start)
	wg.Wait()
	s.Require().Equal(int32(1), inserted.Load())
}

func (s *Suite) TestScan() {
	ctx := context.Background()
	now := s.clock.Now()

	items := []store.Item{
		{Key: "job:3", Value: []byte("3"), Attrs: map[string]string{"status": "completed"}},
		{Key: "job:1", Value: []byte("1"), Attrs: map[string]string{"status": "pending"}},
		{Key: "job:2", Value: []byte("2"), Attrs: map[string]string{"status": "completed"}},
		{Key: "job:4", Value: []byte("4"), Attrs: map[string]string{"status": "completed"}, ExpiresAt: now.Add(time.Second)},
		{Key: "other:1", Value: []byte("o"), Attrs: map[string]string{"status": "completed"}},
		{Key: "jo*:1", Value: []byte("g")},
	}
	for _, it := range items {
		s.Require().NoError(s.store.Put(ctx, it))
	}

	keysOf := func(items []store.Item) []string {
		keys := make([]string, 0, len(items))
		for _, it := range items {
			keys = append(keys, it.Key)
		}
		return keys
	}

	got, err := s.store.Scan(ctx, "job:", nil)
	s.Require().NoError(err)
	s.Require().Equal([]string{"job:1", "job:2", "job:3", "job:4"}, keysOf(got))

	got, err = s.store.Scan(ctx, "job:", &store.Filter{Attr: "status", Value: "completed"})
	s.Require().NoError(err)
	s.Require().Equal([]string{"job:2", "job:3", "job:4"}, keysOf(got))

	got, err = s.store.Scan(ctx, "jo*", nil)
	s.Require().NoError(err)
	s.Require().Equal([]string{"jo*:1"}, keysOf(got), "prefix must be matched literally")

	s.clock.Add(time.Second)
	got, err = s.store.Scan(ctx, "job:", &store.Filter{Attr: "status", Value: "completed"})
	s.Require().NoError(err)
	s.Require().Equal([]string{"job:2", "job:3"}, keysOf(got))

	got, err = s.store.Scan(ctx, "nothing:", nil)
	s.Require().NoError(err)
	s.Require().Empty(got)
}

func (s *Suite) TestDeleteBatch() {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Require().NoError(s.store.Put(ctx, store.Item{Key: fmt.Sprintf("b:%d", i), Value: []byte("x")}))
	}
	s.Require().NoError(s.store.DeleteBatch(ctx, []string{"b:0", "b:2", "b:4", "b:missing"}))
	s.Require().NoError(s.store.DeleteBatch(ctx, nil))

	got, err := s.store.Scan(ctx, "b:", nil)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Require().Equal("b:1", got[0].Key)
	s.Require().Equal("b:3", got[1].Key)
}

func (s *Suite) TestSweep() {
	sw, ok := s.store.(store.Sweeper)
	if !ok {
		s.T().Skip("store does not implement store.Sweeper")
	}
	ctx := context.Background()
	now := s.clock.Now()
	s.Require().NoError(s.store.Put(ctx, store.Item{Key: "s:1", Value: []byte("x"), ExpiresAt: now.Add(time.Second)}))
	s.Require().NoError(s.store.Put(ctx, store.Item{Key: "s:2", Value: []byte("x")}))

	removed, err := sw.Sweep(ctx)
	s.Require().NoError(err)
	s.Require().Equal(0, removed)

	s.clock.Add(time.Second)
	removed, err = store.Sweep(ctx, s.store)
	s.Require().NoError(err)
	s.Require().Equal(1, removed)

	got, err := s.store.Scan(ctx, "s:", nil)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
}
