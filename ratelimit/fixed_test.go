/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/store/memstore"
)

func TestFixed_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	mockClock := clock.NewMock(time.Time{})
	l, err := NewFixed(Opts{DefaultRate: Rate{Limit: 3, Window: time.Second}, Clock: mockClock})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := l.CanProceed(ctx, "api", PriorityUser)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, l.Record(ctx, "api", PriorityUser))
		mockClock.Add(100 * time.Millisecond)
	}

	ok, err := l.CanProceed(ctx, "api", PriorityUser)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = l.CanProceed(ctx, "api", PriorityBackground)
	require.NoError(t, err)
	require.False(t, ok)

	// The oldest record was made 300ms ago, it leaves [now-1s, now] in 700ms.
	wait, err := l.WaitTime(ctx, "api", PriorityUser)
	require.NoError(t, err)
	require.Equal(t, 701*time.Millisecond, wait)

	st, err := l.Status(ctx, "api")
	require.NoError(t, err)
	require.Equal(t, 3, st.Limit)
	require.Equal(t, 0, st.Remaining)
	require.Equal(t, 3, st.UserUsed)
	require.Equal(t, ModeFixed, st.Mode)
	require.True(t, st.ResetTime.Equal(mockClock.Now().Add(700*time.Millisecond)))
	require.Nil(t, st.Allocation)

	// The boundary of the window is inclusive.
	mockClock.Add(700 * time.Millisecond)
	ok, err = l.CanProceed(ctx, "api", PriorityUser)
	require.NoError(t, err)
	require.False(t, ok)

	mockClock.Add(time.Millisecond)
	ok, err = l.CanProceed(ctx, "api", PriorityUser)
	require.NoError(t, err)
	require.True(t, ok)
	wait, err = l.WaitTime(ctx, "api", PriorityUser)
	require.NoError(t, err)
	require.Zero(t, wait)

	// Other resources are not affected.
	st, err = l.Status(ctx, "other")
	require.NoError(t, err)
	require.Equal(t, 3, st.Remaining)

	stats := l.Stats()
	require.Equal(t, uint64(3), stats.RecordedUser)
	require.Equal(t, uint64(2), stats.RejectedUser)
	require.Equal(t, uint64(1), stats.RejectedBackground)
}

func TestFixed_WindowElapses(t *testing.T) {
	ctx := context.Background()
	l, err := NewFixed(Opts{DefaultRate: Rate{Limit: 5, Window: time.Second}})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(ctx, "orders", PriorityUser))
	}
	ok, err := l.CanProceed(ctx, "orders", PriorityUser)
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(1050 * time.Millisecond)
	ok, err = l.CanProceed(ctx, "orders", PriorityUser)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFixed_ResourceOverrides(t *testing.T) {
	ctx := context.Background()
	mockClock := clock.NewMock(time.Time{})
	l, err := NewFixed(Opts{
		DefaultRate: Rate{Limit: 10, Window: time.Minute},
		Resources:   []ResourceRate{{Pattern: "search-*", Rate: Rate{Limit: 1, Window: time.Minute}}},
		Clock:       mockClock,
	})
	require.NoError(t, err)

	require.NoError(t, l.Record(ctx, "search-users", PriorityUser))
	ok, err := l.CanProceed(ctx, "search-users", PriorityUser)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Record(ctx, "users", PriorityUser))
	ok, err = l.CanProceed(ctx, "users", PriorityUser)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.SetResourceConfig("search-users", Rate{Limit: 2, Window: time.Minute}))
	ok, err = l.CanProceed(ctx, "search-users", PriorityUser)
	require.NoError(t, err)
	require.True(t, ok)

	require.Error(t, l.SetResourceConfig("users", Rate{Limit: 0, Window: time.Minute}))
}

func TestFixed_Reset(t *testing.T) {
	ctx := context.Background()
	l, err := NewFixed(Opts{DefaultRate: Rate{Limit: 1, Window: time.Hour}})
	require.NoError(t, err)

	require.NoError(t, l.Record(ctx, "api", PriorityUser))
	ok, err := l.CanProceed(ctx, "api", PriorityUser)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Reset(ctx, "api"))
	ok, err = l.CanProceed(ctx, "api", PriorityUser)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFixed_Purge(t *testing.T) {
	ctx := context.Background()
	mockClock := clock.NewMock(time.Time{})
	l, err := NewFixed(Opts{
		DefaultRate: Rate{Limit: 10, Window: time.Second},
		Resources:   []ResourceRate{{Pattern: "slow", Rate: Rate{Limit: 10, Window: time.Minute}}},
		Clock:       mockClock,
	})
	require.NoError(t, err)

	require.NoError(t, l.Record(ctx, "fast", PriorityUser))
	require.NoError(t, l.Record(ctx, "slow", PriorityUser))
	mockClock.Add(2 * time.Second)

	// Records are kept for the largest window in use.
	removed, err := l.Purge(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)

	mockClock.Add(time.Minute)
	removed, err = l.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
}

func TestFixed_AcquireIsAtomic(t *testing.T) {
	for name, newLog := range map[string]func() WindowLog{
		"memory": func() WindowLog { return NewMemoryLog() },
		"store":  func() WindowLog { return NewStoreLog(memstore.New(), "", time.Minute) },
	} {
		t.Run(name, func(t *testing.T) {
			l, err := NewFixed(Opts{DefaultRate: Rate{Limit: 10, Window: time.Minute}, Log: newLog()})
			require.NoError(t, err)

			var admitted atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if ok, _, acqErr := l.Acquire(context.Background(), "api", PriorityUser); acqErr == nil && ok {
						admitted.Inc()
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(10), admitted.Load())
			require.Equal(t, uint64(10), l.Stats().RecordedUser)
			require.Equal(t, uint64(40), l.Stats().RejectedUser)
		})
	}
}
