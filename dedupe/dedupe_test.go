/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dedupe

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/fault"
	"github.com/acronis/go-resilience/store"
	"github.com/acronis/go-resilience/store/memstore"
	"github.com/acronis/go-resilience/testutil"
)

type waitResult struct {
	res   []byte
	found bool
	err   error
}

func startWaiters(ctx context.Context, d *Dedupe, hash string, n int) <-chan waitResult {
	results := make(chan waitResult, n)
	for i := 0; i < n; i++ {
		go func() {
			res, found, err := d.WaitFor(ctx, hash)
			results <- waitResult{res, found, err}
		}()
	}
	return results
}

func TestDedupe_RegisterIsExclusive(t *testing.T) {
	d := New(memstore.New(), Opts{})
	defer d.Close()

	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var jobIDs []string
	var errs []error
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobID, err := d.Register(context.Background(), "h1")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			jobIDs = append(jobIDs, jobID)
		}()
	}
	wg.Wait()

	require.Len(t, jobIDs, 1)
	require.Len(t, errs, callers-1)
	for _, err := range errs {
		require.ErrorIs(t, err, fault.ErrAlreadyInProgress)
	}

	inProgress, err := d.IsInProgress(context.Background(), "h1")
	require.NoError(t, err)
	require.True(t, inProgress)
	require.Equal(t, 1, d.Stats().Pending)
	require.Equal(t, uint64(1), d.Stats().Registered)
}

func TestDedupe_CompleteBroadcastsToAllWaiters(t *testing.T) {
	ctx := context.Background()
	d := New(memstore.New(), Opts{})
	defer d.Close()

	jobID, err := d.Register(ctx, "h1")
	require.NoError(t, err)

	const waiters = 5
	results := startWaiters(ctx, d, "h1", waiters)
	require.Eventually(t, func() bool { return d.Stats().Waiters == waiters }, time.Second, time.Millisecond)

	require.NoError(t, d.Complete(ctx, "h1", jobID, []byte("answer")))
	for i := 0; i < waiters; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.True(t, r.found)
		require.Equal(t, []byte("answer"), r.res)
	}

	// Settling again is a no-op, the first outcome stays.
	require.NoError(t, d.Complete(ctx, "h1", jobID, []byte("other")))
	require.NoError(t, d.Fail(ctx, "h1", jobID, errors.New("late failure")))

	res, found, err := d.WaitFor(ctx, "h1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("answer"), res)

	inProgress, err := d.IsInProgress(ctx, "h1")
	require.NoError(t, err)
	require.False(t, inProgress)

	stats := d.Stats()
	require.Equal(t, uint64(1), stats.Completed)
	require.Equal(t, uint64(0), stats.Failed)
	require.Equal(t, 0, stats.Pending)
	require.Equal(t, 0, stats.Waiters)
}

func TestDedupe_FailDeliversErrorToWaiters(t *testing.T) {
	ctx := context.Background()
	d := New(memstore.New(), Opts{})
	defer d.Close()

	jobID, err := d.Register(ctx, "h1")
	require.NoError(t, err)
	results := startWaiters(ctx, d, "h1", 3)
	require.Eventually(t, func() bool { return d.Stats().Waiters == 3 }, time.Second, time.Millisecond)

	jobErr := &fault.CircuitOpenError{Name: "backend", NextAttempt: time.Now().Add(time.Minute)}
	require.NoError(t, d.Fail(ctx, "h1", jobID, jobErr))
	for i := 0; i < 3; i++ {
		r := <-results
		require.ErrorIs(t, r.err, fault.ErrCircuitOpen)
		require.False(t, r.found)
	}

	// Late waiters read the outcome from the store and still see the same taxonomy.
	_, _, err = d.WaitFor(ctx, "h1")
	require.ErrorIs(t, err, fault.ErrCircuitOpen)
	testutil.RequireFaultKind(t, err, fault.KindCircuitOpen)
	require.Equal(t, uint64(1), d.Stats().Failed)
}

func TestDedupe_SettleUnknownJob(t *testing.T) {
	ctx := context.Background()
	d := New(memstore.New(), Opts{})
	defer d.Close()

	require.ErrorIs(t, d.Complete(ctx, "missing", "job", []byte("x")), fault.ErrNotFound)
	require.ErrorIs(t, d.Fail(ctx, "missing", "job", errors.New("boom")), fault.ErrNotFound)

	jobID, err := d.Register(ctx, "h1")
	require.NoError(t, err)
	require.ErrorIs(t, d.Complete(ctx, "h1", "not-"+jobID, []byte("x")), fault.ErrNotFound)
	require.NoError(t, d.Complete(ctx, "h1", jobID, []byte("x")))
}

func TestDedupe_WaitForUnknownHash(t *testing.T) {
	d := New(memstore.New(), Opts{})
	defer d.Close()

	res, found, err := d.WaitFor(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, res)
}

func TestDedupe_JobTimeout(t *testing.T) {
	ctx := context.Background()
	d := New(memstore.New(), Opts{JobTimeout: 50 * time.Millisecond})
	defer d.Close()

	jobID, err := d.Register(ctx, "h1")
	require.NoError(t, err)

	_, found, err := d.WaitFor(ctx, "h1")
	require.False(t, found)
	require.ErrorIs(t, err, fault.ErrTimeout)
	testutil.RequireErrorAs[*fault.TimeoutError](t, err)

	require.Eventually(t, func() bool { return d.Stats().TimedOut == 1 }, time.Second, time.Millisecond)
	inProgress, err := d.IsInProgress(ctx, "h1")
	require.NoError(t, err)
	require.False(t, inProgress)

	// The executor finishing after the timeout doesn't change the outcome.
	require.NoError(t, d.Complete(ctx, "h1", jobID, []byte("late")))
	_, _, err = d.WaitFor(ctx, "h1")
	require.ErrorIs(t, err, fault.ErrTimeout)

	// A new job may be registered right away.
	_, err = d.Register(ctx, "h1")
	require.NoError(t, err)
}

func TestDedupe_CanceledWaitDoesNotAffectJob(t *testing.T) {
	d := New(memstore.New(), Opts{})
	defer d.Close()

	jobID, err := d.Register(context.Background(), "h1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = d.WaitFor(ctx, "h1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	inProgress, err := d.IsInProgress(context.Background(), "h1")
	require.NoError(t, err)
	require.True(t, inProgress)

	require.NoError(t, d.Complete(context.Background(), "h1", jobID, []byte("done")))
	res, found, err := d.WaitFor(context.Background(), "h1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("done"), res)
}

func TestDedupe_WaitForJobOfAnotherProcess(t *testing.T) {
	ctx := context.Background()
	shared := memstore.New()
	executor := New(shared, Opts{})
	defer executor.Close()
	waiter := New(shared, Opts{PollInterval: 5 * time.Millisecond})
	defer waiter.Close()

	t.Run("completed", func(t *testing.T) {
		jobID, err := executor.Register(ctx, "h1")
		require.NoError(t, err)
		_, err = waiter.Register(ctx, "h1")
		require.ErrorIs(t, err, fault.ErrAlreadyInProgress)

		results := startWaiters(ctx, waiter, "h1", 2)
		require.Eventually(t, func() bool { return waiter.Stats().Waiters == 2 }, time.Second, time.Millisecond)
		require.NoError(t, executor.Complete(ctx, "h1", jobID, []byte("remote")))
		for i := 0; i < 2; i++ {
			r := <-results
			require.NoError(t, r.err)
			require.True(t, r.found)
			require.Equal(t, []byte("remote"), r.res)
		}
	})

	t.Run("failed", func(t *testing.T) {
		jobID, err := executor.Register(ctx, "h2")
		require.NoError(t, err)

		results := startWaiters(ctx, waiter, "h2", 1)
		require.Eventually(t, func() bool { return waiter.Stats().Waiters == 1 }, time.Second, time.Millisecond)
		require.NoError(t, executor.Fail(ctx, "h2", jobID, &fault.RateLimitedError{Resource: "api", Priority: "user"}))

		r := <-results
		require.ErrorIs(t, r.err, fault.ErrRateLimited)
		testutil.RequireFaultKind(t, r.err, fault.KindThrottling)
		jobErr := testutil.RequireErrorAs[*JobError](t, r.err)
		require.Contains(t, jobErr.Message, `resource "api"`)
	})

	t.Run("settled by another process", func(t *testing.T) {
		jobID, err := executor.Register(ctx, "h3")
		require.NoError(t, err)
		require.NoError(t, waiter.Complete(ctx, "h3", jobID, []byte("x")))

		res, found, err := executor.WaitFor(ctx, "h3")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []byte("x"), res)
	})
}

func TestDedupe_AbandonedJobIsSuperseded(t *testing.T) {
	ctx := context.Background()
	mockClock := clock.NewMock(time.Time{})
	st := memstore.NewWithOpts(memstore.Options{Clock: mockClock})
	d := New(st, Opts{JobTimeout: time.Hour, Clock: mockClock})
	defer d.Close()

	staleID, err := d.Register(ctx, "h1")
	require.NoError(t, err)
	staleWaiter := startWaiters(ctx, d, "h1", 1)
	require.Eventually(t, func() bool { return d.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	mockClock.Add(2 * time.Hour)
	freshID, err := d.Register(ctx, "h1")
	require.NoError(t, err)
	require.NotEqual(t, staleID, freshID)

	r := <-staleWaiter
	require.ErrorIs(t, r.err, fault.ErrTimeout)

	// The stale executor can't settle the newer job.
	require.ErrorIs(t, d.Complete(ctx, "h1", staleID, []byte("stale")), fault.ErrNotFound)

	require.NoError(t, d.Complete(ctx, "h1", freshID, []byte("fresh")))
	res, found, err := d.WaitFor(ctx, "h1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("fresh"), res)
}

func TestDedupe_Cleanup(t *testing.T) {
	ctx := context.Background()
	mockClock := clock.NewMock(time.Time{})
	st := memstore.NewWithOpts(memstore.Options{Clock: mockClock})
	d := New(st, Opts{ResultRetention: time.Minute, Clock: mockClock})
	defer d.Close()

	jobID, err := d.Register(ctx, "h1")
	require.NoError(t, err)
	require.NoError(t, d.Complete(ctx, "h1", jobID, []byte("v")))
	require.NoError(t, st.Put(ctx, store.Item{Key: "cache:k", Value: []byte("v")}))

	removed, err := d.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, removed)

	mockClock.Add(2 * time.Minute)
	_, found, err := d.WaitFor(ctx, "h1")
	require.NoError(t, err)
	require.False(t, found)

	removed, err = d.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	items, err := st.Scan(ctx, "", nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "cache:k", items[0].Key)
}

func TestDedupe_Close(t *testing.T) {
	ctx := context.Background()
	d := New(memstore.New(), Opts{})

	_, err := d.Register(ctx, "h1")
	require.NoError(t, err)
	results := startWaiters(ctx, d, "h1", 1)
	require.Eventually(t, func() bool { return d.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	d.Close()
	r := <-results
	require.ErrorIs(t, r.err, errClosed)
	require.Equal(t, 0, d.Stats().Pending)
}

func TestJobError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind fault.Kind
		wantIs   error
	}{
		{"timeout", &fault.TimeoutError{Op: "call", Timeout: time.Second}, fault.KindConnectionTimeout, fault.ErrTimeout},
		{"circuit open", &fault.CircuitOpenError{Name: "b"}, fault.KindCircuitOpen, fault.ErrCircuitOpen},
		{"backing store", store.NewError("get", "k", fault.KindServiceUnavailable, errors.New("refused")),
			fault.KindServiceUnavailable, fault.ErrBackingStore},
		{"plain", errors.New("boom"), fault.KindUnknown, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobErr := NewJobError(tt.err)
			require.Equal(t, tt.err.Error(), jobErr.Error())
			require.Equal(t, tt.wantKind, jobErr.FaultKind())

			data, err := json.Marshal(jobErr)
			require.NoError(t, err)
			var decoded JobError
			require.NoError(t, json.Unmarshal(data, &decoded))
			require.Equal(t, *jobErr, decoded)

			if tt.wantIs != nil {
				require.ErrorIs(t, &decoded, tt.wantIs)
			} else {
				require.Empty(t, decoded.Cause)
			}
			require.Same(t, jobErr, NewJobError(jobErr))
		})
	}
}
