/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/fault"
	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/log/logtest"
	"github.com/acronis/go-resilience/testutil"
)

var (
	errUnavailable = fault.New(fault.KindServiceUnavailable, "call", errors.New("upstream is down"))
	errBadRequest  = fault.New(fault.KindInvalidArgument, "call", errors.New("bad input"))
)

func failWith(err error) func(ctx context.Context) error {
	return func(ctx context.Context) error { return err }
}

func succeed(ctx context.Context) error { return nil }

func TestBreaker_OpensAfterConsecutiveTimeouts(t *testing.T) {
	b := New(Opts{Name: "payments", FailureThreshold: 2, OperationTimeout: 100 * time.Millisecond})

	slow := func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for i := 0; i < 2; i++ {
		err := b.Execute(context.Background(), "charge", slow)
		timeoutErr := testutil.RequireErrorAs[*fault.TimeoutError](t, err)
		require.Equal(t, "charge", timeoutErr.Op)
		require.ErrorIs(t, err, fault.ErrTimeout)
	}
	require.Equal(t, StateOpen, b.Status().State)

	var invoked atomic.Bool
	start := time.Now()
	err := b.Execute(context.Background(), "charge", func(ctx context.Context) error {
		invoked.Store(true)
		return nil
	})
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.False(t, invoked.Load())
	openErr := testutil.RequireErrorAs[*fault.CircuitOpenError](t, err)
	require.Equal(t, "payments", openErr.Name)
	require.ErrorIs(t, err, fault.ErrCircuitOpen)
	testutil.RequireFaultKind(t, err, fault.KindCircuitOpen)
}

func TestBreaker_StateMachine(t *testing.T) {
	ctx := context.Background()
	mockClock := clock.NewMock(time.Time{})
	logger := logtest.NewRecorder()
	metrics := NewPrometheusMetrics()
	b := New(Opts{
		Name:             "search",
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		Clock:            mockClock,
		Logger:           logger,
		MetricsCollector: metrics,
	})

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(ctx, "", failWith(errUnavailable)), errUnavailable)
	}
	st := b.Status()
	require.Equal(t, StateClosed, st.State)
	require.Equal(t, 2, st.FailureCount)

	require.ErrorIs(t, b.Execute(ctx, "", failWith(errUnavailable)), errUnavailable)
	st = b.Status()
	require.Equal(t, StateOpen, st.State)
	require.Equal(t, mockClock.Now().Add(time.Minute), st.NextAttemptTime)
	testutil.RequireMetricValue(t, metrics.State, float64(StateOpen))
	testutil.RequireMetricValue(t, metrics.SevereFailuresTotal, 3)

	entry, found := logger.FindEntry("circuit breaker state changed")
	require.True(t, found)
	require.Equal(t, log.LevelWarn, entry.Level)
	require.Equal(t, "search", entry.FieldString("circuit_breaker"))
	require.Equal(t, "closed", entry.FieldString("from"))
	require.Equal(t, "open", entry.FieldString("to"))

	mockClock.Add(30 * time.Second)
	err := b.Execute(ctx, "", succeed)
	openErr := testutil.RequireErrorAs[*fault.CircuitOpenError](t, err)
	require.Equal(t, 30*time.Second, openErr.RetryAfter(mockClock.Now()))
	testutil.RequireMetricValue(t, metrics.RejectionsTotal, 1)

	mockClock.Add(30 * time.Second)
	require.Equal(t, StateHalfOpen, b.Status().State)

	// Failed probe reopens the breaker for a fresh recovery timeout.
	require.ErrorIs(t, b.Execute(ctx, "", failWith(errUnavailable)), errUnavailable)
	st = b.Status()
	require.Equal(t, StateOpen, st.State)
	require.Equal(t, mockClock.Now().Add(time.Minute), st.NextAttemptTime)

	mockClock.Add(time.Minute)
	require.NoError(t, b.Execute(ctx, "", succeed))
	st = b.Status()
	require.Equal(t, StateClosed, st.State)
	require.Zero(t, st.FailureCount)
	require.True(t, st.NextAttemptTime.IsZero())
	testutil.RequireMetricValue(t, metrics.State, float64(StateClosed))
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	ctx := context.Background()
	mockClock := clock.NewMock(time.Time{})
	b := New(Opts{Name: "search", FailureThreshold: 1, RecoveryTimeout: time.Second, Clock: mockClock})

	require.Error(t, b.Execute(ctx, "", failWith(errUnavailable)))
	mockClock.Add(time.Second)

	probeStarted := make(chan struct{})
	releaseProbe := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Execute(ctx, "", func(ctx context.Context) error {
			close(probeStarted)
			<-releaseProbe
			return nil
		})
	}()
	<-probeStarted

	err := b.Execute(ctx, "", succeed)
	openErr := testutil.RequireErrorAs[*fault.CircuitOpenError](t, err)
	require.Equal(t, mockClock.Now(), openErr.NextAttempt)

	close(releaseProbe)
	require.NoError(t, <-probeDone)
	require.Equal(t, StateClosed, b.Status().State)
	require.NoError(t, b.Execute(ctx, "", succeed))
}

func TestBreaker_NonSevereErrorsDoNotCount(t *testing.T) {
	ctx := context.Background()
	b := New(Opts{Name: "search", FailureThreshold: 2})

	for i := 0; i < 10; i++ {
		require.ErrorIs(t, b.Execute(ctx, "", failWith(errBadRequest)), errBadRequest)
	}
	require.Equal(t, StateClosed, b.Status().State)
	require.Zero(t, b.Status().FailureCount)

	// Non-severe errors neither count nor reset the consecutive failures.
	require.Error(t, b.Execute(ctx, "", failWith(errUnavailable)))
	require.Error(t, b.Execute(ctx, "", failWith(errBadRequest)))
	require.Equal(t, 1, b.Status().FailureCount)
	require.NoError(t, b.Execute(ctx, "", succeed))
	require.Zero(t, b.Status().FailureCount)
}

func TestBreaker_CustomSeverity(t *testing.T) {
	ctx := context.Background()
	errCustom := errors.New("custom")
	b := New(Opts{
		Name:             "search",
		FailureThreshold: 1,
		IsSevere:         func(err error) bool { return errors.Is(err, errCustom) },
	})
	require.Error(t, b.Execute(ctx, "", failWith(errUnavailable)))
	require.Equal(t, StateClosed, b.Status().State)
	require.Error(t, b.Execute(ctx, "", failWith(errCustom)))
	require.Equal(t, StateOpen, b.Status().State)
}

func TestBreaker_FailureCountAutoResets(t *testing.T) {
	ctx := context.Background()
	mockClock := clock.NewMock(time.Time{})
	b := New(Opts{Name: "search", FailureThreshold: 3, RecoveryTimeout: time.Minute, Clock: mockClock})

	require.Error(t, b.Execute(ctx, "", failWith(errUnavailable)))
	require.Error(t, b.Execute(ctx, "", failWith(errUnavailable)))
	require.Equal(t, 2, b.Status().FailureCount)

	mockClock.Add(time.Minute + time.Second)
	require.Zero(t, b.Status().FailureCount)

	require.Error(t, b.Execute(ctx, "", failWith(errUnavailable)))
	require.Equal(t, StateClosed, b.Status().State)
	require.Equal(t, 1, b.Status().FailureCount)
}

func TestBreaker_ParentContextCancellation(t *testing.T) {
	b := New(Opts{Name: "search", FailureThreshold: 1, OperationTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := b.Execute(ctx, "", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateClosed, b.Status().State)
}

func TestBreaker_Disabled(t *testing.T) {
	ctx := context.Background()
	b := New(Opts{Name: "search", Disabled: true, FailureThreshold: 1, OperationTimeout: 10 * time.Millisecond})
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, b.Execute(ctx, "", failWith(errUnavailable)), errUnavailable)
	}
	require.NoError(t, b.Execute(ctx, "", func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	}))
	require.Equal(t, StateClosed, b.Status().State)
}

func TestBreaker_Reset(t *testing.T) {
	ctx := context.Background()
	logger := logtest.NewRecorder()
	b := New(Opts{Name: "search", FailureThreshold: 1, Logger: logger})
	require.Error(t, b.Execute(ctx, "", failWith(errUnavailable)))
	require.Equal(t, StateOpen, b.Status().State)

	b.Reset()
	st := b.Status()
	require.Equal(t, StateClosed, st.State)
	require.Zero(t, st.FailureCount)
	require.True(t, st.LastFailureTime.IsZero())
	entries := logger.FindAllEntriesByFilter(func(e logtest.RecordedEntry) bool {
		return e.FieldString("reason") == "reset"
	})
	require.Len(t, entries, 1)
	require.NoError(t, b.Execute(ctx, "", succeed))
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	b := New(Opts{Name: "search", FailureThreshold: 1})

	n, err := Do(ctx, b, "count", func(ctx context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, n)

	n, err = Do(ctx, b, "count", func(ctx context.Context) (int, error) { return 7, errUnavailable })
	require.ErrorIs(t, err, errUnavailable)
	require.Zero(t, n)

	_, err = Do(ctx, b, "count", func(ctx context.Context) (int, error) { return 1, nil })
	require.ErrorIs(t, err, fault.ErrCircuitOpen)
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	ctx := context.Background()
	b := New(Opts{Name: "search", FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Execute(ctx, "", failWith(errUnavailable))
				return
			}
			_ = b.Status()
		}(i)
	}
	wg.Wait()
	require.Equal(t, 25, b.Status().FailureCount)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "open", StateOpen.String())
	require.Equal(t, "half_open", StateHalfOpen.String())
	require.Equal(t, "State(7)", State(7).String())
	text, err := StateHalfOpen.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "half_open", string(text))

	var s State
	require.NoError(t, s.UnmarshalText([]byte("open")))
	require.Equal(t, StateOpen, s)
	require.EqualError(t, s.UnmarshalText([]byte("broken")), `unknown circuit breaker state "broken"`)
}
