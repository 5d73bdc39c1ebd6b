/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package governor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-resilience/cache"
	"github.com/acronis/go-resilience/circuitbreaker"
	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/fault"
	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/log/logtest"
	"github.com/acronis/go-resilience/ratelimit"
	"github.com/acronis/go-resilience/service"
	"github.com/acronis/go-resilience/store"
	"github.com/acronis/go-resilience/store/memstore"
	"github.com/acronis/go-resilience/testutil"
)

var errUnavailable = fault.New(fault.KindServiceUnavailable, "fetch", errors.New("upstream is down"))

func newTestGovernor(t *testing.T, mutate func(cfg *Config), opts Opts) *Governor {
	t.Helper()
	cfg := NewDefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	g, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, g.Stop()) })
	return g
}

func TestGovernor_ConcurrentIdenticalCalls(t *testing.T) {
	ctx := context.Background()
	mockClock := clock.NewMock(time.Time{})
	metrics := NewPrometheusMetrics()
	g := newTestGovernor(t, nil, Opts{Clock: mockClock, MetricsCollector: metrics})

	call := Call{Resource: "search", Operation: "query", Args: map[string]string{"q": "go"}, CacheTTL: time.Hour}
	var executions atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fn := func(ctx context.Context) ([]byte, error) {
		if executions.Inc() == 1 {
			close(started)
		}
		<-release
		return []byte("result"), nil
	}

	type result struct {
		val []byte
		err error
	}
	results := make(chan result, 2)
	go func() {
		val, err := g.Execute(ctx, call, fn)
		results <- result{val, err}
	}()
	<-started
	go func() {
		val, err := g.Execute(ctx, call, fn)
		results <- result{val, err}
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		res := <-results
		require.NoError(t, res.err)
		require.Equal(t, []byte("result"), res.val)
	}
	require.Equal(t, int32(1), executions.Load())

	stats := g.Stats()
	require.Equal(t, uint64(1), stats.Calls[OutcomeExecuted])
	require.Equal(t, uint64(1), stats.Calls[OutcomeCoalesced]+stats.Calls[OutcomeCacheHit])
	require.Equal(t, 1, stats.Cache.Count)
	require.Equal(t, uint64(1), stats.RateLimit.RecordedUser)

	// The value is served from the cache until its TTL elapses.
	mockClock.Add(time.Hour - time.Second)
	val, err := g.Execute(ctx, call, fn)
	require.NoError(t, err)
	require.Equal(t, []byte("result"), val)
	require.Equal(t, int32(1), executions.Load())

	mockClock.Add(time.Second)
	_, err = g.Execute(ctx, call, fn)
	require.NoError(t, err)
	require.Equal(t, int32(2), executions.Load())
	testutil.RequireMetricValue(t, metrics.CallsTotal.WithLabelValues("search", string(OutcomeExecuted)), 2)
	testutil.RequireHistogramSampleCount(t, metrics.CallDuration.WithLabelValues("search", string(OutcomeExecuted)), 2)
}

func TestGovernor_FailureIsSharedWithWaiters(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t, nil, Opts{})

	call := Call{Resource: "search", Operation: "query", Args: 1}
	started := make(chan struct{})
	release := make(chan struct{})
	var executions atomic.Int32
	fn := func(ctx context.Context) ([]byte, error) {
		if executions.Inc() == 1 {
			close(started)
		}
		<-release
		return nil, errUnavailable
	}

	errs := make(chan error, 1)
	go func() {
		_, err := g.Execute(ctx, call, fn)
		errs <- err
	}()
	<-started

	waiterErrs := make(chan error, 1)
	go func() {
		_, err := g.Execute(ctx, call, fn)
		waiterErrs <- err
	}()
	require.Eventually(t, func() bool { return g.Stats().Dedupe.Waiters == 1 }, time.Second, 5*time.Millisecond)
	close(release)

	require.ErrorIs(t, <-errs, errUnavailable)
	require.ErrorIs(t, <-waiterErrs, errUnavailable)
	require.Equal(t, int32(1), executions.Load())

	// Failures are not cached.
	_, found, err := g.Cache().Get(ctx, mustFingerprint(t, call))
	require.NoError(t, err)
	require.False(t, found)
}

func TestGovernor_RateLimited(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t, func(cfg *Config) {
		cfg.RateLimit.Default = ratelimit.Rate{Limit: 1, Window: time.Minute}
		cfg.RateLimit.MaxWait = 0
	}, Opts{})

	fn := func(ctx context.Context) ([]byte, error) { return []byte("ok"), nil }
	_, err := g.Execute(ctx, Call{Resource: "search", Args: 1}, fn)
	require.NoError(t, err)

	var invoked atomic.Bool
	_, err = g.Execute(ctx, Call{Resource: "search", Args: 2}, func(ctx context.Context) ([]byte, error) {
		invoked.Store(true)
		return []byte("ok"), nil
	})
	rlErr := testutil.RequireErrorAs[*fault.RateLimitedError](t, err)
	require.Equal(t, "search", rlErr.Resource)
	require.Equal(t, string(ratelimit.PriorityUser), rlErr.Priority)
	require.Greater(t, rlErr.WaitTime, time.Duration(0))
	require.False(t, invoked.Load())
	require.Equal(t, uint64(1), g.Stats().Calls[OutcomeRateLimited])

	// Another resource has its own window.
	_, err = g.Execute(ctx, Call{Resource: "billing", Args: 2}, fn)
	require.NoError(t, err)
}

func TestGovernor_RateLimitedProceed(t *testing.T) {
	ctx := context.Background()
	logger := logtest.NewRecorder()
	g := newTestGovernor(t, func(cfg *Config) {
		cfg.RateLimit.Default = ratelimit.Rate{Limit: 1, Window: time.Minute}
		cfg.RateLimit.MaxWait = 10 * time.Millisecond
		cfg.RateLimit.OnMaxWait = ratelimit.MaxWaitPolicyProceed
	}, Opts{Logger: logger})

	fn := func(ctx context.Context) ([]byte, error) { return []byte("ok"), nil }
	for i := 0; i < 3; i++ {
		_, err := g.Execute(ctx, Call{Resource: "search", Args: i}, fn)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(3), g.Stats().Calls[OutcomeExecuted])
	require.Equal(t, uint64(3), g.Stats().RateLimit.RecordedUser)
	_, found := logger.FindEntry("rate limit max wait exceeded, proceeding")
	require.True(t, found)
}

func TestGovernor_ComponentLogLevels(t *testing.T) {
	ctx := context.Background()
	logger := logtest.NewRecorder()
	g := newTestGovernor(t, func(cfg *Config) {
		cfg.CircuitBreaker.FailureThreshold = 1
	}, Opts{Logger: logger, LogLevels: log.ComponentLevels{log.ComponentCircuitBreaker: log.LevelError}})

	_, err := g.Execute(ctx, Call{Resource: "search"}, func(ctx context.Context) ([]byte, error) {
		return nil, errUnavailable
	})
	require.ErrorIs(t, err, errUnavailable)
	require.Equal(t, circuitbreaker.StateOpen, g.Breakers().Get("search").Status().State)
	_, found := logger.FindEntry("circuit breaker state changed")
	require.False(t, found)

	entries := logger.FindAllEntriesByFilter(func(e logtest.RecordedEntry) bool {
		return e.FieldString("component") == log.ComponentCircuitBreaker
	})
	require.Empty(t, entries)
}

func TestGovernor_CircuitBreaker(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t, func(cfg *Config) {
		cfg.CircuitBreaker.FailureThreshold = 2
	}, Opts{})

	var executions atomic.Int32
	fn := func(ctx context.Context) ([]byte, error) {
		executions.Inc()
		return nil, errUnavailable
	}
	for i := 0; i < 2; i++ {
		_, err := g.Execute(ctx, Call{Resource: "search", Args: i}, fn)
		require.ErrorIs(t, err, errUnavailable)
	}
	_, err := g.Execute(ctx, Call{Resource: "search", Args: 3}, fn)
	openErr := testutil.RequireErrorAs[*fault.CircuitOpenError](t, err)
	require.Equal(t, "search", openErr.Name)
	require.Equal(t, int32(2), executions.Load())

	statuses := g.Breakers().Statuses()
	require.Len(t, statuses, 1)
	require.Equal(t, circuitbreaker.StateOpen, statuses[0].State)
	require.Equal(t, uint64(3), g.Stats().Calls[OutcomeFailed])
}

func TestGovernor_OperationTimeout(t *testing.T) {
	g := newTestGovernor(t, func(cfg *Config) {
		cfg.CircuitBreaker.OperationTimeout = 50 * time.Millisecond
	}, Opts{})
	_, err := g.Execute(context.Background(), Call{Resource: "search", Operation: "query"},
		func(ctx context.Context) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	timeoutErr := testutil.RequireErrorAs[*fault.TimeoutError](t, err)
	require.Equal(t, "query", timeoutErr.Op)
}

func TestGovernor_Retries(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t, func(cfg *Config) {
		cfg.Retries.Enabled = true
		cfg.Retries.MaxAttempts = 3
		cfg.Retries.InitialInterval = time.Millisecond
	}, Opts{})

	var attempts atomic.Int32
	val, err := g.Execute(ctx, Call{Resource: "search", Args: 1}, func(ctx context.Context) ([]byte, error) {
		if attempts.Inc() < 3 {
			return nil, errUnavailable
		}
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), val)
	require.Equal(t, int32(3), attempts.Load())

	errNotFound := fault.New(fault.KindNotFound, "fetch", errors.New("no such item"))
	attempts.Store(0)
	_, err = g.Execute(ctx, Call{Resource: "search", Args: 2}, func(ctx context.Context) ([]byte, error) {
		attempts.Inc()
		return nil, errNotFound
	})
	require.ErrorIs(t, err, errNotFound)
	require.Equal(t, int32(1), attempts.Load())
}

func TestGovernor_SkipCache(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t, nil, Opts{})
	var executions atomic.Int32
	fn := func(ctx context.Context) ([]byte, error) {
		executions.Inc()
		return []byte("ok"), nil
	}
	for i := 0; i < 2; i++ {
		_, err := g.Execute(ctx, Call{Resource: "search", Args: 1, SkipCache: true}, fn)
		require.NoError(t, err)
	}
	require.Equal(t, int32(2), executions.Load())
	require.Zero(t, g.Stats().Cache.Count)

	_, err := g.Execute(ctx, Call{Resource: "search", Args: 2, CacheTTL: -1}, fn)
	require.NoError(t, err)
	require.Zero(t, g.Stats().Cache.Count)
}

func TestGovernor_InvalidCall(t *testing.T) {
	ctx := context.Background()
	g := newTestGovernor(t, nil, Opts{})
	fn := func(ctx context.Context) ([]byte, error) { return nil, nil }

	_, err := g.Execute(ctx, Call{}, fn)
	testutil.RequireFaultKind(t, err, fault.KindInvalidArgument)

	_, err = g.Execute(ctx, Call{Resource: "search", Args: make(chan int)}, fn)
	require.ErrorIs(t, err, fault.ErrSerialization)
}

func TestGovernor_CanceledWaiterDoesNotAffectJob(t *testing.T) {
	g := newTestGovernor(t, nil, Opts{})
	call := Call{Resource: "search", Key: "fixed-key"}
	started := make(chan struct{})
	release := make(chan struct{})
	fn := func(ctx context.Context) ([]byte, error) {
		close(started)
		<-release
		return []byte("ok"), nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := g.Execute(context.Background(), call, fn)
		done <- err
	}()
	<-started

	waiterCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Execute(waiterCtx, call, fn)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
	val, found, err := g.Cache().Get(context.Background(), "fixed-key")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("ok"), val)
}

func TestDo(t *testing.T) {
	type user struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	ctx := context.Background()
	g := newTestGovernor(t, nil, Opts{})
	var executions atomic.Int32
	fetch := func(ctx context.Context) (user, error) {
		executions.Inc()
		return user{ID: 7, Name: "alice"}, nil
	}
	call := Call{Resource: "users", Operation: "get", Args: 7}
	for i := 0; i < 2; i++ {
		u, err := Do(ctx, g, call, fetch)
		require.NoError(t, err)
		require.Equal(t, user{ID: 7, Name: "alice"}, u)
	}
	require.Equal(t, int32(1), executions.Load())

	_, err := Do(ctx, g, Call{Resource: "users", Args: 8}, func(ctx context.Context) (user, error) {
		return user{}, errUnavailable
	})
	require.ErrorIs(t, err, errUnavailable)
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint("search", "query", map[string]int{"page": 1, "size": 10})
	require.NoError(t, err)
	b, err := Fingerprint("search", "query", map[string]int{"size": 10, "page": 1})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 64)

	c, err := Fingerprint("search", "count", map[string]int{"page": 1, "size": 10})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
	d, err := Fingerprint("searchquery", "", map[string]int{"page": 1, "size": 10})
	require.NoError(t, err)
	require.NotEqual(t, a, d)

	_, err = Fingerprint("search", "query", func() {})
	require.ErrorIs(t, err, fault.ErrSerialization)
}

func TestGovernor_SharedStore(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	newGovernor := func() *Governor {
		return newTestGovernor(t, func(cfg *Config) {
			cfg.Cache.Backend = cache.BackendStore
			cfg.RateLimit.Default = ratelimit.Rate{Limit: 2, Window: time.Minute}
			cfg.RateLimit.MaxWait = 0
		}, Opts{Store: s})
	}
	g1, g2 := newGovernor(), newGovernor()

	var executions atomic.Int32
	fn := func(ctx context.Context) ([]byte, error) {
		executions.Inc()
		return []byte("ok"), nil
	}
	call := Call{Resource: "search", Args: 1}
	_, err := g1.Execute(ctx, call, fn)
	require.NoError(t, err)
	val, err := g2.Execute(ctx, call, fn)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), val)
	require.Equal(t, int32(1), executions.Load())
	require.Equal(t, uint64(1), g2.Stats().Calls[OutcomeCacheHit])

	// Both governors count toward the same window.
	_, err = g2.Execute(ctx, Call{Resource: "search", Args: 2}, fn)
	require.NoError(t, err)
	_, err = g1.Execute(ctx, Call{Resource: "search", Args: 3}, fn)
	require.ErrorIs(t, err, fault.ErrRateLimited)

	// The store is not owned, so it's still usable after Stop.
	require.NoError(t, g1.Stop())
	_, found, err := s.Get(ctx, store.JoinKey(cache.DefaultBackedKeyPrefix, mustFingerprint(t, call)))
	require.NoError(t, err)
	require.True(t, found)
}

func TestGovernor_StoreRealizations(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	tests := []struct {
		name      string
		storeCfg  func(cfg *StoreConfig)
		checkKeys func(t *testing.T)
	}{
		{
			name: "file",
			storeCfg: func(cfg *StoreConfig) {
				cfg.Type = StoreTypeFile
				cfg.File.Path = filepath.Join(t.TempDir(), "governor.db")
			},
		},
		{
			name: "redis",
			storeCfg: func(cfg *StoreConfig) {
				cfg.Type = StoreTypeRedis
				cfg.Redis.Addr = mr.Addr()
			},
			checkKeys: func(t *testing.T) {
				var cacheKeys int
				for _, k := range mr.Keys() {
					if strings.HasPrefix(k, defaultStoreRedisKeyPrefix+cache.DefaultBackedKeyPrefix+":") {
						cacheKeys++
					}
				}
				require.Equal(t, 1, cacheKeys)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGovernor(t, func(cfg *Config) {
				cfg.Cache.Backend = cache.BackendStore
				tt.storeCfg(cfg.Store)
			}, Opts{})

			var executions atomic.Int32
			fn := func(ctx context.Context) ([]byte, error) {
				executions.Inc()
				return []byte("ok"), nil
			}
			for i := 0; i < 2; i++ {
				val, err := g.Execute(ctx, Call{Resource: "search", Args: "q"}, fn)
				require.NoError(t, err)
				require.Equal(t, []byte("ok"), val)
			}
			require.Equal(t, int32(1), executions.Load())
			require.Equal(t, 1, g.Stats().Cache.Count)
			if tt.checkKeys != nil {
				tt.checkKeys(t)
			}
		})
	}
}

func TestGovernor_StartStop(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Cache.CleanupInterval = 10 * time.Millisecond
	cfg.Dedupe.CleanupInterval = 10 * time.Millisecond
	cfg.RateLimit.Mode = ratelimit.ModeAdaptive
	cfg.RateLimit.Adaptive.RecalculationInterval = 10 * time.Millisecond
	cfg.RateLimit.PurgeInterval = 10 * time.Millisecond
	cfg.Store.SweepInterval = 10 * time.Millisecond
	g, err := New(cfg, Opts{})
	require.NoError(t, err)

	require.NoError(t, g.Start())
	require.ErrorIs(t, g.Start(), service.ErrGroupAlreadyStarted)

	_, err = g.Execute(context.Background(), Call{Resource: "search", Args: 1, CacheTTL: time.Millisecond},
		func(ctx context.Context) ([]byte, error) { return []byte("ok"), nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.Stats().Cache.Count == 0 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return g.Stats().Maintenance["ratelimit-recalculation"].Runs > 0 },
		time.Second, 10*time.Millisecond)
	maintenance := g.Stats().Maintenance
	for _, name := range []string{"cache-cleanup", "dedupe-cleanup", "ratelimit-purge", "ratelimit-recalculation", "store-sweep"} {
		require.Contains(t, maintenance, name)
		require.Zero(t, maintenance[name].Failures, name)
	}

	require.NoError(t, g.Stop())
	require.NoError(t, g.Stop())
}

func TestGovernor_MaintenanceIntervalsAreIndependent(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Cache.CleanupInterval = 0
	cfg.RateLimit.PurgeInterval = 10 * time.Millisecond
	cfg.Store.SweepInterval = 10 * time.Millisecond
	g, err := New(cfg, Opts{})
	require.NoError(t, err)
	require.NoError(t, g.Start())
	defer func() { require.NoError(t, g.Stop()) }()

	require.Eventually(t, func() bool {
		maintenance := g.Stats().Maintenance
		return maintenance["ratelimit-purge"].Runs > 0 && maintenance["store-sweep"].Runs > 0
	}, time.Second, 10*time.Millisecond)
	require.NotContains(t, g.Stats().Maintenance, "cache-cleanup")
}

func TestGovernor_StopFailsPendingJobs(t *testing.T) {
	g, err := New(nil, Opts{})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go func() {
		_, _ = g.Execute(context.Background(), Call{Resource: "search", Key: "k"}, func(ctx context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte("ok"), nil
		})
	}()
	<-started

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		_, waitErr = g.Execute(context.Background(), Call{Resource: "search", Key: "k"}, nil)
	}()
	require.Eventually(t, func() bool { return g.Stats().Dedupe.Waiters == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, g.Stop())
	wg.Wait()
	require.Error(t, waitErr)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(NewDefaultStoreConfig(), nil)
	require.NoError(t, err)
	require.IsType(t, &memstore.Store{}, s)
	require.NoError(t, s.Close())

	_, err = NewStore(&StoreConfig{Type: "disk"}, nil)
	require.EqualError(t, err, `unknown store type "disk"`)

	cfg := NewDefaultStoreConfig()
	cfg.Type = StoreTypeRedis
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Redis.Timeout = 200 * time.Millisecond
	_, err = NewStore(cfg, nil)
	require.ErrorIs(t, err, fault.ErrBackingStore)
}

func mustFingerprint(t *testing.T, call Call) string {
	t.Helper()
	if call.Key != "" {
		return call.Key
	}
	key, err := Fingerprint(call.Resource, call.Operation, call.Args)
	require.NoError(t, err)
	return key
}
