/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package governor composes the cache, dedupe, rate limiter and circuit breaker into one governed call.
//
// A governed call for a fingerprint runs as follows:
//  1. a cached value is returned right away;
//  2. if an identical call is already executing (here or in another process sharing the store),
//     its settlement is awaited instead of issuing a new remote call;
//  3. otherwise the call waits for rate limiter admission (bounded by the max wait),
//     runs the remote operation through the resource's circuit breaker (optionally with retries),
//     populates the cache and settles the dedupe job, so every waiter gets the same outcome.
package governor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-resilience/cache"
	"github.com/acronis/go-resilience/circuitbreaker"
	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/dedupe"
	"github.com/acronis/go-resilience/fault"
	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/ratelimit"
	"github.com/acronis/go-resilience/retry"
	"github.com/acronis/go-resilience/service"
	"github.com/acronis/go-resilience/store"
)

// Outcome is a result class of a governed call.
type Outcome string

// Governed call outcomes.
const (
	OutcomeCacheHit    Outcome = "cache_hit"
	OutcomeCoalesced   Outcome = "coalesced"
	OutcomeExecuted    Outcome = "executed"
	OutcomeFailed      Outcome = "failed"
	OutcomeRateLimited Outcome = "rate_limited"
)

// maxRegisterAttempts bounds re-registration when a job vanishes between a failed Register and WaitFor.
const maxRegisterAttempts = 3

// DefaultStopTimeout bounds waiting for maintenance workers on Stop.
const DefaultStopTimeout = 10 * time.Second

// Call describes one logical fetch-or-compute invocation.
type Call struct {
	// Resource is the rate limited and circuit protected downstream (e.g. "search-api").
	Resource string
	// Operation names the remote operation. It's used in timeout errors and the fingerprint.
	Operation string
	// Args identify the invocation together with Resource and Operation. They must be JSON-serializable.
	Args interface{}
	// Key overrides the fingerprint computed from Resource, Operation and Args.
	Key string
	// Priority is the traffic class for the rate limiter. ratelimit.PriorityUser if empty.
	Priority ratelimit.Priority
	// CacheTTL is the TTL of the produced value. The configured default TTL if zero. Negative means do not keep.
	CacheTTL time.Duration
	// SkipCache bypasses reading and populating the cache. Deduplication still applies.
	SkipCache bool
}

// Fingerprint returns a deterministic key of an invocation: hex-encoded SHA-256 of resource, operation and JSON args.
func Fingerprint(resource, operation string, args interface{}) (string, error) {
	argsData, err := json.Marshal(args)
	if err != nil {
		return "", &fault.SerializationError{Err: fmt.Errorf("marshal call args: %w", err)}
	}
	h := sha256.New()
	h.Write([]byte(resource))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write(argsData)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComponentMetrics holds optional metrics collectors of the composed components.
type ComponentMetrics struct {
	Cache          cache.MetricsCollector
	Dedupe         dedupe.MetricsCollector
	RateLimit      ratelimit.MetricsCollector
	CircuitBreaker circuitbreaker.MetricsCollector
}

// Opts represents options for Governor.
type Opts struct {
	// Store is the backing store shared by the components. If nil, it's created from the store configuration
	// and closed by Stop.
	Store store.Store
	// StopTimeout bounds waiting for maintenance workers on Stop. DefaultStopTimeout if zero.
	StopTimeout time.Duration

	Clock  clock.Clock
	Logger log.FieldLogger
	// LogLevels quiets logs of individual components, see log.ForComponent.
	LogLevels        log.ComponentLevels
	MetricsCollector MetricsCollector
	ComponentMetrics ComponentMetrics
}

// Stats is a snapshot of governor and component statistics.
type Stats struct {
	Calls           map[Outcome]uint64      `json:"calls"`
	Cache           cache.Stats             `json:"cache"`
	Dedupe          dedupe.Stats            `json:"dedupe"`
	RateLimit       ratelimit.Stats         `json:"rateLimit"`
	CircuitBreakers []circuitbreaker.Status `json:"circuitBreakers"`
	// Maintenance holds run statistics of background maintenance workers by name.
	Maintenance map[string]service.WorkerStats `json:"maintenance"`
}

// Governor runs governed calls. It's safe for concurrent use.
type Governor struct {
	store      store.Store
	ownsStore  bool
	cache      cache.Cache
	dedupe     *dedupe.Dedupe
	limiter    ratelimit.Limiter
	breakers   *circuitbreaker.Registry
	retry      retry.Policy
	defaultTTL time.Duration
	maxWait    time.Duration
	onMaxWait  ratelimit.MaxWaitPolicy
	workers    *service.Group

	clock   clock.Clock
	logger  log.FieldLogger
	metrics MetricsCollector

	calls   map[Outcome]*atomic.Uint64
	stopped atomic.Bool
}

// New creates a new Governor from the configuration. Nil parts of cfg take default values.
func New(cfg *Config, opts Opts) (*Governor, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	cfg = cfg.withDefaults()
	clk := clock.OrReal(opts.Clock)
	logger := log.ForComponent(opts.Logger, opts.LogLevels, log.ComponentGovernor)
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = DefaultStopTimeout
	}

	g := &Governor{
		store:      opts.Store,
		defaultTTL: cfg.Cache.DefaultTTL,
		maxWait:    cfg.RateLimit.MaxWait,
		onMaxWait:  cfg.RateLimit.OnMaxWait,
		clock:      clk,
		logger:     logger,
		metrics:    opts.MetricsCollector,
		calls:      make(map[Outcome]*atomic.Uint64),
	}
	for _, o := range []Outcome{OutcomeCacheHit, OutcomeCoalesced, OutcomeExecuted, OutcomeFailed, OutcomeRateLimited} {
		g.calls[o] = atomic.NewUint64(0)
	}

	shared := opts.Store != nil || (cfg.Store.Type != "" && cfg.Store.Type != StoreTypeMemory)
	if g.store == nil {
		s, err := NewStore(cfg.Store, clk)
		if err != nil {
			return nil, fmt.Errorf("create backing store: %w", err)
		}
		g.store, g.ownsStore = s, true
	}

	var err error
	cacheLogger := log.ForComponent(opts.Logger, opts.LogLevels, log.ComponentCache)
	if g.cache, err = newCache(cfg.Cache, g.store, clk, cacheLogger, opts.ComponentMetrics.Cache); err != nil {
		g.closeOwnedStore()
		return nil, fmt.Errorf("create cache: %w", err)
	}

	dedupeOpts := cfg.Dedupe.Opts()
	dedupeOpts.Clock = clk
	dedupeOpts.Logger = log.ForComponent(opts.Logger, opts.LogLevels, log.ComponentDedupe)
	dedupeOpts.MetricsCollector = opts.ComponentMetrics.Dedupe
	g.dedupe = dedupe.New(g.store, dedupeOpts)

	limiterOpts := ratelimit.Opts{
		Clock:            clk,
		Logger:           log.ForComponent(opts.Logger, opts.LogLevels, log.ComponentRateLimit),
		MetricsCollector: opts.ComponentMetrics.RateLimit,
	}
	if shared {
		limiterOpts.Log = ratelimit.NewStoreLog(g.store, "", windowRetention(cfg.RateLimit))
	}
	if g.limiter, err = ratelimit.New(cfg.RateLimit, limiterOpts); err != nil {
		g.dedupe.Close()
		g.closeOwnedStore()
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	breakerOpts := cfg.CircuitBreaker.Opts()
	breakerOpts.Clock = clk
	breakerOpts.Logger = log.ForComponent(opts.Logger, opts.LogLevels, log.ComponentCircuitBreaker)
	breakerOpts.MetricsCollector = opts.ComponentMetrics.CircuitBreaker
	g.breakers = circuitbreaker.NewRegistry(breakerOpts)

	if cfg.Retries.Enabled {
		g.retry = cfg.Retries.NewPolicy()
	}

	maintenanceLogger := log.ForComponent(opts.Logger, opts.LogLevels, log.ComponentMaintenance)
	g.workers = g.newMaintenance(cfg, opts.StopTimeout, maintenanceLogger)
	return g, nil
}

func newCache(
	cfg *cache.Config, s store.Store, clk clock.Clock, logger log.FieldLogger, metrics cache.MetricsCollector,
) (cache.Cache, error) {
	if cfg.Backend == cache.BackendStore {
		return cache.NewBacked(s, cache.BackedOpts{
			MaxValueBytes:    int(cfg.MaxValueBytes), //nolint:gosec // configured by operator
			Clock:            clk,
			Logger:           logger,
			MetricsCollector: metrics,
		}), nil
	}
	memOpts := cfg.MemoryOpts()
	memOpts.Clock = clk
	memOpts.Logger = logger
	memOpts.MetricsCollector = metrics
	return cache.NewMemory(memOpts)
}

// windowRetention is how long rate window records kept in the store are needed.
func windowRetention(cfg *ratelimit.Config) time.Duration {
	res := cfg.Default.Window
	for _, rr := range cfg.Resources {
		if rr.Rate.Window > res {
			res = rr.Rate.Window
		}
	}
	if cfg.Mode == ratelimit.ModeAdaptive && cfg.Adaptive.MonitoringWindow > res {
		res = cfg.Adaptive.MonitoringWindow
	}
	return res
}

func (g *Governor) newMaintenance(cfg *Config, stopTimeout time.Duration, logger log.FieldLogger) *service.Group {
	workers := service.NewGroup(service.GroupOpts{
		Logger:              logger,
		GracefulStopTimeout: stopTimeout,
	})
	workers.AddPeriodic("cache-cleanup", cfg.Cache.CleanupInterval, func(ctx context.Context) error {
		n, err := g.cache.Cleanup(ctx)
		if n > 0 {
			g.logger.Debug("expired cache entries removed", log.Int("count", n))
		}
		return err
	})
	workers.AddPeriodic("dedupe-cleanup", cfg.Dedupe.CleanupInterval, func(ctx context.Context) error {
		_, err := g.dedupe.Cleanup(ctx)
		return err
	})
	workers.AddPeriodic("ratelimit-purge", cfg.RateLimit.PurgeInterval, func(ctx context.Context) error {
		_, err := g.limiter.Purge(ctx)
		return err
	})
	if adaptive, ok := g.limiter.(*ratelimit.Adaptive); ok {
		workers.AddPeriodic("ratelimit-recalculation", cfg.RateLimit.Adaptive.RecalculationInterval, adaptive.Recalculate)
	}
	if _, ok := g.store.(store.Sweeper); ok {
		workers.AddPeriodic("store-sweep", cfg.Store.SweepInterval, func(ctx context.Context) error {
			_, err := store.Sweep(ctx, g.store)
			return err
		})
	}
	return workers
}

// Start launches background maintenance: expiry sweeps, cleanup of settled jobs,
// purge of rate window records and capacity recalculation. Failures are logged and retried on the next tick.
func (g *Governor) Start() error {
	return g.workers.Start()
}

// Stop stops background maintenance waiting for the workers to return, fails pending jobs of this process
// and closes the backing store if it was created by the governor. Subsequent calls do nothing.
func (g *Governor) Stop() error {
	if !g.stopped.CompareAndSwap(false, true) {
		return nil
	}
	err := g.workers.Stop(true)
	g.dedupe.Close()
	if closeErr := g.closeOwnedStore(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (g *Governor) closeOwnedStore() error {
	if !g.ownsStore {
		return nil
	}
	return g.store.Close()
}

// Execute runs a governed call. fn is invoked at most once per settled dedupe job and only after admission.
// Exactly one of the value and the error is returned. Errors are from the fault taxonomy
// (e.g. *fault.RateLimitedError, *fault.CircuitOpenError, *fault.TimeoutError) or returned by fn.
func (g *Governor) Execute(ctx context.Context, call Call, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	start := time.Now()
	res, outcome, err := g.execute(ctx, call, fn)
	g.calls[outcome].Inc()
	g.metrics.ObserveCall(call.Resource, outcome, time.Since(start))
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (g *Governor) execute(
	ctx context.Context, call Call, fn func(ctx context.Context) ([]byte, error),
) ([]byte, Outcome, error) {
	if call.Resource == "" {
		return nil, OutcomeFailed, fault.Errorf(fault.KindInvalidArgument, "governed call: resource cannot be empty")
	}
	if call.Priority == "" {
		call.Priority = ratelimit.PriorityUser
	}
	key := call.Key
	if key == "" {
		var err error
		if key, err = Fingerprint(call.Resource, call.Operation, call.Args); err != nil {
			return nil, OutcomeFailed, err
		}
	}

	if !call.SkipCache {
		if val, found, err := g.cache.Get(ctx, key); err != nil {
			return nil, OutcomeFailed, err
		} else if found {
			return val, OutcomeCacheHit, nil
		}
	}

	jobID, val, coalesced, err := g.register(ctx, key)
	if err != nil {
		return nil, OutcomeFailed, err
	}
	if coalesced {
		return val, OutcomeCoalesced, nil
	}

	// The value might have been cached by a job that settled right before the registration.
	if !call.SkipCache {
		if val, found, err := g.cache.Get(ctx, key); err != nil {
			g.failJob(ctx, key, jobID, err)
			return nil, OutcomeFailed, err
		} else if found {
			g.completeJob(ctx, key, jobID, val)
			return val, OutcomeCacheHit, nil
		}
	}

	val, err = g.run(ctx, call, fn)
	if err != nil {
		g.failJob(ctx, key, jobID, err)
		if errors.Is(err, fault.ErrRateLimited) {
			return nil, OutcomeRateLimited, err
		}
		return nil, OutcomeFailed, err
	}

	if !call.SkipCache && call.CacheTTL >= 0 {
		ttl := call.CacheTTL
		if ttl == 0 {
			ttl = g.defaultTTL
		}
		if err = g.cache.Set(ctx, key, val, ttl); err != nil {
			g.failJob(ctx, key, jobID, err)
			return nil, OutcomeFailed, err
		}
	}
	if err = g.completeJob(ctx, key, jobID, val); err != nil {
		return nil, OutcomeFailed, err
	}
	return val, OutcomeExecuted, nil
}

// register registers a dedupe job for key or waits for the settlement of an identical one.
func (g *Governor) register(ctx context.Context, key string) (jobID string, val []byte, coalesced bool, err error) {
	for i := 0; i < maxRegisterAttempts; i++ {
		jobID, err = g.dedupe.Register(ctx, key)
		if err == nil {
			return jobID, nil, false, nil
		}
		if !errors.Is(err, fault.ErrAlreadyInProgress) {
			return "", nil, false, err
		}
		var found bool
		if val, found, err = g.dedupe.WaitFor(ctx, key); err != nil {
			return "", nil, false, err
		}
		if found {
			return "", val, true, nil
		}
	}
	return "", nil, false, fmt.Errorf("register governed call %q: %w", key, fault.ErrAlreadyInProgress)
}

// run waits for admission and executes fn through the breaker of the resource.
func (g *Governor) run(ctx context.Context, call Call, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if err := ratelimit.Wait(ctx, g.limiter, call.Resource, call.Priority, g.maxWait); err != nil {
		var rlErr *fault.RateLimitedError
		if !errors.As(err, &rlErr) || g.onMaxWait != ratelimit.MaxWaitPolicyProceed {
			return nil, err
		}
		g.logger.Warn("rate limit max wait exceeded, proceeding",
			log.String("resource", call.Resource), log.String("priority", string(call.Priority)),
			log.Duration("wait_time", rlErr.WaitTime))
		if err = g.limiter.Record(ctx, call.Resource, call.Priority); err != nil {
			return nil, err
		}
	}

	breaker := g.breakers.Get(call.Resource)
	op := func(ctx context.Context) ([]byte, error) {
		return circuitbreaker.Do(ctx, breaker, call.Operation, fn)
	}
	if g.retry == nil {
		return op(ctx)
	}
	return retry.Do(ctx, g.retry, fault.IsSevere, func(err error, delay time.Duration) {
		g.logger.Warn("governed call failed, retrying",
			log.String("resource", call.Resource), log.String("operation", call.Operation),
			log.Duration("delay", delay), log.Error(err))
	}, op)
}

// completeJob settles the job even if ctx is canceled, since other callers may wait for it.
// A job superseded after its timeout is not an error of this call.
func (g *Governor) completeJob(ctx context.Context, key, jobID string, val []byte) error {
	err := g.dedupe.Complete(context.WithoutCancel(ctx), key, jobID, val)
	if errors.Is(err, fault.ErrNotFound) {
		g.logger.Warn("governed call outlived its dedupe job", log.String("key", key), log.String("job_id", jobID))
		return nil
	}
	return err
}

func (g *Governor) failJob(ctx context.Context, key, jobID string, jobErr error) {
	if err := g.dedupe.Fail(context.WithoutCancel(ctx), key, jobID, jobErr); err != nil && !errors.Is(err, fault.ErrNotFound) {
		g.logger.Error("failed to settle dedupe job", log.String("key", key), log.String("job_id", jobID), log.Error(err))
	}
}

// Do runs a governed call producing a JSON-serializable value, see Governor.Execute.
func Do[T any](ctx context.Context, g *Governor, call Call, fn func(ctx context.Context) (T, error)) (T, error) {
	var res T
	data, err := g.Execute(ctx, call, func(ctx context.Context) ([]byte, error) {
		v, fnErr := fn(ctx)
		if fnErr != nil {
			return nil, fnErr
		}
		b, marshalErr := json.Marshal(v)
		if marshalErr != nil {
			return nil, &fault.SerializationError{Err: marshalErr}
		}
		return b, nil
	})
	if err != nil {
		return res, err
	}
	if err = json.Unmarshal(data, &res); err != nil {
		return res, &fault.SerializationError{Size: len(data), Err: err}
	}
	return res, nil
}

// Stats returns a snapshot of governor and component statistics.
func (g *Governor) Stats() Stats {
	calls := make(map[Outcome]uint64, len(g.calls))
	for o, c := range g.calls {
		calls[o] = c.Load()
	}
	return Stats{
		Calls:           calls,
		Cache:           g.cache.Stats(),
		Dedupe:          g.dedupe.Stats(),
		RateLimit:       g.limiter.Stats(),
		CircuitBreakers: g.breakers.Statuses(),
		Maintenance:     g.workers.Stats(),
	}
}

// Cache returns the cache of governed values.
func (g *Governor) Cache() cache.Cache {
	return g.cache
}

// Limiter returns the rate limiter.
func (g *Governor) Limiter() ratelimit.Limiter {
	return g.limiter
}

// Breakers returns the registry of per-resource circuit breakers.
func (g *Governor) Breakers() *circuitbreaker.Registry {
	return g.breakers
}

// Dedupe returns the deduplicator of in-flight calls.
func (g *Governor) Dedupe() *dedupe.Dedupe {
	return g.dedupe
}
