/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package dedupe coalesces concurrent identical operations into one executing job.
//
// A caller that wins Register executes the operation and settles the job with Complete or Fail.
// Other callers wait for the settlement with WaitFor. Waiters in the same process are unblocked
// by a one-time broadcast; waiters in other processes sharing the store poll it.
// Jobs live in a store.Store: the pending marker under "<prefix>:<hash>" (expiring at the job deadline,
// so an abandoned job is superseded silently) and the settled outcome under "<prefix>:<hash>:<jobID>".
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/acronis/go-resilience/clock"
	"github.com/acronis/go-resilience/fault"
	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/store"
)

// Default values.
const (
	DefaultKeyPrefix       = "dedupe"
	DefaultJobTimeout      = 30 * time.Second
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultResultRetention = time.Minute
)

// Opts represents options for Dedupe.
type Opts struct {
	// JobTimeout bounds the time a job may stay pending. DefaultJobTimeout if zero.
	JobTimeout time.Duration
	// PollInterval is the interval of polling the store for jobs registered by other processes.
	PollInterval time.Duration
	// ResultRetention is how long settled outcomes are kept for late waiters before Cleanup removes them.
	ResultRetention time.Duration
	// KeyPrefix is the namespace of jobs in the store. DefaultKeyPrefix if empty.
	KeyPrefix string

	Clock            clock.Clock
	Logger           log.FieldLogger
	MetricsCollector MetricsCollector
}

// Stats is a snapshot of dedupe statistics.
type Stats struct {
	Pending    int    `json:"pending"`
	Waiters    int    `json:"waiters"`
	Registered uint64 `json:"registered"`
	Coalesced  uint64 `json:"coalesced"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	TimedOut   uint64 `json:"timedOut"`
}

// flight is a pending job registered by this process.
type flight struct {
	jobID    string
	deadline time.Time
	done     chan struct{}
	timer    *time.Timer
	result   []byte
	err      error
	settled  bool
}

// Dedupe coalesces identical operations. It's safe for concurrent use.
type Dedupe struct {
	store           store.Store
	keyPrefix       string
	jobTimeout      time.Duration
	pollInterval    time.Duration
	resultRetention time.Duration
	clock           clock.Clock
	logger          log.FieldLogger
	metrics         MetricsCollector

	mu      sync.Mutex
	flights map[string]*flight

	waiters    atomic.Int32
	registered atomic.Uint64
	coalesced  atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	timedOut   atomic.Uint64
}

// New creates a new Dedupe over the store s.
func New(s store.Store, opts Opts) *Dedupe {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ResultRetention <= 0 {
		opts.ResultRetention = DefaultResultRetention
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	return &Dedupe{
		store:           s,
		keyPrefix:       opts.KeyPrefix,
		jobTimeout:      opts.JobTimeout,
		pollInterval:    opts.PollInterval,
		resultRetention: opts.ResultRetention,
		clock:           clock.OrReal(opts.Clock),
		logger:          log.OrDisabled(opts.Logger),
		metrics:         opts.MetricsCollector,
		flights:         make(map[string]*flight),
	}
}

func (d *Dedupe) pendingKey(hash string) string {
	return store.JoinKey(d.keyPrefix, hash)
}

func (d *Dedupe) resultKey(hash, jobID string) string {
	return store.JoinKey(d.keyPrefix, hash, jobID)
}

// Register registers a new pending job for hash and returns its ID.
// It fails with fault.ErrAlreadyInProgress if a live pending job exists.
// The job is failed automatically with *fault.TimeoutError if it is not settled within the job timeout.
func (d *Dedupe) Register(ctx context.Context, hash string) (string, error) {
	now := d.clock.Now()
	job := &Job{
		Hash:      hash,
		ID:        xid.New().String(),
		Status:    StatusPending,
		CreatedAt: now,
		Deadline:  now.Add(d.jobTimeout),
	}
	item, err := job.toItem(d.pendingKey(hash), job.Deadline)
	if err != nil {
		return "", err
	}
	inserted, err := d.store.PutIfAbsent(ctx, item)
	if err != nil {
		return "", fmt.Errorf("register dedupe job: %w", err)
	}
	if !inserted {
		return "", fmt.Errorf("register dedupe job %q: %w", hash, fault.ErrAlreadyInProgress)
	}

	f := &flight{jobID: job.ID, deadline: job.Deadline, done: make(chan struct{})}
	d.mu.Lock()
	stale := d.flights[hash]
	d.flights[hash] = f
	f.timer = time.AfterFunc(d.jobTimeout, func() { d.expire(hash, f) })
	pending := len(d.flights)
	d.mu.Unlock()

	if stale != nil {
		d.logger.Warn("abandoned dedupe job superseded",
			log.String("hash", hash), log.String("job_id", stale.jobID), log.String("new_job_id", job.ID))
		d.settleFlight(hash, stale, nil, &fault.TimeoutError{Op: "dedupe job", Timeout: d.jobTimeout})
	}

	d.registered.Inc()
	d.metrics.IncRegistrations()
	d.metrics.SetPendingJobs(pending)
	return job.ID, nil
}

// WaitFor waits for the settlement of the job for hash.
// It returns found=false if there is neither a pending job nor a retained outcome for hash.
// For a failed job, its error is returned. Canceling ctx interrupts waiting only,
// the job itself is not affected.
func (d *Dedupe) WaitFor(ctx context.Context, hash string) ([]byte, bool, error) {
	d.mu.Lock()
	f := d.flights[hash]
	d.mu.Unlock()
	if f != nil {
		return d.waitFlight(ctx, hash, f)
	}

	item, found, err := d.store.Get(ctx, d.pendingKey(hash))
	if err != nil {
		return nil, false, fmt.Errorf("get dedupe job: %w", err)
	}
	if found {
		job, err := jobFromItem(item)
		if err != nil {
			return nil, false, err
		}
		return d.pollJob(ctx, job)
	}

	job, err := d.latestSettled(ctx, hash)
	if err != nil || job == nil {
		return nil, false, err
	}
	d.coalesced.Inc()
	d.metrics.IncCoalesced()
	res, err := job.outcome()
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

// waitFlight waits for the broadcast of a local job.
// The store is polled as well since the job may be settled by another process sharing it.
func (d *Dedupe) waitFlight(ctx context.Context, hash string, f *flight) ([]byte, bool, error) {
	d.waiters.Inc()
	defer d.waiters.Dec()
	d.coalesced.Inc()
	d.metrics.IncCoalesced()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.done:
			if f.err != nil {
				return nil, false, f.err
			}
			return f.result, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
			item, found, err := d.store.Get(ctx, d.resultKey(hash, f.jobID))
			if err != nil || !found {
				continue
			}
			if job, decErr := jobFromItem(item); decErr == nil {
				res, outErr := job.outcome()
				d.settleFlight(hash, f, res, outErr)
			}
		}
	}
}

// pollJob waits for a job registered by another process (or before a restart of this one).
func (d *Dedupe) pollJob(ctx context.Context, job *Job) ([]byte, bool, error) {
	d.waiters.Inc()
	defer d.waiters.Dec()
	d.coalesced.Inc()
	d.metrics.IncCoalesced()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
		}

		item, found, err := d.store.Get(ctx, d.resultKey(job.Hash, job.ID))
		if err != nil {
			return nil, false, fmt.Errorf("get dedupe job result: %w", err)
		}
		if found {
			settled, err := jobFromItem(item)
			if err != nil {
				return nil, false, err
			}
			res, err := settled.outcome()
			if err != nil {
				return nil, false, err
			}
			return res, true, nil
		}

		if !d.clock.Now().Before(job.Deadline) {
			return nil, false, &fault.TimeoutError{Op: "dedupe job", Timeout: job.Deadline.Sub(job.CreatedAt)}
		}
		_, pendingFound, err := d.store.Get(ctx, d.pendingKey(job.Hash))
		if err != nil {
			return nil, false, fmt.Errorf("get dedupe job: %w", err)
		}
		if !pendingFound {
			// The job was settled right after the result check, re-check it on the next tick.
			// If it was abandoned instead, the deadline check above ends the loop.
			continue
		}
	}
}

func (d *Dedupe) latestSettled(ctx context.Context, hash string) (*Job, error) {
	items, err := d.store.Scan(ctx, d.pendingKey(hash)+":", &store.Filter{Attr: attrRecord, Value: recordResult})
	if err != nil {
		return nil, fmt.Errorf("scan dedupe job results: %w", err)
	}
	now := d.clock.Now()
	var latest *Job
	for _, it := range items {
		job, err := jobFromItem(it)
		if err != nil {
			d.logger.Warn("malformed dedupe job result skipped", log.String("key", it.Key), log.Error(err))
			continue
		}
		if d.retentionExpired(job, now) {
			continue
		}
		if latest == nil || job.SettledAt.After(latest.SettledAt) {
			latest = job
		}
	}
	return latest, nil
}

func (d *Dedupe) retentionExpired(job *Job, now time.Time) bool {
	return !now.Before(job.SettledAt.Add(d.resultRetention))
}

// Complete settles the job with a result. Settling an already settled job is a no-op.
// It fails with fault.ErrNotFound if there is no such job.
func (d *Dedupe) Complete(ctx context.Context, hash, jobID string, result []byte) error {
	_, err := d.settle(ctx, hash, jobID, result, nil)
	return err
}

// Fail settles the job with an error. Settling an already settled job is a no-op.
// It fails with fault.ErrNotFound if there is no such job.
func (d *Dedupe) Fail(ctx context.Context, hash, jobID string, jobErr error) error {
	if jobErr == nil {
		jobErr = errors.New("job failed")
	}
	_, err := d.settle(ctx, hash, jobID, nil, jobErr)
	return err
}

// IsInProgress reports whether a live pending job exists for hash.
func (d *Dedupe) IsInProgress(ctx context.Context, hash string) (bool, error) {
	d.mu.Lock()
	_, ok := d.flights[hash]
	d.mu.Unlock()
	if ok {
		return true, nil
	}
	_, found, err := d.store.Get(ctx, d.pendingKey(hash))
	if err != nil {
		return false, fmt.Errorf("get dedupe job: %w", err)
	}
	return found, nil
}

// settle stores the outcome of the job and broadcasts it to local waiters.
// It reports whether this call was the one that settled the job.
func (d *Dedupe) settle(ctx context.Context, hash, jobID string, result []byte, jobErr error) (bool, error) {
	d.mu.Lock()
	f := d.flights[hash]
	if f != nil && f.jobID != jobID {
		f = nil
	}
	d.mu.Unlock()

	pendingKey := d.pendingKey(hash)
	var pending *Job
	if item, found, err := d.store.Get(ctx, pendingKey); err != nil {
		d.settleLocal(hash, f, result, jobErr)
		return false, fmt.Errorf("get dedupe job: %w", err)
	} else if found {
		if pending, err = jobFromItem(item); err != nil {
			return false, err
		}
		if pending.ID != jobID {
			pending = nil
		}
	}

	if f == nil && pending == nil {
		_, found, err := d.store.Get(ctx, d.resultKey(hash, jobID))
		if err != nil {
			return false, fmt.Errorf("get dedupe job result: %w", err)
		}
		if found {
			return false, nil
		}
		return false, fmt.Errorf("dedupe job %q (%s): %w", hash, jobID, fault.ErrNotFound)
	}

	job := &Job{Hash: hash, ID: jobID, Status: StatusCompleted, Result: result, SettledAt: d.clock.Now()}
	if pending != nil {
		job.CreatedAt, job.Deadline = pending.CreatedAt, pending.Deadline
	} else if f != nil {
		job.Deadline = f.deadline
	}
	if jobErr != nil {
		job.Status, job.Result, job.Error = StatusFailed, nil, NewJobError(jobErr)
	}
	item, err := job.toItem(d.resultKey(hash, jobID), time.Time{})
	if err != nil {
		d.settleLocal(hash, f, result, jobErr)
		return false, err
	}
	inserted, err := d.store.PutIfAbsent(ctx, item)
	if err != nil {
		d.settleLocal(hash, f, result, jobErr)
		return false, fmt.Errorf("put dedupe job result: %w", err)
	}
	if !inserted {
		// Somebody has already settled this job. Local waiters get the winner's outcome.
		if winner, found, getErr := d.store.Get(ctx, d.resultKey(hash, jobID)); getErr == nil && found {
			if winnerJob, decErr := jobFromItem(winner); decErr == nil {
				res, outErr := winnerJob.outcome()
				d.settleLocal(hash, f, res, outErr)
			}
		}
		return false, nil
	}
	if pending != nil {
		if err = d.store.Delete(ctx, pendingKey); err != nil {
			d.logger.Warn("failed to delete settled dedupe job", log.String("hash", hash), log.Error(err))
		}
	}

	if jobErr != nil {
		d.failed.Inc()
	} else {
		d.completed.Inc()
	}
	d.settleLocal(hash, f, result, jobErr)
	return true, nil
}

func (d *Dedupe) settleLocal(hash string, f *flight, result []byte, err error) {
	if f != nil {
		d.settleFlight(hash, f, result, err)
	}
}

// settleFlight broadcasts the outcome to local waiters exactly once.
func (d *Dedupe) settleFlight(hash string, f *flight, result []byte, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f.settled {
		return false
	}
	f.settled = true
	f.result, f.err = result, err
	if f.timer != nil {
		f.timer.Stop()
	}
	close(f.done)
	if d.flights[hash] == f {
		delete(d.flights, hash)
	}
	d.metrics.SetPendingJobs(len(d.flights))
	return true
}

// expire fails a job that was not settled within the job timeout.
func (d *Dedupe) expire(hash string, f *flight) {
	d.mu.Lock()
	settled := f.settled
	d.mu.Unlock()
	if settled {
		return
	}

	timeoutErr := &fault.TimeoutError{Op: "dedupe job", Timeout: d.jobTimeout}
	ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
	defer cancel()
	byUs, err := d.settle(ctx, hash, f.jobID, nil, timeoutErr)
	if err != nil {
		d.logger.Error("failed to store dedupe job timeout", log.String("hash", hash), log.Error(err))
		d.settleFlight(hash, f, nil, timeoutErr)
		byUs = true
	}
	if !byUs {
		return
	}
	d.timedOut.Inc()
	d.metrics.IncTimeouts()
	d.logger.Warn("dedupe job timed out", log.String("hash", hash), log.String("job_id", f.jobID),
		log.Duration("timeout", d.jobTimeout))
}

// Cleanup removes settled outcomes older than the result retention and sweeps expired items of the store.
// It returns how many items were removed.
func (d *Dedupe) Cleanup(ctx context.Context) (int, error) {
	items, err := d.store.Scan(ctx, d.keyPrefix+":", &store.Filter{Attr: attrRecord, Value: recordResult})
	if err != nil {
		return 0, fmt.Errorf("scan dedupe job results: %w", err)
	}
	now := d.clock.Now()
	var keys []string
	for _, it := range items {
		job, err := jobFromItem(it)
		if err != nil || d.retentionExpired(job, now) {
			keys = append(keys, it.Key)
		}
	}
	if len(keys) > 0 {
		if err = d.store.DeleteBatch(ctx, keys); err != nil {
			return 0, fmt.Errorf("delete dedupe job results: %w", err)
		}
	}
	swept, err := store.Sweep(ctx, d.store)
	if err != nil {
		return len(keys), fmt.Errorf("sweep expired dedupe jobs: %w", err)
	}
	return len(keys) + swept, nil
}

// Stats returns a snapshot of dedupe statistics.
func (d *Dedupe) Stats() Stats {
	d.mu.Lock()
	pending := len(d.flights)
	d.mu.Unlock()
	return Stats{
		Pending:    pending,
		Waiters:    int(d.waiters.Load()),
		Registered: d.registered.Load(),
		Coalesced:  d.coalesced.Load(),
		Completed:  d.completed.Load(),
		Failed:     d.failed.Load(),
		TimedOut:   d.timedOut.Load(),
	}
}

// Close stops timers of local pending jobs and unblocks their waiters with an error.
// Stored jobs are left to expire. It does not close the store.
func (d *Dedupe) Close() {
	d.mu.Lock()
	flights := make(map[string]*flight, len(d.flights))
	for hash, f := range d.flights {
		flights[hash] = f
	}
	d.mu.Unlock()
	for hash, f := range flights {
		d.settleFlight(hash, f, nil, errClosed)
	}
}

var errClosed = errors.New("dedupe is closed")
