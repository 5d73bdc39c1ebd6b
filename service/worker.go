/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-resilience/log"
)

// Worker performs some (usually long-running) work until the context is canceled.
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerFunc is an adapter to allow the use of ordinary functions as Worker.
type WorkerFunc func(ctx context.Context) error

// Run is a part of Worker interface.
func (f WorkerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// WorkerStats is a snapshot of periodic worker runs.
type WorkerStats struct {
	Interval  time.Duration `json:"interval"`
	Runs      uint64        `json:"runs"`
	Failures  uint64        `json:"failures"`
	LastRunAt time.Time     `json:"lastRunAt"`
	LastError string        `json:"lastError,omitempty"`
}

// PeriodicWorker runs a task every interval until the context is canceled.
// The first run happens after the first interval.
// A failed or panicked run is logged and counted, the task is run again on the next tick.
// Runs interrupted by the context cancellation are not counted as failures.
type PeriodicWorker struct {
	task     WorkerFunc
	interval time.Duration
	logger   log.FieldLogger

	runs     atomic.Uint64
	failures atomic.Uint64

	mu        sync.Mutex
	lastRunAt time.Time
	lastErr   error
}

// NewPeriodicWorker creates a new PeriodicWorker. interval must be positive.
func NewPeriodicWorker(task WorkerFunc, interval time.Duration, logger log.FieldLogger) *PeriodicWorker {
	return &PeriodicWorker{task: task, interval: interval, logger: log.OrDisabled(logger)}
}

// Run runs the worker loop. It returns nil once ctx is canceled.
func (pw *PeriodicWorker) Run(ctx context.Context) error {
	pw.logger.Debug("periodic worker started", log.Duration("interval", pw.interval))
	defer pw.logger.Debug("periodic worker stopped")

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		pw.runOnce(ctx)
	}
}

func (pw *PeriodicWorker) runOnce(ctx context.Context) {
	startedAt := time.Now()
	err := pw.safeRun(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	pw.runs.Inc()
	if err != nil {
		pw.failures.Inc()
		pw.logger.Error("periodic worker run failed",
			log.Error(err), log.Duration("duration", time.Since(startedAt)), log.Uint64("failures", pw.failures.Load()))
	}
	pw.mu.Lock()
	pw.lastRunAt = startedAt
	pw.lastErr = err
	pw.mu.Unlock()
}

func (pw *PeriodicWorker) safeRun(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			const logStackSize = 8192
			stack := make([]byte, logStackSize)
			stack = stack[:runtime.Stack(stack, false)]
			pw.logger.Error(fmt.Sprintf("panic: %+v", p), log.Bytes("stack", stack))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return pw.task(ctx)
}

// Stats returns a snapshot of the worker runs.
func (pw *PeriodicWorker) Stats() WorkerStats {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	st := WorkerStats{
		Interval:  pw.interval,
		Runs:      pw.runs.Load(),
		Failures:  pw.failures.Load(),
		LastRunAt: pw.lastRunAt,
	}
	if pw.lastErr != nil {
		st.LastError = pw.lastErr.Error()
	}
	return st
}
