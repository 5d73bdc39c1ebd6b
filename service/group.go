/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/acronis/go-resilience/log"
)

// ErrGroupAlreadyStarted is returned by Group.Start when the group is running.
var ErrGroupAlreadyStarted = errors.New("worker group is already started")

// ErrGroupStopTimeoutExceeded is returned by Group.Stop when workers do not return within GracefulStopTimeout.
var ErrGroupStopTimeoutExceeded = errors.New("worker group stop timeout exceeded")

// GroupOpts contains optional parameters for constructing Group.
type GroupOpts struct {
	Logger              log.FieldLogger
	GracefulStopTimeout time.Duration
}

type namedWorker struct {
	name   string
	worker Worker
}

// Group runs a set of named workers, each in its own goroutine, sharing one lifetime.
// Stop cancels all of them and (when graceful) waits until every worker returns,
// so no goroutine or timer of the group survives a completed Stop.
type Group struct {
	logger      log.FieldLogger
	stopTimeout time.Duration

	mu      sync.Mutex
	workers []namedWorker
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Unit = (*Group)(nil)

// NewGroup creates a new empty Group.
func NewGroup(opts GroupOpts) *Group {
	return &Group{
		logger:      log.OrDisabled(opts.Logger),
		stopTimeout: opts.GracefulStopTimeout,
	}
}

// Add adds a worker to the group. Workers added to a running group are started on the next Start.
func (g *Group) Add(name string, worker Worker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workers = append(g.workers, namedWorker{name, worker})
}

// AddPeriodic adds fn that is run every interval. Non-positive interval skips the worker.
func (g *Group) AddPeriodic(name string, interval time.Duration, fn WorkerFunc) {
	if interval <= 0 {
		return
	}
	g.Add(name, NewPeriodicWorker(fn, interval, g.logger.With(log.String("worker", name))))
}

// Len returns the number of workers in the group.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.workers)
}

// Running reports whether the group was started and not stopped yet.
func (g *Group) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancel != nil
}

// Start launches all workers. It returns immediately.
func (g *Group) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return ErrGroupAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(len(g.workers))
	for _, nw := range g.workers {
		go func(nw namedWorker) {
			defer wg.Done()
			if err := nw.worker.Run(ctx); err != nil {
				g.logger.Error("worker finished with error", log.String("worker", nw.name), log.Error(err))
			}
		}(nw)
	}
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(g.done)

	g.logger.Debug("worker group started", log.Int("workers", len(g.workers)))
	return nil
}

// Stop cancels all workers. If gracefully is true, it blocks until they return
// (bounded by GracefulStopTimeout when it is positive).
func (g *Group) Stop(gracefully bool) error {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if !gracefully {
		return nil
	}
	if g.stopTimeout <= 0 {
		<-done
		return nil
	}
	timer := time.NewTimer(g.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrGroupStopTimeoutExceeded
	}
}

// Stats returns snapshots of periodic workers of the group by name.
func (g *Group) Stats() map[string]WorkerStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	res := make(map[string]WorkerStats)
	for _, nw := range g.workers {
		if pw, ok := nw.worker.(*PeriodicWorker); ok {
			res[nw.name] = pw.Stats()
		}
	}
	return res
}
