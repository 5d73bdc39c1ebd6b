/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-resilience/log"
)

// Adaptive splits the rate of every resource between user and background traffic.
//
// Each priority is checked against its own sub-quota by in-window usage: user requests against
// UserReserved, background requests against BackgroundMax (zero while background is paused).
// The total in-window usage never exceeds the limit. A user request rejected for a zero reservation
// counts as user activity, so the next recalculation restores the minimal reservation.
// Allocations are cached per resource for the recalculation interval.
type Adaptive struct {
	*base
	calc      *Calculator
	startedAt time.Time

	mu          sync.Mutex
	allocations map[string]Allocation
	lastUser    map[string]time.Time
}

var _ Limiter = (*Adaptive)(nil)

// AdaptiveOpts represents options for Adaptive.
type AdaptiveOpts struct {
	Opts
	Config AdaptiveConfig
}

// NewAdaptive creates a new adaptive limiter.
func NewAdaptive(opts AdaptiveOpts) (*Adaptive, error) {
	calc := NewCalculator(opts.Config)
	if err := calc.Config().Validate(); err != nil {
		return nil, fmt.Errorf("adaptive config: %w", err)
	}
	b, err := newBase(ModeAdaptive, opts.Opts)
	if err != nil {
		return nil, err
	}
	a := &Adaptive{
		base:        b,
		calc:        calc,
		startedAt:   b.clock.Now(),
		allocations: make(map[string]Allocation),
		lastUser:    make(map[string]time.Time),
	}
	b.policy = a
	return a, nil
}

func (a *Adaptive) lookback(rate Rate) time.Duration {
	return max(rate.Window, a.calc.Config().MonitoringWindow)
}

func (a *Adaptive) recorded(resource string, p Priority, now time.Time) {
	if p == PriorityBackground {
		return
	}
	a.mu.Lock()
	if now.After(a.lastUser[resource]) {
		a.lastUser[resource] = now
	}
	a.mu.Unlock()
}

// allocation returns the cached allocation of the resource or computes a new one.
func (a *Adaptive) allocation(resource string, rate Rate, recs []Record, now time.Time, force bool) Allocation {
	a.mu.Lock()
	cached, ok := a.allocations[resource]
	lastUser := a.lastUser[resource]
	a.mu.Unlock()
	interval := a.calc.Config().RecalculationInterval
	if ok && !force && cached.Total == rate.Limit && now.Sub(cached.CalculatedAt) < interval && !now.Before(cached.CalculatedAt) {
		return cached
	}

	alloc := a.calc.Allocate(rate.Limit, a.calc.Activity(recs, lastUser, now), a.startedAt, now)
	a.mu.Lock()
	a.allocations[resource] = alloc
	a.mu.Unlock()

	if !ok || cached.Strategy != alloc.Strategy || cached.BackgroundPaused != alloc.BackgroundPaused {
		a.logger.Info("capacity allocation changed",
			log.String("resource", resource),
			log.String("strategy", string(alloc.Strategy)),
			log.Int("user_reserved", alloc.UserReserved),
			log.Int("background_max", alloc.BackgroundMax),
			log.Bool("background_paused", alloc.BackgroundPaused),
			log.String("reason", alloc.Reason))
	}
	a.metrics.SetAllocation(resource, alloc.UserReserved, alloc.BackgroundMax)
	return alloc
}

func (a *Adaptive) evaluate(_ context.Context, resource string, p Priority, rate Rate, recs []Record, now time.Time) (verdict, error) {
	alloc := a.allocation(resource, rate, recs, now, false)
	inWindow := windowRecords(recs, rate.Window, now)
	own := filterPriority(inWindow, p)

	quota := alloc.UserReserved
	if p == PriorityBackground {
		quota = alloc.BackgroundMax
		if alloc.BackgroundPaused {
			quota = 0
		}
	}
	if quota == 0 {
		if p != PriorityBackground {
			// Rejected user demand ends sustained inactivity at the next recalculation.
			a.recorded(resource, p, now)
		}
		return verdict{wait: a.untilRecalculation(alloc, now)}, nil
	}
	if len(own) >= quota {
		return verdict{wait: ageOutWait(own, quota, rate.Window, now)}, nil
	}
	if len(inWindow) >= rate.Limit {
		return verdict{wait: ageOutWait(inWindow, rate.Limit, rate.Window, now)}, nil
	}
	return verdict{allowed: true}, nil
}

// filterPriority returns the records of the priority. Records without background priority count as user traffic.
func filterPriority(recs []Record, p Priority) []Record {
	var res []Record
	for _, rec := range recs {
		if (rec.Priority == PriorityBackground) == (p == PriorityBackground) {
			res = append(res, rec)
		}
	}
	return res
}

func (a *Adaptive) untilRecalculation(alloc Allocation, now time.Time) time.Duration {
	return ceilMillis(alloc.CalculatedAt.Add(a.calc.Config().RecalculationInterval).Sub(now))
}

func (a *Adaptive) status(_ context.Context, st *Status, rate Rate, recs []Record, now time.Time) error {
	alloc := a.allocation(st.Resource, rate, recs, now, false)
	st.Allocation = &alloc
	return nil
}

// Allocation returns the current allocation of the resource.
func (a *Adaptive) Allocation(ctx context.Context, resource string) (Allocation, error) {
	st, err := a.Status(ctx, resource)
	if err != nil {
		return Allocation{}, err
	}
	return *st.Allocation, nil
}

// Recalculate recomputes allocations of all resources having records. It's run by background maintenance.
func (a *Adaptive) Recalculate(ctx context.Context) error {
	resources, err := a.log.Resources(ctx)
	if err != nil {
		return fmt.Errorf("list rate limited resources: %w", err)
	}
	for _, resource := range resources {
		if err = a.recalculate(ctx, resource); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adaptive) recalculate(ctx context.Context, resource string) error {
	unlock := a.lockResource(resource)
	defer unlock()
	now := a.clock.Now()
	rate := a.rateFor(resource)
	recs, err := a.records(ctx, resource, rate, now)
	if err != nil {
		return err
	}
	a.allocation(resource, rate, recs, now, true)
	return nil
}

// Reset drops the window and the cached allocation of the resource.
func (a *Adaptive) Reset(ctx context.Context, resource string) error {
	if err := a.base.Reset(ctx, resource); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.allocations, resource)
	a.mu.Unlock()
	return nil
}
