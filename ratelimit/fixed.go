/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"time"
)

// Fixed admits a request iff fewer than Limit requests of the resource fall in [now-Window, now].
// Priorities are only accounted, they share the same limit.
type Fixed struct {
	*base
}

var _ Limiter = (*Fixed)(nil)

// NewFixed creates a new fixed sliding-window limiter.
func NewFixed(opts Opts) (*Fixed, error) {
	b, err := newBase(ModeFixed, opts)
	if err != nil {
		return nil, err
	}
	f := &Fixed{base: b}
	b.policy = f
	return f, nil
}

func (f *Fixed) lookback(rate Rate) time.Duration {
	return rate.Window
}

func (f *Fixed) evaluate(_ context.Context, _ string, _ Priority, rate Rate, recs []Record, now time.Time) (verdict, error) {
	inWindow := windowRecords(recs, rate.Window, now)
	if len(inWindow) < rate.Limit {
		return verdict{allowed: true}, nil
	}
	return verdict{wait: ageOutWait(inWindow, rate.Limit, rate.Window, now)}, nil
}

func (f *Fixed) status(context.Context, *Status, Rate, []Record, time.Time) error {
	return nil
}

func (f *Fixed) recorded(string, Priority, time.Time) {}
