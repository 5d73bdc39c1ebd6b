/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"time"

	"github.com/acronis/go-resilience/fault"
)

// Wait blocks until the request is admitted (and recorded) or the next admission is expected later than maxWait.
// In the latter case *fault.RateLimitedError carrying the wait time hint is returned.
// Zero maxWait means no waiting. Canceling ctx interrupts waiting with the context error.
func Wait(ctx context.Context, l Limiter, resource string, p Priority, maxWait time.Duration) error {
	allowed, waitTime, err := l.Acquire(ctx, resource, p)
	if err != nil || allowed {
		return err
	}
	deadline := time.Now().Add(maxWait)
	if time.Now().Add(waitTime).After(deadline) {
		return &fault.RateLimitedError{Resource: resource, Priority: string(p), WaitTime: waitTime}
	}

	retryTimer := time.NewTimer(waitTime)
	defer retryTimer.Stop()
	for {
		select {
		case <-retryTimer.C:
			// Will do another check of the rate limit.
		case <-ctx.Done():
			return ctx.Err()
		}

		if allowed, waitTime, err = l.Acquire(ctx, resource, p); err != nil || allowed {
			return err
		}
		if time.Now().Add(waitTime).After(deadline) {
			return &fault.RateLimitedError{Resource: resource, Priority: string(p), WaitTime: waitTime}
		}
		retryTimer.Reset(waitTime)
	}
}
