/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package retry repeats failed operations with backoff.
// Delays between attempts are produced by backoff.BackOff implementations from github.com/cenkalti/backoff/v4.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsRetryable reports whether an attempt that failed with the error may be repeated.
type IsRetryable func(error) bool

// RetryableFunc is an operation that may be repeated.
type RetryableFunc func(ctx context.Context) error

// Notify is called after every failed attempt that is going to be repeated.
type Notify func(err error, delay time.Duration)

// Policy produces a fresh backoff for every retried operation.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// PolicyFunc is an adapter to use an ordinary function as a Policy.
type PolicyFunc func() backoff.BackOff

// NewBackOff implements Policy.
func (f PolicyFunc) NewBackOff() backoff.BackOff {
	return f()
}

// Do calls fn until it succeeds, fails with an error rejected by isRetryable,
// the policy gives up or ctx is done. Both isRetryable and notify may be nil.
// The error of the last attempt is returned unwrapped.
func Do[T any](
	ctx context.Context, p Policy, isRetryable IsRetryable, notify Notify, fn func(ctx context.Context) (T, error),
) (T, error) {
	attempt := func() (T, error) {
		res, err := fn(ctx)
		if err == nil || isRetryable == nil || isRetryable(err) {
			return res, err
		}
		return res, backoff.Permanent(err)
	}
	return backoff.RetryNotifyWithData(attempt, backoff.WithContext(p.NewBackOff(), ctx), backoff.Notify(notify))
}

// DoWithRetry is Do for operations without a result.
func DoWithRetry(ctx context.Context, p Policy, isRetryable IsRetryable, notify Notify, fn RetryableFunc) error {
	_, err := Do(ctx, p, isRetryable, notify, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExponentialBackoffPolicy grows the delay by backoff.DefaultMultiplier after every attempt.
type ExponentialBackoffPolicy struct {
	InitialInterval time.Duration
	MaxRetries      int
}

// NewExponentialBackoffPolicy creates an exponential policy. Zero maxRetries means no limit besides backoff.DefaultMaxElapsedTime.
func NewExponentialBackoffPolicy(initialInterval time.Duration, maxRetries int) ExponentialBackoffPolicy {
	return ExponentialBackoffPolicy{InitialInterval: initialInterval, MaxRetries: maxRetries}
}

// NewBackOff implements Policy.
func (p ExponentialBackoffPolicy) NewBackOff() backoff.BackOff {
	return limitRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(p.InitialInterval)), p.MaxRetries)
}

// ConstantBackoffPolicy uses the same delay between all attempts.
type ConstantBackoffPolicy struct {
	Interval   time.Duration
	MaxRetries int
}

// NewConstantBackoffPolicy creates a constant policy. Zero maxRetries means unlimited retries.
func NewConstantBackoffPolicy(interval time.Duration, maxRetries int) ConstantBackoffPolicy {
	return ConstantBackoffPolicy{Interval: interval, MaxRetries: maxRetries}
}

// NewBackOff implements Policy.
func (p ConstantBackoffPolicy) NewBackOff() backoff.BackOff {
	return limitRetries(backoff.NewConstantBackOff(p.Interval), p.MaxRetries)
}

func limitRetries(b backoff.BackOff, maxRetries int) backoff.BackOff {
	if maxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(maxRetries)) //nolint:gosec // checked above
	}
	b.Reset()
	return b
}
