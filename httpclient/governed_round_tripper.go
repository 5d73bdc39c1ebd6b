/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package httpclient provides an http.RoundTripper that governs outgoing requests
// with a rate limiter and per-resource circuit breakers.
package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-resilience/circuitbreaker"
	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/ratelimit"
)

// DefaultMaxWait is the default bound of waiting for rate limiter admission.
const DefaultMaxWait = 5 * time.Second

// GovernedRoundTripperOpts represents options for GovernedRoundTripper.
type GovernedRoundTripperOpts struct {
	// ResourceFunc maps a request to the resource it's limited and protected as. Request host if nil.
	ResourceFunc func(r *http.Request) string
	// MaxWait bounds waiting for rate limiter admission. DefaultMaxWait if zero, negative means no waiting.
	MaxWait time.Duration
	Logger  log.FieldLogger
}

// GovernedRoundTripper wraps implementing http.RoundTripper interface object.
// Every request waits for admission of the limiter (its priority is taken from the request context,
// see NewContextWithPriority) and is executed through the circuit breaker of its resource.
// Responses with severe statuses (429, 500, 502, 503, 504) count toward tripping the breaker,
// but they are still returned to the caller.
type GovernedRoundTripper struct {
	Delegate     http.RoundTripper
	Limiter      ratelimit.Limiter
	Breakers     *circuitbreaker.Registry
	ResourceFunc func(r *http.Request) string
	MaxWait      time.Duration

	logger log.FieldLogger
}

// NewGovernedRoundTripper creates a new GovernedRoundTripper. Nil limiter or breakers disable the respective part.
func NewGovernedRoundTripper(
	delegate http.RoundTripper, limiter ratelimit.Limiter, breakers *circuitbreaker.Registry, opts GovernedRoundTripperOpts,
) *GovernedRoundTripper {
	if delegate == nil {
		delegate = http.DefaultTransport
	}
	if opts.ResourceFunc == nil {
		opts.ResourceFunc = func(r *http.Request) string { return r.URL.Host }
	}
	switch {
	case opts.MaxWait == 0:
		opts.MaxWait = DefaultMaxWait
	case opts.MaxWait < 0:
		opts.MaxWait = 0
	}
	return &GovernedRoundTripper{
		Delegate:     delegate,
		Limiter:      limiter,
		Breakers:     breakers,
		ResourceFunc: opts.ResourceFunc,
		MaxWait:      opts.MaxWait,
		logger:       log.OrDisabled(opts.Logger),
	}
}

// RoundTrip executes a single HTTP transaction, returning a Response for the provided Request.
func (rt *GovernedRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	resource := rt.ResourceFunc(r)
	if rt.Limiter != nil {
		p := GetPriorityFromContext(r.Context())
		if err := ratelimit.Wait(r.Context(), rt.Limiter, resource, p, rt.MaxWait); err != nil {
			closeRequestBody(r)
			rt.logger.Debug("outgoing request is rate limited",
				log.String("resource", resource), log.String("priority", string(p)), log.Error(err))
			return nil, err
		}
	}
	if rt.Breakers == nil {
		return rt.Delegate.RoundTrip(r)
	}

	// The breaker may give up on the operation while it still runs, so the response is handed over
	// under the lock and closed if nobody is going to receive it.
	var (
		mu        sync.Mutex
		resp      *http.Response
		abandoned bool
	)
	err := rt.Breakers.Get(resource).Execute(r.Context(), r.Method+" "+r.URL.Path, func(opCtx context.Context) error {
		// The request is aborted when the operation times out only: opCtx is also canceled
		// once the breaker returns, and the response body must stay readable after that.
		reqCtx, cancel := context.WithCancel(r.Context())
		var finished atomic.Bool
		stop := context.AfterFunc(opCtx, func() {
			if !finished.Load() {
				cancel()
			}
		})
		res, rtErr := rt.Delegate.RoundTrip(r.WithContext(reqCtx))
		finished.Store(true)
		if rtErr != nil {
			stop()
			cancel()
			if opCtx.Err() != nil {
				return opCtx.Err()
			}
			return rtErr
		}
		res.Body = &cancelOnCloseBody{ReadCloser: res.Body, cancel: cancel}

		mu.Lock()
		defer mu.Unlock()
		if abandoned || opCtx.Err() != nil {
			stop()
			_ = res.Body.Close()
			return opCtx.Err()
		}
		resp = res
		if StatusKind(res.StatusCode).IsSevere() {
			return &StatusError{StatusCode: res.StatusCode}
		}
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	var statusErr *StatusError
	if err != nil && !errors.As(err, &statusErr) {
		abandoned = true
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return resp, nil
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func closeRequestBody(r *http.Request) {
	if r.Body != nil {
		_ = r.Body.Close() // Per RoundTripper contract.
	}
}
