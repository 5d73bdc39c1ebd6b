/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"

	"github.com/acronis/go-resilience/ratelimit"
)

type ctxKey int

const ctxKeyPriority ctxKey = iota

// NewContextWithPriority creates a new context with the traffic class used for rate limiting of outgoing requests.
func NewContextWithPriority(ctx context.Context, p ratelimit.Priority) context.Context {
	return context.WithValue(ctx, ctxKeyPriority, p)
}

// GetPriorityFromContext extracts the traffic class from the context. ratelimit.PriorityUser if not set.
func GetPriorityFromContext(ctx context.Context) ratelimit.Priority {
	if p, ok := ctx.Value(ctxKeyPriority).(ratelimit.Priority); ok && p != "" {
		return p
	}
	return ratelimit.PriorityUser
}
