/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-resilience/fault"
)

func TestHttpCode2ErrorCode(t *testing.T) {
	tests := []struct {
		httpCode    int
		wantErrCode string
	}{
		{http.StatusInternalServerError, "internalError"},
		{http.StatusNotFound, "notFound"},
		{http.StatusBadRequest, "badRequest"},
		{http.StatusMethodNotAllowed, "methodNotAllowed"},
		{http.StatusRequestEntityTooLarge, "requestEntityTooLarge"},
		{http.StatusUnsupportedMediaType, "unsupportedMediaType"},
	}

	for _, tt := range tests {
		t.Run(tt.wantErrCode, func(t *testing.T) {
			assert.Equal(t, tt.wantErrCode, httpCode2ErrorCode(tt.httpCode))
		})
	}
}

func TestNewErrorFromFault(t *testing.T) {
	nextAttempt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    bool
	}{
		{"rate limited", &fault.RateLimitedError{Resource: "api", Priority: "user", WaitTime: time.Second},
			http.StatusTooManyRequests, ErrCodeRateLimited, true},
		{"circuit open", &fault.CircuitOpenError{Name: "api", NextAttempt: nextAttempt},
			http.StatusServiceUnavailable, ErrCodeCircuitOpen, true},
		{"not found", fmt.Errorf("breaker %q: %w", "x", fault.ErrNotFound), http.StatusNotFound, ErrCodeNotFound, true},
		{"invalid argument", fault.Errorf(fault.KindInvalidArgument, "bad resource"),
			http.StatusBadRequest, "badRequest", true},
		{"unavailable", fault.Errorf(fault.KindServiceUnavailable, "store is down"),
			http.StatusServiceUnavailable, ErrCodeUnavailable, true},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, ErrCodeInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, respErr := NewErrorFromFault("Admin", tt.err)
			require.Equal(t, tt.wantStatus, status)
			require.Equal(t, "Admin", respErr.Domain)
			require.Equal(t, tt.wantCode, respErr.Code)
			if tt.wantMsg {
				require.Equal(t, tt.err.Error(), respErr.Message)
			} else {
				require.Equal(t, ErrMessageInternal, respErr.Message)
			}
		})
	}
}

func TestError_AddContext(t *testing.T) {
	err := NewError("Admin", "code", "msg").AddContext("a", 1).AddContext("b", "2")
	require.Equal(t, map[string]interface{}{"a": 1, "b": "2"}, err.Context)
}
