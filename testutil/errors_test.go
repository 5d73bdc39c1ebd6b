/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-resilience/fault"
)

func TestRequireErrorIsAny(t *testing.T) {
	targetErrs := []error{fault.ErrTimeout, fault.ErrCircuitOpen, fault.ErrRateLimited}

	mockT := &MockT{}
	RequireErrorIsAny(mockT, fmt.Errorf("call: %w", &fault.CircuitOpenError{Name: "db"}), targetErrs)
	require.False(t, mockT.Failed)

	RequireErrorIsAny(mockT, fmt.Errorf("call: %w", errors.New("boom")), targetErrs)
	require.True(t, mockT.Failed)

	mockT = &MockT{}
	RequireErrorIsAny(mockT, nil, targetErrs)
	require.True(t, mockT.Failed)
}

func TestRequireFaultKind(t *testing.T) {
	mockT := &MockT{}
	RequireFaultKind(mockT, &fault.TimeoutError{Op: "fetch", Timeout: time.Second}, fault.KindConnectionTimeout)
	require.False(t, mockT.Failed)

	RequireFaultKind(mockT, fault.New(fault.KindNotFound, "get", nil), fault.KindInternal)
	require.True(t, mockT.Failed)

	mockT = &MockT{}
	RequireFaultKind(mockT, nil, fault.KindInternal)
	require.True(t, mockT.Failed)
}

func TestRequireErrorAs(t *testing.T) {
	mockT := &MockT{}
	rlErr := RequireErrorAs[*fault.RateLimitedError](mockT,
		fmt.Errorf("wait: %w", &fault.RateLimitedError{Resource: "users", WaitTime: time.Second}))
	require.False(t, mockT.Failed)
	require.Equal(t, "users", rlErr.Resource)

	RequireErrorAs[*fault.TimeoutError](mockT, errors.New("boom"))
	require.True(t, mockT.Failed)
}
