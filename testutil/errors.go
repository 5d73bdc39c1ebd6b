/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package testutil contains assertions shared by tests of the library packages.
package testutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-resilience/fault"
)

type tHelper interface {
	Helper()
}

// RequireErrorIsAny asserts that at least one of the errors in err's chain matches at least one target.
// This is a wrapper for errors.Is.
func RequireErrorIsAny(t require.TestingT, err error, targets []error, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	for _, targetErr := range targets {
		if errors.Is(err, targetErr) {
			return
		}
	}
	expected := make([]string, 0, len(targets))
	for _, targetErr := range targets {
		expected = append(expected, fmt.Sprintf("%q", targetErr.Error()))
	}
	require.FailNow(t, fmt.Sprintf("At least one target error should be in err chain:\n"+
		"expected: [%s]\n"+
		"in chain: %s", strings.Join(expected, "; "), buildErrorChainString(err),
	), msgAndArgs...)
}

// RequireFaultKind asserts that err is not nil and is classified with the wanted fault kind.
func RequireFaultKind(t require.TestingT, err error, want fault.Kind, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	if err == nil {
		require.FailNow(t, fmt.Sprintf("An error of kind %q is expected, got nil", want), msgAndArgs...)
		return
	}
	if got := fault.KindOf(err); got != want {
		require.FailNow(t, fmt.Sprintf("Unexpected fault kind:\n"+
			"expected: %q\n"+
			"actual  : %q\n"+
			"in chain: %s", want, got, buildErrorChainString(err)), msgAndArgs...)
	}
}

// RequireErrorAs asserts that err's chain contains an error of type T and returns it.
func RequireErrorAs[T error](t require.TestingT, err error, msgAndArgs ...interface{}) T {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	var target T
	if !errors.As(err, &target) {
		require.FailNow(t, fmt.Sprintf("An error of type %T should be in err chain:\n"+
			"in chain: %s", target, buildErrorChainString(err)), msgAndArgs...)
	}
	return target
}

func buildErrorChainString(err error) string {
	if err == nil {
		return ""
	}
	chain := fmt.Sprintf("%q", err.Error())
	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		chain += fmt.Sprintf("\n\t%q", e.Error())
	}
	return chain
}
