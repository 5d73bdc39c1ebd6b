/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package store

import (
	"fmt"

	"github.com/acronis/go-resilience/fault"
)

// Error wraps a driver failure of a store realization.
// It matches fault.ErrBackingStore and reports its kind through fault.KindOf.
type Error struct {
	Op   string
	Key  string
	Kind fault.Kind
	Err  error
}

// NewError creates a new Error.
func NewError(op, key string, kind fault.Kind, err error) *Error {
	return &Error{Op: op, Key: key, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %s (%s): %v", fault.ErrBackingStore, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s %q (%s): %v", fault.ErrBackingStore, e.Op, e.Key, e.Kind, e.Err)
}

// Unwrap returns the underlying driver error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes Error match fault.ErrBackingStore.
func (e *Error) Is(target error) bool {
	return target == fault.ErrBackingStore
}

// FaultKind implements fault.KindProvider.
func (e *Error) FaultKind() fault.Kind {
	return e.Kind
}
