/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package service provides background workers bound to a component lifetime:
// periodic workers and a group that starts them together and stops them deterministically.
package service

// Unit is a component with its own lifecycle.
type Unit interface {
	// Start launches the unit. It must not block.
	Start() error

	// Stop halts the unit. If gracefully is true, Stop waits until all started work returns.
	// Stop may be called even if Start has failed or was never called.
	Stop(gracefully bool) error
}
