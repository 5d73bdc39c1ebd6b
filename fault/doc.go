/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package fault defines the error taxonomy shared by all traffic governance components.
//
// Every error produced by the library can be matched with errors.Is against one of the sentinel
// errors declared here (ErrAlreadyInProgress, ErrNotFound, ErrTimeout, ErrCircuitOpen, ErrRateLimited,
// ErrBackingStore, ErrSerialization), and most of them can be unpacked with errors.As into a typed
// error carrying the context needed to decide whether to retry, wait or abort.
//
// Independently of the taxonomy, each error has a Kind. The kind decides whether a failure is severe,
// i.e. whether it counts toward tripping a circuit breaker. Kinds are resolved uniformly by KindOf,
// so backing store realizations and remote operations are classified the same way.
package fault
