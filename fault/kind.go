/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package fault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Kind classifies an error by its cause.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindServiceUnavailable
	KindInternal
	KindConnectionTimeout
	KindConnectionReset
	KindThrottling
	KindNotFound
	KindInvalidArgument
	KindSerialization
	KindCanceled
	KindCircuitOpen
)

var kindNames = [...]string{
	KindUnknown:            "unknown",
	KindServiceUnavailable: "service_unavailable",
	KindInternal:           "internal",
	KindConnectionTimeout:  "connection_timeout",
	KindConnectionReset:    "connection_reset",
	KindThrottling:         "throttling",
	KindNotFound:           "not_found",
	KindInvalidArgument:    "invalid_argument",
	KindSerialization:      "serialization",
	KindCanceled:           "canceled",
	KindCircuitOpen:        "circuit_open",
}

// String returns a string representation of the kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// MarshalText implements the encoding.TextMarshaler interface.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind parses a kind from its string representation.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(i), nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown error kind %q", s)
}

// IsSevere reports whether errors of this kind indicate an unhealthy downstream.
func (k Kind) IsSevere() bool {
	switch k {
	case KindServiceUnavailable, KindInternal, KindConnectionTimeout, KindConnectionReset, KindThrottling:
		return true
	default:
		return false
	}
}

// KindProvider is implemented by errors that know their own kind.
type KindProvider interface {
	FaultKind() Kind
}

// KindOf resolves the kind of err.
// The first error in the chain implementing KindProvider wins.
// Otherwise, well-known context, network and syscall errors are recognized.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var kp KindProvider
	if errors.As(err, &kp) {
		return kp.FaultKind()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindConnectionTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrUnexpectedEOF):
		return KindConnectionReset
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrSerialization):
		return KindSerialization
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindConnectionTimeout
	}
	return KindUnknown
}

// IsSevere reports whether err counts toward tripping a circuit breaker.
// It's a pure function of the error kind.
func IsSevere(err error) bool {
	return KindOf(err).IsSevere()
}
