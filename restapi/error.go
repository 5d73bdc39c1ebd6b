/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/acronis/go-resilience/fault"
)

// Error represents an error details.
type Error struct {
	Domain  string                 `json:"domain"`
	Code    string                 `json:"code"`
	Message string                 `json:"message,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error codes.
// We are using "var" here because some services may want to use different error codes.
var (
	ErrCodeInternal         = "internalError"
	ErrCodeNotFound         = "notFound"
	ErrCodeMethodNotAllowed = "methodNotAllowed"
	ErrCodeRateLimited      = "rateLimited"
	ErrCodeCircuitOpen      = "circuitOpen"
	ErrCodeUnavailable      = "serviceUnavailable"
)

// Error messages.
// We are using "var" here because some services may want to use different error messages.
var (
	ErrMessageInternal         = "Internal error."
	ErrMessageNotFound         = "Not found."
	ErrMessageMethodNotAllowed = "Method not allowed."
)

// NewError creates a new Error with specified params.
func NewError(domain, code, message string) *Error {
	return &Error{Domain: domain, Code: code, Message: message}
}

// NewInternalError creates a new internal error with specified domain.
func NewInternalError(domain string) *Error {
	return NewError(domain, ErrCodeInternal, ErrMessageInternal)
}

// AddContext adds value to error context.
func (e *Error) AddContext(field string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[field] = value
	return e
}

// NewErrorFromFault classifies err by its fault kind and returns the HTTP status code and the Error to respond with.
// Internal details are not exposed for the kinds without a dedicated mapping.
func NewErrorFromFault(domain string, err error) (int, *Error) {
	var rlErr *fault.RateLimitedError
	if errors.As(err, &rlErr) {
		return http.StatusTooManyRequests, NewError(domain, ErrCodeRateLimited, err.Error()).
			AddContext("waitTime", rlErr.WaitTime.String())
	}
	var openErr *fault.CircuitOpenError
	if errors.As(err, &openErr) {
		return http.StatusServiceUnavailable, NewError(domain, ErrCodeCircuitOpen, err.Error()).
			AddContext("nextAttempt", openErr.NextAttempt)
	}
	switch fault.KindOf(err) {
	case fault.KindNotFound:
		return http.StatusNotFound, NewError(domain, ErrCodeNotFound, err.Error())
	case fault.KindInvalidArgument:
		return http.StatusBadRequest, NewError(domain, httpCode2ErrorCode(http.StatusBadRequest), err.Error())
	case fault.KindServiceUnavailable, fault.KindConnectionTimeout, fault.KindConnectionReset:
		return http.StatusServiceUnavailable, NewError(domain, ErrCodeUnavailable, err.Error())
	}
	return http.StatusInternalServerError, NewInternalError(domain)
}

func httpCode2ErrorCode(httpCode int) string {
	if httpCode == http.StatusInternalServerError {
		return ErrCodeInternal
	}
	var builder strings.Builder
	capitalizeNext := false
	for _, char := range http.StatusText(httpCode) {
		if unicode.IsSpace(char) {
			capitalizeNext = true
			continue
		}
		if capitalizeNext {
			builder.WriteRune(unicode.ToTitle(char))
			capitalizeNext = false
			continue
		}
		builder.WriteRune(unicode.ToLower(char))
	}
	return builder.String()
}
