/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"fmt"
	"net/http"

	"github.com/acronis/go-resilience/fault"
)

// StatusKind classifies an HTTP response status code.
// Statuses not indicating a failure of the downstream map to fault.KindUnknown.
func StatusKind(code int) fault.Kind {
	switch code {
	case http.StatusTooManyRequests:
		return fault.KindThrottling
	case http.StatusInternalServerError:
		return fault.KindInternal
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return fault.KindServiceUnavailable
	case http.StatusGatewayTimeout:
		return fault.KindConnectionTimeout
	case http.StatusNotFound:
		return fault.KindNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fault.KindInvalidArgument
	}
	return fault.KindUnknown
}

// StatusError is an HTTP response status classified as a failure of the downstream.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// FaultKind implements fault.KindProvider.
func (e *StatusError) FaultKind() fault.Kind {
	return StatusKind(e.StatusCode)
}
