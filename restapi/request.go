/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"code.cloudfoundry.org/bytefmt"
)

// MalformedRequestError is an error that occurs in case of incorrect request.
type MalformedRequestError struct {
	HTTPStatusCode int
	Message        string
}

// Error returns a string representation of MalformedRequestError.
func (e *MalformedRequestError) Error() string {
	return e.Message
}

// DecodeRequestJSON reads request body limited by maxBodySize bytes (unlimited if zero)
// and decodes it as a single JSON object into dst. Unknown fields are rejected.
// Malformed requests are reported as *MalformedRequestError.
func DecodeRequestJSON(rw http.ResponseWriter, r *http.Request, dst interface{}, maxBodySize uint64) error {
	if reqContentType := r.Header.Get("Content-Type"); reqContentType != "" {
		contentType, _, err := mime.ParseMediaType(reqContentType)
		if err != nil {
			return &MalformedRequestError{
				http.StatusUnsupportedMediaType, fmt.Sprintf("Failed to parse Content-Type header for request: %s.", err),
			}
		}
		if contentType != ContentTypeAppJSON {
			return &MalformedRequestError{
				http.StatusUnsupportedMediaType, fmt.Sprintf("Content-Type %q is not supported.", contentType),
			}
		}
	}

	body := r.Body
	if maxBodySize > 0 {
		body = http.MaxBytesReader(rw, r.Body, int64(maxBodySize))
	}
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var unmarshalTypeErr *json.UnmarshalTypeError
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return &MalformedRequestError{http.StatusBadRequest, "Request body must not be empty."}
		case errors.Is(err, io.ErrUnexpectedEOF):
			return &MalformedRequestError{http.StatusBadRequest, "Request body contains badly-formed JSON."}
		case errors.As(err, &syntaxErr):
			return &MalformedRequestError{
				http.StatusBadRequest,
				fmt.Sprintf("Request body contains badly-formed JSON (at position %d).", syntaxErr.Offset),
			}
		case errors.As(err, &unmarshalTypeErr):
			return &MalformedRequestError{
				http.StatusBadRequest,
				fmt.Sprintf("Request body contains an invalid value for the %q field (at position %d).",
					unmarshalTypeErr.Field, unmarshalTypeErr.Offset),
			}
		case errors.As(err, &maxBytesErr):
			return &MalformedRequestError{
				http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request body must not be larger than %s.", bytefmt.ByteSize(maxBodySize)),
			}
		default:
			return &MalformedRequestError{http.StatusBadRequest, fmt.Sprintf("Request body is invalid: %s.", err)}
		}
	}

	// Decoder is designed to decode streams of JSON objects, but we need to prevent this behavior.
	if decoder.More() {
		return &MalformedRequestError{http.StatusBadRequest, "Request body must only contain a single JSON object."}
	}
	return nil
}
