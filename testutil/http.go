/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"encoding/json"
	"net/http/httptest"

	"github.com/stretchr/testify/require"
)

const contentTypeAppJSON = "application/json"

type errorRespData struct {
	Domain string `json:"domain"`
	Code   string `json:"code"`
}

// RequireJSONInRecorder asserts that the recorded response has JSON content type
// and its body decoded into dest equals want.
func RequireJSONInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, want, dest interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, contentTypeAppJSON, resp.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), dest))
	require.Equal(t, want, dest)
}

// RequireErrorInRecorder asserts that the recorded response has the given status code
// and its body contains {"error": {"domain": domain, "code": code}}.
func RequireErrorInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantStatus int, wantDomain, wantCode string) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, wantStatus, resp.Code)
	require.Equal(t, contentTypeAppJSON, resp.Header().Get("Content-Type"))
	var data struct {
		Error errorRespData `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &data))
	require.Equal(t, errorRespData{Domain: wantDomain, Code: wantCode}, data.Error)
}

// RequireEmptyBodyInRecorder asserts that the recorded response has no body.
func RequireEmptyBodyInRecorder(t require.TestingT, resp *httptest.ResponseRecorder) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Empty(t, resp.Body.Bytes())
}
