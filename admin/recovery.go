/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admin

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/restapi"
)

const recoveryStackSize = 8192

// recovery recovers from handler panics, logs the panic value with a stacktrace
// and responds with 500 HTTP status code and internal error in body.
func recovery(logger log.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					// Sentinel panic for aborting a handler, http.Server handles it without logging.
					panic(p)
				}
				stack := make([]byte, recoveryStackSize)
				stack = stack[:runtime.Stack(stack, false)]
				logger.Error(fmt.Sprintf("Panic: %+v", p), log.Bytes("stack", stack),
					log.String("method", r.Method), log.String("uri", r.RequestURI))
				restapi.RespondInternalError(rw, ErrorDomain, logger)
			}()
			next.ServeHTTP(rw, r)
		})
	}
}
