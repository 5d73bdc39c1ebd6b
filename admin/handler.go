/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package admin provides an HTTP handler exposing runtime state of a governor and its reset operations.
//
// Routes:
//
//	GET    /stats                           aggregated statistics
//	GET    /ratelimit/{resource}            rate limit status of the resource
//	POST   /ratelimit/{resource}/reset      drops the rate limit window of the resource
//	GET    /circuitbreakers                 statuses of all circuit breakers
//	GET    /circuitbreakers/{name}          status of the circuit breaker
//	POST   /circuitbreakers/{name}/reset    closes the circuit breaker
//	DELETE /cache                           removes all cached values
//	DELETE /cache/{key}                     removes the cached value
//	POST   /cache/invalidate                removes the cached values listed in {"keys": [...]}
//	GET    /metrics                         Prometheus metrics (if a metrics handler is configured)
package admin

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/acronis/go-resilience/cache"
	"github.com/acronis/go-resilience/circuitbreaker"
	"github.com/acronis/go-resilience/fault"
	"github.com/acronis/go-resilience/governor"
	"github.com/acronis/go-resilience/log"
	"github.com/acronis/go-resilience/ratelimit"
	"github.com/acronis/go-resilience/restapi"
)

// ErrorDomain is the domain of errors in admin responses.
const ErrorDomain = "ResilienceAdmin"

// MaxInvalidateRequestSize bounds the body of the cache invalidation request.
const MaxInvalidateRequestSize = 64 * 1024

// Governor is the runtime state exposed by the admin handler. It's implemented by *governor.Governor.
type Governor interface {
	Stats() governor.Stats
	Cache() cache.Cache
	Limiter() ratelimit.Limiter
	Breakers() *circuitbreaker.Registry
}

// HandlerOpts represents options for the admin handler.
type HandlerOpts struct {
	// MetricsHandler is served on GET /metrics if set, for example promhttp.Handler().
	MetricsHandler http.Handler
}

// InvalidateRequest is the body of POST /cache/invalidate.
type InvalidateRequest struct {
	Keys []string `json:"keys"`
}

// InvalidateResponse is the response of POST /cache/invalidate.
// Requested is the number of distinct keys invalidated, whether they were cached or not.
type InvalidateResponse struct {
	Requested int `json:"requested"`
}

type handler struct {
	gov    Governor
	logger log.FieldLogger
}

// NewHandler creates a new admin http.Handler.
func NewHandler(gov Governor, logger log.FieldLogger) http.Handler {
	return NewHandlerWithOpts(gov, logger, HandlerOpts{})
}

// NewHandlerWithOpts is a more configurable version of NewHandler.
func NewHandlerWithOpts(gov Governor, logger log.FieldLogger, opts HandlerOpts) http.Handler {
	h := &handler{gov: gov, logger: log.OrDisabled(logger)}

	router := chi.NewRouter()
	router.Use(recovery(h.logger))

	router.Get("/stats", h.getStats)
	router.Route("/ratelimit/{resource}", func(r chi.Router) {
		r.Get("/", h.getRateLimitStatus)
		r.Post("/reset", h.resetRateLimit)
	})
	router.Route("/circuitbreakers", func(r chi.Router) {
		r.Get("/", h.listCircuitBreakers)
		r.Get("/{name}", h.getCircuitBreaker)
		r.Post("/{name}/reset", h.resetCircuitBreaker)
	})
	router.Route("/cache", func(r chi.Router) {
		r.Delete("/", h.clearCache)
		r.Post("/invalidate", h.invalidateCache)
		r.Delete("/{key}", h.deleteCacheEntry)
	})
	if opts.MetricsHandler != nil {
		router.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	router.NotFound(func(rw http.ResponseWriter, r *http.Request) {
		apiErr := restapi.NewError(ErrorDomain, restapi.ErrCodeNotFound, restapi.ErrMessageNotFound)
		restapi.RespondError(rw, http.StatusNotFound, apiErr, h.logger)
	})
	router.MethodNotAllowed(func(rw http.ResponseWriter, r *http.Request) {
		apiErr := restapi.NewError(ErrorDomain, restapi.ErrCodeMethodNotAllowed, restapi.ErrMessageMethodNotAllowed)
		restapi.RespondError(rw, http.StatusMethodNotAllowed, apiErr, h.logger)
	})
	return router
}

func (h *handler) getStats(rw http.ResponseWriter, r *http.Request) {
	restapi.RespondJSON(rw, h.gov.Stats(), h.logger)
}

func (h *handler) getRateLimitStatus(rw http.ResponseWriter, r *http.Request) {
	resource, err := urlParam(r, "resource")
	if err != nil {
		restapi.RespondFaultError(rw, ErrorDomain, err, h.logger)
		return
	}
	status, err := h.gov.Limiter().Status(r.Context(), resource)
	if err != nil {
		restapi.RespondFaultError(rw, ErrorDomain, err, h.logger)
		return
	}
	restapi.RespondJSON(rw, status, h.logger)
}

func (h *handler) resetRateLimit(rw http.ResponseWriter, r *http.Request) {
	resource, err := urlParam(r, "resource")
	if err != nil {
		restapi.RespondFaultError(rw, ErrorDomain, err, h.logger)
		return
	}
	if err = h.gov.Limiter().Reset(r.Context(), resource); err != nil {
		restapi.RespondFaultError(rw, ErrorDomain, err, h.logger)
		return
	}
	h.logger.Info("rate limit window has been reset", log.String("resource", resource))
	rw.WriteHeader(http.StatusNoContent)
}

func (h *handler) listCircuitBreakers(rw http.ResponseWriter, r *http.Request) {
	restapi.RespondJSON(rw, h.gov.Breakers().Statuses(), h.logger)
}

func (h *handler) getCircuitBreaker(rw http.ResponseWriter, r *http.Request) {
	name, err := urlParam(r, "name")
	if err != nil {
		restapi.RespondFaultError(rw, ErrorDomain, err, h.logger)
		return
	}
	b, ok := h.gov.Breakers().Lookup(name)
	if !ok {
		restapi.RespondFaultError(rw, ErrorDomain, fmt.Errorf("circuit breaker %q: %w", name, fault.ErrNotFound), h.logger)
		return
	}
	restapi.RespondJSON(rw, b.Status(), h.logger)
}

func (h *handler) resetCircuitBreaker(rw http.ResponseWriter, r *http.Request) {
	name, err := urlParam(r, "name")
	if err != nil {
		restapi.RespondFaultError(rw, ErrorDomain, err, h.logger)
		return
	}
	if err = h.gov.Breakers().Reset(name); err != nil {
		restapi.RespondFaultError(rw, ErrorDomain, err, h.logger)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (h *handler) clearCache(rw http.ResponseWriter, r *http.Request) {
	if err := h.gov.Cache().Clear(r.Context()); err != nil {
		restapi.RespondFaultError(rw, ErrorDomain, err, h.logger)
		return
	}
	h.logger.Info("cache has been cleared")
	rw.WriteHeader(http.StatusNoContent)
}

func (h *handler) deleteCacheEntry(rw http.ResponseWriter, r *http.Request) {
	key, err := urlParam(r, "key")
	if err != nil {
		restapi.RespondFaultError(rw, ErrorDomain, err, h.logger)
		return
	}
	if err = h.gov.Cache().Delete(r.Context(), key); err != nil {
		restapi.RespondFaultError(rw, ErrorDomain, err, h.logger)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (h *handler) invalidateCache(rw http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := restapi.DecodeRequestJSON(rw, r, &req, MaxInvalidateRequestSize); err != nil {
		restapi.RespondFaultError(rw, ErrorDomain, err, h.logger)
		return
	}
	seen := make(map[string]struct{}, len(req.Keys))
	for _, key := range req.Keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if err := h.gov.Cache().Delete(r.Context(), key); err != nil {
			restapi.RespondFaultError(rw, ErrorDomain, err, h.logger)
			return
		}
	}
	restapi.RespondJSON(rw, InvalidateResponse{Requested: len(seen)}, h.logger)
}

func urlParam(r *http.Request, name string) (string, error) {
	val, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil || val == "" {
		return "", fault.Errorf(fault.KindInvalidArgument, "invalid %s in URL path", name)
	}
	return val, nil
}
