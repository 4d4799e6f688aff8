// SPDX-License-Identifier: MIT

// Package api serves the core-owned ops endpoints: the Prometheus
// exposition, the event hub socket, the probes and a thin status
// passthrough. The product API lives in the outer HTTP surface; this
// router only carries what the core itself owns.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/health"
	"github.com/tgcast/tgcast/internal/hub"
	"github.com/tgcast/tgcast/internal/metrics"
	"github.com/tgcast/tgcast/internal/service"
)

// Principal headers. The outer surface authenticates and forwards the
// identity; the core trusts it as given.
const (
	HeaderActorID = "X-Actor-Id"
	HeaderRole    = "X-Actor-Role"
)

// wsConnectLimit shields the socket endpoint from connect storms.
const (
	wsConnectLimit  = 10
	wsConnectWindow = time.Minute
)

// Deps carries the router's collaborators.
type Deps struct {
	Service *service.Service
	Hub     *hub.Hub
	Health  *health.Manager
}

// New assembles the ops router.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observe)

	r.Get("/healthz", deps.Health.ServeHealth)
	r.Get("/readyz", deps.Health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(wsConnectLimit, wsConnectWindow))
		r.Handle("/ws", hub.NewWSHandler(deps.Hub))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status/{channelID}", statusHandler(deps.Service))
		r.Get("/channels", channelsHandler(deps.Service))
	})
	return r
}

func statusHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := svc.GetChannelStatus(r.Context(), principalFrom(r),
			chi.URLParam(r, "channelID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func channelsHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channels, err := svc.ListChannels(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, channels)
	}
}

func principalFrom(r *http.Request) domain.Principal {
	p := domain.Principal{
		ID:   r.Header.Get(HeaderActorID),
		Role: domain.Role(r.Header.Get(HeaderRole)),
	}
	if p.ID == "" {
		p.ID = "anonymous"
	}
	if p.Role == "" {
		p.Role = domain.RoleUser
	}
	return p
}

// errorBody is the wire form of a taxonomy error.
type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	reason := apperr.ReasonOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case apperr.KindValidation, apperr.KindDecode:
		code = http.StatusBadRequest
	case apperr.KindNotFound:
		code = http.StatusNotFound
	case apperr.KindConflict:
		code = http.StatusConflict
		if reason == apperr.ReasonForbidden {
			code = http.StatusForbidden
		}
	case apperr.KindRateLimited:
		code = http.StatusTooManyRequests
	case apperr.KindStorageUnavailable, apperr.KindTransportTransient:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Kind: string(kind), Reason: reason})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// observe records the request series keyed by the chi route template so
// label cardinality stays bounded.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		statusClass := strconv.Itoa(ww.Status()/100) + "xx"
		metrics.ObserveHTTPRequest(r.Method, pattern, statusClass, time.Since(start))
	})
}
