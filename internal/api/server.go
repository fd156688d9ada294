// SPDX-License-Identifier: MIT

// Package api is the HTTP facade for the presentation layer: requests,
// pipeline templates, executions and worker status, plus the encoder
// WebSocket upgrade.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/voslund/fetchd/internal/dispatch"
	"github.com/voslund/fetchd/internal/log"
	"github.com/voslund/fetchd/internal/pipeline"
	"github.com/voslund/fetchd/internal/request"
	"github.com/voslund/fetchd/internal/store"
)

// Server wires the HTTP surface over the core services.
type Server struct {
	Store      store.StateStore
	Requests   *request.Service
	Engine     *pipeline.Engine
	Dispatcher *dispatch.Dispatcher

	// EncoderPath is the WebSocket upgrade route for encoder workers.
	EncoderPath string
	// APIToken guards mutating routes; empty disables auth (tests).
	APIToken string
}

// Router assembles the chi router with the standard middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(log.Middleware())
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if s.Dispatcher != nil {
		r.Get(s.EncoderPath, s.Dispatcher.HandleWS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/requests", func(r chi.Router) {
			r.Get("/", s.handleRequestList)
			r.Get("/{id}", s.handleRequestGet)
			r.With(s.requireAuth).Post("/", s.handleRequestCreate)
			r.With(s.requireAuth).Post("/{id}/cancel", s.handleRequestCancel)
			r.With(s.requireAuth).Post("/{id}/retry", s.handleRequestRetry)
		})

		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/", s.handleTemplateList)
			r.Get("/{id}", s.handleTemplateGet)
			r.With(s.requireAuth).Post("/", s.handleTemplateCreate)
			r.With(s.requireAuth).Put("/{id}", s.handleTemplateUpdate)
			r.With(s.requireAuth).Delete("/{id}", s.handleTemplateDelete)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleExecutionList)
			r.Get("/{id}", s.handleExecutionGet)
			r.With(s.requireAuth).Post("/{id}/pause", s.handleExecutionPause)
			r.With(s.requireAuth).Post("/{id}/resume", s.handleExecutionResume)
			r.With(s.requireAuth).Post("/{id}/cancel", s.handleExecutionCancel)
			r.With(s.requireAuth).Post("/{id}/approve", s.handleExecutionApprove)
		})

		r.Get("/workers", s.handleWorkerList)
	})

	return otelhttp.NewHandler(r, "fetchd.api")
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.APIToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
