// Package handler exposes the REST surface and the WebSocket stream.
package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stepflow/stepflow/config"
	"github.com/stepflow/stepflow/engine"
	"github.com/stepflow/stepflow/errors"
	"github.com/stepflow/stepflow/hub"
	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/store"
)

// Handler returns an http.Handler that exposes the service resources.
func Handler(cfg config.Config, s *store.Store, eng *engine.Engine, h *hub.Hub, started time.Time) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.Middleware)
	if cfg.Auth.Enabled {
		r.Use(bearerAuth(cfg.Auth.Token))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/health", func(r chi.Router) {
			r.Get("/", HandleHealth(started))
			r.Get("/status", HandleHealthStatus(s, eng, h, started))
			r.Get("/metrics", HandleHealthMetrics(s, eng, h))
			r.Post("/optimize", HandleOptimize(s))
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", HandleExecutionList(s))
			r.Post("/", HandleExecutionCreate(cfg, s, eng))
			r.Get("/active", HandleExecutionActive(eng))
			r.Get("/statistics", HandleExecutionStatistics(s))
			r.Get("/{id}", HandleExecutionGet(s, eng))
			r.Post("/{id}/cancel", HandleExecutionCancel(s, eng))
			r.Delete("/{id}", HandleExecutionDelete(s, eng))
		})

		r.Route("/artifacts", func(r chi.Router) {
			r.Get("/execution/{id}", HandleArtifactList(s))
			r.Get("/{id}", HandleArtifactGet(s))
			r.Get("/{id}/download", HandleArtifactDownload(s))
		})
	})

	return r
}

// StreamHandler returns the http.Handler for the WebSocket port.
func StreamHandler(s *store.Store, eng *engine.Engine, h *hub.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.Middleware)
	r.Get("/", HandleStream(s, eng, h))
	r.Get("/ws", HandleStream(s, eng, h))
	return r
}

// bearerAuth enforces a static bearer token on every request.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				WriteError(w, &errors.ValidationError{Msg: "invalid or missing bearer token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
