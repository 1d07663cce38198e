package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the health check, the operator API and, when given, the
// metrics exposition handler.
func NewRouter(op Operator, health func() error, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", HealthCheckHandler(health))
	NewComponentHandler(op).RegisterRoutes(r)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}
	return r
}
