// Package app wires the execution core together: the HTTP router with its
// middleware stack, readiness checks for the backing services, and the stale
// job watchdog.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ai-surface-visibility/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-surface-visibility/internal/adapter/observability"
	"github.com/fairyhunter13/ai-surface-visibility/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit mutating endpoints per client IP; the tenant token bucket
	// inside the create handler is a separate, cross-replica budget.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/studies", srv.CreateStudyHandler())
		wr.Post("/v1/studies/{id}/pause", srv.PauseHandler())
		wr.Post("/v1/studies/{id}/resume", srv.ResumeHandler())
		wr.Post("/v1/studies/{id}/cancel", srv.CancelHandler())
	})
	// Read-only endpoints
	r.Get("/v1/studies", srv.ListStudiesHandler())
	r.Get("/v1/studies/{id}", srv.GetStudyHandler())
	r.Get("/v1/studies/{id}/results", srv.GetResultsHandler())
	r.Get("/v1/studies/{id}/jobs/{jobID}", srv.GetJobHandler())
	r.Get("/v1/executor/stats", srv.ExecutorStatsHandler())

	// Health and metrics
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
