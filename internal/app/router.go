// Package app wires application components and startup helpers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/ai-agent-runner/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/observability"
	"github.com/fairyhunter13/ai-agent-runner/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
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

	// Per-route deadline for JSON endpoints. The server-level write timeout is
	// disabled so SSE can hold connections open.
	reqTimeout := cfg.HTTPWriteTimeout
	if reqTimeout <= 0 {
		reqTimeout = 30 * time.Second
	}

	r.Route("/v1", func(v1 chi.Router) {
		// Mutating endpoints: rate limited, API-key guarded, request timeout.
		v1.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Use(httpserver.APIKeyAuth(cfg))
			wr.Use(httpserver.TimeoutMiddleware(reqTimeout))
			wr.Post("/jobs", srv.SubmitJobHandler())
			wr.Post("/jobs/{id}/cancel", srv.CancelJobHandler())
			wr.Post("/jobs/{id}/stop", srv.CancelJobHandler())
			wr.Post("/jobs/{id}/evaluation", srv.RecordEvaluationHandler())
			wr.Post("/conversations", srv.CreateConversationHandler())
			wr.Post("/conversations/{id}/messages", srv.AddMessageHandler())
		})
		// Read-only endpoints. The stream holds its connection open, so it
		// stays outside the timeout group.
		v1.Group(func(rr chi.Router) {
			rr.Use(httpserver.TimeoutMiddleware(reqTimeout))
			rr.Get("/jobs", srv.ListJobsHandler())
			rr.Get("/jobs/{id}", srv.GetJobHandler())
			rr.Get("/jobs/{id}/evaluation", srv.GetEvaluationHandler())
			rr.Get("/jobs/{id}/messages", srv.JobMessagesHandler())
			rr.Get("/conversations/{id}/messages", srv.ListMessagesHandler())
		})
		v1.Get("/stream", srv.StreamHandler())
	})

	// Health and metrics
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
