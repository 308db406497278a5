// Package app assembles the HTTP router and readiness checks from the
// adapter and usecase layers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/poiplane/poiplane/internal/adapter/httpserver"
	"github.com/poiplane/poiplane/internal/adapter/observability"
	"github.com/poiplane/poiplane/internal/config"
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
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(60 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Vendor proxy surface. The crawl engine calls this through its own
	// loopback URL, so it stays outside the per-IP rate budget; the pool's
	// daily quotas bound it instead.
	r.Get("/amap/*", srv.ProxyHandler())

	// Job control surface.
	r.Group(func(gr chi.Router) {
		gr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))

		gr.Route("/api/polygon/tasks", func(tr chi.Router) {
			tr.Post("/", srv.CreateTaskHandler())
			tr.Get("/", srv.ListTasksHandler())
			tr.Get("/{taskID}", srv.GetTaskHandler())
			tr.Get("/{taskID}/result", srv.TaskResultHandler())
			tr.Post("/{taskID}/resume", srv.ResumeTaskHandler())
			tr.Put("/{taskID}/priority", srv.UpdatePriorityHandler())
		})

		gr.Route("/tasks", func(tr chi.Router) {
			tr.Post("/resume-batch", srv.ResumeBatchHandler())
			tr.Post("/start", srv.StartHandler())
			tr.Post("/stop-all", srv.StopAllHandler())
			tr.Get("/completed-by-date", srv.CompletedByDateHandler())
		})
	})

	// Credential admin surface, only when an admin identity is configured.
	if cfg.AdminEnabled() {
		r.Route("/admin/api/keys", func(ar chi.Router) {
			ar.Use(srv.AdminGuard())
			ar.Get("/", srv.ListKeysHandler())
			ar.Post("/", srv.CreateKeyHandler())
			ar.Put("/{keyID}", srv.UpdateKeyHandler())
			ar.Delete("/{keyID}", srv.DeleteKeyHandler())
			ar.Get("/{keyID}/usage", srv.KeyUsageHandler())
		})
	}

	// Health and metrics.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
