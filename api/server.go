/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address behind a proxy
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Logger:     zerolog access log with trace ids
  5. Metrics:    Prometheus counter and histogram per route
  6. CORS:       Cross-origin requests for dashboards
  7. Timeout:    Bounds every request context

The router is wrapped in otelhttp so each request opens a server span
that the engine's spans join.

SECURITY NOTE:
  No authentication middleware. Deploy behind an authenticating proxy;
  /api/admin/* can rewrite derived state.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/warp/lot-engine/logging"
	"github.com/warp/lot-engine/metrics"
)

// RouterConfig carries the optional pieces of the router.
type RouterConfig struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics // nil disables /metrics and request metrics
	Logger         zerolog.Logger
}

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(cfg.Logger))
	r.Use(cfg.Metrics.Middleware)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		// Master data
		r.Get("/items", h.ListItems)
		r.Put("/items/{id}", h.SaveItem)
		r.Get("/locations", h.ListLocations)
		r.Put("/locations/{id}", h.SaveLocation)

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", h.OpenDocument)
			r.Get("/{id}", h.GetDocument)
			r.Post("/{id}/complete", h.CompleteDocument)
			r.Post("/{id}/reopen", h.ReopenDocument)
		})

		// Read model
		r.Get("/positions/{location}/{item}", h.GetPosition)
		r.Get("/events", h.ListEvents)
		r.Get("/events/{id}", h.GetEvent)

		// Maintenance
		r.Route("/admin", func(r chi.Router) {
			r.Post("/verify", h.Verify)
			r.Get("/verify/last", h.VerifyLast)
			r.Post("/rebuild", h.Rebuild)
			r.Post("/fix", h.Fix)
		})
	})

	return otelhttp.NewHandler(r, "lot-engine.http")
}

// requestLogger writes one zerolog line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			l := logging.WithContext(r.Context(), logger)
			ev := l.Info()
			if ww.Status() >= http.StatusInternalServerError {
				ev = l.Warn()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http.request")
		})
	}
}
