package api

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"csv-ingest/internal/middleware"
)

// RouterConfig holds everything NewRouter mounts.
type RouterConfig struct {
	Push      http.Handler
	Metrics   http.Handler
	StateDB   *sql.DB
	RateLimit middleware.RateLimitConfig
	// Auth guards the push routes; nil disables push authentication.
	Auth func(http.Handler) http.Handler
}

// NewRouter builds the coordinator's HTTP routes. Health and metrics sit
// outside the throttle and push authentication.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if cfg.StateDB != nil {
			if err := cfg.StateDB.PingContext(req.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
					"status": "unavailable",
					"error":  err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// Authentication runs first so rejected callers never draw from the
	// push token bucket.
	r.Group(func(r chi.Router) {
		if cfg.Auth != nil {
			r.Use(cfg.Auth)
		}
		if cfg.RateLimit.RequestsPerSecond > 0 {
			r.Use(middleware.Throttle(cfg.RateLimit))
		}
		r.Method(http.MethodPost, "/", cfg.Push)
		r.Method(http.MethodPost, "/push", cfg.Push)
	})
	return r
}
