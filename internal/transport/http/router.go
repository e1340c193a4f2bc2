package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"licensor/internal/config"
	appmiddleware "licensor/internal/middleware"
)

// RouterDeps carries everything the router mounts.
type RouterDeps struct {
	License    *LicenseHandler
	Health     *HealthHandler
	Metrics    http.Handler
	APIKeyAuth *appmiddleware.APIKeyAuth
	JWTAuth    *appmiddleware.JWTAuth
	RateLimit  *appmiddleware.RateLimiter
}

// NewRouter assembles the full HTTP surface.
func NewRouter(cfg *config.Config, deps RouterDeps) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(appmiddleware.Trace)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	if cfg.Security.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Security.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Api-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", deps.Health.Health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api/licenses", func(r chi.Router) {
		// Client endpoints: API-key gated and rate limited per license key
		// (query parameter or X-License-Key header) or else per remote address.
		r.Group(func(r chi.Router) {
			if deps.APIKeyAuth != nil {
				r.Use(deps.APIKeyAuth.Handler)
			}
			if deps.RateLimit != nil {
				r.Use(deps.RateLimit.Handler)
			}
			r.Post("/validate", deps.License.Validate)
			r.Post("/activate", deps.License.Activate)
			r.Post("/revoke", deps.License.Revoke)
			r.Post("/heartbeat", deps.License.Heartbeat)
			r.Post("/disconnect", deps.License.Disconnect)
		})
		// Vendor-admin endpoints behind bearer auth.
		r.Group(func(r chi.Router) {
			if deps.JWTAuth != nil {
				r.Use(deps.JWTAuth.Handler)
			}
			r.Post("/generate", deps.License.Generate)
			r.Post("/renew", deps.License.Renew)
			r.Get("/{licenseKey}/activations", deps.License.Activations)
		})
	})

	return r
}
