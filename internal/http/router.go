package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalix/autoresponder/internal/auth"
	"github.com/signalix/autoresponder/internal/http/handlers"
	"github.com/signalix/autoresponder/internal/middleware"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(sessionHandler *handlers.SessionHandler, jwtService *auth.JWTService, limiter *middleware.RateLimiter, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// Protected routes (require admin JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitMiddleware(limiter, middleware.GetIPKey))
		r.Use(middleware.AuthMiddleware(jwtService))

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", sessionHandler.HandleList)
			r.Post("/", sessionHandler.HandleCreate)
			r.Get("/{id}", sessionHandler.HandleStatus)
			r.Delete("/{id}", sessionHandler.HandleDelete)
		})
	})

	return r
}
