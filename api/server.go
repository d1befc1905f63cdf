/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the referrer dashboard

ROUTE GROUPS:
  /r/{code}            Public click ingress (redirects to storefront)
  /api/referrers/*     Referrer codes, stats, commission history
  /api/events/*        Registration and order-status event feeds
  /api/orders/*        Operator actions on orders

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// Public click ingress
	r.Get("/r/{code}", h.ClickRedirect)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Referrer routes
		r.Route("/referrers", func(r chi.Router) {
			r.Post("/{id}/code", h.IssueCode)
			r.Get("/{id}/stats", h.GetStats)
			r.Get("/{id}/commissions", h.GetCommissions)
			r.Post("/{id}/rebuild", h.RebuildStats)
		})

		// Event feeds
		r.Route("/events", func(r chi.Router) {
			r.Post("/registration", h.RegistrationEvent)
			r.Post("/order-status", h.OrderStatusEvent)
		})

		// Operator actions
		r.Route("/orders", func(r chi.Router) {
			r.Post("/{id}/attribute", h.AttributeOrderRetroactive)
		})
	})

	return r
}
