/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RequestLogger: zerolog access log, request-scoped logger in context
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. CORS:          Cross-origin requests for the mobile/web client
  5. Authenticate:  X-User-ID caller identity (everything but GET /api)

ROUTE GROUPS:
  /api                 Service info
  /api/targets/*       Target management and audit
  /api/transactions/*  History, deposits, withdrawals, QRIS payments

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Logging and identity
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures cross-cutting router behavior.
type RouterOptions struct {
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", UserIDHeader},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/", h.ServiceInfo)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate)

			// Target routes
			r.Route("/targets", func(r chi.Router) {
				r.Get("/", h.ListTargets)
				r.Post("/", h.CreateTarget)
				r.Get("/{id}", h.GetTarget)
				r.Put("/{id}", h.UpdateTarget)
				r.Delete("/{id}", h.DeleteTarget)
				r.Get("/{id}/audit", h.AuditTarget)
			})

			// Transaction routes
			r.Route("/transactions", func(r chi.Router) {
				r.Get("/", h.ListTransactions)
				r.Post("/deposit-manual", h.DepositManual)
				r.Post("/withdraw", h.Withdraw)
				r.Post("/qris/initiate", h.InitiateQRIS)
				r.Get("/qris/status/{ref}", h.CheckQRIS)
			})
		})
	})

	return r
}
