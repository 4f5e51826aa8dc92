/**
 * @description
 * This file sets up the HTTP router for the transaction core. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies any necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// TransactionRoutes creates and returns a new router for the transaction core.
func TransactionRoutes(h *TransactionHandlers, jwtSecret, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require caller authentication.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwtSecret))

		r.Post("/transactions", h.CreateTransactionHandler)
		r.Get("/transactions/{id}", h.GetTransactionHandler)
		r.Get("/transactions/{id}/events", h.ListLifecycleEventsHandler)
		r.Get("/transactions/reference/{reference}", h.GetTransactionByReferenceHandler)

		// Operator-only routes additionally require the internal key.
		r.Group(func(r chi.Router) {
			r.Use(InternalAPIKeyMiddleware(internalAPIKey))

			r.Post("/transactions/{id}/transition", h.TransitionTransactionHandler)
			r.Post("/transactions/{id}/review", h.ResolveReviewHandler)
			r.Post("/users/{id}/risk-evaluation", h.EvaluateUserRiskHandler)
		})
	})

	return r
}
