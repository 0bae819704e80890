package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/Transync-pro/transync-connect/internal/api/handlers/quickbooks"
	"github.com/Transync-pro/transync-connect/internal/api/middleware"
)

// RegisterQuickBooksRoutes registers the connection lifecycle endpoints with
// dedicated rate limiting. OAuth endpoints get stricter limits to prevent:
// - Authorization state exhaustion
// - Token exchange and refresh abuse
func RegisterQuickBooksRoutes(r chi.Router, handler *quickbooks.Handler, auth *middleware.SessionAuthMiddleware, allowedOrigins []string) {
	// Authorize endpoint: 10 req/min per IP
	authorizeLimiter := middleware.NewRateLimiter(10, 1*time.Minute)

	// Refresh endpoint: 20 req/min per IP (slightly higher for legitimate token refresh)
	refreshLimiter := middleware.NewRateLimiter(20, 1*time.Minute)

	// Revoke endpoint: 10 req/min per IP
	revokeLimiter := middleware.NewRateLimiter(10, 1*time.Minute)

	// The callback arrives as a top-level popup navigation from Intuit; the
	// session cookie carries the user, so it sits outside RequireUser.
	r.With(corsMiddleware(allowedOrigins), authorizeLimiter.Middleware).
		Get("/quickbooks/callback", handler.HandleCallback)

	r.Route("/api/quickbooks", func(api chi.Router) {
		api.Use(auth.RequireUser)

		api.With(authorizeLimiter.Middleware).Post("/authorize", handler.HandleAuthorize)
		api.With(authorizeLimiter.Middleware).Post("/connect/cancel", handler.HandleCancel)
		api.With(revokeLimiter.Middleware).Post("/revoke", handler.HandleRevoke)
		api.With(refreshLimiter.Middleware).Post("/refresh", handler.HandleRefresh)

		// Status endpoints poll and stream; the global limiter covers them.
		api.Get("/status", handler.HandleStatus)
		api.Get("/status/stream", handler.HandleStatusStream)
	})
}

// corsMiddleware creates a CORS middleware for the callback with specific allowed origins
func corsMiddleware(allowedOrigins []string) func(next http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-CSRF-Token",
		},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	})
}
