package authflow

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/koinonia-app/koinonia/internal/middleware"
	"github.com/koinonia-app/koinonia/internal/plugins/identity"
)

// RegisterRoutes sets up all flow routes on the given Echo instance.
// The callback endpoints are public by necessity -- Google redirects the
// user's browser there without our session header; the state token is what
// ties the callback back to a session.
//
// Request creation is rate-limited per IP to keep a hostile client from
// filling the auth_requests table between sweeps.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.POST("/api/auth/requests", h.CreateRequest, identity.RequireSession(), middleware.RateLimit(10, time.Minute))
	e.GET("/api/auth/requests/:id", h.GetRequest, identity.RequireSession())
	e.GET("/api/auth/requests/:id/url", h.AuthorizationURL, identity.RequireSession())
	e.GET("/api/auth/requests/:id/watch", h.Watch, identity.RequireSession())

	// Provider redirect targets. Each must exactly match what was
	// registered with Google.
	e.GET("/api/auth/google/callback", h.Callback)
	e.GET("/app/profile/connect/google/callback", h.Callback)

	// Legacy full-page flow.
	e.GET("/login/google", h.LegacyLogin)
	e.GET("/login/google/callback", h.LegacyCallback)
}
