package logincode

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/koinonia-app/koinonia/internal/middleware"
	"github.com/koinonia-app/koinonia/internal/plugins/identity"
)

// RegisterRoutes sets up login code routes on the given Echo instance.
// Verify is rate-limited hard: 8 random characters are brute-forceable in
// principle, so we cap guesses per IP well below anything useful.
func RegisterRoutes(e *echo.Echo, h *Handler, identitySvc identity.Service) {
	authed := e.Group("/api/auth/logincode", identity.RequireAuth(identitySvc))
	authed.POST("", h.Create, middleware.RateLimit(10, time.Minute))
	authed.GET("", h.GetActive)

	e.POST("/api/auth/logincode/verify", h.Verify,
		identity.RequireSession(), middleware.RateLimit(10, time.Minute))
}
