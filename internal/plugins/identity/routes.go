package identity

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes sets up identity routes on the given Echo instance.
// GetState is deliberately public -- an unknown session is a normal answer,
// not an authorization failure.
func RegisterRoutes(e *echo.Echo, h *Handler, svc Service) {
	e.GET("/api/auth/state", h.GetState)
	e.POST("/api/auth/anon", h.LoginAnon, RequireSession())
	e.POST("/api/auth/logout", h.Logout, RequireSession())

	admin := e.Group("/api/admin", RequireAuth(svc), RequireAdmin())
	admin.PUT("/users/:id/access-level", h.SetAccessLevel)
}
