package identity

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/koinonia-app/koinonia/internal/apperror"
)

// Handler handles HTTP requests for identity (auth state, anonymous login,
// logout, access levels). Handlers are thin: they bind the request, call the
// service, and render the response. No business logic lives here.
type Handler struct {
	service Service
}

// NewHandler creates a new identity handler with the given service.
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// GetState returns the AuthState view for the caller's session
// (GET /api/auth/state). Safe without a session header.
func (h *Handler) GetState(c echo.Context) error {
	state, err := h.service.GetState(c.Request().Context(), SessionID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

// LoginAnon creates an anonymous user bound to the caller's session
// (POST /api/auth/anon).
func (h *Handler) LoginAnon(c echo.Context) error {
	user, err := h.service.LoginAnon(c.Request().Context(), SessionID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"user":    user,
	})
}

// Logout removes the session binding (POST /api/auth/logout).
func (h *Handler) Logout(c echo.Context) error {
	if err := h.service.Logout(c.Request().Context(), SessionID(c)); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// SetAccessLevel changes a user's access level
// (PUT /api/admin/users/:id/access-level). Admin only.
func (h *Handler) SetAccessLevel(c echo.Context) error {
	var req AccessLevelRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	if err := h.service.SetAccessLevel(c.Request().Context(), c.Param("id"), req.AccessLevel); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{"success": true})
}
