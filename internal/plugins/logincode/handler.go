package logincode

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/koinonia-app/koinonia/internal/apperror"
	"github.com/koinonia-app/koinonia/internal/plugins/identity"
)

// Handler handles HTTP requests for login codes.
type Handler struct {
	service Service
}

// NewHandler creates a new login code handler with the given service.
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Create generates a fresh code for the signed-in user
// (POST /api/auth/logincode).
func (h *Handler) Create(c echo.Context) error {
	user := identity.CurrentUser(c)
	if user == nil {
		return apperror.NewUnauthorized("not signed in")
	}

	code, err := h.service.Create(c.Request().Context(), user.ID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success":    true,
		"code":       Display(code.Code),
		"expires_at": code.ExpiresAt,
	})
}

// GetActive returns the signed-in user's current code for the countdown UI
// (GET /api/auth/logincode). reason=no_active_code tells the generating
// device its code was consumed or timed out.
func (h *Handler) GetActive(c echo.Context) error {
	user := identity.CurrentUser(c)
	if user == nil {
		return apperror.NewUnauthorized("not signed in")
	}

	code, err := h.service.GetActive(c.Request().Context(), user.ID)
	if err != nil {
		return err
	}

	if code == nil {
		return c.JSON(http.StatusOK, map[string]any{
			"success": true,
			"reason":  ReasonNoActiveCode,
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success":    true,
		"code":       Display(code.Code),
		"expires_at": code.ExpiresAt,
	})
}

// Verify redeems a code on a second device
// (POST /api/auth/logincode/verify).
func (h *Handler) Verify(c echo.Context) error {
	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	if err := h.service.Verify(c.Request().Context(), identity.SessionID(c), req.Code); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "Signed in.",
	})
}
