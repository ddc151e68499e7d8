package identity

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/koinonia-app/koinonia/internal/apperror"
)

// SessionHeader is the request header carrying the client-minted session id.
// It is the sole credential -- there is no separate bearer token.
const SessionHeader = "X-Session-Id"

// Context keys for storing session data in Echo context. Other plugins use
// these keys (via the exported getter functions below) to access the
// session id and the authenticated user.
const (
	contextKeySession = "identity_session"
	contextKeyUser    = "identity_user"
)

// SessionID returns the session id extracted by Middleware, or "" when the
// request carried none.
func SessionID(c echo.Context) string {
	if sid, ok := c.Get(contextKeySession).(string); ok {
		return sid
	}
	return ""
}

// CurrentUser returns the user resolved by RequireAuth, or nil.
func CurrentUser(c echo.Context) *User {
	if u, ok := c.Get(contextKeyUser).(*User); ok {
		return u
	}
	return nil
}

// Middleware extracts and validates the session header on every request.
// A missing header is allowed (GetState treats it as unauthenticated); a
// malformed one is rejected so downstream code can assume a well-formed
// UUID when the id is present.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sid := c.Request().Header.Get(SessionHeader)
			if sid != "" {
				if _, err := uuid.Parse(sid); err != nil {
					return apperror.NewBadRequest("malformed session id")
				}
				c.Set(contextKeySession, sid)
			}
			return next(c)
		}
	}
}

// RequireSession rejects requests without a session id. Operations that
// create records scoped to a session need one even before authentication.
func RequireSession() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if SessionID(c) == "" {
				return apperror.NewBadRequest("missing session id")
			}
			return next(c)
		}
	}
}

// RequireAuth resolves the session binding and injects the user into the
// request context. Requests from unbound sessions get 401 -- the frontend
// treats that as "redirect to a login entry point", not a fault.
func RequireAuth(svc Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			state, err := svc.GetState(c.Request().Context(), SessionID(c))
			if err != nil {
				return err
			}
			if !state.Authenticated {
				return apperror.NewUnauthorized("not signed in")
			}
			c.Set(contextKeyUser, state.User)
			return next(c)
		}
	}
}

// RequireAdmin allows only system administrators. Must run after RequireAuth.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := CurrentUser(c)
			if user == nil {
				return apperror.NewUnauthorized("not signed in")
			}
			if !user.IsAdmin() {
				return apperror.NewForbidden("admin access required")
			}
			return next(c)
		}
	}
}
