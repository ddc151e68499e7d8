package authflow

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/koinonia-app/koinonia/internal/apperror"
	"github.com/koinonia-app/koinonia/internal/plugins/identity"
)

// Handler handles HTTP requests for the login/connect flows. Handlers are
// thin: they bind the request, call the service, and render the response.
type Handler struct {
	service     Service
	development bool
}

// NewHandler creates a new flow handler. development enables the collapsed
// technical-details block on the popup result page.
func NewHandler(service Service, development bool) *Handler {
	return &Handler{service: service, development: development}
}

// CreateRequest seeds a pending login/connect request
// (POST /api/auth/requests).
func (h *Handler) CreateRequest(c echo.Context) error {
	var input CreateRequestInput
	if err := c.Bind(&input); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	req, err := h.service.CreateRequest(c.Request().Context(), identity.SessionID(c), input)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, map[string]any{"id": req.ID, "expires_at": req.ExpiresAt})
}

// GetRequest returns a status snapshot (GET /api/auth/requests/:id).
func (h *Handler) GetRequest(c echo.Context) error {
	req, err := h.service.GetRequest(c.Request().Context(), identity.SessionID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, req)
}

// AuthorizationURL issues state and returns the provider consent URL
// (GET /api/auth/requests/:id/url). The viewer page opens it in a popup.
func (h *Handler) AuthorizationURL(c echo.Context) error {
	url, err := h.service.AuthorizationURL(c.Request().Context(), identity.SessionID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"url": url})
}

// Watch streams status transitions as server-sent events
// (GET /api/auth/requests/:id/watch). Sends the current status immediately,
// then the terminal transition when it happens; closes on terminal status,
// request expiry, or client disconnect.
func (h *Handler) Watch(c echo.Context) error {
	ctx := c.Request().Context()

	watch, err := h.service.Watch(ctx, identity.SessionID(c), c.Param("id"))
	if err != nil {
		return err
	}
	defer watch.Stop()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-store")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	send := func(event StatusEvent) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp, "data: %s\n\n", data); err != nil {
			return err
		}
		resp.Flush()
		return nil
	}

	current := StatusEvent{
		RequestID: watch.Current.ID,
		Status:    watch.Current.Status,
		Error:     watch.Current.Error,
	}
	if err := send(current); err != nil {
		return nil
	}
	if watch.Current.Terminal() {
		return nil
	}

	// No transition can arrive after expiry; close the stream then so an
	// abandoned popup doesn't hold the connection forever.
	expire := time.NewTimer(time.Until(watch.Current.ExpiresAt))
	defer expire.Stop()

	for {
		select {
		case event, ok := <-watch.Events:
			if !ok {
				return nil
			}
			if err := send(event); err != nil {
				return nil
			}
			if event.Status != StatusPending {
				return nil
			}
		case <-expire.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Callback lands the provider redirect for the popup login and connect
// flows (GET /api/auth/google/callback and
// GET /app/profile/connect/google/callback). The popup shows a tiny result
// page; the opener tab learns the outcome through its watch subscription.
func (h *Handler) Callback(c echo.Context) error {
	result, err := h.service.HandleCallback(c.Request().Context(), bindCallbackParams(c))
	if err != nil {
		return err
	}
	return c.HTML(http.StatusOK, h.popupPage(result, c.QueryParam("error_description")))
}

// LegacyLogin starts the full-page redirect flow
// (GET /login/google?session_id=...). The session id rides a query
// parameter because the browser navigates away and can't send headers.
func (h *Handler) LegacyLogin(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		sessionID = identity.SessionID(c)
	}
	if sessionID == "" {
		return c.Redirect(http.StatusSeeOther, "/login")
	}

	url, err := h.service.LegacyAuthorizationURL(c.Request().Context(), sessionID)
	if err != nil {
		return c.Redirect(http.StatusSeeOther, "/login")
	}

	return c.Redirect(http.StatusFound, url)
}

// LegacyCallback lands the full-page redirect flow
// (GET /login/google/callback). Failures redirect back to the login entry
// point with no persisted error trail.
func (h *Handler) LegacyCallback(c echo.Context) error {
	result, err := h.service.HandleCallback(c.Request().Context(), bindCallbackParams(c))
	if err != nil {
		return c.Redirect(http.StatusSeeOther, "/login")
	}

	if result.Success || result.Benign {
		return c.Redirect(http.StatusSeeOther, "/")
	}
	return c.Redirect(http.StatusSeeOther, "/login")
}

// bindCallbackParams pulls the provider redirect query parameters.
func bindCallbackParams(c echo.Context) CallbackParams {
	return CallbackParams{
		Code:             c.QueryParam("code"),
		State:            c.QueryParam("state"),
		Error:            c.QueryParam("error"),
		ErrorDescription: c.QueryParam("error_description"),
	}
}

// popupPage renders the minimal HTML shown inside the popup window. The
// window closes itself on success; on failure it shows the plain-language
// message, with raw provider detail only in development builds.
func (h *Handler) popupPage(result *CallbackResult, rawDetail string) string {
	switch {
	case result.Benign:
		// Duplicate invocation: another attempt is handling or handled
		// this callback. Render the same neutral closing page.
		return popupHTML("Signing you in...", "", true)
	case result.Success:
		return popupHTML("Signed in. You can close this window.", "", true)
	default:
		detail := ""
		if h.development && rawDetail != "" {
			detail = rawDetail
		}
		return popupHTML(result.Message, detail, false)
	}
}

// popupHTML builds the result page. autoclose pages try window.close(),
// which works because the popup was opened by script.
func popupHTML(message, detail string, autoclose bool) string {
	page := `<!DOCTYPE html><html><head><title>Koinonia</title></head><body>` +
		`<p>` + html.EscapeString(message) + `</p>`
	if detail != "" {
		page += `<details><summary>Technical details</summary><pre>` +
			html.EscapeString(detail) + `</pre></details>`
	}
	if autoclose {
		page += `<script>window.close();</script>`
	}
	page += `</body></html>`
	return page
}
