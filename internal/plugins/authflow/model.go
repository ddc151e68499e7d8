// Package authflow drives the Google login and account-linking flows: the
// pollable login/connect request records, the single-use state token that
// correlates an outgoing redirect with its callback, the gate that collapses
// duplicate callback invocations, and the callback orchestration itself.
package authflow

import "time"

// Flow discriminators carried in the state token. Login authenticates a
// new or returning session; connect links a Google account to an already
// authenticated session; legacy-login is the old full-page redirect flow
// that keeps no request record.
const (
	FlowLogin       = "login"
	FlowConnect     = "connect"
	FlowLegacyLogin = "legacy-login"
)

// Request status values. Transitions are monotonic: pending may move to
// completed or failed exactly once; both are terminal.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// maxErrorLen bounds the error string persisted on a failed request.
// Long provider errors get truncated; secrets never reach this field
// because only apperror-safe messages are stored.
const maxErrorLen = 500

// AuthRequest is one ephemeral login or connect attempt, scoped to the
// session that created it. Nothing updates it after a terminal transition
// except the expiry sweeper.
type AuthRequest struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"` // login or connect
	SessionID   string     `json:"-"`
	RedirectURI string     `json:"-"`
	Status      string     `json:"status"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// Expired reports whether the request's absolute expiry has passed. Late
// validators must check this themselves -- an expired-but-unswept record is
// just as invalid as a swept one.
func (r *AuthRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Terminal reports whether the request has reached completed or failed.
func (r *AuthRequest) Terminal() bool {
	return r.Status != StatusPending
}

// --- Request DTOs (bound from HTTP requests) ---

// CreateRequestInput is the body for creating a login/connect request.
type CreateRequestInput struct {
	Flow        string `json:"flow" form:"flow"`
	RedirectURI string `json:"redirect_uri" form:"redirect_uri"`
}

// --- Callback types ---

// CallbackParams are the query parameters a provider redirect carries.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackResult is the outcome of processing one provider callback.
// Benign outcomes (duplicate invocation) are not failures and must not be
// rendered as errors.
type CallbackResult struct {
	Flow    string
	Success bool

	// Benign is true for duplicate invocations swallowed by the gate.
	Benign       bool
	BenignReason string // "already_processed" or "in_progress"

	// Message is the user-facing text for failures.
	Message string
}

// StatusEvent is one watch notification: a request's terminal transition.
type StatusEvent struct {
	RequestID string  `json:"request_id"`
	Status    string  `json:"status"`
	Error     *string `json:"error,omitempty"`
}
