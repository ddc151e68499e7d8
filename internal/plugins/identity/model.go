// Package identity owns users, the session-to-user binding, and the
// AuthState view the frontend renders from. The session identifier itself is
// minted client-side (a UUID kept in durable browser storage) and presented
// on every request -- the server only ever associates things with it.
//
// This is a CORE plugin -- always enabled, cannot be disabled.
package identity

import "time"

// User identity kinds. An anonymous user is a full account without a linked
// Google profile; linking one upgrades the same row in place.
const (
	KindAnonymous  = "anonymous"
	KindRegistered = "registered"
)

// Access levels.
const (
	AccessUser        = "user"
	AccessSystemAdmin = "system_admin"
)

// Reason codes returned with an unauthenticated AuthState.
const (
	ReasonNoSession      = "no_session"
	ReasonUnknownSession = "unknown_session"
)

// User represents a Koinonia account. This is the domain model used
// throughout the application. Database scanning and JSON marshaling use this
// struct directly.
type User struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	DisplayName string     `json:"display_name"`
	Email       *string    `json:"email,omitempty"`
	GoogleID    *string    `json:"-"` // Provider account id, never exposed.
	AccessLevel string     `json:"access_level"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// IsAdmin returns true for system administrators.
func (u *User) IsAdmin() bool {
	return u.AccessLevel == AccessSystemAdmin
}

// AuthState is the derived per-request view of a session: either
// unauthenticated (with a reason code) or authenticated with the bound
// user's public fields. It is computed, never stored.
type AuthState struct {
	Authenticated bool   `json:"authenticated"`
	Reason        string `json:"reason,omitempty"`
	User          *User  `json:"user,omitempty"`
	IsAdmin       bool   `json:"is_admin"`
}

// --- Request DTOs (bound from HTTP requests) ---

// AccessLevelRequest is the body for the admin access-level endpoint.
type AccessLevelRequest struct {
	AccessLevel string `json:"access_level" form:"access_level"`
}

// ConnectResult reports the outcome of linking a Google profile.
// Converted is true when an anonymous account was upgraded in place.
type ConnectResult struct {
	User      *User
	Converted bool
}
