// Package logincode implements the cross-device login codes: short-lived,
// single-use, at most one per user. A signed-in device generates a code and
// reads it back for a countdown; a second device redeems it to adopt the
// same user without repeating OAuth.
package logincode

import (
	"strings"
	"time"
)

// codeLength is the number of characters in a login code.
const codeLength = 8

// codeAlphabet is the character set codes are drawn from. Verification
// accepts any alphanumeric input; only generation is restricted.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Reason returned when no active code exists, letting the UI distinguish
// "was just consumed" from "never generated".
const ReasonNoActiveCode = "no_active_code"

// LoginCode is one user's active code. The user id is the primary key, so
// the at-most-one-code-per-user invariant lives in the schema: creating a
// new code replaces the old row.
type LoginCode struct {
	UserID    string    `json:"-"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the code's expiry has passed. Checked at
// verification time too -- sweeper absence proves nothing.
func (c *LoginCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Display formats a code for presentation as XXXX-XXXX. Storage and
// comparison always use the undashed form.
func Display(code string) string {
	if len(code) != codeLength {
		return code
	}
	return code[:4] + "-" + code[4:]
}

// Normalize uppercases input and strips every non-alphanumeric character,
// so "ab12-cd34" compares equal to "AB12CD34".
func Normalize(input string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// --- Request DTOs (bound from HTTP requests) ---

// VerifyRequest is the body for redeeming a code on a second device.
type VerifyRequest struct {
	Code string `json:"code" form:"code"`
}
