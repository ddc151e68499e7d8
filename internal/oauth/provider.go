// Package oauth performs the provider-side half of the login and
// account-linking flows: building consent URLs and exchanging one-time
// authorization codes for a verified, normalized profile.
package oauth

import "context"

// Profile holds the normalized identity returned by a provider exchange.
// All fields come from a verified ID token -- never from client input.
type Profile struct {
	// AccountID is the provider's stable user identifier (Google "sub").
	AccountID string

	// Email is the account email as asserted by the provider.
	Email string

	// DisplayName is the human-readable name, possibly empty.
	DisplayName string
}

// Provider is an OAuth2 identity provider.
//
// Exchange consumes a one-time authorization code. The provider rejects a
// second exchange of the same code, so a failure here is terminal for the
// attempt -- callers must not retry.
type Provider interface {
	// Name returns the provider identifier stored on linked accounts.
	Name() string

	// AuthCodeURL returns the provider consent page URL with the given
	// CSRF state and redirect URI embedded.
	AuthCodeURL(state, redirectURI string) string

	// Exchange trades an authorization code for a verified profile. The
	// redirectURI must match the one the code was issued against.
	Exchange(ctx context.Context, code, redirectURI string) (*Profile, error)
}
