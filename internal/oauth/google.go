package oauth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/koinonia-app/koinonia/internal/config"
)

// GoogleProvider implements Provider using Google's OIDC discovery and the
// standard OAuth2 authorization-code flow.
type GoogleProvider struct {
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewGoogleProvider creates a GoogleProvider by fetching Google's OIDC
// discovery document. Makes an outbound HTTP request to
// accounts.google.com at startup; returns an error if unreachable.
func NewGoogleProvider(ctx context.Context, cfg config.GoogleConfig) (*GoogleProvider, error) {
	p, err := oidc.NewProvider(ctx, "https://accounts.google.com")
	if err != nil {
		return nil, fmt.Errorf("google oidc discovery: %w", err)
	}
	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     p.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier: p.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string { return "google" }

// AuthCodeURL builds the Google consent page URL. prompt=consent and
// access_type=offline force the account chooser and a refresh token, which
// keeps repeat logins from silently reusing a previously picked account.
func (p *GoogleProvider) AuthCodeURL(state, redirectURI string) string {
	return p.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.AccessTypeOffline,
	)
}

// Exchange trades an authorization code for a verified profile. Verifies
// the returned ID token signature against Google's JWKS, checks aud + exp.
func (p *GoogleProvider) Exchange(ctx context.Context, code, redirectURI string) (*Profile, error) {
	token, err := p.config.Exchange(ctx, code,
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
	)
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no id_token in token response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}

	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extracting id token claims: %w", err)
	}

	if claims.Sub == "" {
		return nil, fmt.Errorf("id token missing sub claim")
	}

	return &Profile{
		AccountID:   claims.Sub,
		Email:       claims.Email,
		DisplayName: claims.Name,
	}, nil
}
