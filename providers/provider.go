package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider is the OAuth surface of the tax authority.
type Provider interface {
	// Name returns the provider name used in logs and metrics.
	Name() string

	// AuthorizationURL returns the consent URL. codeChallenge is the S256
	// PKCE challenge; an empty value disables PKCE.
	AuthorizationURL(state, codeChallenge string) string

	// ExchangeCode exchanges an authorization code for tokens.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)

	// RefreshToken obtains a new token pair from a refresh token. Failures
	// from the token endpoint are returned as *oauth2.RetrieveError.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeToken revokes token at the authority.
	RevokeToken(ctx context.Context, token string) error

	// Scopes returns the scopes requested on authorization.
	Scopes() []string
}
