package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// PKCE holds a verifier and its S256 challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE creates a fresh verifier and its S256 challenge.
func GeneratePKCE() PKCE {
	v := oauth2.GenerateVerifier()
	return PKCE{Verifier: v, Challenge: oauth2.S256ChallengeFromVerifier(v)}
}

// OAuth2ConfigExchanger is the Exchange method of oauth2.Config.
type OAuth2ConfigExchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ExchangeCodeWithPKCE exchanges code on config using httpClient, adding the
// PKCE verifier when one is given.
func ExchangeCodeWithPKCE(ctx context.Context, config OAuth2ConfigExchanger, httpClient *http.Client, code, verifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// TokenScopes returns the scopes granted with token, falling back to
// requested when the token endpoint did not echo a scope.
func TokenScopes(token *oauth2.Token, requested []string) []string {
	if token != nil {
		if s, ok := token.Extra("scope").(string); ok && strings.TrimSpace(s) != "" {
			return strings.Fields(s)
		}
	}
	out := make([]string, len(requested))
	copy(out, requested)
	return out
}

// TokenExpiry returns token.Expiry, or now+fallback when the token endpoint
// omitted expires_in.
func TokenExpiry(token *oauth2.Token, now time.Time, fallback time.Duration) time.Time {
	if token == nil || token.Expiry.IsZero() {
		return now.Add(fallback)
	}
	return token.Expiry
}
