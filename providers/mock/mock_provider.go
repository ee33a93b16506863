// Package mock provides a function-field implementation of providers.Provider
// for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mtd-connect/providers"
)

// MockProvider is a mock implementation of the Provider interface for testing
type MockProvider struct {
	AuthorizationURLFunc func(state, codeChallenge string) string
	ExchangeCodeFunc     func(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)
	RefreshTokenFunc     func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	RevokeTokenFunc      func(ctx context.Context, token string) error

	// ScopeList is returned by Scopes.
	ScopeList []string

	mu         sync.Mutex
	callCounts map[string]int
}

var _ providers.Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock whose calls succeed with fixed tokens that
// expire in one hour.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		ScopeList:  []string{"read:self-assessment", "write:self-assessment"},
		callCounts: make(map[string]int),
		AuthorizationURLFunc: func(state, codeChallenge string) string {
			return fmt.Sprintf("https://mock.example.com/oauth/authorize?state=%s&code_challenge=%s&code_challenge_method=S256", state, codeChallenge)
		},
		ExchangeCodeFunc: func(_ context.Context, _, _ string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "mock-access-token",
				TokenType:    "Bearer",
				RefreshToken: "mock-refresh-token",
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		RefreshTokenFunc: func(_ context.Context, refreshToken string) (*oauth2.Token, error) {
			return &oauth2.Token{
				AccessToken:  "mock-refreshed-access-token",
				TokenType:    "Bearer",
				RefreshToken: refreshToken,
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		RevokeTokenFunc: func(context.Context, string) error {
			return nil
		},
	}
}

func (m *MockProvider) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callCounts == nil {
		m.callCounts = make(map[string]int)
	}
	m.callCounts[method]++
}

// CallCount returns how many times method was invoked.
func (m *MockProvider) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// ResetCallCounts clears all counters.
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts = make(map[string]int)
}

// Name returns "mock".
func (m *MockProvider) Name() string {
	return "mock"
}

// Scopes returns ScopeList.
func (m *MockProvider) Scopes() []string {
	return m.ScopeList
}

// AuthorizationURL calls AuthorizationURLFunc.
func (m *MockProvider) AuthorizationURL(state, codeChallenge string) string {
	m.record("AuthorizationURL")
	return m.AuthorizationURLFunc(state, codeChallenge)
}

// ExchangeCode calls ExchangeCodeFunc.
func (m *MockProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	m.record("ExchangeCode")
	return m.ExchangeCodeFunc(ctx, code, codeVerifier)
}

// RefreshToken calls RefreshTokenFunc.
func (m *MockProvider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.record("RefreshToken")
	return m.RefreshTokenFunc(ctx, refreshToken)
}

// RevokeToken calls RevokeTokenFunc.
func (m *MockProvider) RevokeToken(ctx context.Context, token string) error {
	m.record("RevokeToken")
	return m.RevokeTokenFunc(ctx, token)
}
