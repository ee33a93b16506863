package hmrc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/providers"
)

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	p, err := NewProvider(&Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example.com/hmrc/callback",
		BaseURL:      srv.URL,
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, err)
	return p
}

func TestNewProvider_Validation(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *Config
		wantNotCf bool
	}{
		{"nil config", nil, true},
		{"missing client id", &Config{ClientSecret: "s", RedirectURL: "https://x"}, true},
		{"missing secret", &Config{ClientID: "c", RedirectURL: "https://x"}, true},
		{"missing redirect", &Config{ClientID: "c", ClientSecret: "s"}, false},
		{"bad base url", &Config{ClientID: "c", ClientSecret: "s", RedirectURL: "https://x", BaseURL: "::nope"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.cfg)
			require.Error(t, err)
			assert.Equal(t, tt.wantNotCf, errors.Is(err, errhandler.ErrNotConfigured))
		})
	}
}

func TestNewProvider_Defaults(t *testing.T) {
	p, err := NewProvider(&Config{ClientID: "c", ClientSecret: "s", RedirectURL: "https://app/cb"})
	require.NoError(t, err)

	assert.Equal(t, "hmrc", p.Name())
	assert.Equal(t, DefaultScopes, p.Scopes())
	assert.Equal(t, SandboxBaseURL+"/oauth/token", p.config.Endpoint.TokenURL)
	assert.Equal(t, SandboxBaseURL+"/oauth/revoke", p.revokeURL)
}

func TestAuthorizationURL(t *testing.T) {
	p, err := NewProvider(&Config{ClientID: "c", ClientSecret: "s", RedirectURL: "https://app/cb", BaseURL: ProductionBaseURL})
	require.NoError(t, err)

	pkce := providers.GeneratePKCE()
	raw := p.AuthorizationURL("state-123", pkce.Challenge)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "api.service.hmrc.gov.uk", u.Host)
	assert.Equal(t, "/oauth/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "c", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "read:self-assessment write:self-assessment", q.Get("scope"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "https://app/cb", q.Get("redirect_uri"))
	assert.Equal(t, pkce.Challenge, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Empty(t, q.Get("client_secret"))
}

func TestExchangeCode(t *testing.T) {
	pkce := providers.GeneratePKCE()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, pkce.Verifier, r.PostForm.Get("code_verifier"))
		assert.Equal(t, "client-secret", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "bearer",
			"expires_in":    14400,
			"scope":         "read:self-assessment write:self-assessment",
		})
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	tok, err := p.ExchangeCode(context.Background(), "the-code", pkce.Verifier)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.AccessToken)
	assert.Equal(t, "rt-1", tok.RefreshToken)
	assert.False(t, tok.Expiry.IsZero())
	assert.Equal(t, []string{"read:self-assessment", "write:self-assessment"}, providers.TokenScopes(tok, nil))
}

func TestRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		if r.PostForm.Get("refresh_token") == "revoked" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token expired"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-2","token_type":"bearer","expires_in":14400}`))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)

	tok, err := p.RefreshToken(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok.AccessToken)
	assert.Equal(t, "rt-1", tok.RefreshToken, "refresh token kept when not rotated")

	_, err = p.RefreshToken(context.Background(), "revoked")
	require.Error(t, err)
	var re *oauth2.RetrieveError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "invalid_grant", re.ErrorCode)
	assert.Equal(t, http.StatusBadRequest, re.Response.StatusCode)

	_, err = p.RefreshToken(context.Background(), "")
	assert.Error(t, err)
}

func TestRevokeToken(t *testing.T) {
	var got url.Values
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth/revoke", r.URL.Path)
		assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded"))
		_ = r.ParseForm()
		got = r.PostForm
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	require.NoError(t, p.RevokeToken(context.Background(), "rt-1"))
	assert.Equal(t, "rt-1", got.Get("token"))
	assert.Equal(t, "client-id", got.Get("client_id"))

	status = http.StatusServiceUnavailable
	err := p.RevokeToken(context.Background(), "rt-1")
	var he *errhandler.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusServiceUnavailable, he.StatusCode)
	assert.True(t, errhandler.IsRetryable(err))
}
