package hmrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/providers"
)

const (
	// SandboxBaseURL is the authority's test environment.
	SandboxBaseURL = "https://test-api.service.hmrc.gov.uk"

	// ProductionBaseURL is the live environment.
	ProductionBaseURL = "https://api.service.hmrc.gov.uk"

	// DefaultTimeout bounds token and revoke calls.
	DefaultTimeout = 15 * time.Second
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"read:self-assessment", "write:self-assessment"}

// Config holds the authority's OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// BaseURL is the authority host; defaults to SandboxBaseURL.
	BaseURL string

	Scopes     []string
	HTTPClient *http.Client // Optional custom HTTP client
}

// Provider implements providers.Provider for the authority.
type Provider struct {
	config     *oauth2.Config
	revokeURL  string
	httpClient *http.Client
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider creates a provider. Missing credentials return
// errhandler.ErrNotConfigured.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client id and secret are required: %w", errhandler.ErrNotConfigured)
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("redirect URL is required")
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = SandboxBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth/authorize",
				TokenURL:  base + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		revokeURL:  base + "/oauth/revoke",
		httpClient: httpClient,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "hmrc"
}

// Scopes returns the configured scopes.
func (p *Provider) Scopes() []string {
	out := make([]string, len(p.config.Scopes))
	copy(out, p.config.Scopes)
	return out
}

// AuthorizationURL builds the consent URL with an S256 PKCE challenge.
func (p *Provider) AuthorizationURL(state, codeChallenge string) string {
	var opts []oauth2.AuthCodeOption
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return p.config.AuthCodeURL(state, opts...)
}

// ExchangeCode exchanges an authorization code for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	return providers.ExchangeCodeWithPKCE(ctx, p.config, p.httpClient, code, codeVerifier)
}

// RefreshToken exchanges refreshToken for a new token pair.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	// Expiry in the past forces the token source to hit the token endpoint.
	ts := p.config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	token, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// RevokeToken posts token to the revoke endpoint.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	data := url.Values{}
	data.Set("token", token)
	data.Set("client_id", p.config.ClientID)
	data.Set("client_secret", p.config.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &errhandler.HTTPError{
			Endpoint:   "oauth/revoke",
			StatusCode: resp.StatusCode,
			Message:    "token revocation failed",
			Body:       body,
		}
	}
	return nil
}
