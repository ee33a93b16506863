package mtd

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/giantswarm/mtd-connect/auth"
	"github.com/giantswarm/mtd-connect/authority"
	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/providers"
	"github.com/giantswarm/mtd-connect/providers/hmrc"
	"github.com/giantswarm/mtd-connect/security"
	"github.com/giantswarm/mtd-connect/storage"
	"github.com/giantswarm/mtd-connect/submission"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Config holds the connector configuration.
type Config struct {
	// Credentials identify the application to the authority.
	Credentials CredentialsConfig

	// Authority selects the environment and outbound call policy.
	Authority AuthorityConfig

	Storage StorageConfig

	// Rate limiting of the connect and callback endpoints.
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	Timeouts TimeoutConfig

	Instrumentation InstrumentationConfig

	// AppRedirectURL is where the browser lands after the callback, with
	// hmrc_connected or hmrc_error appended (required).
	AppRedirectURL string

	// Calculator computes the liability sent with each return (required).
	Calculator submission.Calculator

	// MaxSubmissionRetries bounds RetrySubmission per submission chain.
	// Default: submission.DefaultMaxRetries
	MaxSubmissionRetries int

	// SessionUser returns the authenticated application user for a request.
	// Default: UserIDFromContext on the request context.
	SessionUser func(r *http.Request) string

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is used for token and API calls. Optional.
	HTTPClient *http.Client

	// Provider replaces the authority OAuth provider, e.g. providers/mock.
	Provider providers.Provider

	// AuthorityClient replaces the API client built from Authority.
	AuthorityClient submission.Authority
}

// CredentialsConfig holds the registered application credentials.
type CredentialsConfig struct {
	// ClientID is the authority's OAuth client id (required).
	ClientID string

	// ClientSecret is the authority's OAuth client secret (required).
	ClientSecret string

	// RedirectURL is the registered callback URL (required).
	RedirectURL string

	// Scopes default to hmrc.DefaultScopes.
	Scopes []string
}

// AuthorityConfig describes the authority environment.
type AuthorityConfig struct {
	// OAuthBaseURL hosts /oauth/authorize, /oauth/token and /oauth/revoke.
	OAuthBaseURL string

	// APIBaseURL hosts the obligations, calculations and returns API.
	APIBaseURL string

	// ProductName and ProductVersion are sent as fraud-prevention headers.
	ProductName    string
	ProductVersion string

	// RequestsPerSecond paces outbound API calls. Negative disables pacing.
	// Default: authority.DefaultRequestsPerSecond
	RequestsPerSecond float64
	Burst             int

	// Circuit breaker. Defaults: 5 failures, 60s open, 3 probe successes.
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	BreakerSuccessCount int
}

// SandboxAuthorityConfig returns the authority's test environment.
func SandboxAuthorityConfig() AuthorityConfig {
	return AuthorityConfig{OAuthBaseURL: hmrc.SandboxBaseURL, APIBaseURL: hmrc.SandboxBaseURL}
}

// ProductionAuthorityConfig returns the live environment.
func ProductionAuthorityConfig() AuthorityConfig {
	return AuthorityConfig{OAuthBaseURL: hmrc.ProductionBaseURL, APIBaseURL: hmrc.ProductionBaseURL}
}

// StorageConfig selects the persistence backends.
type StorageConfig struct {
	// Backend is memory (default), bolt or postgres. It stores tokens,
	// authorization states and submissions.
	Backend string

	// BoltPath is the database file for the bolt backend.
	BoltPath string

	// PostgresURL is the connection string for the postgres backend.
	PostgresURL      string
	PostgresMaxConns int32

	// ValkeyAddress moves tokens and authorization states to Valkey when
	// set. Submissions stay on Backend.
	ValkeyAddress   string
	ValkeyPassword  string
	ValkeyKeyPrefix string
	ValkeyTLS       bool

	// Stores replaces all backends. Used by tests and embedders that own
	// their storage.
	Stores *Stores
}

// Stores groups the three persistence interfaces.
type Stores struct {
	Tokens      storage.TokenStore
	AuthStates  storage.AuthStateStore
	Submissions storage.SubmissionStore
}

// RateLimitConfig holds callback rate limiting configuration
type RateLimitConfig struct {
	// CallbackLimit is the number of connect and callback requests one client
	// may make per window. Negative disables limiting.
	// Default: security.DefaultCallbackLimit
	CallbackLimit int

	// CallbackWindow is the sliding window length.
	// Default: security.DefaultCallbackWindow
	CallbackWindow time.Duration

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies appending to X-Forwarded-For.
	TrustedProxyCount int
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	// MasterKey is the 32-byte secret the token encryption and state signing
	// keys are derived from (required). Generate with security.GenerateKey.
	MasterKey []byte

	// StateTTL bounds how long a consent round trip may take.
	// Default: security.DefaultStateTTL
	StateTTL time.Duration

	// RefreshThreshold is how close to expiry an access token is refreshed.
	// Default: security.DefaultRefreshThreshold
	RefreshThreshold time.Duration

	// EnableAuditLogging enables security audit logging.
	EnableAuditLogging bool
}

// TimeoutConfig bounds outbound calls.
type TimeoutConfig struct {
	// Token bounds token endpoint calls. Default: auth.DefaultTokenTimeout
	Token time.Duration

	// Revoke bounds the best-effort revoke call. Default: auth.DefaultRevokeTimeout
	Revoke time.Duration

	// Authority bounds API calls. Default: authority.DefaultTimeout
	Authority time.Duration
}

// InstrumentationConfig configures tracing and metrics.
type InstrumentationConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// MetricsExporter is "none" (default) or "prometheus".
	MetricsExporter string

	// Instrumentation replaces the providers built from this config.
	Instrumentation *instrumentation.Instrumentation
}

// Validate reports configuration the connector cannot run with. Missing
// credentials or master key wrap errhandler.ErrNotConfigured.
func (c *Config) Validate() error {
	if c.Credentials.ClientID == "" || c.Credentials.ClientSecret == "" {
		return fmt.Errorf("client id and secret are required: %w", errhandler.ErrNotConfigured)
	}
	if c.Provider == nil && c.Credentials.RedirectURL == "" {
		return fmt.Errorf("redirect URL is required: %w", errhandler.ErrNotConfigured)
	}
	if len(c.Security.MasterKey) != security.KeySize {
		return fmt.Errorf("master key must be %d bytes: %w", security.KeySize, errhandler.ErrNotConfigured)
	}
	if c.AppRedirectURL == "" {
		return errors.New("app redirect URL is required")
	}
	if u, err := url.Parse(c.AppRedirectURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid app redirect URL %q", c.AppRedirectURL)
	}
	if c.Calculator == nil {
		return submission.ErrCalculatorRequired
	}
	if c.Storage.Stores == nil {
		switch c.Storage.Backend {
		case BackendMemory:
		case BackendBolt:
			if c.Storage.BoltPath == "" {
				return errors.New("bolt path is required for the bolt backend")
			}
		case BackendPostgres:
			if c.Storage.PostgresURL == "" {
				return errors.New("postgres URL is required for the postgres backend")
			}
		default:
			return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
		}
	}
	return nil
}

// applySecureDefaults fills zero values and warns about weakened settings.
func applySecureDefaults(config *Config, logger *slog.Logger) {
	if config.Authority.OAuthBaseURL == "" {
		config.Authority.OAuthBaseURL = hmrc.SandboxBaseURL
		logger.Info("No authority URL configured, using the sandbox environment",
			"base_url", hmrc.SandboxBaseURL)
	}
	if config.Authority.APIBaseURL == "" {
		config.Authority.APIBaseURL = config.Authority.OAuthBaseURL
	}
	if config.Authority.ProductName == "" {
		config.Authority.ProductName = "mtd-connect"
	}
	if config.Authority.ProductVersion == "" {
		config.Authority.ProductVersion = "dev"
	}
	if config.Authority.RequestsPerSecond == 0 {
		config.Authority.RequestsPerSecond = authority.DefaultRequestsPerSecond
	}
	if config.Authority.BreakerMaxFailures <= 0 {
		config.Authority.BreakerMaxFailures = authority.DefaultBreakerMaxFailures
	}
	if config.Authority.BreakerResetTimeout <= 0 {
		config.Authority.BreakerResetTimeout = authority.DefaultBreakerResetTimeout
	}
	if config.Authority.BreakerSuccessCount <= 0 {
		config.Authority.BreakerSuccessCount = authority.DefaultBreakerSuccessCount
	}

	if config.Storage.Backend == "" {
		config.Storage.Backend = BackendMemory
	}
	if config.Storage.Backend == BackendMemory && config.Storage.Stores == nil {
		logger.Warn("Using in-memory storage; connections and submissions are lost on restart")
	}

	if config.RateLimit.CallbackLimit == 0 {
		config.RateLimit.CallbackLimit = security.DefaultCallbackLimit
	}
	if config.RateLimit.CallbackLimit < 0 {
		logger.Warn("Callback rate limiting is DISABLED",
			"risk", "connect and callback endpoints can be flooded")
	}
	if config.RateLimit.CallbackWindow <= 0 {
		config.RateLimit.CallbackWindow = security.DefaultCallbackWindow
	}
	if config.RateLimit.TrustProxy {
		logger.Warn("Trusting proxy headers for client IP",
			"trusted_proxy_count", config.RateLimit.TrustedProxyCount,
			"risk", "spoofed X-Forwarded-For defeats rate limiting unless a proxy overwrites it")
	}

	if config.Security.StateTTL <= 0 {
		config.Security.StateTTL = security.DefaultStateTTL
	}
	if config.Security.RefreshThreshold <= 0 {
		config.Security.RefreshThreshold = security.DefaultRefreshThreshold
	}
	if !config.Security.EnableAuditLogging {
		logger.Warn("Security audit logging is DISABLED",
			"recommendation", "enable it in production")
	}

	if config.Timeouts.Token <= 0 {
		config.Timeouts.Token = auth.DefaultTokenTimeout
	}
	if config.Timeouts.Revoke <= 0 {
		config.Timeouts.Revoke = auth.DefaultRevokeTimeout
	}
	if config.Timeouts.Authority <= 0 {
		config.Timeouts.Authority = authority.DefaultTimeout
	}

	if config.MaxSubmissionRetries <= 0 {
		config.MaxSubmissionRetries = submission.DefaultMaxRetries
	}
	if config.SessionUser == nil {
		config.SessionUser = func(r *http.Request) string {
			return UserIDFromContext(r.Context())
		}
	}
}
