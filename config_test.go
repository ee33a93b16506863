package mtd

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/giantswarm/mtd-connect/auth"
	"github.com/giantswarm/mtd-connect/authority"
	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/internal/testutil"
	"github.com/giantswarm/mtd-connect/providers/hmrc"
	"github.com/giantswarm/mtd-connect/security"
	"github.com/giantswarm/mtd-connect/submission"
)

func validConfig() Config {
	return Config{
		Credentials: CredentialsConfig{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURL:  "https://app.example.com/hmrc/callback",
		},
		Security:       SecurityConfig{MasterKey: make([]byte, security.KeySize)},
		AppRedirectURL: "https://app.example.com/settings",
		Calculator:     flatCalculator,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*Config)
		wantErr       bool
		notConfigured bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing client id", mutate: func(c *Config) { c.Credentials.ClientID = "" }, wantErr: true, notConfigured: true},
		{name: "missing client secret", mutate: func(c *Config) { c.Credentials.ClientSecret = "" }, wantErr: true, notConfigured: true},
		{name: "missing redirect", mutate: func(c *Config) { c.Credentials.RedirectURL = "" }, wantErr: true, notConfigured: true},
		{name: "short master key", mutate: func(c *Config) { c.Security.MasterKey = []byte("short") }, wantErr: true, notConfigured: true},
		{name: "missing app redirect", mutate: func(c *Config) { c.AppRedirectURL = "" }, wantErr: true},
		{name: "relative app redirect", mutate: func(c *Config) { c.AppRedirectURL = "/settings" }, wantErr: true},
		{name: "javascript app redirect", mutate: func(c *Config) { c.AppRedirectURL = "javascript:alert(1)" }, wantErr: true},
		{name: "missing calculator", mutate: func(c *Config) { c.Calculator = nil }, wantErr: true},
		{name: "bolt without path", mutate: func(c *Config) { c.Storage.Backend = BackendBolt }, wantErr: true},
		{name: "postgres without url", mutate: func(c *Config) { c.Storage.Backend = BackendPostgres }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "sqlite" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			applySecureDefaults(&config, testutil.DiscardLogger())
			tt.mutate(&config)

			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := errors.Is(err, errhandler.ErrNotConfigured); got != tt.notConfigured {
				t.Errorf("errors.Is(err, ErrNotConfigured) = %v, want %v", got, tt.notConfigured)
			}
		})
	}
}

func TestConfig_ValidateMissingCalculator(t *testing.T) {
	config := validConfig()
	config.Calculator = nil
	if err := config.Validate(); !errors.Is(err, submission.ErrCalculatorRequired) {
		t.Errorf("Validate() error = %v, want ErrCalculatorRequired", err)
	}
}

func TestApplySecureDefaults(t *testing.T) {
	config := validConfig()
	applySecureDefaults(&config, testutil.DiscardLogger())

	if config.Authority.OAuthBaseURL != hmrc.SandboxBaseURL {
		t.Errorf("OAuthBaseURL = %q, want %q", config.Authority.OAuthBaseURL, hmrc.SandboxBaseURL)
	}
	if config.Authority.APIBaseURL != config.Authority.OAuthBaseURL {
		t.Errorf("APIBaseURL = %q, want the OAuth base URL", config.Authority.APIBaseURL)
	}
	if config.Authority.RequestsPerSecond != authority.DefaultRequestsPerSecond {
		t.Errorf("RequestsPerSecond = %v, want %v", config.Authority.RequestsPerSecond, authority.DefaultRequestsPerSecond)
	}
	if config.Authority.BreakerMaxFailures != 5 || config.Authority.BreakerResetTimeout != time.Minute || config.Authority.BreakerSuccessCount != 3 {
		t.Errorf("breaker = %d/%v/%d, want 5/1m/3",
			config.Authority.BreakerMaxFailures, config.Authority.BreakerResetTimeout, config.Authority.BreakerSuccessCount)
	}
	if config.Storage.Backend != BackendMemory {
		t.Errorf("Backend = %q, want %q", config.Storage.Backend, BackendMemory)
	}
	if config.RateLimit.CallbackLimit != security.DefaultCallbackLimit {
		t.Errorf("CallbackLimit = %d, want %d", config.RateLimit.CallbackLimit, security.DefaultCallbackLimit)
	}
	if config.RateLimit.CallbackWindow != security.DefaultCallbackWindow {
		t.Errorf("CallbackWindow = %v, want %v", config.RateLimit.CallbackWindow, security.DefaultCallbackWindow)
	}
	if config.Security.StateTTL != security.DefaultStateTTL {
		t.Errorf("StateTTL = %v, want %v", config.Security.StateTTL, security.DefaultStateTTL)
	}
	if config.Security.RefreshThreshold != 5*time.Minute {
		t.Errorf("RefreshThreshold = %v, want 5m", config.Security.RefreshThreshold)
	}
	if config.Timeouts.Token != auth.DefaultTokenTimeout {
		t.Errorf("Timeouts.Token = %v, want %v", config.Timeouts.Token, auth.DefaultTokenTimeout)
	}
	if config.MaxSubmissionRetries != submission.DefaultMaxRetries {
		t.Errorf("MaxSubmissionRetries = %d, want %d", config.MaxSubmissionRetries, submission.DefaultMaxRetries)
	}

	r := httptest.NewRequest("GET", "/", nil)
	if got := config.SessionUser(r.WithContext(WithUserID(r.Context(), "user-1"))); got != "user-1" {
		t.Errorf("SessionUser() = %q, want %q", got, "user-1")
	}
}

func TestApplySecureDefaults_KeepsExplicitValues(t *testing.T) {
	config := validConfig()
	config.Authority = ProductionAuthorityConfig()
	config.RateLimit.CallbackLimit = -1
	config.Security.StateTTL = 2 * time.Minute

	applySecureDefaults(&config, testutil.DiscardLogger())

	if config.Authority.OAuthBaseURL != hmrc.ProductionBaseURL {
		t.Errorf("OAuthBaseURL = %q, want %q", config.Authority.OAuthBaseURL, hmrc.ProductionBaseURL)
	}
	if config.RateLimit.CallbackLimit != -1 {
		t.Errorf("CallbackLimit = %d, want -1 (disabled)", config.RateLimit.CallbackLimit)
	}
	if config.Security.StateTTL != 2*time.Minute {
		t.Errorf("StateTTL = %v, want 2m", config.Security.StateTTL)
	}
}

func TestAuthorityConfigs(t *testing.T) {
	if got := SandboxAuthorityConfig().APIBaseURL; got != "https://test-api.service.hmrc.gov.uk" {
		t.Errorf("SandboxAuthorityConfig().APIBaseURL = %q", got)
	}
	if got := ProductionAuthorityConfig().OAuthBaseURL; got != "https://api.service.hmrc.gov.uk" {
		t.Errorf("ProductionAuthorityConfig().OAuthBaseURL = %q", got)
	}
}
