package mtd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/mtd-connect/auth"
	"github.com/giantswarm/mtd-connect/authority"
	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/providers"
	"github.com/giantswarm/mtd-connect/providers/hmrc"
	"github.com/giantswarm/mtd-connect/security"
	boltstore "github.com/giantswarm/mtd-connect/storage/bolt"
	"github.com/giantswarm/mtd-connect/storage/memory"
	"github.com/giantswarm/mtd-connect/storage/postgres"
	valkeystore "github.com/giantswarm/mtd-connect/storage/valkey"
	"github.com/giantswarm/mtd-connect/submission"
)

// Connector owns one instance of every component and the resources they hold.
type Connector struct {
	config  Config
	logger  *slog.Logger
	inst    *instrumentation.Instrumentation
	auditor *security.Auditor
	errs    *errhandler.Handler
	stores  *Stores

	auth        *auth.Manager
	submissions *submission.Service

	closers []func(context.Context) error
}

// New validates config and wires the connector. Close releases the storage
// backends, the rate limiter and the telemetry providers.
func New(ctx context.Context, config Config) (*Connector, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config.Logger = logger

	applySecureDefaults(&config, logger)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Connector{config: config, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := c.initInstrumentation(); err != nil {
		return nil, err
	}
	c.auditor = security.NewAuditor(logger, config.Security.EnableAuditLogging)

	keys, err := security.DeriveKeys(config.Security.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keys: %w", err)
	}
	enc, err := security.NewEncryptor(keys.Encryption)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	signer, err := security.NewStateSigner(keys.StateSigning, config.Security.StateTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create state signer: %w", err)
	}

	c.stores, err = c.openStores(ctx, enc)
	if err != nil {
		return nil, err
	}

	c.errs = errhandler.New(errhandler.Config{
		RateLimit:       config.RateLimit.CallbackLimit,
		RateWindow:      config.RateLimit.CallbackWindow,
		Logger:          logger,
		Auditor:         c.auditor,
		Instrumentation: c.inst,
	})
	c.closers = append(c.closers, func(context.Context) error {
		c.errs.Stop()
		return nil
	})

	provider, err := c.provider()
	if err != nil {
		return nil, err
	}
	c.auth, err = auth.New(provider, c.stores.Tokens, c.stores.AuthStates, signer, c.errs, auth.Config{
		RefreshThreshold: config.Security.RefreshThreshold,
		TokenTimeout:     config.Timeouts.Token,
		RevokeTimeout:    config.Timeouts.Revoke,
		Logger:           logger,
		Auditor:          c.auditor,
		Instrumentation:  c.inst,
	})
	if err != nil {
		return nil, err
	}

	client, err := c.authorityClient()
	if err != nil {
		return nil, err
	}
	c.submissions, err = submission.New(c.stores.Submissions, c.auth, client, submission.Config{
		Calculator:      config.Calculator,
		MaxRetries:      config.MaxSubmissionRetries,
		ErrorHandler:    c.errs,
		Logger:          logger,
		Auditor:         c.auditor,
		Instrumentation: c.inst,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("HMRC connector ready",
		"oauth_base_url", config.Authority.OAuthBaseURL,
		"api_base_url", config.Authority.APIBaseURL,
		"storage", config.Storage.Backend,
		"valkey", config.Storage.ValkeyAddress != "",
		"audit_logging", config.Security.EnableAuditLogging)
	ok = true
	return c, nil
}

func (c *Connector) initInstrumentation() error {
	ic := c.config.Instrumentation
	if ic.Instrumentation != nil {
		c.inst = ic.Instrumentation
		return nil
	}
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:     ic.ServiceName,
		ServiceVersion:  ic.ServiceVersion,
		Enabled:         ic.Enabled,
		MetricsExporter: ic.MetricsExporter,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	c.inst = inst
	c.closers = append(c.closers, inst.Shutdown)
	return nil
}

// openStores opens the configured backends. Valkey, when set, takes over
// tokens and authorization states.
func (c *Connector) openStores(ctx context.Context, enc *security.Encryptor) (*Stores, error) {
	cfg := c.config.Storage
	if cfg.Stores != nil {
		if cfg.Stores.Tokens == nil || cfg.Stores.AuthStates == nil || cfg.Stores.Submissions == nil {
			return nil, errors.New("all three stores are required")
		}
		return cfg.Stores, nil
	}

	var stores Stores
	switch cfg.Backend {
	case BackendBolt:
		s, err := boltstore.Open(cfg.BoltPath, boltstore.Options{Logger: c.logger, Instrumentation: c.inst})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func(context.Context) error { return s.Close() })
		s.SetEncryptor(enc)
		stores = Stores{Tokens: s, AuthStates: s, Submissions: s}

	case BackendPostgres:
		s, err := postgres.New(ctx, postgres.Config{
			URL:             cfg.PostgresURL,
			MaxConns:        cfg.PostgresMaxConns,
			Logger:          c.logger,
			Instrumentation: c.inst,
		})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func(context.Context) error {
			s.Close()
			return nil
		})
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate postgres schema: %w", err)
		}
		s.SetEncryptor(enc)
		stores = Stores{Tokens: s, AuthStates: s, Submissions: s}

	default:
		s := memory.New()
		s.SetLogger(c.logger)
		s.SetInstrumentation(c.inst)
		s.SetEncryptor(enc)
		c.closers = append(c.closers, func(context.Context) error {
			s.Stop()
			return nil
		})
		stores = Stores{Tokens: s, AuthStates: s, Submissions: s}
	}

	if cfg.ValkeyAddress != "" {
		vc := valkeystore.Config{
			Address:         cfg.ValkeyAddress,
			Password:        cfg.ValkeyPassword,
			KeyPrefix:       cfg.ValkeyKeyPrefix,
			Logger:          c.logger,
			Instrumentation: c.inst,
		}
		if cfg.ValkeyTLS {
			vc.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		v, err := valkeystore.New(vc)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func(context.Context) error {
			v.Close()
			return nil
		})
		v.SetEncryptor(enc)
		stores.Tokens, stores.AuthStates = v, v
	}
	return &stores, nil
}

func (c *Connector) provider() (providers.Provider, error) {
	if c.config.Provider != nil {
		return c.config.Provider, nil
	}
	return hmrc.NewProvider(&hmrc.Config{
		ClientID:     c.config.Credentials.ClientID,
		ClientSecret: c.config.Credentials.ClientSecret,
		RedirectURL:  c.config.Credentials.RedirectURL,
		BaseURL:      c.config.Authority.OAuthBaseURL,
		Scopes:       c.config.Credentials.Scopes,
		HTTPClient:   c.config.HTTPClient,
	})
}

func (c *Connector) authorityClient() (submission.Authority, error) {
	if c.config.AuthorityClient != nil {
		return c.config.AuthorityClient, nil
	}
	ac := c.config.Authority
	return authority.New(authority.Config{
		BaseURL:           ac.APIBaseURL,
		Timeout:           c.config.Timeouts.Authority,
		RequestsPerSecond: ac.RequestsPerSecond,
		Burst:             ac.Burst,
		Breaker: authority.BreakerConfig{
			MaxFailures:  ac.BreakerMaxFailures,
			ResetTimeout: ac.BreakerResetTimeout,
			SuccessCount: ac.BreakerSuccessCount,
			Logger:       c.logger,
		},
		Fraud: authority.FraudPreventionConfig{
			ProductName:    ac.ProductName,
			ProductVersion: ac.ProductVersion,
		},
		HTTPClient:      c.config.HTTPClient,
		Logger:          c.logger,
		Instrumentation: c.inst,
	})
}

// Auth returns the connection manager.
func (c *Connector) Auth() *auth.Manager { return c.auth }

// Submissions returns the submission service.
func (c *Connector) Submissions() *submission.Service { return c.submissions }

// Errors returns the shared error handler.
func (c *Connector) Errors() *errhandler.Handler { return c.errs }

// Instrumentation returns the telemetry providers.
func (c *Connector) Instrumentation() *instrumentation.Instrumentation { return c.inst }

// Stores returns the persistence backends in use.
func (c *Connector) Stores() *Stores { return c.stores }

// Close releases resources in reverse order of acquisition.
func (c *Connector) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
