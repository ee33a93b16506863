package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/internal/keylock"
	"github.com/giantswarm/mtd-connect/internal/util"
	"github.com/giantswarm/mtd-connect/providers"
	"github.com/giantswarm/mtd-connect/security"
	"github.com/giantswarm/mtd-connect/storage"
)

const (
	DefaultTokenTimeout       = 15 * time.Second
	DefaultRevokeTimeout      = 10 * time.Second
	DefaultMaxRefreshAttempts = 3
	DefaultRefreshBackoff     = time.Second
	DefaultTokenLifetime      = 4 * time.Hour
)

// Config tunes a Manager. Zero values take the defaults.
type Config struct {
	// RefreshThreshold is how close to expiry a token is refreshed.
	RefreshThreshold time.Duration

	// TokenTimeout bounds each call to the token endpoint.
	TokenTimeout time.Duration

	// RevokeTimeout bounds the best-effort revoke call.
	RevokeTimeout time.Duration

	// MaxRefreshAttempts bounds refresh calls for one refresh, including the first.
	MaxRefreshAttempts int

	// RefreshBackoff is the wait before the first retry; it doubles per retry.
	RefreshBackoff time.Duration

	// DefaultTokenLifetime is assumed when the token endpoint omits expires_in.
	DefaultTokenLifetime time.Duration

	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
}

// ConnectionStatus describes a user's stored connection.
type ConnectionStatus struct {
	Connected    bool
	ExpiresAt    time.Time
	Scope        []string
	NeedsRefresh bool
	UpdatedAt    time.Time
}

// Manager runs the OAuth flow against the authority and keeps access tokens
// fresh.
type Manager struct {
	provider providers.Provider
	tokens   storage.TokenStore
	states   storage.AuthStateStore
	signer   *security.StateSigner
	errs     *errhandler.Handler

	config  Config
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	tracer  trace.Tracer

	locks *keylock.Locks
	now   func() time.Time
}

// New creates a Manager. errs may be nil, in which case errors are classified
// and logged without rate limiting.
func New(
	provider providers.Provider,
	tokens storage.TokenStore,
	states storage.AuthStateStore,
	signer *security.StateSigner,
	errs *errhandler.Handler,
	cfg Config,
) (*Manager, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if tokens == nil {
		return nil, errors.New("token store is required")
	}
	if states == nil {
		return nil, errors.New("auth state store is required")
	}
	if signer == nil {
		return nil, errors.New("state signer is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = security.DefaultRefreshThreshold
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = DefaultTokenTimeout
	}
	if cfg.RevokeTimeout <= 0 {
		cfg.RevokeTimeout = DefaultRevokeTimeout
	}
	if cfg.MaxRefreshAttempts <= 0 {
		cfg.MaxRefreshAttempts = DefaultMaxRefreshAttempts
	}
	if cfg.RefreshBackoff <= 0 {
		cfg.RefreshBackoff = DefaultRefreshBackoff
	}
	if cfg.DefaultTokenLifetime <= 0 {
		cfg.DefaultTokenLifetime = DefaultTokenLifetime
	}
	if errs == nil {
		errs = errhandler.New(errhandler.Config{
			RateLimit:       -1,
			Logger:          cfg.Logger,
			Auditor:         cfg.Auditor,
			Instrumentation: cfg.Instrumentation,
		})
	}

	return &Manager{
		provider: provider,
		tokens:   tokens,
		states:   states,
		signer:   signer,
		errs:     errs,
		config:   cfg,
		logger:   cfg.Logger,
		auditor:  cfg.Auditor,
		metrics:  cfg.Instrumentation.Metrics(),
		tracer:   instrumentation.TracerOrNoop(cfg.Instrumentation, "auth"),
		locks:    keylock.New(),
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// BuildAuthorizationURL starts a connection for userID. It returns the
// consent URL and the signed state embedded in it.
func (m *Manager) BuildAuthorizationURL(ctx context.Context, userID string) (authURL, state string, err error) {
	ctx, span := m.tracer.Start(ctx, "auth.build_authorization_url",
		trace.WithAttributes(attribute.String(instrumentation.AttrUserIDHash, util.HashForLogging(userID))))
	defer span.End()

	if userID == "" {
		return "", "", m.fail(ctx, span, errhandler.ErrInvalidSession, "", "authorize")
	}

	state, claims, err := m.signer.Issue(userID)
	if err != nil {
		return "", "", m.fail(ctx, span, err, userID, "authorize")
	}

	pkce := providers.GeneratePKCE()
	now := m.now()
	if err := m.states.SaveAuthState(ctx, &storage.AuthState{
		Nonce:        claims.Nonce,
		UserID:       userID,
		CodeVerifier: pkce.Verifier,
		CreatedAt:    now,
		ExpiresAt:    claims.Expiry(),
	}); err != nil {
		return "", "", m.fail(ctx, span, err, userID, "authorize")
	}

	authURL = m.provider.AuthorizationURL(state, pkce.Challenge)

	m.metrics.RecordAuthorizationStarted(ctx)
	m.auditor.LogEvent(ctx, security.Event{
		Type:      security.EventAuthorizationStarted,
		UserID:    userID,
		IPAddress: security.ClientIPFromContext(ctx),
	})
	instrumentation.SetSpanSuccess(span)
	return authURL, state, nil
}

// HandleCallback completes the flow for the authenticated sessionUserID.
// Every returned error is an *errhandler.OAuthError that has already been
// logged; state failures are INVALID_STATE and write nothing.
func (m *Manager) HandleCallback(ctx context.Context, sessionUserID, code, state string) (*storage.TokenRecord, error) {
	ctx, span := m.tracer.Start(ctx, "auth.handle_callback",
		trace.WithAttributes(attribute.String(instrumentation.AttrUserIDHash, util.HashForLogging(sessionUserID))))
	defer span.End()

	if sessionUserID == "" {
		m.metrics.RecordCallback(ctx, "invalid_session")
		return nil, m.fail(ctx, span, errhandler.ErrInvalidSession, "", "callback")
	}

	claims, err := m.signer.Verify(state)
	if err != nil {
		m.metrics.RecordCallback(ctx, "invalid_state")
		return nil, m.fail(ctx, span, err, sessionUserID, "callback")
	}

	// The nonce is burned before the user check so a leaked state cannot be
	// retried against another session.
	pending, err := m.states.ConsumeAuthState(ctx, claims.Nonce)
	if err != nil {
		m.metrics.RecordCallback(ctx, "invalid_state")
		if errors.Is(err, storage.ErrAuthStateNotFound) {
			m.auditor.LogEvent(ctx, security.Event{
				Type:      security.EventStateReplay,
				Severity:  security.SeverityHigh,
				UserID:    sessionUserID,
				IPAddress: security.ClientIPFromContext(ctx),
			})
			return nil, m.fail(ctx, span, fmt.Errorf("%w: %w", security.ErrStateReplayed, err), sessionUserID, "callback")
		}
		return nil, m.fail(ctx, span, err, sessionUserID, "callback")
	}

	if !sameUser(claims.UserID, sessionUserID) || !sameUser(pending.UserID, sessionUserID) {
		m.metrics.RecordCallback(ctx, "invalid_state")
		m.auditor.LogUserMismatch(ctx, sessionUserID, claims.UserID, security.ClientIPFromContext(ctx))
		m.metrics.RecordSecurityEvent(ctx, security.EventOAuthUserMismatch)
		return nil, m.fail(ctx, span, security.ErrStateUserMismatch, sessionUserID, "callback")
	}

	if code == "" {
		m.metrics.RecordCallback(ctx, "error")
		return nil, m.fail(ctx, span, &errhandler.OAuthError{
			Type:    errhandler.TypeInvalidRequest,
			Message: "authorization code missing from callback",
			Status:  http.StatusBadRequest,
		}, sessionUserID, "callback")
	}

	tctx, cancel := context.WithTimeout(ctx, m.config.TokenTimeout)
	tok, err := m.provider.ExchangeCode(tctx, code, pending.CodeVerifier)
	cancel()
	if err != nil {
		m.metrics.RecordCallback(ctx, "error")
		return nil, m.fail(ctx, span, err, sessionUserID, "code_exchange")
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		m.metrics.RecordCallback(ctx, "error")
		return nil, m.fail(ctx, span, &errhandler.OAuthError{
			Type:    errhandler.TypeInvalidRequest,
			Message: "token response is missing tokens",
			Status:  http.StatusBadGateway,
		}, sessionUserID, "code_exchange")
	}

	now := m.now()
	rec := &storage.TokenRecord{
		UserID:       sessionUserID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    providers.TokenExpiry(tok, now, m.config.DefaultTokenLifetime),
		Scope:        providers.TokenScopes(tok, m.provider.Scopes()),
		UpdatedAt:    now,
	}
	if err := m.tokens.PutToken(ctx, rec); err != nil {
		m.metrics.RecordCallback(ctx, "error")
		return nil, m.fail(ctx, span, err, sessionUserID, "store_token")
	}

	m.metrics.RecordCallback(ctx, "connected")
	m.auditor.LogEvent(ctx, security.Event{
		Type:      security.EventTokenStored,
		UserID:    sessionUserID,
		IPAddress: security.ClientIPFromContext(ctx),
		Details:   map[string]any{"scope": rec.Scope, "expires_at": rec.ExpiresAt},
	})
	m.logger.Info("HMRC connection established",
		"user_id_hash", util.HashForLogging(sessionUserID),
		"expires_at", rec.ExpiresAt)
	instrumentation.SetSpanSuccess(span)
	return rec, nil
}

// GetValidAccessToken returns an access token for userID that is valid for
// at least the refresh threshold, refreshing when needed.
func (m *Manager) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	rec, err := m.tokens.GetToken(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return "", ErrNotConnected
		}
		return "", err
	}
	if !security.IsTokenExpiringSoon(m.now(), rec.ExpiresAt, m.config.RefreshThreshold) {
		return rec.AccessToken, nil
	}

	rec, err = m.refreshUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// ConnectionStatus reports whether userID is connected. A missing record is
// not an error.
func (m *Manager) ConnectionStatus(ctx context.Context, userID string) (*ConnectionStatus, error) {
	rec, err := m.tokens.GetToken(ctx, userID)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return &ConnectionStatus{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &ConnectionStatus{
		Connected:    rec.RefreshToken != "" || !security.IsTokenExpired(m.now(), rec.ExpiresAt),
		ExpiresAt:    rec.ExpiresAt,
		Scope:        rec.Scope,
		NeedsRefresh: security.IsTokenExpiringSoon(m.now(), rec.ExpiresAt, m.config.RefreshThreshold),
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

// Revoke disconnects userID. The remote revoke is best effort; the local
// record is always deleted.
func (m *Manager) Revoke(ctx context.Context, userID string) error {
	ctx, span := m.tracer.Start(ctx, "auth.revoke",
		trace.WithAttributes(attribute.String(instrumentation.AttrUserIDHash, util.HashForLogging(userID))))
	defer span.End()

	unlock := m.locks.Lock(userID)
	defer unlock()

	remoteRevoked := false
	rec, err := m.tokens.GetToken(ctx, userID)
	switch {
	case err == nil:
		rctx, cancel := context.WithTimeout(ctx, m.config.RevokeTimeout)
		rerr := m.provider.RevokeToken(rctx, rec.RefreshToken)
		cancel()
		if rerr != nil {
			m.logger.Warn("Remote token revocation failed, deleting local credentials anyway",
				"user_id_hash", util.HashForLogging(userID),
				"error", rerr)
			m.auditor.LogEvent(ctx, security.Event{
				Type:     security.EventRemoteRevocationFailed,
				Severity: security.SeverityMedium,
				UserID:   userID,
			})
		} else {
			remoteRevoked = true
		}
	case errors.Is(err, storage.ErrTokenNotFound):
	default:
		// Unreadable record: still delete below so the user can reconnect.
		m.logger.Warn("Failed to read credentials before revoke",
			"user_id_hash", util.HashForLogging(userID),
			"error", err)
	}

	if err := m.tokens.DeleteToken(ctx, userID); err != nil {
		instrumentation.RecordError(span, err)
		return err
	}

	m.metrics.RecordTokenRevocation(ctx, remoteRevoked)
	m.auditor.LogTokenRevoked(ctx, userID, remoteRevoked)
	instrumentation.SetSpanSuccess(span)
	return nil
}

// fail classifies err, logs it once and marks span.
func (m *Manager) fail(ctx context.Context, span trace.Span, err error, userID, op string) error {
	oe := m.errs.Classify(err, errhandler.ErrorContext{
		UserID:    userID,
		RequestID: security.GetRequestID(ctx),
		Operation: op,
		IPAddress: security.ClientIPFromContext(ctx),
	})
	m.errs.LogError(ctx, oe)
	instrumentation.RecordError(span, oe)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrErrorType, string(oe.Type)))
	return oe
}

func sameUser(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
