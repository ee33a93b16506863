package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/internal/util"
	"github.com/giantswarm/mtd-connect/providers"
	"github.com/giantswarm/mtd-connect/security"
	"github.com/giantswarm/mtd-connect/storage"
)

// Refresh exchanges refreshToken at the token endpoint. Network errors and
// 5xx responses are retried with exponential backoff up to
// Config.MaxRefreshAttempts calls in total; any 4xx is returned at once.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	tok, _, err := m.refresh(ctx, refreshToken)
	return tok, err
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, int, error) {
	backoff := m.config.RefreshBackoff
	for attempt := 1; ; attempt++ {
		tctx, cancel := context.WithTimeout(ctx, m.config.TokenTimeout)
		tok, err := m.provider.RefreshToken(tctx, refreshToken)
		cancel()
		if err == nil {
			return tok, attempt, nil
		}

		if attempt >= m.config.MaxRefreshAttempts || !errhandler.IsRetryable(err) || ctx.Err() != nil {
			return nil, attempt, err
		}

		m.logger.Debug("Token refresh failed, retrying",
			"attempt", attempt,
			"max_attempts", m.config.MaxRefreshAttempts,
			"backoff_ms", backoff.Milliseconds(),
			"error", err)

		select {
		case <-ctx.Done():
			return nil, attempt, fmt.Errorf("refresh cancelled during backoff: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// refreshUser refreshes userID's record under the per-user lock. If another
// caller refreshed first, that record is returned without a new refresh.
func (m *Manager) refreshUser(ctx context.Context, userID string) (*storage.TokenRecord, error) {
	ctx, span := m.tracer.Start(ctx, "auth.refresh",
		trace.WithAttributes(attribute.String(instrumentation.AttrUserIDHash, util.HashForLogging(userID))))
	defer span.End()

	unlock := m.locks.Lock(userID)
	defer unlock()

	rec, err := m.tokens.GetToken(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			err = ErrNotConnected
		}
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if !security.IsTokenExpiringSoon(m.now(), rec.ExpiresAt, m.config.RefreshThreshold) {
		span.SetAttributes(attribute.Bool(instrumentation.AttrRefreshSkipped, true))
		instrumentation.SetSpanSuccess(span)
		return rec, nil
	}

	tok, attempts, err := m.refresh(ctx, rec.RefreshToken)
	span.SetAttributes(attribute.Int(instrumentation.AttrAttempt, attempts))
	if err != nil {
		return nil, m.refreshFailed(ctx, span, userID, attempts, err)
	}

	now := m.now()
	next := &storage.TokenRecord{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    providers.TokenExpiry(tok, now, m.config.DefaultTokenLifetime),
		Scope:        providers.TokenScopes(tok, rec.Scope),
		UpdatedAt:    now,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = rec.RefreshToken
	}

	swapped, err := m.tokens.CompareAndSwapToken(ctx, rec.ExpiresAt, next)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if !swapped {
		// Another process refreshed between our read and write; its record wins.
		m.logger.Debug("Token refreshed concurrently by another process",
			"user_id_hash", util.HashForLogging(userID))
		m.metrics.RecordTokenRefresh(ctx, "superseded", attempts)
		winner, err := m.tokens.GetToken(ctx, userID)
		if errors.Is(err, storage.ErrTokenNotFound) {
			err = ErrNotConnected
		}
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
		instrumentation.SetSpanSuccess(span)
		return winner, nil
	}

	m.metrics.RecordTokenRefresh(ctx, "success", attempts)
	m.auditor.LogTokenRefreshed(ctx, userID, attempts)
	instrumentation.SetSpanSuccess(span)
	return next, nil
}

// refreshFailed classifies a failed refresh. A 4xx other than 429 from the
// token endpoint means the refresh token is dead: the record is deleted and
// ErrReconnectRequired returned. Exhausted retries also require reconnecting
// but keep the record, since the refresh token may still be good.
func (m *Manager) refreshFailed(ctx context.Context, span trace.Span, userID string, attempts int, cause error) error {
	oe := m.errs.Classify(cause, errhandler.ErrorContext{
		UserID:    userID,
		RequestID: security.GetRequestID(ctx),
		Operation: "token_refresh",
		Extra:     map[string]any{"attempts": attempts},
	})
	m.errs.LogError(ctx, oe)
	instrumentation.RecordError(span, oe)

	switch {
	case oe.Type == errhandler.TypeInvalidRequest && oe.Status >= http.StatusBadRequest:
		if err := m.tokens.DeleteToken(ctx, userID); err != nil {
			m.logger.Error("Failed to delete rejected credentials",
				"user_id_hash", util.HashForLogging(userID),
				"error", err)
		}
		m.metrics.RecordTokenRefresh(ctx, "reconnect_required", attempts)
		m.auditor.LogEvent(ctx, security.Event{
			Type:     security.EventReconnectRequired,
			Severity: security.SeverityMedium,
			UserID:   userID,
			Details:  map[string]any{"status": oe.Status, "code": oe.Code},
		})
		return fmt.Errorf("%w: %w", ErrReconnectRequired, oe)

	case oe.Retryable:
		m.metrics.RecordTokenRefresh(ctx, "failed", attempts)
		m.auditor.LogEvent(ctx, security.Event{
			Type:     security.EventTokenRefreshFailed,
			Severity: security.SeverityMedium,
			UserID:   userID,
			Details:  map[string]any{"attempts": attempts, "error_type": string(oe.Type)},
		})
		return fmt.Errorf("%w: %w", ErrReconnectRequired, oe)
	}

	m.metrics.RecordTokenRefresh(ctx, "failed", attempts)
	return oe
}
