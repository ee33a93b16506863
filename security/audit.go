package security

import (
	"context"
	"log/slog"
	"time"

	"github.com/giantswarm/mtd-connect/internal/util"
)

// Severity grades audit events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Auditor writes security events to a structured log with user ids hashed.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. A nil logger uses slog.Default().
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is one audit record.
type Event struct {
	Type      string
	Severity  Severity
	UserID    string
	IPAddress string
	RequestID string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent emits event. High and critical events are logged at warn level so
// they surface in alerting pipelines that filter on level.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}
	if event.Severity == "" {
		event.Severity = SeverityLow
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}

	level := slog.LevelInfo
	if event.Severity == SeverityHigh || event.Severity == SeverityCritical {
		level = slog.LevelWarn
	}

	a.logger.Log(ctx, level, "security_audit",
		"event_type", event.Type,
		"severity", string(event.Severity),
		"user_id_hash", util.HashForLogging(event.UserID),
		"ip_address", event.IPAddress,
		"request_id", event.RequestID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogInvalidState records a state/CSRF failure on the OAuth callback.
func (a *Auditor) LogInvalidState(ctx context.Context, sessionUserID, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventInvalidState,
		Severity:  SeverityCritical,
		UserID:    sessionUserID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogUserMismatch records a callback whose state names a different user than
// the authenticated session.
func (a *Auditor) LogUserMismatch(ctx context.Context, sessionUserID, stateUserID, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventOAuthUserMismatch,
		Severity:  SeverityCritical,
		UserID:    sessionUserID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"state_user_id_hash": util.HashForLogging(stateUserID),
		},
	})
}

// LogTokenRefreshed records a successful refresh.
func (a *Auditor) LogTokenRefreshed(ctx context.Context, userID string, attempts int) {
	a.LogEvent(ctx, Event{
		Type:     EventTokenRefreshed,
		Severity: SeverityLow,
		UserID:   userID,
		Details: map[string]any{
			"attempts": attempts,
		},
	})
}

// LogTokenRevoked records a disconnect.
func (a *Auditor) LogTokenRevoked(ctx context.Context, userID string, remoteRevoked bool) {
	a.LogEvent(ctx, Event{
		Type:     EventTokenRevoked,
		Severity: SeverityMedium,
		UserID:   userID,
		Details: map[string]any{
			"remote_revoked": remoteRevoked,
		},
	})
}

// LogRateLimitExceeded records a throttled client.
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ipAddress, userID string, retryAfter time.Duration) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		Severity:  SeverityMedium,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"retry_after_seconds": int(retryAfter.Seconds()),
		},
	})
}
