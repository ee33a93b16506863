package errhandler

import (
	"context"
	"log/slog"
	"time"

	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/internal/util"
	"github.com/giantswarm/mtd-connect/security"
)

// Config configures a Handler. Zero values take the defaults.
type Config struct {
	// RateLimit is the number of OAuth requests per client key per window.
	// Negative disables rate limiting.
	RateLimit int

	RateWindow time.Duration

	// MaxTrackedClients bounds limiter memory.
	MaxTrackedClients int

	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
}

// RateLimitResult is the outcome of CheckRateLimit.
type RateLimitResult struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Handler classifies, throttles and logs errors.
type Handler struct {
	limiter *security.SlidingWindowLimiter
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// New creates a Handler. Call Stop to release the limiter's goroutine.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := cfg.RateLimit
	if limit == 0 {
		limit = security.DefaultCallbackLimit
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = security.DefaultCallbackWindow
	}
	maxEntries := cfg.MaxTrackedClients
	if maxEntries <= 0 {
		maxEntries = security.DefaultLimiterMaxEntries
	}

	h := &Handler{
		logger:  logger,
		auditor: cfg.Auditor,
		metrics: cfg.Instrumentation.Metrics(),
		now:     time.Now,
	}
	if limit > 0 {
		h.limiter = security.NewSlidingWindowLimiter(limit, window, maxEntries, logger)
	}
	return h
}

// Stop stops background cleanup.
func (h *Handler) Stop() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// SetClock overrides the time source for the handler and its limiter.
func (h *Handler) SetClock(now func() time.Time) {
	h.now = now
	if h.limiter != nil {
		h.limiter.SetClock(now)
	}
}

// GenerateRequestID returns a new correlation id.
func (h *Handler) GenerateRequestID() string {
	return security.GenerateRequestID()
}

// Classify maps err to an OAuthError enriched with ec. It returns nil for a
// nil error.
func (h *Handler) Classify(err error, ec ErrorContext) *OAuthError {
	oe := classify(err)
	if oe == nil {
		return nil
	}
	return withMetadata(oe, ec, h.now())
}

// CheckRateLimit records a hit for clientKey and reports whether it is
// within the window.
func (h *Handler) CheckRateLimit(clientKey string) RateLimitResult {
	if h.limiter == nil {
		return RateLimitResult{Allowed: true}
	}
	allowed, retryAfter := h.limiter.Allow(clientKey)
	if !allowed {
		h.metrics.RecordRateLimitExceeded(context.Background(), "oauth")
	}
	return RateLimitResult{Allowed: allowed, RetryAfter: retryAfter}
}

// UserFriendlyMessage maps t to end-user text.
func (h *Handler) UserFriendlyMessage(t ErrorType) string {
	return UserFriendlyMessage(t)
}

// LogError writes e with its full context. INVALID_STATE additionally
// produces a critical audit event.
func (h *Handler) LogError(ctx context.Context, e *OAuthError) {
	if e == nil {
		return
	}

	level := slog.LevelWarn
	if e.Type == TypeServerError || e.Type == TypeUnknown {
		level = slog.LevelError
	}

	attrs := []any{
		"error_type", string(e.Type),
		"code", e.Code,
		"status", e.Status,
		"retryable", e.Retryable,
		"recovery", string(e.Recovery),
		"request_id", e.RequestID,
		"user_id_hash", util.HashForLogging(e.UserID),
		"message", e.Message,
	}
	if len(e.Context) > 0 {
		attrs = append(attrs, "context", e.Context)
	}
	if e.Cause != nil {
		attrs = append(attrs, "cause", e.Cause.Error())
	}
	h.logger.Log(ctx, level, "OAuth error", attrs...)

	h.metrics.RecordErrorClassified(ctx, string(e.Type), e.Retryable)

	if e.Type == TypeInvalidState {
		ip, _ := e.Context["ip_address"].(string)
		h.auditor.LogInvalidState(ctx, e.UserID, ip, e.Message)
		h.metrics.RecordSecurityEvent(ctx, security.EventInvalidState)
	}
}
