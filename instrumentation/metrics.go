package instrumentation

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments. All Record methods accept a nil
// receiver.
type Metrics struct {
	// Connection
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	TokenRefreshes       metric.Int64Counter
	TokenRefreshAttempts metric.Int64Histogram
	TokenRevocations     metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter
	SecurityEvents    metric.Int64Counter
	ErrorsClassified  metric.Int64Counter

	// Authority API
	AuthorityCalls          metric.Int64Counter
	AuthorityCallDuration   metric.Float64Histogram
	CircuitBreakerRejection metric.Int64Counter

	// Filing
	Submissions    metric.Int64Counter
	CacheFallbacks metric.Int64Counter

	// Storage
	StorageOperations        metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.AuthorizationStarted, "mtd.authorization.started", "Authorization requests sent to the authority", "{flow}"},
		{&m.CallbackProcessed, "mtd.callback.processed", "OAuth callbacks handled", "{callback}"},
		{&m.TokenRefreshes, "mtd.token.refreshes", "Access token refresh outcomes", "{refresh}"},
		{&m.TokenRevocations, "mtd.token.revocations", "Connections revoked", "{revocation}"},
		{&m.RateLimitExceeded, "mtd.ratelimit.exceeded", "Requests rejected by a rate limiter", "{request}"},
		{&m.SecurityEvents, "mtd.security.events", "Security audit events", "{event}"},
		{&m.ErrorsClassified, "mtd.errors.classified", "Errors classified by type", "{error}"},
		{&m.AuthorityCalls, "mtd.authority.calls", "Calls made to the authority API", "{call}"},
		{&m.CircuitBreakerRejection, "mtd.authority.circuit_rejections", "Calls refused by the open circuit breaker", "{call}"},
		{&m.Submissions, "mtd.submissions", "Submission and amendment outcomes", "{submission}"},
		{&m.CacheFallbacks, "mtd.cache.fallbacks", "Reads answered from local data because the authority failed", "{read}"},
		{&m.StorageOperations, "mtd.storage.operations", "Storage operations", "{operation}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.TokenRefreshAttempts, err = meter.Int64Histogram("mtd.token.refresh.attempts",
		metric.WithDescription("Attempts needed per refresh"),
		metric.WithUnit("{attempt}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh attempts histogram: %w", err)
	}

	m.AuthorityCallDuration, err = meter.Float64Histogram("mtd.authority.call.duration",
		metric.WithDescription("Authority API call duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create authority duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = meter.Float64Histogram("mtd.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage duration histogram: %w", err)
	}

	return m, nil
}

// RecordAuthorizationStarted counts a consent redirect.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.AuthorizationStarted.Add(ctx, 1)
}

// RecordCallback counts a callback by result ("connected", "invalid_state", "denied", "error", "rate_limited").
func (m *Metrics) RecordCallback(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTokenRefresh counts a refresh by result and records attempts used.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, result string, attempts int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.TokenRefreshes.Add(ctx, 1, attrs)
	m.TokenRefreshAttempts.Record(ctx, int64(attempts), attrs)
}

// RecordTokenRevocation counts a disconnect.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, remoteRevoked bool) {
	if m == nil {
		return
	}
	m.TokenRevocations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("remote_revoked", remoteRevoked)))
}

// RecordRateLimitExceeded counts a throttled request for limiter.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiter string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter", limiter)))
}

// RecordSecurityEvent counts an audit event.
func (m *Metrics) RecordSecurityEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.SecurityEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordErrorClassified counts a classified error.
func (m *Metrics) RecordErrorClassified(ctx context.Context, errorType string, retryable bool) {
	if m == nil {
		return
	}
	m.ErrorsClassified.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_type", errorType),
		attribute.Bool("retryable", retryable),
	))
}

// RecordAuthorityCall records one authority API call. statusCode is 0 when
// no response was received.
func (m *Metrics) RecordAuthorityCall(ctx context.Context, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status", statusLabel(statusCode)),
	)
	m.AuthorityCalls.Add(ctx, 1, attrs)
	m.AuthorityCallDuration.Record(ctx, durationMs, attrs)
}

// RecordCircuitRejection counts a call short-circuited by the breaker.
func (m *Metrics) RecordCircuitRejection(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.CircuitBreakerRejection.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordSubmission counts a submit or amend outcome.
func (m *Metrics) RecordSubmission(ctx context.Context, submissionType, outcome string, amendment bool) {
	if m == nil {
		return
	}
	m.Submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("submission_type", submissionType),
		attribute.String("outcome", outcome),
		attribute.Bool("amendment", amendment),
	))
}

// RecordCacheFallback counts a read served from local data.
func (m *Metrics) RecordCacheFallback(ctx context.Context, resource string) {
	if m == nil {
		return
	}
	m.CacheFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource)))
}

// RecordStorageOperation records one backend call.
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.StorageOperations.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

func statusLabel(code int) string {
	if code == 0 {
		return "no_response"
	}
	return strconv.Itoa(code)
}
