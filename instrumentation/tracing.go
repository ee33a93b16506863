package instrumentation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Token values, authorization codes and raw authority
// bodies must never be attached to spans; use these metadata keys only.
const (
	AttrUserIDHash      = "mtd.user_id_hash"
	AttrRequestID       = "mtd.request_id"
	AttrTaxYear         = "mtd.tax_year"
	AttrSubmissionID    = "mtd.submission_id"
	AttrSubmissionType  = "mtd.submission_type"
	AttrStatus          = "mtd.status"
	AttrOutcome         = "mtd.outcome"
	AttrErrorType       = "mtd.error_type"
	AttrRetryable       = "mtd.retryable"
	AttrAttempt         = "mtd.attempt"
	AttrEndpoint        = "authority.endpoint"
	AttrHTTPStatus      = "http.response.status_code"
	AttrFromCache       = "mtd.from_cache"
	AttrStorageBackend  = "storage.backend"
	AttrStorageOp       = "storage.operation"
	AttrRefreshSkipped  = "mtd.refresh.skipped"
	AttrCircuitState    = "authority.circuit_state"
	AttrIdempotencyKey  = "mtd.idempotency_key"
	AttrAmendment       = "mtd.amendment"
	AttrDeadline        = "mtd.amendment_deadline"
	AttrHasDiscrepancy  = "mtd.reconcile.discrepancy"
	AttrValidationCount = "mtd.validation.errors"
	AttrScope           = "mtd.scope"
)

// RecordError marks span as failed with err. Nil span or error is a no-op.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanError marks span failed without an error value.
func SetSpanError(span trace.Span, message string) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Error, message)
}

// SetSpanSuccess marks span OK.
func SetSpanSuccess(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// SetSpanAttributes sets attrs on a possibly nil span.
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.SetAttributes(attrs...)
}

// StorageSpan starts a span for a storage call and returns a finisher that
// records the outcome on the span and in metrics.
//
//	ctx, done := instrumentation.StorageSpan(ctx, s.inst, "valkey", "get_token")
//	defer func() { done(err) }()
func StorageSpan(ctx context.Context, inst *Instrumentation, backend, operation string) (context.Context, func(error)) {
	if inst == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := inst.Tracer("storage").Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(AttrStorageBackend, backend),
			attribute.String(AttrStorageOp, operation),
		))

	return ctx, func(err error) {
		result := "success"
		if err != nil {
			result = "error"
			RecordError(span, err)
		} else {
			SetSpanSuccess(span)
		}
		inst.Metrics().RecordStorageOperation(ctx, backend, operation, result,
			float64(time.Since(start).Microseconds())/1000)
		span.End()
	}
}
