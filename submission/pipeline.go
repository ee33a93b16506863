package submission

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mtd-connect/authority"
	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/security"
	"github.com/giantswarm/mtd-connect/storage"
)

// transmitFunc sends a formatted return to the authority.
type transmitFunc func(ctx context.Context, caller authority.Caller, sub *storage.Submission, body *authority.ReturnPayload) (*authority.SubmitResponse, error)

func (s *Service) submitTransmit(ctx context.Context, caller authority.Caller, sub *storage.Submission, body *authority.ReturnPayload) (*authority.SubmitResponse, error) {
	return s.client.SubmitReturn(ctx, caller, sub.ID, body)
}

func (s *Service) amendTransmit(reference string) transmitFunc {
	return func(ctx context.Context, caller authority.Caller, sub *storage.Submission, body *authority.ReturnPayload) (*authority.SubmitResponse, error) {
		return s.client.AmendReturn(ctx, caller, reference, sub.ID, &authority.AmendmentPayload{
			ReturnPayload:   *body,
			AmendmentReason: sub.AmendmentReason,
		})
	}
}

// Submit validates, formats and files a new return.
func (s *Service) Submit(ctx context.Context, userID string, req SubmitRequest) (*SubmitResult, error) {
	if userID == "" {
		return nil, errhandler.ErrInvalidSession
	}
	if !req.SubmissionType.Valid() {
		return nil, businessError(CodeInvalidSubmissionType, "submission type %q is not personal or company", req.SubmissionType)
	}
	if _, err := ParseTaxYear(req.TaxYear); err != nil {
		return nil, businessError(CodeInvalidTaxYear, "%v", err)
	}
	id, err := s.submissionID(req.ID)
	if err != nil {
		return nil, err
	}

	sub := &storage.Submission{
		ID:             id,
		UserID:         userID,
		TaxYear:        req.TaxYear,
		SubmissionType: req.SubmissionType,
	}
	return s.run(ctx, "submit", sub, req.Payload, s.submitTransmit)
}

// Amend files an amendment to originalSubmissionID. The original must be
// submitted or accepted, not yet amended, have no other amendment in flight,
// and be inside its amendment window.
func (s *Service) Amend(ctx context.Context, userID, originalSubmissionID string, req AmendRequest) (*SubmitResult, error) {
	orig, err := s.owned(ctx, originalSubmissionID, userID)
	if err != nil {
		return nil, err
	}
	id, err := s.submissionID(req.ID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(amendLockKey(orig.ID))
	defer unlock()

	sub := &storage.Submission{
		ID:                   id,
		UserID:               userID,
		TaxYear:              orig.TaxYear,
		SubmissionType:       orig.SubmissionType,
		IsAmendment:          true,
		OriginalSubmissionID: orig.ID,
		AmendmentReason:      strings.TrimSpace(req.Reason),
	}
	if req.ID != "" {
		if res, err := s.replay(ctx, sub); res != nil || err != nil {
			return res, err
		}
	}

	// re-read under the lock so a just finished amendment is seen
	if orig, err = s.owned(ctx, orig.ID, userID); err != nil {
		return nil, err
	}
	if err := s.checkAmendable(orig, req.Reason); err != nil {
		return nil, err
	}
	if err := s.checkNoAmendmentInFlight(ctx, orig); err != nil {
		return nil, err
	}
	return s.run(ctx, "amend", sub, req.Payload, s.amendTransmit(orig.HMRCReference))
}

func (s *Service) checkAmendable(orig *storage.Submission, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return businessError(CodeReasonRequired, "an amendment reason is required")
	}
	if orig.IsAmended {
		be := businessError(CodeAlreadyAmended, "submission %s was already amended", orig.ID)
		be.Details = map[string]any{"amended_by": orig.AmendedBy}
		return be
	}
	if orig.Status != storage.StatusSubmitted && orig.Status != storage.StatusAccepted {
		return businessError(CodeNotAmendable, "only submitted or accepted returns can be amended, this one is %s", orig.Status)
	}
	if orig.HMRCReference == "" {
		return businessError(CodeNotAmendable, "submission %s has no authority reference", orig.ID)
	}
	deadline, err := AmendmentDeadline(orig.TaxYear)
	if err != nil {
		return businessError(CodeInvalidTaxYear, "%v", err)
	}
	if s.now().After(deadline) {
		be := businessError(CodeDeadlinePassed, "the amendment window for %s closed on %s", orig.TaxYear, deadline.Format("2006-01-02"))
		be.Details = map[string]any{"deadline": deadline}
		return be
	}
	return nil
}

// checkNoAmendmentInFlight rejects a new amendment while an earlier one of
// the same original may still reach the authority. An amendment left in
// submitting has an unconfirmed outcome and must be synced first.
func (s *Service) checkNoAmendmentInFlight(ctx context.Context, orig *storage.Submission) error {
	subs, err := s.store.ListSubmissions(ctx, orig.UserID, orig.TaxYear)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if !sub.IsAmendment || sub.OriginalSubmissionID != orig.ID {
			continue
		}
		switch sub.Status {
		case storage.StatusPending, storage.StatusValidating, storage.StatusSubmitting:
			be := businessError(CodeAmendmentInProgress, "amendment %s of submission %s is still %s", sub.ID, orig.ID, sub.Status)
			be.Details = map[string]any{"amendment_id": sub.ID, "status": string(sub.Status)}
			return be
		}
	}
	return nil
}

// RetrySubmission files a failed submission again as a new submission
// linked by RetryOf. A chain is retried at most MaxRetries times.
func (s *Service) RetrySubmission(ctx context.Context, userID, submissionID string) (*SubmitResult, error) {
	failed, err := s.owned(ctx, submissionID, userID)
	if err != nil {
		return nil, err
	}

	// amendment retries share the original's lock with Amend
	lockKey := retryLockKey(failed.ID)
	if failed.IsAmendment {
		lockKey = amendLockKey(failed.OriginalSubmissionID)
	}
	unlock := s.locks.Lock(lockKey)
	defer unlock()

	if failed, err = s.owned(ctx, submissionID, userID); err != nil {
		return nil, err
	}
	if failed.Status != storage.StatusFailed {
		return nil, businessError(CodeNotRetryable, "only failed submissions can be retried, this one is %s", failed.Status)
	}
	if failed.RetryCount >= s.maxRetries {
		return nil, businessError(CodeRetryLimit, "submission was already retried %d times", failed.RetryCount)
	}

	siblings, err := s.store.ListSubmissions(ctx, userID, failed.TaxYear)
	if err != nil {
		return nil, err
	}
	for _, sib := range siblings {
		if sib.RetryOf == failed.ID {
			return nil, businessError(CodeNotRetryable, "submission was already retried as %s", sib.ID)
		}
	}

	cd, err := decodeCalculationData(failed.CalculationData)
	if err != nil {
		return nil, err
	}

	next := &storage.Submission{
		ID:             s.newID(),
		UserID:         userID,
		TaxYear:        failed.TaxYear,
		SubmissionType: failed.SubmissionType,
		RetryOf:        failed.ID,
		RetryCount:     failed.RetryCount + 1,
	}
	if !failed.IsAmendment {
		return s.run(ctx, "retry", next, cd.Input, s.submitTransmit)
	}

	orig, err := s.owned(ctx, failed.OriginalSubmissionID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.checkAmendable(orig, failed.AmendmentReason); err != nil {
		return nil, err
	}
	if err := s.checkNoAmendmentInFlight(ctx, orig); err != nil {
		return nil, err
	}
	next.IsAmendment = true
	next.OriginalSubmissionID = orig.ID
	next.AmendmentReason = failed.AmendmentReason
	return s.run(ctx, "retry", next, cd.Input, s.amendTransmit(orig.HMRCReference))
}

func amendLockKey(originalID string) string { return "amend:" + originalID }

func retryLockKey(submissionID string) string { return "retry:" + submissionID }

// maxIdempotencyKeyLen bounds caller-supplied submission ids.
const maxIdempotencyKeyLen = 128

// submissionID returns key when the caller supplied one, or a new id.
func (s *Service) submissionID(key string) (string, error) {
	if key == "" {
		return s.newID(), nil
	}
	if len(key) > maxIdempotencyKeyLen {
		return "", businessError(CodeInvalidIdempotencyKey, "idempotency key is longer than %d characters", maxIdempotencyKeyLen)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == ':':
		default:
			return "", businessError(CodeInvalidIdempotencyKey, "idempotency key may only contain letters, digits and -_.:")
		}
	}
	return key, nil
}

// replay returns the stored result when sub.ID was already used, or nil when
// the id is new.
func (s *Service) replay(ctx context.Context, sub *storage.Submission) (*SubmitResult, error) {
	stored, err := s.store.GetSubmission(ctx, sub.ID)
	if errors.Is(err, storage.ErrSubmissionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.replayed(ctx, sub, stored)
}

// replayed answers a repeated request with the submission stored under its
// idempotency key. The key must have been used for the same request.
func (s *Service) replayed(ctx context.Context, sub, stored *storage.Submission) (*SubmitResult, error) {
	if stored.UserID != sub.UserID ||
		stored.TaxYear != sub.TaxYear ||
		stored.SubmissionType != sub.SubmissionType ||
		stored.IsAmendment != sub.IsAmendment ||
		stored.OriginalSubmissionID != sub.OriginalSubmissionID {
		return nil, businessError(CodeIdempotencyConflict, "idempotency key %s was already used for another submission", sub.ID)
	}
	s.logger.Info("Replaying stored submission",
		"submission_id", stored.ID,
		"status", string(stored.Status),
		"request_id", security.GetRequestID(ctx))
	return &SubmitResult{
		RequestID:  security.GetRequestID(ctx),
		Submission: stored,
		Outcome:    outcomeFor(stored.Status),
	}, nil
}

// run drives sub from pending to the furthest state it can reach now.
func (s *Service) run(ctx context.Context, op string, sub *storage.Submission, p *Payload, transmit transmitFunc) (res *SubmitResult, err error) {
	ctx, span := s.startSpan(ctx, op, sub.UserID,
		attribute.String(instrumentation.AttrSubmissionID, sub.ID),
		attribute.String(instrumentation.AttrSubmissionType, string(sub.SubmissionType)),
		attribute.String(instrumentation.AttrTaxYear, sub.TaxYear),
		attribute.Bool(instrumentation.AttrAmendment, sub.IsAmendment),
	)
	defer span.End()

	res = &SubmitResult{RequestID: security.GetRequestID(ctx), Submission: sub}
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
			s.metrics.RecordSubmission(ctx, string(sub.SubmissionType), "error", sub.IsAmendment)
			return
		}
		span.SetAttributes(
			attribute.String(instrumentation.AttrOutcome, string(res.Outcome)),
			attribute.String(instrumentation.AttrStatus, string(sub.Status)),
		)
		instrumentation.SetSpanSuccess(span)
		s.metrics.RecordSubmission(ctx, string(sub.SubmissionType), string(res.Outcome), sub.IsAmendment)
	}()

	data, err := encodeCalculationData(p, nil)
	if err != nil {
		return nil, err
	}
	now := s.now()
	sub.Status = storage.StatusPending
	sub.CalculationData = data
	sub.CreatedAt = now
	sub.UpdatedAt = now

	stored, created, err := s.store.CreateSubmission(ctx, sub)
	if err != nil {
		return nil, err
	}
	if !created {
		replayed, err := s.replayed(ctx, sub, stored)
		if err != nil {
			return nil, err
		}
		*res = *replayed
		return res, nil
	}
	if err := s.store.AppendStatusEvent(ctx, &storage.StatusEvent{
		SubmissionID: sub.ID,
		Timestamp:    now,
		Stage:        storage.StageValidation,
		Status:       storage.StatusPending,
		Message:      "Submission created",
		Metadata:     creationMetadata(sub),
	}); err != nil {
		return nil, err
	}

	if err := s.transition(ctx, sub, storage.StatusValidating, storage.StageValidation, "Validating return", nil); err != nil {
		return nil, err
	}

	vr := Validate(sub.SubmissionType, sub.TaxYear, p)
	res.Validation = &vr
	span.SetAttributes(attribute.Int(instrumentation.AttrValidationCount, len(vr.Errors)))
	if !vr.Valid {
		res.Outcome = OutcomeInvalid
		return res, s.transition(ctx, sub, storage.StatusFailed, storage.StageValidation, "Validation failed",
			map[string]any{"errors": vr.Errors})
	}

	body, ferr := formatForAuthority(s.calculator, sub.SubmissionType, p, sub.TaxYear)
	if ferr != nil {
		res.Outcome = OutcomeFailed
		res.Error = s.classify(ctx, ferr, sub.UserID, op)
		return res, s.transition(ctx, sub, storage.StatusFailed, storage.StageValidation, "Return could not be prepared",
			map[string]any{"error": ferr.Error()})
	}
	if sub.CalculationData, err = encodeCalculationData(p, body); err != nil {
		return nil, err
	}

	caller, cerr := s.caller(ctx, sub.UserID)
	if cerr != nil {
		res.Outcome = OutcomeFailed
		res.Error = s.classify(ctx, cerr, sub.UserID, op)
		return res, s.transition(ctx, sub, storage.StatusFailed, storage.StageTransmission, "Authority connection unavailable",
			errorMetadata(res.Error))
	}

	if err := s.transition(ctx, sub, storage.StatusSubmitting, storage.StageTransmission, "Transmitting to authority",
		map[string]any{"idempotency_key": sub.ID}); err != nil {
		return nil, err
	}

	resp, terr := transmit(ctx, caller, sub, body)
	return s.settle(ctx, op, caller, sub, res, resp, terr)
}

// settle records the result of a transmission.
func (s *Service) settle(ctx context.Context, op string, caller authority.Caller, sub *storage.Submission, res *SubmitResult, resp *authority.SubmitResponse, terr error) (*SubmitResult, error) {
	if terr == nil {
		receipt := resp.Receipt
		if len(receipt) == 0 || string(receipt) == "null" {
			receipt = nil
		}
		res.Outcome = OutcomeSubmitted
		return res, s.markSubmitted(ctx, sub, resp.Reference, receipt, "Acknowledged by authority")
	}

	if body, ok := authority.Rejection(terr); ok && body.Code != errhandler.CodeDuplicateSubmission {
		res.Outcome = OutcomeRejected
		res.Rejection = body
		res.Error = s.classify(ctx, terr, sub.UserID, op)
		return res, s.transition(ctx, sub, storage.StatusRejected, storage.StageTransmission, "Rejected by authority",
			map[string]any{"rejection": body, "http_status": res.Error.Status})
	}

	res.Error = s.classify(ctx, terr, sub.UserID, op)
	if authority.IsNotSent(terr) || res.Error.Status == http.StatusUnauthorized {
		res.Outcome = OutcomeFailed
		return res, s.transition(ctx, sub, storage.StatusFailed, storage.StageTransmission, "Return was not sent to the authority",
			errorMetadata(res.Error))
	}
	return s.resolve(ctx, caller, sub, res)
}

// resolve settles a transmission whose outcome is unknown by looking the
// return up by its idempotency key. It never re-posts.
func (s *Service) resolve(ctx context.Context, caller authority.Caller, sub *storage.Submission, res *SubmitResult) (*SubmitResult, error) {
	rec, err := s.client.FindReturnByIdempotencyKey(ctx, caller, sub.ID)
	switch {
	case err == nil:
		if err := s.markSubmitted(ctx, sub, rec.Reference, nil, "Confirmed by idempotency key lookup"); err != nil {
			return nil, err
		}
		res.Outcome = OutcomeSubmitted
		res.Error = nil
		if err := s.applyAuthorityStatus(ctx, sub, rec, res); err != nil {
			return nil, err
		}
		return res, nil

	case errors.Is(err, authority.ErrNotFound):
		res.Outcome = OutcomeFailed
		meta := errorMetadata(res.Error)
		meta["lookup"] = "not_found"
		return res, s.transition(ctx, sub, storage.StatusFailed, storage.StageTransmission, "Authority has no record of the return", meta)

	default:
		s.logger.Warn("Submission outcome unconfirmed",
			"submission_id", sub.ID,
			"request_id", security.GetRequestID(ctx),
			"error", err)
		res.Outcome = OutcomeUnconfirmed
		return res, nil
	}
}

// markSubmitted records the authority reference, stores the receipt and
// links an amendment to its original.
func (s *Service) markSubmitted(ctx context.Context, sub *storage.Submission, reference string, receipt json.RawMessage, msg string) error {
	now := s.now()
	sub.HMRCReference = reference
	sub.SubmittedAt = &now
	if err := s.transition(ctx, sub, storage.StatusSubmitted, storage.StageTransmission, msg,
		map[string]any{"hmrc_reference": reference}); err != nil {
		return err
	}

	receiptType := storage.ReceiptAcknowledgment
	event := security.EventReturnTransmitted
	if sub.IsAmendment {
		receiptType = storage.ReceiptAmendmentAcknowledgment
		event = security.EventAmendmentTransmitted
	}
	if receipt != nil {
		err := s.store.SaveReceipt(ctx, &storage.Receipt{
			SubmissionID: sub.ID,
			Reference:    reference,
			Type:         receiptType,
			Payload:      receipt,
			CreatedAt:    now,
		})
		if err != nil && !errors.Is(err, storage.ErrReceiptExists) {
			return err
		}
	}

	if sub.IsAmendment {
		orig, err := s.store.GetSubmission(ctx, sub.OriginalSubmissionID)
		if err != nil {
			return err
		}
		orig.IsAmended = true
		orig.AmendedBy = sub.ID
		orig.UpdatedAt = now
		if err := s.store.UpdateSubmission(ctx, orig); err != nil {
			return err
		}
	}

	s.auditor.LogEvent(ctx, security.Event{
		Type:      event,
		Severity:  security.SeverityLow,
		UserID:    sub.UserID,
		IPAddress: security.ClientIPFromContext(ctx),
		Details: map[string]any{
			"submission_id":  sub.ID,
			"tax_year":       sub.TaxYear,
			"hmrc_reference": reference,
		},
	})
	return nil
}

func creationMetadata(sub *storage.Submission) map[string]any {
	meta := map[string]any{"submission_type": string(sub.SubmissionType), "tax_year": sub.TaxYear}
	if sub.IsAmendment {
		meta["original_submission_id"] = sub.OriginalSubmissionID
		meta["amendment_reason"] = sub.AmendmentReason
	}
	if sub.RetryOf != "" {
		meta["retry_of"] = sub.RetryOf
		meta["retry_count"] = sub.RetryCount
	}
	return meta
}

func errorMetadata(oe *errhandler.OAuthError) map[string]any {
	if oe == nil {
		return map[string]any{}
	}
	return map[string]any{
		"error_type": string(oe.Type),
		"error_code": oe.Code,
		"retryable":  oe.Retryable,
	}
}
