package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mtd-connect/authority"
	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/internal/util"
	"github.com/giantswarm/mtd-connect/reconcile"
	"github.com/giantswarm/mtd-connect/security"
	"github.com/giantswarm/mtd-connect/storage"
)

// staleAfter is how long a submission may sit in pending or validating
// before SyncStatus treats it as interrupted.
const staleAfter = 10 * time.Minute

// SyncStatus brings a submission up to date with the authority. A submission
// stuck in submitting is resolved by idempotency key lookup; a submitted one
// picks up the authority's decision. Other states are reported as they are.
func (s *Service) SyncStatus(ctx context.Context, userID, submissionID string) (res *SubmitResult, err error) {
	sub, err := s.owned(ctx, submissionID, userID)
	if err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "sync", userID,
		attribute.String(instrumentation.AttrSubmissionID, sub.ID),
		attribute.String(instrumentation.AttrStatus, string(sub.Status)))
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			span.SetAttributes(attribute.String(instrumentation.AttrOutcome, string(res.Outcome)))
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}()

	res = &SubmitResult{Submission: sub, RequestID: security.GetRequestID(ctx), Outcome: outcomeFor(sub.Status)}

	switch sub.Status {
	case storage.StatusPending, storage.StatusValidating:
		if s.now().Sub(sub.UpdatedAt) < staleAfter {
			return res, nil
		}
		// nothing was transmitted before submitting, so failing is safe
		if sub.Status == storage.StatusPending {
			if err := s.transition(ctx, sub, storage.StatusValidating, storage.StageValidation, "Resuming interrupted submission", nil); err != nil {
				return nil, err
			}
		}
		res.Outcome = OutcomeFailed
		return res, s.transition(ctx, sub, storage.StatusFailed, storage.StageValidation, "Submission interrupted before transmission", nil)

	case storage.StatusSubmitting:
		caller, err := s.caller(ctx, userID)
		if err != nil {
			return nil, err
		}
		return s.resolve(ctx, caller, sub, res)

	case storage.StatusSubmitted:
		caller, err := s.caller(ctx, userID)
		if err != nil {
			return nil, err
		}
		rec, err := s.client.GetReturn(ctx, caller, sub.HMRCReference)
		if err != nil {
			// the submission stays submitted; the caller may sync again
			res.Error = s.classify(ctx, err, userID, "sync")
			return res, nil
		}
		return res, s.applyAuthorityStatus(ctx, sub, rec, res)
	}
	return res, nil
}

// applyAuthorityStatus moves a submitted return to the authority's final
// decision, if it has made one.
func (s *Service) applyAuthorityStatus(ctx context.Context, sub *storage.Submission, rec *authority.ReturnRecord, res *SubmitResult) error {
	meta := map[string]any{"hmrc_reference": rec.Reference}
	if rec.ProcessedAt != nil {
		meta["processed_at"] = rec.ProcessedAt.UTC().Format(time.RFC3339)
	}

	switch rec.Status {
	case authority.ReturnAccepted:
		res.Outcome = OutcomeAccepted
		return s.transition(ctx, sub, storage.StatusAccepted, storage.StageProcessing, "Accepted by authority", meta)

	case authority.ReturnRejected:
		res.Outcome = OutcomeRejected
		res.Rejection = rec.Rejection
		if rec.Rejection != nil {
			meta["rejection"] = rec.Rejection
		}
		return s.transition(ctx, sub, storage.StatusRejected, storage.StageProcessing, "Rejected by authority", meta)
	}
	res.Outcome = OutcomeSubmitted
	return nil
}

// ReconcileCalculation compares the liability stored with a submission
// against the authority's calculation. An empty calculationID selects the
// newest calculation for the submission's tax year.
func (s *Service) ReconcileCalculation(ctx context.Context, userID, submissionID, calculationID string) (res *reconcile.Result, err error) {
	sub, err := s.owned(ctx, submissionID, userID)
	if err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "reconcile", userID,
		attribute.String(instrumentation.AttrSubmissionID, sub.ID),
		attribute.String(instrumentation.AttrTaxYear, sub.TaxYear))
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			span.SetAttributes(attribute.Bool(instrumentation.AttrHasDiscrepancy, res.HasDiscrepancy))
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}()

	cd, err := decodeCalculationData(sub.CalculationData)
	if err != nil {
		return nil, err
	}
	if cd.Formatted == nil {
		return nil, businessError(CodeNothingToReconcile, "submission %s has no computed liability", sub.ID)
	}
	local := localCalculation(cd.Formatted)

	caller, err := s.caller(ctx, userID)
	if err != nil {
		return nil, err
	}
	if calculationID == "" {
		list, err := s.client.ListCalculations(ctx, caller, sub.TaxYear)
		if err != nil {
			return nil, s.classify(ctx, err, userID, "reconcile")
		}
		latest := latestCalculation(list.Calculations)
		if latest == nil {
			return nil, fmt.Errorf("no calculation for %s: %w", sub.TaxYear, authority.ErrNotFound)
		}
		calculationID = latest.CalculationID
	}
	calc, err := s.client.GetCalculation(ctx, caller, calculationID)
	if err != nil {
		if errors.Is(err, authority.ErrNotFound) {
			return nil, err
		}
		return nil, s.classify(ctx, err, userID, "reconcile")
	}

	r := reconcile.Reconcile(local, reconcile.Calculation{
		TaxableIncome:     calc.TotalTaxableIncome,
		IncomeTax:         calc.IncomeTax,
		NationalInsurance: calc.NationalInsurance,
		TotalTaxDue:       calc.TotalTaxDue,
	})
	if r.HasDiscrepancy {
		s.logger.Warn("Calculation discrepancy",
			"submission_id", sub.ID,
			"calculation_id", calculationID,
			"user_id_hash", util.HashForLogging(userID),
			"local_total", r.LocalTotal.StringFixed(2),
			"remote_total", r.RemoteTotal.StringFixed(2),
			"delta", r.Delta.StringFixed(2))
	}
	return &r, nil
}

// localCalculation reads the liability back out of a formatted return.
func localCalculation(p *authority.ReturnPayload) reconcile.Calculation {
	switch {
	case p.CompanyTax != nil:
		c := p.CompanyTax
		return reconcile.FromPence(c.TaxableProfit, c.CorporationTax, 0, c.TotalTaxDue)
	case p.Calculation != nil:
		c := p.Calculation
		return reconcile.FromPence(c.TaxableProfit, c.IncomeTax, c.NationalInsurance, c.TotalTaxDue)
	}
	return reconcile.Calculation{}
}
