package submission

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mtd-connect/authority"
	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/security"
	"github.com/giantswarm/mtd-connect/storage"
)

const (
	warnObligationsCached  = "Obligations were derived from local submissions because the authority is unavailable"
	warnCalculationCached  = "Calculation was taken from the latest local submission because the authority is unavailable"
	warnReturnsCached      = "Returns were taken from local submissions because the authority is unavailable"
	warnNoLocalCalculation = "The authority is unavailable and no local calculation exists for this tax year"
)

// fallback classifies a failed read and reports whether it may be answered
// from local data.
func (s *Service) fallback(ctx context.Context, resource, userID string, err error) (*errhandler.OAuthError, bool) {
	oe := s.classify(ctx, err, userID, resource)
	if !oe.Retryable {
		return oe, false
	}
	s.metrics.RecordCacheFallback(ctx, resource)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool(instrumentation.AttrFromCache, true))
	s.logger.Warn("Answering from local data",
		"resource", resource,
		"error_type", string(oe.Type),
		"request_id", security.GetRequestID(ctx))
	return oe, true
}

func (s *Service) readPrologue(ctx context.Context, name, userID, taxYear string) (context.Context, func(error), error) {
	if userID == "" {
		return ctx, func(error) {}, errhandler.ErrInvalidSession
	}
	if _, err := ParseTaxYear(taxYear); err != nil {
		return ctx, func(error) {}, businessError(CodeInvalidTaxYear, "%v", err)
	}
	ctx, span := s.startSpan(ctx, name, userID, attribute.String(instrumentation.AttrTaxYear, taxYear))
	return ctx, func(err error) {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}, nil
}

// GetObligations lists the user's obligations for taxYear, enriched with due
// date information. When the authority is unreachable the result is built
// from local submissions with FromCache set.
func (s *Service) GetObligations(ctx context.Context, userID, taxYear string) (res *ObligationsResult, err error) {
	ctx, done, err := s.readPrologue(ctx, "obligations", userID, taxYear)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	caller, err := s.caller(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.GetObligations(ctx, caller, taxYear)
	if err != nil {
		oe, ok := s.fallback(ctx, "obligations", userID, err)
		if !ok {
			return nil, oe
		}
		return s.cachedObligations(ctx, userID, taxYear)
	}

	obs := make([]Obligation, 0, len(resp.Obligations))
	for _, o := range resp.Obligations {
		ob := Obligation{
			ID:        o.PeriodKey,
			TaxYear:   taxYear,
			PeriodKey: o.PeriodKey,
			Status:    o.Status,
			Start:     o.Start.Time,
			End:       o.End.Time,
			DueDate:   o.Due.Time,
		}
		if o.Received != nil && !o.Received.IsZero() {
			t := o.Received.Time
			ob.Received = &t
		}
		obs = append(obs, ob)
	}
	return enrichObligations(obs, s.now(), false, ""), nil
}

func (s *Service) cachedObligations(ctx context.Context, userID, taxYear string) (*ObligationsResult, error) {
	subs, err := s.store.ListSubmissions(ctx, userID, taxYear)
	if err != nil {
		return nil, err
	}
	year, _ := ParseTaxYear(taxYear)

	obs := make([]Obligation, 0, len(subs))
	for _, sub := range subs {
		status := authority.ObligationOpen
		if sub.Status == storage.StatusSubmitted || sub.Status == storage.StatusAccepted {
			status = authority.ObligationFulfilled
		}
		ob := Obligation{
			ID:             localRef(sub),
			TaxYear:        sub.TaxYear,
			SubmissionType: sub.SubmissionType,
			Status:         status,
			Start:          year.Start(),
			End:            year.End(),
			DueDate:        year.FilingDueDate(sub.SubmissionType),
			FromCache:      true,
		}
		if status == authority.ObligationFulfilled && sub.SubmittedAt != nil {
			t := *sub.SubmittedAt
			ob.Received = &t
		}
		obs = append(obs, ob)
	}
	return enrichObligations(obs, s.now(), true, warnObligationsCached), nil
}

func localRef(sub *storage.Submission) string {
	if sub.HMRCReference != "" {
		return sub.HMRCReference
	}
	return "local-" + sub.ID
}

// enrichObligations fills the derived fields, sorts overdue first and then
// by due date, and counts the summary.
func enrichObligations(obs []Obligation, now time.Time, fromCache bool, warning string) *ObligationsResult {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	res := &ObligationsResult{FromCache: fromCache, Warning: warning}

	for i := range obs {
		o := &obs[i]
		open := strings.EqualFold(o.Status, authority.ObligationOpen)
		o.CanSubmit = open
		if !o.DueDate.IsZero() {
			// due dates are inclusive: overdue starts the day after
			o.IsOverdue = open && !now.Before(o.DueDate.AddDate(0, 0, 1))
			o.DaysUntilDue = int(math.Ceil(o.DueDate.Sub(now).Hours() / 24))
		}

		res.Summary.Total++
		switch {
		case open:
			res.Summary.Open++
		case strings.EqualFold(o.Status, authority.ObligationFulfilled):
			res.Summary.Fulfilled++
		}
		if o.IsOverdue {
			res.Summary.Overdue++
		}
		if o.DueDate.Year() == now.Year() && o.DueDate.Month() == now.Month() && !o.DueDate.Before(today) {
			res.Summary.DueThisMonth++
		}
	}

	sort.SliceStable(obs, func(i, j int) bool {
		if obs[i].IsOverdue != obs[j].IsOverdue {
			return obs[i].IsOverdue
		}
		return obs[i].DueDate.Before(obs[j].DueDate)
	})
	res.Obligations = obs
	return res
}

// GetCalculation returns calculationID, or the newest calculation for taxYear
// when calculationID is empty.
func (s *Service) GetCalculation(ctx context.Context, userID, taxYear, calculationID string) (res *CalculationResult, err error) {
	ctx, done, err := s.readPrologue(ctx, "calculation", userID, taxYear)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	caller, err := s.caller(ctx, userID)
	if err != nil {
		return nil, err
	}

	res = &CalculationResult{}
	if calculationID == "" {
		list, err := s.client.ListCalculations(ctx, caller, taxYear)
		if err != nil {
			oe, ok := s.fallback(ctx, "calculations", userID, err)
			if !ok {
				return nil, oe
			}
			return s.cachedCalculation(ctx, userID, taxYear)
		}
		res.Available = list.Calculations
		latest := latestCalculation(list.Calculations)
		if latest == nil {
			return nil, fmt.Errorf("no calculation for %s: %w", taxYear, authority.ErrNotFound)
		}
		calculationID = latest.CalculationID
	}

	calc, err := s.client.GetCalculation(ctx, caller, calculationID)
	if err != nil {
		oe, ok := s.fallback(ctx, "calculations", userID, err)
		if !ok {
			return nil, oe
		}
		return s.cachedCalculation(ctx, userID, taxYear)
	}
	res.Calculation = calc
	return res, nil
}

// TriggerCalculation asks the authority to compute taxYear and returns the
// new calculation id.
func (s *Service) TriggerCalculation(ctx context.Context, userID, taxYear string) (id string, err error) {
	ctx, done, err := s.readPrologue(ctx, "trigger_calculation", userID, taxYear)
	if err != nil {
		return "", err
	}
	defer func() { done(err) }()

	caller, err := s.caller(ctx, userID)
	if err != nil {
		return "", err
	}
	resp, err := s.client.TriggerCalculation(ctx, caller, taxYear)
	if err != nil {
		return "", s.classify(ctx, err, userID, "trigger_calculation")
	}
	return resp.CalculationID, nil
}

func latestCalculation(list []authority.CalculationSummary) *authority.CalculationSummary {
	var latest *authority.CalculationSummary
	for i := range list {
		if latest == nil || list[i].Timestamp.After(latest.Timestamp) {
			latest = &list[i]
		}
	}
	return latest
}

func (s *Service) cachedCalculation(ctx context.Context, userID, taxYear string) (*CalculationResult, error) {
	subs, err := s.store.ListSubmissions(ctx, userID, taxYear)
	if err != nil {
		return nil, err
	}
	for i := len(subs) - 1; i >= 0; i-- {
		sub := subs[i]
		if sub.Status == storage.StatusFailed || sub.Status == storage.StatusRejected {
			continue
		}
		cd, err := decodeCalculationData(sub.CalculationData)
		if err != nil || cd.Formatted == nil {
			continue
		}
		local := localCalculation(cd.Formatted)
		return &CalculationResult{
			Calculation: &authority.Calculation{
				CalculationID:      "local-" + sub.ID,
				TaxYear:            sub.TaxYear,
				Timestamp:          sub.UpdatedAt,
				TotalTaxableIncome: local.TaxableIncome,
				IncomeTax:          local.IncomeTax,
				NationalInsurance:  local.NationalInsurance,
				TotalTaxDue:        local.TotalTaxDue,
			},
			FromCache: true,
			Warning:   warnCalculationCached,
		}, nil
	}
	return &CalculationResult{FromCache: true, Warning: warnNoLocalCalculation}, nil
}

// ListReturns lists returns filed for taxYear.
func (s *Service) ListReturns(ctx context.Context, userID, taxYear string) (res *ReturnsResult, err error) {
	ctx, done, err := s.readPrologue(ctx, "returns", userID, taxYear)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	caller, err := s.caller(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.ListReturns(ctx, caller, taxYear)
	if err == nil {
		return &ReturnsResult{Returns: resp.Returns}, nil
	}
	oe, ok := s.fallback(ctx, "returns", userID, err)
	if !ok {
		return nil, oe
	}

	subs, err := s.store.ListSubmissions(ctx, userID, taxYear)
	if err != nil {
		return nil, err
	}
	out := &ReturnsResult{Returns: make([]authority.ReturnRecord, 0, len(subs)), FromCache: true, Warning: warnReturnsCached}
	for _, sub := range subs {
		submittedAt := sub.CreatedAt
		if sub.SubmittedAt != nil {
			submittedAt = *sub.SubmittedAt
		}
		out.Returns = append(out.Returns, authority.ReturnRecord{
			Reference:      localRef(sub),
			IdempotencyKey: sub.ID,
			TaxYear:        sub.TaxYear,
			Status:         string(sub.Status),
			SubmittedAt:    submittedAt,
			IsAmendment:    sub.IsAmendment,
		})
	}
	return out, nil
}
