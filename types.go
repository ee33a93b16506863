package mtd

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/giantswarm/mtd-connect/authority"
	"github.com/giantswarm/mtd-connect/reconcile"
	"github.com/giantswarm/mtd-connect/storage"
	"github.com/giantswarm/mtd-connect/submission"
)

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	// Error is the machine readable code
	Error string `json:"error"`

	// ErrorDescription is safe to show to the end user
	ErrorDescription string `json:"error_description,omitempty"`

	Retryable bool `json:"retryable"`

	// Recovery suggests what the user can do next
	Recovery string `json:"recovery,omitempty"`

	// RetryAfter is the advised wait in seconds
	RetryAfter int `json:"retry_after,omitempty"`

	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ConnectionResponse answers GET /hmrc/connection.
type ConnectionResponse struct {
	Connected    bool       `json:"connected"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scope        []string   `json:"scope,omitempty"`
	NeedsRefresh bool       `json:"needs_refresh"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// SubmitRequest is the body of POST /hmrc/submissions and /hmrc/validate.
type SubmitRequest struct {
	TaxYear        string                 `json:"taxYear"`
	SubmissionType storage.SubmissionType `json:"submissionType"`
	Payload        *submission.Payload    `json:"payload"`
}

// AmendRequest is the body of POST /hmrc/submissions/{id}/amend.
type AmendRequest struct {
	Payload *submission.Payload `json:"payload"`
	Reason  string              `json:"amendmentReason"`
}

// TriggerCalculationRequest is the body of POST /hmrc/calculations.
type TriggerCalculationRequest struct {
	TaxYear string `json:"taxYear"`
}

// SubmissionResponse reports a submit, amend, retry or sync.
type SubmissionResponse struct {
	Outcome    submission.Outcome           `json:"outcome"`
	Submission *storage.Submission          `json:"submission,omitempty"`
	Validation *submission.ValidationResult `json:"validation,omitempty"`
	Rejection  *authority.ErrorBody         `json:"rejection,omitempty"`
	Error      *ErrorResponse               `json:"error,omitempty"`
	RequestID  string                       `json:"request_id,omitempty"`
}

// StatusResponse answers GET /hmrc/submissions/{id}.
type StatusResponse struct {
	SubmissionID string                 `json:"submission_id"`
	Events       []*storage.StatusEvent `json:"events"`
}

// ReceiptsResponse answers GET /hmrc/submissions/{id}/receipts.
type ReceiptsResponse struct {
	SubmissionID string             `json:"submission_id"`
	Receipts     []*storage.Receipt `json:"receipts"`
}

// ObligationResponse is one enriched obligation.
type ObligationResponse struct {
	ID             string                 `json:"id"`
	TaxYear        string                 `json:"taxYear,omitempty"`
	PeriodKey      string                 `json:"periodKey,omitempty"`
	SubmissionType storage.SubmissionType `json:"submissionType,omitempty"`
	Status         string                 `json:"status"`
	Start          time.Time              `json:"start"`
	End            time.Time              `json:"end"`
	DueDate        time.Time              `json:"dueDate"`
	Received       *time.Time             `json:"received,omitempty"`
	IsOverdue      bool                   `json:"isOverdue"`
	DaysUntilDue   int                    `json:"daysUntilDue"`
	CanSubmit      bool                   `json:"canSubmit"`
	FromCache      bool                   `json:"fromCache,omitempty"`
}

// ObligationsSummary counts obligations by state.
type ObligationsSummary struct {
	Total        int `json:"total"`
	Open         int `json:"open"`
	Fulfilled    int `json:"fulfilled"`
	Overdue      int `json:"overdue"`
	DueThisMonth int `json:"dueThisMonth"`
}

// ObligationsResponse answers GET /hmrc/obligations.
type ObligationsResponse struct {
	Obligations []ObligationResponse `json:"obligations"`
	Summary     ObligationsSummary   `json:"summary"`
	FromCache   bool                 `json:"fromCache"`
	Warning     string               `json:"warning,omitempty"`
}

// CalculationResponse answers GET /hmrc/calculations.
type CalculationResponse struct {
	Calculation *authority.Calculation         `json:"calculation,omitempty"`
	Available   []authority.CalculationSummary `json:"available,omitempty"`
	FromCache   bool                           `json:"fromCache"`
	Warning     string                         `json:"warning,omitempty"`
}

// ReturnsResponse answers GET /hmrc/returns.
type ReturnsResponse struct {
	Returns   []authority.ReturnRecord `json:"returns"`
	FromCache bool                     `json:"fromCache"`
	Warning   string                   `json:"warning,omitempty"`
}

// ReconcileComponent is one line of a reconciliation.
type ReconcileComponent struct {
	Name   string          `json:"name"`
	Local  decimal.Decimal `json:"local"`
	Remote decimal.Decimal `json:"remote"`
	Delta  decimal.Decimal `json:"delta"`
}

// ReconcileResponse answers GET /hmrc/submissions/{id}/reconcile.
type ReconcileResponse struct {
	HasDiscrepancy bool                 `json:"hasDiscrepancy"`
	Delta          decimal.Decimal      `json:"delta"`
	LocalTotal     decimal.Decimal      `json:"localTotal"`
	RemoteTotal    decimal.Decimal      `json:"remoteTotal"`
	Tolerance      decimal.Decimal      `json:"tolerance"`
	Components     []ReconcileComponent `json:"components,omitempty"`
}

// DeadlineResponse answers GET /hmrc/amendment-deadline.
type DeadlineResponse struct {
	TaxYear  string    `json:"taxYear"`
	Deadline time.Time `json:"deadline"`
	Open     bool      `json:"open"`
}

func newObligationsResponse(res *submission.ObligationsResult) *ObligationsResponse {
	out := &ObligationsResponse{
		Obligations: make([]ObligationResponse, 0, len(res.Obligations)),
		Summary:     ObligationsSummary(res.Summary),
		FromCache:   res.FromCache,
		Warning:     res.Warning,
	}
	for _, o := range res.Obligations {
		out.Obligations = append(out.Obligations, ObligationResponse(o))
	}
	return out
}

func newReconcileResponse(res *reconcile.Result) *ReconcileResponse {
	out := &ReconcileResponse{
		HasDiscrepancy: res.HasDiscrepancy,
		Delta:          res.Delta,
		LocalTotal:     res.LocalTotal,
		RemoteTotal:    res.RemoteTotal,
		Tolerance:      res.Tolerance,
	}
	for _, c := range res.Components {
		out.Components = append(out.Components, ReconcileComponent(c))
	}
	return out
}
