package submission

import (
	"time"

	"github.com/giantswarm/mtd-connect/authority"
	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/storage"
)

// Outcome is what a submit, amend, retry or sync call achieved.
type Outcome string

const (
	// OutcomeSubmitted means the authority acknowledged the return.
	OutcomeSubmitted Outcome = "submitted"

	// OutcomeAccepted and OutcomeRejected are final authority decisions.
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"

	// OutcomeInvalid means local validation failed; nothing was sent.
	OutcomeInvalid Outcome = "invalid"

	// OutcomeUnconfirmed means the request may have reached the authority
	// but neither the response nor a lookup confirmed it. The submission
	// stays in submitting until SyncStatus resolves it.
	OutcomeUnconfirmed Outcome = "unconfirmed"

	// OutcomeFailed means the return is known not to be filed.
	OutcomeFailed Outcome = "failed"
)

// SubmitResult is returned by Submit, Amend, RetrySubmission and SyncStatus.
type SubmitResult struct {
	Outcome    Outcome
	Submission *storage.Submission
	Validation *ValidationResult
	Rejection  *authority.ErrorBody

	// Error is the classified cause for failed and unconfirmed outcomes.
	Error *errhandler.OAuthError

	RequestID string
}

func outcomeFor(s storage.Status) Outcome {
	switch s {
	case storage.StatusSubmitted:
		return OutcomeSubmitted
	case storage.StatusAccepted:
		return OutcomeAccepted
	case storage.StatusRejected:
		return OutcomeRejected
	case storage.StatusFailed:
		return OutcomeFailed
	}
	return OutcomeUnconfirmed
}

// Obligation is a filing period enriched for display.
type Obligation struct {
	ID             string
	TaxYear        string
	PeriodKey      string
	SubmissionType storage.SubmissionType
	Status         string
	Start          time.Time
	End            time.Time
	DueDate        time.Time
	Received       *time.Time
	IsOverdue      bool
	DaysUntilDue   int
	CanSubmit      bool
	FromCache      bool
}

// ObligationsSummary counts obligations by state.
type ObligationsSummary struct {
	Total        int
	Open         int
	Fulfilled    int
	Overdue      int
	DueThisMonth int
}

// ObligationsResult answers GetObligations. FromCache is set with a non-empty
// Warning when the data was derived from local submissions.
type ObligationsResult struct {
	Obligations []Obligation
	Summary     ObligationsSummary
	FromCache   bool
	Warning     string
}

// CalculationResult answers GetCalculation.
type CalculationResult struct {
	Calculation *authority.Calculation
	Available   []authority.CalculationSummary
	FromCache   bool
	Warning     string
}

// ReturnsResult answers ListReturns.
type ReturnsResult struct {
	Returns   []authority.ReturnRecord
	FromCache bool
	Warning   string
}
