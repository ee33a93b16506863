package storage

import (
	"encoding/json"
	"time"
)

// TokenRecord is a user's credential pair for the authority. Plaintext only
// exists in memory; backends persist the SealedToken form.
type TokenRecord struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        []string
	UpdatedAt    time.Time
}

// AuthState is stored when a user is sent to the authority's consent page.
type AuthState struct {
	Nonce        string    `json:"nonce"`
	UserID       string    `json:"user_id"`
	CodeVerifier string    `json:"code_verifier"`
	RedirectURI  string    `json:"redirect_uri,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SubmissionType distinguishes self-assessment from corporation returns.
type SubmissionType string

const (
	SubmissionTypePersonal SubmissionType = "personal"
	SubmissionTypeCompany  SubmissionType = "company"
)

// Valid reports whether t is a known submission type.
func (t SubmissionType) Valid() bool {
	return t == SubmissionTypePersonal || t == SubmissionTypeCompany
}

// Status is a submission lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusValidating Status = "validating"
	StatusSubmitting Status = "submitting"
	StatusSubmitted  Status = "submitted"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Stage groups status events by the part of the pipeline that produced them.
type Stage string

const (
	StageValidation   Stage = "validation"
	StageTransmission Stage = "transmission"
	StageProcessing   Stage = "processing"
)

// Receipt types.
const (
	ReceiptAcknowledgment          = "acknowledgment"
	ReceiptAmendmentAcknowledgment = "amendment_acknowledgment"
)

// Submission is one tax return or amendment attempt. ID doubles as the
// idempotency key sent to the authority.
type Submission struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	TaxYear              string          `json:"tax_year"`
	SubmissionType       SubmissionType  `json:"submission_type"`
	Status               Status          `json:"status"`
	HMRCReference        string          `json:"hmrc_reference,omitempty"`
	CalculationData      json.RawMessage `json:"calculation_data,omitempty"`
	IsAmendment          bool            `json:"is_amendment"`
	OriginalSubmissionID string          `json:"original_submission_id,omitempty"`
	AmendmentReason      string          `json:"amendment_reason,omitempty"`
	IsAmended            bool            `json:"is_amended"`
	AmendedBy            string          `json:"amended_by,omitempty"`
	RetryCount           int             `json:"retry_count"`
	RetryOf              string          `json:"retry_of,omitempty"`
	SubmittedAt          *time.Time      `json:"submitted_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	c := *s
	if s.CalculationData != nil {
		c.CalculationData = append(json.RawMessage(nil), s.CalculationData...)
	}
	if s.SubmittedAt != nil {
		t := *s.SubmittedAt
		c.SubmittedAt = &t
	}
	return &c
}

// StatusEvent is an append-only entry in a submission's history.
type StatusEvent struct {
	SubmissionID string         `json:"submission_id"`
	Sequence     int64          `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Stage        Stage          `json:"stage"`
	Status       Status         `json:"status"`
	Message      string         `json:"message"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Receipt is the authority's proof of an interaction.
type Receipt struct {
	SubmissionID string          `json:"submission_id"`
	Reference    string          `json:"reference"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
