package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mtd-connect/authority"
	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/internal/keylock"
	"github.com/giantswarm/mtd-connect/internal/util"
	"github.com/giantswarm/mtd-connect/security"
	"github.com/giantswarm/mtd-connect/storage"
)

// DefaultMaxRetries bounds RetrySubmission per submission chain.
const DefaultMaxRetries = 3

// TokenSource hands out access tokens; *auth.Manager implements it.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, userID string) (string, error)
}

// Authority is the subset of *authority.Client the service calls.
type Authority interface {
	GetObligations(ctx context.Context, caller authority.Caller, taxYear string) (*authority.ObligationsResponse, error)
	ListCalculations(ctx context.Context, caller authority.Caller, taxYear string) (*authority.CalculationsResponse, error)
	GetCalculation(ctx context.Context, caller authority.Caller, calculationID string) (*authority.Calculation, error)
	TriggerCalculation(ctx context.Context, caller authority.Caller, taxYear string) (*authority.TriggerCalculationResponse, error)
	ListReturns(ctx context.Context, caller authority.Caller, taxYear string) (*authority.ReturnsResponse, error)
	FindReturnByIdempotencyKey(ctx context.Context, caller authority.Caller, key string) (*authority.ReturnRecord, error)
	GetReturn(ctx context.Context, caller authority.Caller, reference string) (*authority.ReturnRecord, error)
	SubmitReturn(ctx context.Context, caller authority.Caller, idempotencyKey string, payload *authority.ReturnPayload) (*authority.SubmitResponse, error)
	AmendReturn(ctx context.Context, caller authority.Caller, reference, idempotencyKey string, payload *authority.AmendmentPayload) (*authority.SubmitResponse, error)
}

var _ Authority = (*authority.Client)(nil)

// Config configures a Service.
type Config struct {
	// Calculator computes the liability sent with each return. Required.
	Calculator Calculator

	// MaxRetries bounds RetrySubmission; default DefaultMaxRetries.
	MaxRetries int

	// ErrorHandler classifies and logs failures. Nil creates one without
	// rate limiting.
	ErrorHandler *errhandler.Handler

	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
}

// SubmitRequest is a new return.
type SubmitRequest struct {
	// ID is an optional caller-chosen idempotency key. Repeating a request
	// with the same ID returns the stored submission instead of filing again.
	ID             string
	TaxYear        string
	SubmissionType storage.SubmissionType
	Payload        *Payload
}

// AmendRequest is an amendment of a filed return.
type AmendRequest struct {
	// ID is an optional idempotency key, as for SubmitRequest.
	ID      string
	Payload *Payload
	Reason  string
}

// Service files returns and answers read queries with a cache fallback.
type Service struct {
	store      storage.SubmissionStore
	tokens     TokenSource
	client     Authority
	calculator Calculator
	maxRetries int

	errs    *errhandler.Handler
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	tracer  trace.Tracer

	// locks serializes amendments per original and retries per chain
	locks *keylock.Locks

	now   func() time.Time
	newID func() string
}

// New creates a Service.
func New(store storage.SubmissionStore, tokens TokenSource, client Authority, cfg Config) (*Service, error) {
	switch {
	case store == nil:
		return nil, errors.New("submission store is required")
	case tokens == nil:
		return nil, errors.New("token source is required")
	case client == nil:
		return nil, errors.New("authority client is required")
	case cfg.Calculator == nil:
		return nil, ErrCalculatorRequired
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	errs := cfg.ErrorHandler
	if errs == nil {
		errs = errhandler.New(errhandler.Config{RateLimit: -1, Logger: logger, Auditor: cfg.Auditor, Instrumentation: cfg.Instrumentation})
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return &Service{
		store:      store,
		tokens:     tokens,
		client:     client,
		calculator: cfg.Calculator,
		maxRetries: maxRetries,
		errs:       errs,
		logger:     logger,
		auditor:    cfg.Auditor,
		metrics:    cfg.Instrumentation.Metrics(),
		tracer:     instrumentation.TracerOrNoop(cfg.Instrumentation, "submission"),
		locks:      keylock.New(),
		now:        time.Now,
		newID:      uuid.NewString,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) startSpan(ctx context.Context, name, userID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(instrumentation.AttrUserIDHash, util.HashForLogging(userID)))
	if id := security.GetRequestID(ctx); id != "" {
		attrs = append(attrs, attribute.String(instrumentation.AttrRequestID, id))
	}
	return s.tracer.Start(ctx, "submission."+name, trace.WithAttributes(attrs...))
}

// classify turns err into a logged OAuthError.
func (s *Service) classify(ctx context.Context, err error, userID, op string) *errhandler.OAuthError {
	oe := s.errs.Classify(err, errhandler.ErrorContext{
		UserID:    userID,
		RequestID: security.GetRequestID(ctx),
		Operation: op,
	})
	s.errs.LogError(ctx, oe)
	return oe
}

// caller fetches an access token for userID.
func (s *Service) caller(ctx context.Context, userID string) (authority.Caller, error) {
	token, err := s.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return authority.Caller{}, err
	}
	return authority.Caller{UserID: userID, AccessToken: token, ClientIP: security.ClientIPFromContext(ctx)}, nil
}

// owned loads a submission and hides it from other users.
func (s *Service) owned(ctx context.Context, submissionID, userID string) (*storage.Submission, error) {
	if userID == "" {
		return nil, errhandler.ErrInvalidSession
	}
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, storage.ErrSubmissionNotFound
	}
	return sub, nil
}

// transitions lists the allowed next states.
var transitions = map[storage.Status][]storage.Status{
	storage.StatusPending:    {storage.StatusValidating},
	storage.StatusValidating: {storage.StatusSubmitting, storage.StatusFailed},
	storage.StatusSubmitting: {storage.StatusSubmitted, storage.StatusRejected, storage.StatusFailed},
	storage.StatusSubmitted:  {storage.StatusAccepted, storage.StatusRejected},
}

func canTransition(from, to storage.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition appends the status event, then updates the submission row.
func (s *Service) transition(ctx context.Context, sub *storage.Submission, to storage.Status, stage storage.Stage, msg string, meta map[string]any) error {
	if !canTransition(sub.Status, to) {
		return fmt.Errorf("submission %s cannot move from %s to %s", sub.ID, sub.Status, to)
	}
	now := s.now()
	ev := &storage.StatusEvent{
		SubmissionID: sub.ID,
		Timestamp:    now,
		Stage:        stage,
		Status:       to,
		Message:      msg,
		Metadata:     meta,
	}
	if err := s.store.AppendStatusEvent(ctx, ev); err != nil {
		return err
	}
	sub.Status = to
	sub.UpdatedAt = now
	if err := s.store.UpdateSubmission(ctx, sub); err != nil {
		return err
	}

	s.logger.Info("Submission status changed",
		"submission_id", sub.ID,
		"user_id_hash", util.HashForLogging(sub.UserID),
		"status", string(to),
		"stage", string(stage),
		"request_id", security.GetRequestID(ctx))
	return nil
}

// GetStatus returns the submission's status history in order.
func (s *Service) GetStatus(ctx context.Context, submissionID, userID string) ([]*storage.StatusEvent, error) {
	if _, err := s.owned(ctx, submissionID, userID); err != nil {
		return nil, err
	}
	return s.store.ListStatusEvents(ctx, submissionID)
}

// GetReceipts returns the submission's receipts oldest first.
func (s *Service) GetReceipts(ctx context.Context, submissionID, userID string) ([]*storage.Receipt, error) {
	if _, err := s.owned(ctx, submissionID, userID); err != nil {
		return nil, err
	}
	return s.store.ListReceipts(ctx, submissionID)
}

// AmendmentDeadline returns the last instant an amendment for taxYear may be
// filed.
func (s *Service) AmendmentDeadline(taxYear string) (time.Time, error) {
	return AmendmentDeadline(taxYear)
}
