// Package storage defines the persistence contracts for OAuth credentials,
// authorization round-trip state and the submission audit trail, together
// with the records they hold. Backends live in the sub-packages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTokenNotFound is returned when a user has no stored credentials.
	ErrTokenNotFound = errors.New("token not found")

	// ErrAuthStateNotFound is returned when a state nonce is unknown, expired
	// or was already consumed.
	ErrAuthStateNotFound = errors.New("authorization state not found")

	// ErrSubmissionNotFound is returned for unknown submission ids.
	ErrSubmissionNotFound = errors.New("submission not found")

	// ErrReceiptExists is returned when a receipt would overwrite an existing one.
	ErrReceiptExists = errors.New("receipt already stored")

	// ErrEncryptionRequired is returned when a token write is attempted
	// without a configured encryptor.
	ErrEncryptionRequired = errors.New("token encryption is not configured")
)

// Error wraps a backend failure. Callers must not assume the write happened.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err, otherwise an *Error for op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// TokenStore persists one encrypted credential record per user.
type TokenStore interface {
	// GetToken returns the decrypted record or ErrTokenNotFound.
	GetToken(ctx context.Context, userID string) (*TokenRecord, error)

	// PutToken encrypts and upserts the record for rec.UserID. Tokens and
	// expiry are written together.
	PutToken(ctx context.Context, rec *TokenRecord) error

	// DeleteToken removes the record. Deleting a missing record is not an error.
	DeleteToken(ctx context.Context, userID string) error

	// CompareAndSwapToken writes rec only if the stored record still has
	// ExpiresAt equal to prevExpiresAt. It reports whether the write happened.
	// A missing record never matches.
	CompareAndSwapToken(ctx context.Context, prevExpiresAt time.Time, rec *TokenRecord) (bool, error)
}

// AuthStateStore holds the server side of an in-flight authorization
// request. Each state is consumable exactly once.
type AuthStateStore interface {
	SaveAuthState(ctx context.Context, state *AuthState) error

	// ConsumeAuthState atomically fetches and deletes the state for nonce.
	// Unknown, expired and already consumed nonces return ErrAuthStateNotFound.
	ConsumeAuthState(ctx context.Context, nonce string) (*AuthState, error)
}

// SubmissionStore persists submissions with their status history and receipts.
type SubmissionStore interface {
	// CreateSubmission inserts sub unless a submission with the same ID
	// exists, in which case the stored one is returned with created=false.
	CreateSubmission(ctx context.Context, sub *Submission) (stored *Submission, created bool, err error)

	GetSubmission(ctx context.Context, id string) (*Submission, error)

	// UpdateSubmission replaces the stored submission with the same ID.
	UpdateSubmission(ctx context.Context, sub *Submission) error

	// ListSubmissions returns the user's submissions for taxYear (all years
	// when empty), oldest first.
	ListSubmissions(ctx context.Context, userID, taxYear string) ([]*Submission, error)

	// AppendStatusEvent appends ev and assigns its Sequence.
	AppendStatusEvent(ctx context.Context, ev *StatusEvent) error

	// ListStatusEvents returns events in append order.
	ListStatusEvents(ctx context.Context, submissionID string) ([]*StatusEvent, error)

	// SaveReceipt stores r; an existing (SubmissionID, Reference, Type)
	// yields ErrReceiptExists.
	SaveReceipt(ctx context.Context, r *Receipt) error

	ListReceipts(ctx context.Context, submissionID string) ([]*Receipt, error)
}
