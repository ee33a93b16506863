package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/mtd-connect/storage"
)

const submissionColumns = `id, user_id, tax_year, submission_type, status, hmrc_reference,
	calculation_data, is_amendment, original_submission_id, amendment_reason,
	is_amended, amended_by, retry_count, retry_of, submitted_at, created_at, updated_at`

func scanSubmission(row pgx.Row) (*storage.Submission, error) {
	var sub storage.Submission
	var calc []byte
	err := row.Scan(&sub.ID, &sub.UserID, &sub.TaxYear, &sub.SubmissionType, &sub.Status,
		&sub.HMRCReference, &calc, &sub.IsAmendment, &sub.OriginalSubmissionID,
		&sub.AmendmentReason, &sub.IsAmended, &sub.AmendedBy, &sub.RetryCount,
		&sub.RetryOf, &sub.SubmittedAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(calc) > 0 {
		sub.CalculationData = json.RawMessage(calc)
	}
	return &sub, nil
}

// jsonArg passes raw JSON through to a JSONB column, or NULL when empty.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// CreateSubmission inserts sub or returns the existing row with the same id.
func (s *Store) CreateSubmission(ctx context.Context, sub *storage.Submission) (stored *storage.Submission, created bool, err error) {
	ctx, done := s.span(ctx, "create_submission")
	defer func() { done(err) }()

	if sub == nil || sub.ID == "" {
		return nil, false, fmt.Errorf("submission requires an id")
	}

	now := pgTime(s.now())
	createdAt := now
	if !sub.CreatedAt.IsZero() {
		createdAt = pgTime(sub.CreatedAt)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO submissions (`+submissionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING `+submissionColumns,
		sub.ID, sub.UserID, sub.TaxYear, string(sub.SubmissionType), string(sub.Status),
		sub.HMRCReference, jsonArg(sub.CalculationData), sub.IsAmendment,
		sub.OriginalSubmissionID, sub.AmendmentReason, sub.IsAmended, sub.AmendedBy,
		sub.RetryCount, sub.RetryOf, sub.SubmittedAt, createdAt, now)

	stored, err = scanSubmission(row)
	if err == nil {
		return stored, true, nil
	}
	if !isNoRows(err) {
		return nil, false, storage.Wrap("create_submission", err)
	}

	// conflict: the id is already taken
	stored, err = scanSubmission(s.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, sub.ID))
	if err != nil {
		return nil, false, storage.Wrap("create_submission", err)
	}
	return stored, false, nil
}

// GetSubmission loads one submission.
func (s *Store) GetSubmission(ctx context.Context, id string) (sub *storage.Submission, err error) {
	ctx, done := s.span(ctx, "get_submission")
	defer func() { done(err) }()

	sub, err = scanSubmission(s.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, storage.ErrSubmissionNotFound
		}
		return nil, storage.Wrap("get_submission", err)
	}
	return sub, nil
}

// UpdateSubmission overwrites every mutable column.
func (s *Store) UpdateSubmission(ctx context.Context, sub *storage.Submission) (err error) {
	ctx, done := s.span(ctx, "update_submission")
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET
		     status = $2, hmrc_reference = $3, calculation_data = $4,
		     is_amendment = $5, original_submission_id = $6, amendment_reason = $7,
		     is_amended = $8, amended_by = $9, retry_count = $10, retry_of = $11,
		     submitted_at = $12, updated_at = $13
		 WHERE id = $1`,
		sub.ID, string(sub.Status), sub.HMRCReference, jsonArg(sub.CalculationData),
		sub.IsAmendment, sub.OriginalSubmissionID, sub.AmendmentReason,
		sub.IsAmended, sub.AmendedBy, sub.RetryCount, sub.RetryOf,
		sub.SubmittedAt, pgTime(s.now()))
	if err != nil {
		return storage.Wrap("update_submission", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrSubmissionNotFound
	}
	return nil
}

// ListSubmissions returns the user's submissions, oldest first.
func (s *Store) ListSubmissions(ctx context.Context, userID, taxYear string) (out []*storage.Submission, err error) {
	ctx, done := s.span(ctx, "list_submissions")
	defer func() { done(err) }()

	rows, err := s.pool.Query(ctx,
		`SELECT `+submissionColumns+` FROM submissions
		 WHERE user_id = $1 AND ($2 = '' OR tax_year = $2)
		 ORDER BY created_at, id`, userID, taxYear)
	if err != nil {
		return nil, storage.Wrap("list_submissions", err)
	}
	defer rows.Close()

	out = []*storage.Submission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, storage.Wrap("list_submissions", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("list_submissions", err)
	}
	return out, nil
}

// AppendStatusEvent inserts ev; the BIGSERIAL id becomes its Sequence.
func (s *Store) AppendStatusEvent(ctx context.Context, ev *storage.StatusEvent) (err error) {
	ctx, done := s.span(ctx, "append_status_event")
	defer func() { done(err) }()

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	ts = pgTime(ts)

	var metadata any
	if len(ev.Metadata) > 0 {
		metadata = ev.Metadata
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO submission_status_events (submission_id, timestamp, stage, status, message, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		ev.SubmissionID, ts, string(ev.Stage), string(ev.Status), ev.Message, metadata,
	).Scan(&ev.Sequence)
	if err != nil {
		if isForeignKeyViolation(err) {
			return storage.ErrSubmissionNotFound
		}
		return storage.Wrap("append_status_event", err)
	}
	ev.Timestamp = ts
	return nil
}

// ListStatusEvents returns events in insertion order.
func (s *Store) ListStatusEvents(ctx context.Context, submissionID string) (out []*storage.StatusEvent, err error) {
	ctx, done := s.span(ctx, "list_status_events")
	defer func() { done(err) }()

	rows, err := s.pool.Query(ctx,
		`SELECT id, submission_id, timestamp, stage, status, message, metadata
		   FROM submission_status_events WHERE submission_id = $1 ORDER BY id`, submissionID)
	if err != nil {
		return nil, storage.Wrap("list_status_events", err)
	}
	defer rows.Close()

	out = []*storage.StatusEvent{}
	for rows.Next() {
		var ev storage.StatusEvent
		if err := rows.Scan(&ev.Sequence, &ev.SubmissionID, &ev.Timestamp, &ev.Stage,
			&ev.Status, &ev.Message, &ev.Metadata); err != nil {
			return nil, storage.Wrap("list_status_events", err)
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("list_status_events", err)
	}
	return out, nil
}

// SaveReceipt inserts r; receipts are never overwritten.
func (s *Store) SaveReceipt(ctx context.Context, r *storage.Receipt) (err error) {
	ctx, done := s.span(ctx, "save_receipt")
	defer func() { done(err) }()

	created := r.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO submission_receipts (submission_id, reference, type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (submission_id, reference, type) DO NOTHING`,
		r.SubmissionID, r.Reference, r.Type, jsonArg(r.Payload), pgTime(created))
	if err != nil {
		if isForeignKeyViolation(err) {
			return storage.ErrSubmissionNotFound
		}
		return storage.Wrap("save_receipt", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrReceiptExists
	}
	return nil
}

// ListReceipts returns receipts oldest first.
func (s *Store) ListReceipts(ctx context.Context, submissionID string) (out []*storage.Receipt, err error) {
	ctx, done := s.span(ctx, "list_receipts")
	defer func() { done(err) }()

	rows, err := s.pool.Query(ctx,
		`SELECT submission_id, reference, type, payload, created_at
		   FROM submission_receipts WHERE submission_id = $1 ORDER BY created_at, reference`, submissionID)
	if err != nil {
		return nil, storage.Wrap("list_receipts", err)
	}
	defer rows.Close()

	out = []*storage.Receipt{}
	for rows.Next() {
		var r storage.Receipt
		var payload []byte
		if err := rows.Scan(&r.SubmissionID, &r.Reference, &r.Type, &payload, &r.CreatedAt); err != nil {
			return nil, storage.Wrap("list_receipts", err)
		}
		if len(payload) > 0 {
			r.Payload = json.RawMessage(payload)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("list_receipts", err)
	}
	return out, nil
}
