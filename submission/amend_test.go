package submission

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mtd-connect/authority"
	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/storage"
)

func TestAmend_Deadline(t *testing.T) {
	// the 2022-23 amendment window closes at the end of 31 January 2024
	tests := []struct {
		name    string
		now     time.Time
		wantErr string
	}{
		{"last day", time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC), ""},
		{"day after", time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC), CodeDeadlinePassed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Date(2023, 6, 1, 9, 0, 0, 0, time.UTC))
			orig, err := f.svc.Submit(context.Background(), testUser, SubmitRequest{
				TaxYear:        "2022-23",
				SubmissionType: storage.SubmissionTypePersonal,
				Payload:        personalPayload(),
			})
			require.NoError(t, err)
			require.Equal(t, OutcomeSubmitted, orig.Outcome)

			f.clock.Set(tt.now)
			res, err := f.svc.Amend(context.Background(), testUser, orig.Submission.ID, AmendRequest{Payload: personalPayload(), Reason: "Corrected expenses"})

			if tt.wantErr != "" {
				be, ok := AsBusinessError(err)
				require.True(t, ok, "Amend() error = %v, want business error", err)
				assert.Equal(t, tt.wantErr, be.Code)
				assert.Equal(t, 0, f.auth.amends)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, OutcomeSubmitted, res.Outcome)
			assert.True(t, res.Submission.IsAmendment)
			assert.Equal(t, orig.Submission.ID, res.Submission.OriginalSubmissionID)
		})
	}
}

func TestAmend_LinksOriginalAndStoresReceipt(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	orig := submitPersonal(t, f)

	var gotRef string
	var gotReason string
	f.auth.amend = func(ref, key string, body *authority.AmendmentPayload) (*authority.SubmitResponse, error) {
		gotRef, gotReason = ref, body.AmendmentReason
		return &authority.SubmitResponse{Reference: "REF-AMEND", Receipt: []byte(`{"ok":true}`)}, nil
	}

	res, err := f.svc.Amend(context.Background(), testUser, orig.Submission.ID, AmendRequest{Payload: personalPayload(), Reason: "  Missed a rental month "})
	require.NoError(t, err)

	assert.Equal(t, "REF-1", gotRef)
	assert.Equal(t, "Missed a rental month", gotReason)

	stored, err := f.store.GetSubmission(context.Background(), orig.Submission.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsAmended)
	assert.Equal(t, res.Submission.ID, stored.AmendedBy)

	receipts, err := f.store.ListReceipts(context.Background(), res.Submission.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, storage.ReceiptAmendmentAcknowledgment, receipts[0].Type)

	_, err = f.svc.Amend(context.Background(), testUser, orig.Submission.ID, AmendRequest{Payload: personalPayload(), Reason: "Again"})
	be, ok := AsBusinessError(err)
	require.True(t, ok)
	assert.Equal(t, CodeAlreadyAmended, be.Code)
	assert.Equal(t, http.StatusConflict, be.HTTPStatus())
}

func TestAmend_Preconditions(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	pending := &storage.Submission{
		ID:             "pending-1",
		UserID:         testUser,
		TaxYear:        "2023-24",
		SubmissionType: storage.SubmissionTypePersonal,
		Status:         storage.StatusPending,
	}
	_, _, err := f.store.CreateSubmission(ctx, pending)
	require.NoError(t, err)

	_, err = f.svc.Amend(ctx, testUser, pending.ID, AmendRequest{Payload: personalPayload(), Reason: "Fix"})
	be, ok := AsBusinessError(err)
	require.True(t, ok)
	assert.Equal(t, CodeNotAmendable, be.Code)

	orig := submitPersonal(t, f)
	_, err = f.svc.Amend(ctx, testUser, orig.Submission.ID, AmendRequest{Payload: personalPayload(), Reason: " "})
	be, ok = AsBusinessError(err)
	require.True(t, ok)
	assert.Equal(t, CodeReasonRequired, be.Code)

	_, err = f.svc.Amend(ctx, "intruder", orig.Submission.ID, AmendRequest{Payload: personalPayload(), Reason: "Fix"})
	assert.ErrorIs(t, err, storage.ErrSubmissionNotFound)
}

func TestRetrySubmission(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	fail := true
	f.auth.submit = func(key string, body *authority.ReturnPayload) (*authority.SubmitResponse, error) {
		if fail {
			return nil, authority.ErrCircuitOpen
		}
		return acknowledge("REF-RETRY")(key, body)
	}

	first := submitPersonal(t, f)
	require.Equal(t, OutcomeFailed, first.Outcome)

	fail = false
	res, err := f.svc.RetrySubmission(ctx, testUser, first.Submission.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
	assert.Equal(t, first.Submission.ID, res.Submission.RetryOf)
	assert.Equal(t, 1, res.Submission.RetryCount)

	_, err = f.svc.RetrySubmission(ctx, testUser, first.Submission.ID)
	be, ok := AsBusinessError(err)
	require.True(t, ok)
	assert.Equal(t, CodeNotRetryable, be.Code, "a failed submission is retried once")

	_, err = f.svc.RetrySubmission(ctx, testUser, res.Submission.ID)
	be, ok = AsBusinessError(err)
	require.True(t, ok)
	assert.Equal(t, CodeNotRetryable, be.Code, "only failed submissions are retried")
}

func TestRetrySubmission_Limit(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	f.auth.submit = func(string, *authority.ReturnPayload) (*authority.SubmitResponse, error) {
		return nil, authority.ErrCircuitOpen
	}

	res := submitPersonal(t, f)
	for i := 1; i <= DefaultMaxRetries; i++ {
		next, err := f.svc.RetrySubmission(ctx, testUser, res.Submission.ID)
		require.NoError(t, err)
		assert.Equal(t, i, next.Submission.RetryCount)
		res = next
	}

	_, err := f.svc.RetrySubmission(ctx, testUser, res.Submission.ID)
	be, ok := AsBusinessError(err)
	require.True(t, ok)
	assert.Equal(t, CodeRetryLimit, be.Code)
	assert.Equal(t, DefaultMaxRetries+1, f.auth.submits)
}

func TestAmend_RejectsWhileEarlierAmendmentUnconfirmed(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	orig := submitPersonal(t, f)

	f.auth.amend = func(string, string, *authority.AmendmentPayload) (*authority.SubmitResponse, error) {
		return nil, &errhandler.HTTPError{Endpoint: "returns.amend", StatusCode: http.StatusGatewayTimeout}
	}
	f.auth.find = func(string) (*authority.ReturnRecord, error) { return nil, context.DeadlineExceeded }

	first, err := f.svc.Amend(ctx, testUser, orig.Submission.ID, AmendRequest{Payload: personalPayload(), Reason: "Corrected expenses"})
	require.NoError(t, err)
	require.Equal(t, OutcomeUnconfirmed, first.Outcome)
	require.Equal(t, storage.StatusSubmitting, first.Submission.Status)

	_, err = f.svc.Amend(ctx, testUser, orig.Submission.ID, AmendRequest{Payload: personalPayload(), Reason: "Corrected expenses"})
	be, ok := AsBusinessError(err)
	require.True(t, ok, "Amend() error = %v, want business error", err)
	assert.Equal(t, CodeAmendmentInProgress, be.Code)
	assert.Equal(t, http.StatusConflict, be.HTTPStatus())
	assert.Equal(t, first.Submission.ID, be.Details["amendment_id"])
	assert.Equal(t, 1, f.auth.amends, "the amendment is posted once")
}

func TestAmend_ConcurrentCallsFileOnce(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	orig := submitPersonal(t, f)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.auth.amend = func(ref, _ string, _ *authority.AmendmentPayload) (*authority.SubmitResponse, error) {
		close(entered)
		<-release
		return &authority.SubmitResponse{Reference: ref + "-A"}, nil
	}

	type result struct {
		res *SubmitResult
		err error
	}
	firstDone := make(chan result, 1)
	go func() {
		res, err := f.svc.Amend(ctx, testUser, orig.Submission.ID, AmendRequest{Payload: personalPayload(), Reason: "First"})
		firstDone <- result{res, err}
	}()
	<-entered

	secondDone := make(chan result, 1)
	go func() {
		res, err := f.svc.Amend(ctx, testUser, orig.Submission.ID, AmendRequest{Payload: personalPayload(), Reason: "Second"})
		secondDone <- result{res, err}
	}()

	select {
	case <-secondDone:
		t.Fatal("second amendment finished while the first was still transmitting")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	first := <-firstDone
	require.NoError(t, first.err)
	assert.Equal(t, OutcomeSubmitted, first.res.Outcome)

	second := <-secondDone
	be, ok := AsBusinessError(second.err)
	require.True(t, ok, "Amend() error = %v, want business error", second.err)
	assert.Equal(t, CodeAlreadyAmended, be.Code)
	assert.Equal(t, 1, f.auth.amends)
}

func TestRetrySubmission_AmendmentInFlight(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	orig := submitPersonal(t, f)

	f.auth.amend = func(string, string, *authority.AmendmentPayload) (*authority.SubmitResponse, error) {
		return nil, authority.ErrCircuitOpen
	}
	failed, err := f.svc.Amend(ctx, testUser, orig.Submission.ID, AmendRequest{Payload: personalPayload(), Reason: "Fix"})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, failed.Outcome)

	f.auth.amend = func(string, string, *authority.AmendmentPayload) (*authority.SubmitResponse, error) {
		return nil, &errhandler.HTTPError{Endpoint: "returns.amend", StatusCode: http.StatusGatewayTimeout}
	}
	f.auth.find = func(string) (*authority.ReturnRecord, error) { return nil, context.DeadlineExceeded }
	pending, err := f.svc.Amend(ctx, testUser, orig.Submission.ID, AmendRequest{Payload: personalPayload(), Reason: "Fix again"})
	require.NoError(t, err)
	require.Equal(t, OutcomeUnconfirmed, pending.Outcome)

	_, err = f.svc.RetrySubmission(ctx, testUser, failed.Submission.ID)
	be, ok := AsBusinessError(err)
	require.True(t, ok, "RetrySubmission() error = %v, want business error", err)
	assert.Equal(t, CodeAmendmentInProgress, be.Code)
	assert.Equal(t, 2, f.auth.amends)
}

func TestAmend_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	orig := submitPersonal(t, f)

	req := AmendRequest{ID: "amend-key-1", Payload: personalPayload(), Reason: "Corrected expenses"}
	first, err := f.svc.Amend(ctx, testUser, orig.Submission.ID, req)
	require.NoError(t, err)
	assert.Equal(t, "amend-key-1", first.Submission.ID)

	again, err := f.svc.Amend(ctx, testUser, orig.Submission.ID, req)
	require.NoError(t, err)
	assert.Equal(t, first.Submission.ID, again.Submission.ID)
	assert.Equal(t, OutcomeSubmitted, again.Outcome)
	assert.Equal(t, 1, f.auth.amends)
}
