package postgres

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mtd-connect/internal/testutil"
	"github.com/giantswarm/mtd-connect/storage"
)

// testStore connects to POSTGRES_TEST_DSN, applies the schema and truncates
// all tables. Tests are skipped when the variable is unset.
func testStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping test: POSTGRES_TEST_DSN not set")
	}

	ctx := context.Background()
	s, err := New(ctx, Config{URL: dsn, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Skipf("Skipping test: could not connect to PostgreSQL: %v", err)
	}
	require.NoError(t, s.Migrate(ctx))
	_, err = s.pool.Exec(ctx, `TRUNCATE tokens, oauth_states, submission_receipts, submission_status_events, submissions`)
	require.NoError(t, err)

	s.SetEncryptor(testutil.NewTestEncryptor(t))
	t.Cleanup(s.Close)
	return s
}

func TestNew_MissingURL(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestPgTime(t *testing.T) {
	in := time.Date(2024, 1, 31, 12, 0, 0, 123456789, time.FixedZone("X", 3600))
	out := pgTime(in)
	assert.Equal(t, time.UTC, out.Location())
	assert.Equal(t, 123456000, out.Nanosecond())
	assert.True(t, out.Equal(in.Truncate(time.Microsecond)))
}

func TestIsForeignKeyViolation(t *testing.T) {
	assert.True(t, isForeignKeyViolation(&pgconn.PgError{Code: pgForeignKeyViolation}))
	assert.False(t, isForeignKeyViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isForeignKeyViolation(context.Canceled))
}

func TestJSONArg(t *testing.T) {
	assert.Nil(t, jsonArg(nil))
	assert.Equal(t, `{"a":1}`, jsonArg(json.RawMessage(`{"a":1}`)))
}

func TestStore_Tokens(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testutil.GenerateTestTokenRecord("user-1", time.Now().Add(time.Hour))
	require.NoError(t, s.PutToken(ctx, rec))
	require.NoError(t, s.PutToken(ctx, rec))

	got, err := s.GetToken(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, rec.AccessToken, got.AccessToken)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSwapToken(ctx, got.ExpiresAt,
				testutil.GenerateTestTokenRecord("user-1", time.Now().Add(2*time.Hour)))
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	require.NoError(t, s.DeleteToken(ctx, "user-1"))
	_, err = s.GetToken(ctx, "user-1")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestStore_AuthState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAuthState(ctx, &storage.AuthState{
		Nonce: "n1", UserID: "u", CodeVerifier: "v", ExpiresAt: time.Now().Add(time.Minute),
	}))
	got, err := s.ConsumeAuthState(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "v", got.CodeVerifier)

	_, err = s.ConsumeAuthState(ctx, "n1")
	assert.ErrorIs(t, err, storage.ErrAuthStateNotFound)

	require.NoError(t, s.SaveAuthState(ctx, &storage.AuthState{Nonce: "old", UserID: "u", ExpiresAt: time.Now().Add(-time.Minute)}))
	n, err := s.DeleteExpiredAuthStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_Submissions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sub := testutil.GenerateTestSubmission("u", "2023-24")
	stored, created, err := s.CreateSubmission(ctx, sub)
	require.NoError(t, err)
	assert.True(t, created)
	assert.JSONEq(t, string(sub.CalculationData), string(stored.CalculationData))

	_, created, err = s.CreateSubmission(ctx, sub)
	require.NoError(t, err)
	assert.False(t, created)

	now := time.Now()
	stored.Status = storage.StatusSubmitted
	stored.HMRCReference = "REF-1"
	stored.SubmittedAt = &now
	require.NoError(t, s.UpdateSubmission(ctx, stored))

	got, err := s.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSubmitted, got.Status)
	require.NotNil(t, got.SubmittedAt)

	list, err := s.ListSubmissions(ctx, "u", "2023-24")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.AppendStatusEvent(ctx, &storage.StatusEvent{SubmissionID: sub.ID, Stage: storage.StageValidation, Status: storage.StatusValidating}))
	require.NoError(t, s.AppendStatusEvent(ctx, &storage.StatusEvent{SubmissionID: sub.ID, Stage: storage.StageTransmission, Status: storage.StatusSubmitted,
		Metadata: map[string]any{"reference": "REF-1"}}))
	events, err := s.ListStatusEvents(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Less(t, events[0].Sequence, events[1].Sequence)
	assert.Equal(t, "REF-1", events[1].Metadata["reference"])

	err = s.AppendStatusEvent(ctx, &storage.StatusEvent{SubmissionID: "missing", Stage: storage.StageValidation, Status: storage.StatusPending})
	assert.ErrorIs(t, err, storage.ErrSubmissionNotFound)

	receipt := &storage.Receipt{SubmissionID: sub.ID, Reference: "REF-1", Type: storage.ReceiptAcknowledgment, Payload: json.RawMessage(`{"x":1}`)}
	require.NoError(t, s.SaveReceipt(ctx, receipt))
	assert.ErrorIs(t, s.SaveReceipt(ctx, receipt), storage.ErrReceiptExists)
}
