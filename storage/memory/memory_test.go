package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mtd-connect/internal/testutil"
	"github.com/giantswarm/mtd-connect/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	s.SetEncryptor(testutil.NewTestEncryptor(t))
	return s
}

func TestStore_PutGetToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := testutil.GenerateTestTokenRecord("user-1", time.Now().Add(time.Hour))

	require.NoError(t, s.PutToken(ctx, rec))

	got, err := s.GetToken(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, rec.AccessToken, got.AccessToken)
	assert.Equal(t, rec.RefreshToken, got.RefreshToken)
	assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, rec.Scope, got.Scope)
}

func TestStore_TokensSealedAtRest(t *testing.T) {
	s := newTestStore(t)
	rec := testutil.GenerateTestTokenRecord("user-1", time.Now().Add(time.Hour))
	require.NoError(t, s.PutToken(context.Background(), rec))

	s.mu.RLock()
	sealed := s.tokens["user-1"]
	s.mu.RUnlock()

	raw, _ := json.Marshal(sealed)
	assert.False(t, strings.Contains(string(raw), rec.AccessToken), "access token stored in plaintext")
	assert.False(t, strings.Contains(string(raw), rec.RefreshToken), "refresh token stored in plaintext")
}

func TestStore_PutToken_RequiresEncryptor(t *testing.T) {
	s := New()
	defer s.Stop()

	err := s.PutToken(context.Background(), testutil.GenerateTestTokenRecord("u", time.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, storage.ErrEncryptionRequired)
}

func TestStore_UpsertKeepsOneRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutToken(ctx, testutil.GenerateTestTokenRecord("u", time.Now().Add(time.Hour))))
	second := testutil.GenerateTestTokenRecord("u", time.Now().Add(2*time.Hour))
	require.NoError(t, s.PutToken(ctx, second))

	assert.Len(t, s.tokens, 1)
	got, err := s.GetToken(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, second.AccessToken, got.AccessToken)
}

func TestStore_DeleteToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutToken(ctx, testutil.GenerateTestTokenRecord("u", time.Now().Add(time.Hour))))
	require.NoError(t, s.DeleteToken(ctx, "u"))
	require.NoError(t, s.DeleteToken(ctx, "u"))

	_, err := s.GetToken(ctx, "u")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestStore_CompareAndSwapToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	original := testutil.GenerateTestTokenRecord("u", time.Now().Add(2*time.Minute))
	require.NoError(t, s.PutToken(ctx, original))

	refreshed := testutil.GenerateTestTokenRecord("u", time.Now().Add(time.Hour))

	swapped, err := s.CompareAndSwapToken(ctx, original.ExpiresAt.Add(time.Second), refreshed)
	require.NoError(t, err)
	assert.False(t, swapped, "swap with stale expiry must fail")

	swapped, err = s.CompareAndSwapToken(ctx, original.ExpiresAt, refreshed)
	require.NoError(t, err)
	assert.True(t, swapped)

	// second racer still holds the old expiry
	swapped, err = s.CompareAndSwapToken(ctx, original.ExpiresAt, testutil.GenerateTestTokenRecord("u", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, swapped)

	got, _ := s.GetToken(ctx, "u")
	assert.Equal(t, refreshed.AccessToken, got.AccessToken)

	swapped, err = s.CompareAndSwapToken(ctx, time.Now(), testutil.GenerateTestTokenRecord("missing", time.Now()))
	require.NoError(t, err)
	assert.False(t, swapped)
}

func TestStore_AuthStateSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := &storage.AuthState{Nonce: "n1", UserID: "u", CodeVerifier: "v", ExpiresAt: time.Now().Add(10 * time.Minute)}
	require.NoError(t, s.SaveAuthState(ctx, st))

	got, err := s.ConsumeAuthState(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "u", got.UserID)
	assert.Equal(t, "v", got.CodeVerifier)

	_, err = s.ConsumeAuthState(ctx, "n1")
	assert.ErrorIs(t, err, storage.ErrAuthStateNotFound)
}

func TestStore_AuthStateExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.SetClock(clock.Now)

	require.NoError(t, s.SaveAuthState(ctx, &storage.AuthState{Nonce: "n", UserID: "u", ExpiresAt: clock.Now().Add(10 * time.Minute)}))
	require.NoError(t, s.SaveAuthState(ctx, &storage.AuthState{Nonce: "m", UserID: "u", ExpiresAt: clock.Now().Add(10 * time.Minute)}))
	clock.Advance(11 * time.Minute)

	_, err := s.ConsumeAuthState(ctx, "n")
	assert.ErrorIs(t, err, storage.ErrAuthStateNotFound)

	s.cleanup()
	assert.Empty(t, s.authStates)
}

func TestStore_AuthStateConcurrentConsume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveAuthState(ctx, &storage.AuthState{Nonce: "race", UserID: "u", ExpiresAt: time.Now().Add(time.Minute)}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthState(ctx, "race"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStore_CreateSubmissionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := testutil.GenerateTestSubmission("user-1", "2023-24")

	stored, created, err := s.CreateSubmission(ctx, sub)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, stored.CreatedAt.IsZero())

	dup := sub.Clone()
	dup.TaxYear = "2099-00"
	again, created, err := s.CreateSubmission(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "2023-24", again.TaxYear, "existing record must be returned unchanged")
}

func TestStore_UpdateAndListSubmissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := testutil.NewMockTime(time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC))
	s.SetClock(clock.Now)

	a := testutil.GenerateTestSubmission("u", "2023-24")
	_, _, err := s.CreateSubmission(ctx, a)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	b := testutil.GenerateTestSubmission("u", "2022-23")
	_, _, _ = s.CreateSubmission(ctx, b)
	clock.Advance(time.Minute)
	_, _, _ = s.CreateSubmission(ctx, testutil.GenerateTestSubmission("other", "2023-24"))

	all, err := s.ListSubmissions(ctx, "u", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)

	year, err := s.ListSubmissions(ctx, "u", "2023-24")
	require.NoError(t, err)
	require.Len(t, year, 1)

	a.Status = storage.StatusSubmitted
	a.HMRCReference = "REF-1"
	require.NoError(t, s.UpdateSubmission(ctx, a))
	got, err := s.GetSubmission(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSubmitted, got.Status)
	assert.Equal(t, "REF-1", got.HMRCReference)

	got.Status = storage.StatusFailed
	again, _ := s.GetSubmission(ctx, a.ID)
	assert.Equal(t, storage.StatusSubmitted, again.Status, "callers must not alias stored records")

	err = s.UpdateSubmission(ctx, testutil.GenerateTestSubmission("u", "2023-24"))
	assert.ErrorIs(t, err, storage.ErrSubmissionNotFound)
}

func TestStore_StatusEventsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := testutil.GenerateTestSubmission("u", "2023-24")
	_, _, _ = s.CreateSubmission(ctx, sub)

	statuses := []storage.Status{storage.StatusPending, storage.StatusValidating, storage.StatusSubmitting, storage.StatusSubmitted}
	for _, st := range statuses {
		require.NoError(t, s.AppendStatusEvent(ctx, &storage.StatusEvent{SubmissionID: sub.ID, Status: st, Stage: storage.StageValidation}))
	}

	events, err := s.ListStatusEvents(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, statuses[i], ev.Status)
		if i > 0 {
			assert.Greater(t, ev.Sequence, events[i-1].Sequence)
		}
	}

	err = s.AppendStatusEvent(ctx, &storage.StatusEvent{SubmissionID: "nope"})
	assert.ErrorIs(t, err, storage.ErrSubmissionNotFound)
}

func TestStore_ReceiptsImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := testutil.GenerateTestSubmission("u", "2023-24")
	_, _, _ = s.CreateSubmission(ctx, sub)

	r := &storage.Receipt{SubmissionID: sub.ID, Reference: "REF", Type: storage.ReceiptAcknowledgment, Payload: json.RawMessage(`{"ok":true}`)}
	require.NoError(t, s.SaveReceipt(ctx, r))
	err := s.SaveReceipt(ctx, r)
	assert.True(t, errors.Is(err, storage.ErrReceiptExists))

	receipts, err := s.ListReceipts(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.JSONEq(t, `{"ok":true}`, string(receipts[0].Payload))
}
