package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/security"
	"github.com/giantswarm/mtd-connect/storage"
)

const backendName = "memory"

// Store keeps sealed tokens, authorization states and submissions in maps
// guarded by one RWMutex.
type Store struct {
	mu sync.RWMutex

	tokens      map[string]*storage.SealedToken
	authStates  map[string]*storage.AuthState
	submissions map[string]*storage.Submission
	events      map[string][]*storage.StatusEvent
	receipts    map[string][]*storage.Receipt
	eventSeq    int64

	encryptor       *security.Encryptor
	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
	now             func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

var (
	_ storage.TokenStore      = (*Store)(nil)
	_ storage.AuthStateStore  = (*Store)(nil)
	_ storage.SubmissionStore = (*Store)(nil)
)

// New creates a store that sweeps expired authorization states every minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store with a custom sweep interval.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &Store{
		tokens:          make(map[string]*storage.SealedToken),
		authStates:      make(map[string]*storage.AuthState),
		submissions:     make(map[string]*storage.Submission),
		events:          make(map[string][]*storage.StatusEvent),
		receipts:        make(map[string][]*storage.Receipt),
		logger:          slog.Default(),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// SetEncryptor sets the token encryptor. Token writes fail until one is set.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
}

// SetLogger sets the logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation enables spans and metrics for store operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Stop halts the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) span(ctx context.Context, op string) (context.Context, func(error)) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()
	return instrumentation.StorageSpan(ctx, inst, backendName, op)
}

// ---- TokenStore ----

// GetToken returns the decrypted record for userID.
func (s *Store) GetToken(ctx context.Context, userID string) (rec *storage.TokenRecord, err error) {
	_, done := s.span(ctx, "get_token")
	defer func() { done(err) }()

	s.mu.RLock()
	sealed, ok := s.tokens[userID]
	enc := s.encryptor
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	rec, err = storage.OpenToken(enc, sealed)
	if err != nil {
		return nil, storage.Wrap("get_token", err)
	}
	return rec, nil
}

// PutToken seals and upserts rec.
func (s *Store) PutToken(ctx context.Context, rec *storage.TokenRecord) (err error) {
	_, done := s.span(ctx, "put_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := storage.SealToken(s.encryptor, rec)
	if err != nil {
		return err
	}
	s.tokens[rec.UserID] = sealed
	return nil
}

// DeleteToken removes the record for userID.
func (s *Store) DeleteToken(ctx context.Context, userID string) (err error) {
	_, done := s.span(ctx, "delete_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, userID)
	return nil
}

// CompareAndSwapToken replaces the record only if its expiry is unchanged.
func (s *Store) CompareAndSwapToken(ctx context.Context, prevExpiresAt time.Time, rec *storage.TokenRecord) (swapped bool, err error) {
	_, done := s.span(ctx, "cas_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tokens[rec.UserID]
	if !ok || !current.ExpiresAt.Equal(prevExpiresAt) {
		return false, nil
	}

	sealed, err := storage.SealToken(s.encryptor, rec)
	if err != nil {
		return false, err
	}
	s.tokens[rec.UserID] = sealed
	return true, nil
}

// ---- AuthStateStore ----

// SaveAuthState stores state keyed by its nonce.
func (s *Store) SaveAuthState(ctx context.Context, state *storage.AuthState) (err error) {
	_, done := s.span(ctx, "save_auth_state")
	defer func() { done(err) }()

	if state == nil || state.Nonce == "" {
		return fmt.Errorf("auth state requires a nonce")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.authStates[state.Nonce] = &cp
	return nil
}

// ConsumeAuthState returns and removes the state for nonce.
func (s *Store) ConsumeAuthState(ctx context.Context, nonce string) (state *storage.AuthState, err error) {
	_, done := s.span(ctx, "consume_auth_state")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.authStates[nonce]
	if !ok {
		return nil, storage.ErrAuthStateNotFound
	}
	delete(s.authStates, nonce)

	if !st.ExpiresAt.IsZero() && !s.now().Before(st.ExpiresAt) {
		return nil, storage.ErrAuthStateNotFound
	}
	return st, nil
}

// ---- SubmissionStore ----

// CreateSubmission inserts sub unless its ID is already stored.
func (s *Store) CreateSubmission(ctx context.Context, sub *storage.Submission) (stored *storage.Submission, created bool, err error) {
	_, done := s.span(ctx, "create_submission")
	defer func() { done(err) }()

	if sub == nil || sub.ID == "" {
		return nil, false, fmt.Errorf("submission requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.submissions[sub.ID]; ok {
		return existing.Clone(), false, nil
	}

	cp := sub.Clone()
	now := s.now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.submissions[cp.ID] = cp
	return cp.Clone(), true, nil
}

// GetSubmission returns a copy of the submission.
func (s *Store) GetSubmission(ctx context.Context, id string) (sub *storage.Submission, err error) {
	_, done := s.span(ctx, "get_submission")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.submissions[id]
	if !ok {
		return nil, storage.ErrSubmissionNotFound
	}
	return stored.Clone(), nil
}

// UpdateSubmission replaces a stored submission.
func (s *Store) UpdateSubmission(ctx context.Context, sub *storage.Submission) (err error) {
	_, done := s.span(ctx, "update_submission")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.submissions[sub.ID]
	if !ok {
		return storage.ErrSubmissionNotFound
	}
	cp := sub.Clone()
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = s.now().UTC()
	s.submissions[cp.ID] = cp
	return nil
}

// ListSubmissions returns the user's submissions, oldest first.
func (s *Store) ListSubmissions(ctx context.Context, userID, taxYear string) (out []*storage.Submission, err error) {
	_, done := s.span(ctx, "list_submissions")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out = []*storage.Submission{}
	for _, sub := range s.submissions {
		if sub.UserID != userID {
			continue
		}
		if taxYear != "" && sub.TaxYear != taxYear {
			continue
		}
		out = append(out, sub.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendStatusEvent appends ev with the next global sequence number.
func (s *Store) AppendStatusEvent(ctx context.Context, ev *storage.StatusEvent) (err error) {
	_, done := s.span(ctx, "append_status_event")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.submissions[ev.SubmissionID]; !ok {
		return storage.ErrSubmissionNotFound
	}

	s.eventSeq++
	cp := *ev
	cp.Sequence = s.eventSeq
	if cp.Timestamp.IsZero() {
		cp.Timestamp = s.now().UTC()
	}
	s.events[ev.SubmissionID] = append(s.events[ev.SubmissionID], &cp)
	ev.Sequence = cp.Sequence
	ev.Timestamp = cp.Timestamp
	return nil
}

// ListStatusEvents returns events in append order.
func (s *Store) ListStatusEvents(ctx context.Context, submissionID string) (out []*storage.StatusEvent, err error) {
	_, done := s.span(ctx, "list_status_events")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out = make([]*storage.StatusEvent, 0, len(s.events[submissionID]))
	for _, ev := range s.events[submissionID] {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

// SaveReceipt stores r once.
func (s *Store) SaveReceipt(ctx context.Context, r *storage.Receipt) (err error) {
	_, done := s.span(ctx, "save_receipt")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.submissions[r.SubmissionID]; !ok {
		return storage.ErrSubmissionNotFound
	}
	for _, existing := range s.receipts[r.SubmissionID] {
		if existing.Reference == r.Reference && existing.Type == r.Type {
			return storage.ErrReceiptExists
		}
	}

	cp := *r
	cp.Payload = append([]byte(nil), r.Payload...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.receipts[r.SubmissionID] = append(s.receipts[r.SubmissionID], &cp)
	return nil
}

// ListReceipts returns receipts oldest first.
func (s *Store) ListReceipts(ctx context.Context, submissionID string) (out []*storage.Receipt, err error) {
	_, done := s.span(ctx, "list_receipts")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out = make([]*storage.Receipt, 0, len(s.receipts[submissionID]))
	for _, r := range s.receipts[submissionID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// ---- cleanup ----

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for nonce, st := range s.authStates {
		if !st.ExpiresAt.IsZero() && !now.Before(st.ExpiresAt) {
			delete(s.authStates, nonce)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("Removed expired authorization states", "count", removed)
	}
}
