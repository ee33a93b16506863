package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/security"
	"github.com/giantswarm/mtd-connect/storage"
)

const backendName = "bolt"

var (
	bucketTokens      = []byte("tokens")
	bucketAuthStates  = []byte("auth_states")
	bucketSubmissions = []byte("submissions")
	bucketEvents      = []byte("events")
	bucketReceipts    = []byte("receipts")
)

// Store wraps a BoltDB database.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
	inst   *instrumentation.Instrumentation
	now    func() time.Time

	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

var (
	_ storage.TokenStore      = (*Store)(nil)
	_ storage.AuthStateStore  = (*Store)(nil)
	_ storage.SubmissionStore = (*Store)(nil)
)

// Options configures optional collaborators.
type Options struct {
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Open opens (or creates) the database at path and ensures the buckets exist.
func Open(path string, opts Options) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTokens, bucketAuthStates, bucketSubmissions, bucketEvents, bucketReceipts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Opened bolt storage", "path", path)

	return &Store{
		db:     db,
		logger: logger,
		inst:   opts.Instrumentation,
		now:    time.Now,
	}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetEncryptor sets the token encryptor.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

func (s *Store) span(ctx context.Context, op string) (context.Context, func(error)) {
	return instrumentation.StorageSpan(ctx, s.inst, backendName, op)
}

// ---- TokenStore ----

// GetToken returns the decrypted record for userID.
func (s *Store) GetToken(ctx context.Context, userID string) (rec *storage.TokenRecord, err error) {
	_, done := s.span(ctx, "get_token")
	defer func() { done(err) }()

	var sealed storage.SealedToken
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTokens).Get([]byte(userID))
		if v == nil {
			return storage.ErrTokenNotFound
		}
		return json.Unmarshal(v, &sealed)
	})
	if err != nil {
		if err == storage.ErrTokenNotFound {
			return nil, err
		}
		return nil, storage.Wrap("get_token", err)
	}

	rec, err = storage.OpenToken(s.getEncryptor(), &sealed)
	if err != nil {
		return nil, storage.Wrap("get_token", err)
	}
	return rec, nil
}

// PutToken seals and upserts rec.
func (s *Store) PutToken(ctx context.Context, rec *storage.TokenRecord) (err error) {
	_, done := s.span(ctx, "put_token")
	defer func() { done(err) }()

	data, err := s.sealToken(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Put([]byte(rec.UserID), data)
	})
}

// DeleteToken removes the record for userID.
func (s *Store) DeleteToken(ctx context.Context, userID string) (err error) {
	_, done := s.span(ctx, "delete_token")
	defer func() { done(err) }()

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(userID))
	})
}

// CompareAndSwapToken writes rec when the stored expiry equals prevExpiresAt.
func (s *Store) CompareAndSwapToken(ctx context.Context, prevExpiresAt time.Time, rec *storage.TokenRecord) (swapped bool, err error) {
	_, done := s.span(ctx, "cas_token")
	defer func() { done(err) }()

	data, err := s.sealToken(rec)
	if err != nil {
		return false, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		v := b.Get([]byte(rec.UserID))
		if v == nil {
			return nil
		}
		var current storage.SealedToken
		if err := json.Unmarshal(v, &current); err != nil {
			return err
		}
		if !current.ExpiresAt.Equal(prevExpiresAt) {
			return nil
		}
		swapped = true
		return b.Put([]byte(rec.UserID), data)
	})
	if err != nil {
		return false, storage.Wrap("cas_token", err)
	}
	return swapped, nil
}

func (s *Store) sealToken(rec *storage.TokenRecord) ([]byte, error) {
	sealed, err := storage.SealToken(s.getEncryptor(), rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sealed)
}

// ---- AuthStateStore ----

// SaveAuthState stores state keyed by its nonce.
func (s *Store) SaveAuthState(ctx context.Context, state *storage.AuthState) (err error) {
	_, done := s.span(ctx, "save_auth_state")
	defer func() { done(err) }()

	if state == nil || state.Nonce == "" {
		return fmt.Errorf("auth state requires a nonce")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAuthStates).Put([]byte(state.Nonce), data)
	})
}

// ConsumeAuthState reads and deletes the state in one transaction.
func (s *Store) ConsumeAuthState(ctx context.Context, nonce string) (state *storage.AuthState, err error) {
	_, done := s.span(ctx, "consume_auth_state")
	defer func() { done(err) }()

	var st storage.AuthState
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuthStates)
		v := b.Get([]byte(nonce))
		if v == nil {
			return storage.ErrAuthStateNotFound
		}
		if err := json.Unmarshal(v, &st); err != nil {
			return err
		}
		return b.Delete([]byte(nonce))
	})
	if err != nil {
		return nil, err
	}
	if !st.ExpiresAt.IsZero() && !s.now().Before(st.ExpiresAt) {
		return nil, storage.ErrAuthStateNotFound
	}
	return &st, nil
}

// DeleteExpiredAuthStates removes states past their expiry.
func (s *Store) DeleteExpiredAuthStates() (int, error) {
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuthStates)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var st storage.AuthState
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			if !st.ExpiresAt.IsZero() && !now.Before(st.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

// ---- SubmissionStore ----

// CreateSubmission persists sub only if its ID is not already stored.
func (s *Store) CreateSubmission(ctx context.Context, sub *storage.Submission) (stored *storage.Submission, created bool, err error) {
	_, done := s.span(ctx, "create_submission")
	defer func() { done(err) }()

	if sub == nil || sub.ID == "" {
		return nil, false, fmt.Errorf("submission requires an id")
	}

	var result storage.Submission
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubmissions)
		if existing := b.Get([]byte(sub.ID)); existing != nil {
			return json.Unmarshal(existing, &result)
		}

		cp := sub.Clone()
		now := s.now().UTC()
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now

		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		result = *cp
		created = true
		return b.Put([]byte(cp.ID), data)
	})
	if err != nil {
		return nil, false, storage.Wrap("create_submission", err)
	}
	return &result, created, nil
}

// GetSubmission loads one submission.
func (s *Store) GetSubmission(ctx context.Context, id string) (sub *storage.Submission, err error) {
	_, done := s.span(ctx, "get_submission")
	defer func() { done(err) }()

	var result storage.Submission
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSubmissions).Get([]byte(id))
		if v == nil {
			return storage.ErrSubmissionNotFound
		}
		return json.Unmarshal(v, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateSubmission replaces a stored submission, keeping CreatedAt.
func (s *Store) UpdateSubmission(ctx context.Context, sub *storage.Submission) (err error) {
	_, done := s.span(ctx, "update_submission")
	defer func() { done(err) }()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubmissions)
		v := b.Get([]byte(sub.ID))
		if v == nil {
			return storage.ErrSubmissionNotFound
		}
		var existing storage.Submission
		if err := json.Unmarshal(v, &existing); err != nil {
			return err
		}

		cp := sub.Clone()
		cp.CreatedAt = existing.CreatedAt
		cp.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return b.Put([]byte(cp.ID), data)
	})
}

// ListSubmissions scans all submissions for the user, oldest first.
func (s *Store) ListSubmissions(ctx context.Context, userID, taxYear string) (out []*storage.Submission, err error) {
	_, done := s.span(ctx, "list_submissions")
	defer func() { done(err) }()

	out = []*storage.Submission{}
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubmissions).ForEach(func(_, v []byte) error {
			var sub storage.Submission
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			if sub.UserID != userID || (taxYear != "" && sub.TaxYear != taxYear) {
				return nil
			}
			out = append(out, &sub)
			return nil
		})
	})
	if err != nil {
		return nil, storage.Wrap("list_submissions", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendStatusEvent stores ev under the submission's event bucket using the
// bucket sequence, so keys sort in append order.
func (s *Store) AppendStatusEvent(ctx context.Context, ev *storage.StatusEvent) (err error) {
	_, done := s.span(ctx, "append_status_event")
	defer func() { done(err) }()

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSubmissions).Get([]byte(ev.SubmissionID)) == nil {
			return storage.ErrSubmissionNotFound
		}
		b, err := tx.Bucket(bucketEvents).CreateBucketIfNotExists([]byte(ev.SubmissionID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		cp := *ev
		cp.Sequence = int64(seq)
		if cp.Timestamp.IsZero() {
			cp.Timestamp = s.now().UTC()
		}
		data, err := json.Marshal(&cp)
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}
		ev.Sequence = cp.Sequence
		ev.Timestamp = cp.Timestamp
		return nil
	})
}

// ListStatusEvents returns events in append order.
func (s *Store) ListStatusEvents(ctx context.Context, submissionID string) (out []*storage.StatusEvent, err error) {
	_, done := s.span(ctx, "list_status_events")
	defer func() { done(err) }()

	out = []*storage.StatusEvent{}
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents).Bucket([]byte(submissionID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var ev storage.StatusEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, &ev)
			return nil
		})
	})
	if err != nil {
		return nil, storage.Wrap("list_status_events", err)
	}
	return out, nil
}

// SaveReceipt stores r once per (type, reference).
func (s *Store) SaveReceipt(ctx context.Context, r *storage.Receipt) (err error) {
	_, done := s.span(ctx, "save_receipt")
	defer func() { done(err) }()

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSubmissions).Get([]byte(r.SubmissionID)) == nil {
			return storage.ErrSubmissionNotFound
		}
		b, err := tx.Bucket(bucketReceipts).CreateBucketIfNotExists([]byte(r.SubmissionID))
		if err != nil {
			return err
		}
		key := []byte(r.Type + "\x00" + r.Reference)
		if b.Get(key) != nil {
			return storage.ErrReceiptExists
		}

		cp := *r
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = s.now().UTC()
		}
		data, err := json.Marshal(&cp)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// ListReceipts returns receipts oldest first.
func (s *Store) ListReceipts(ctx context.Context, submissionID string) (out []*storage.Receipt, err error) {
	_, done := s.span(ctx, "list_receipts")
	defer func() { done(err) }()

	out = []*storage.Receipt{}
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReceipts).Bucket([]byte(submissionID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var r storage.Receipt
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	if err != nil {
		return nil, storage.Wrap("list_receipts", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
