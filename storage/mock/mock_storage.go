// Package mock provides mock implementations of the storage interfaces for
// testing. Every method dispatches to an overridable Func field; the
// defaults behave like a correct store.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/mtd-connect/storage"
	"github.com/giantswarm/mtd-connect/storage/memory"
)

// MockTokenStore is a mock implementation of TokenStore that keeps
// plaintext records in a map.
type MockTokenStore struct {
	mu      sync.RWMutex
	records map[string]*storage.TokenRecord
	calls   map[string]int

	GetTokenFunc            func(ctx context.Context, userID string) (*storage.TokenRecord, error)
	PutTokenFunc            func(ctx context.Context, rec *storage.TokenRecord) error
	DeleteTokenFunc         func(ctx context.Context, userID string) error
	CompareAndSwapTokenFunc func(ctx context.Context, prevExpiresAt time.Time, rec *storage.TokenRecord) (bool, error)
}

var _ storage.TokenStore = (*MockTokenStore)(nil)

// NewMockTokenStore creates a new mock token store
func NewMockTokenStore() *MockTokenStore {
	m := &MockTokenStore{
		records: make(map[string]*storage.TokenRecord),
		calls:   make(map[string]int),
	}

	m.GetTokenFunc = func(_ context.Context, userID string) (*storage.TokenRecord, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		rec, ok := m.records[userID]
		if !ok {
			return nil, storage.ErrTokenNotFound
		}
		cp := *rec
		return &cp, nil
	}

	m.PutTokenFunc = func(_ context.Context, rec *storage.TokenRecord) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		cp := *rec
		m.records[rec.UserID] = &cp
		return nil
	}

	m.DeleteTokenFunc = func(_ context.Context, userID string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.records, userID)
		return nil
	}

	m.CompareAndSwapTokenFunc = func(_ context.Context, prevExpiresAt time.Time, rec *storage.TokenRecord) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		current, ok := m.records[rec.UserID]
		if !ok || !current.ExpiresAt.Equal(prevExpiresAt) {
			return false, nil
		}
		cp := *rec
		m.records[rec.UserID] = &cp
		return true, nil
	}

	return m
}

func (m *MockTokenStore) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[name]++
}

// CallCount returns how often method was called.
func (m *MockTokenStore) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// Has reports whether a record exists for userID without counting a call.
func (m *MockTokenStore) Has(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[userID]
	return ok
}

func (m *MockTokenStore) GetToken(ctx context.Context, userID string) (*storage.TokenRecord, error) {
	m.record("GetToken")
	return m.GetTokenFunc(ctx, userID)
}

func (m *MockTokenStore) PutToken(ctx context.Context, rec *storage.TokenRecord) error {
	m.record("PutToken")
	return m.PutTokenFunc(ctx, rec)
}

func (m *MockTokenStore) DeleteToken(ctx context.Context, userID string) error {
	m.record("DeleteToken")
	return m.DeleteTokenFunc(ctx, userID)
}

func (m *MockTokenStore) CompareAndSwapToken(ctx context.Context, prevExpiresAt time.Time, rec *storage.TokenRecord) (bool, error) {
	m.record("CompareAndSwapToken")
	return m.CompareAndSwapTokenFunc(ctx, prevExpiresAt, rec)
}

// MockAuthStateStore is a mock AuthStateStore.
type MockAuthStateStore struct {
	mu     sync.Mutex
	states map[string]*storage.AuthState

	SaveAuthStateFunc    func(ctx context.Context, state *storage.AuthState) error
	ConsumeAuthStateFunc func(ctx context.Context, nonce string) (*storage.AuthState, error)
}

var _ storage.AuthStateStore = (*MockAuthStateStore)(nil)

// NewMockAuthStateStore creates a mock whose defaults consume each nonce once.
// Expiry is not enforced.
func NewMockAuthStateStore() *MockAuthStateStore {
	m := &MockAuthStateStore{states: make(map[string]*storage.AuthState)}

	m.SaveAuthStateFunc = func(_ context.Context, state *storage.AuthState) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		cp := *state
		m.states[state.Nonce] = &cp
		return nil
	}

	m.ConsumeAuthStateFunc = func(_ context.Context, nonce string) (*storage.AuthState, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		st, ok := m.states[nonce]
		if !ok {
			return nil, storage.ErrAuthStateNotFound
		}
		delete(m.states, nonce)
		return st, nil
	}

	return m
}

func (m *MockAuthStateStore) SaveAuthState(ctx context.Context, state *storage.AuthState) error {
	return m.SaveAuthStateFunc(ctx, state)
}

func (m *MockAuthStateStore) ConsumeAuthState(ctx context.Context, nonce string) (*storage.AuthState, error) {
	return m.ConsumeAuthStateFunc(ctx, nonce)
}

// MockSubmissionStore delegates to an in-memory store unless a Func field
// is overridden, which makes it easy to inject single failures.
type MockSubmissionStore struct {
	Backing *memory.Store

	CreateSubmissionFunc  func(ctx context.Context, sub *storage.Submission) (*storage.Submission, bool, error)
	GetSubmissionFunc     func(ctx context.Context, id string) (*storage.Submission, error)
	UpdateSubmissionFunc  func(ctx context.Context, sub *storage.Submission) error
	ListSubmissionsFunc   func(ctx context.Context, userID, taxYear string) ([]*storage.Submission, error)
	AppendStatusEventFunc func(ctx context.Context, ev *storage.StatusEvent) error
	ListStatusEventsFunc  func(ctx context.Context, submissionID string) ([]*storage.StatusEvent, error)
	SaveReceiptFunc       func(ctx context.Context, r *storage.Receipt) error
	ListReceiptsFunc      func(ctx context.Context, submissionID string) ([]*storage.Receipt, error)
}

var _ storage.SubmissionStore = (*MockSubmissionStore)(nil)

// NewMockSubmissionStore creates a mock backed by a fresh memory store.
// Call Stop when done.
func NewMockSubmissionStore() *MockSubmissionStore {
	return &MockSubmissionStore{Backing: memory.New()}
}

// Stop stops the backing store.
func (m *MockSubmissionStore) Stop() {
	m.Backing.Stop()
}

func (m *MockSubmissionStore) CreateSubmission(ctx context.Context, sub *storage.Submission) (*storage.Submission, bool, error) {
	if m.CreateSubmissionFunc != nil {
		return m.CreateSubmissionFunc(ctx, sub)
	}
	return m.Backing.CreateSubmission(ctx, sub)
}

func (m *MockSubmissionStore) GetSubmission(ctx context.Context, id string) (*storage.Submission, error) {
	if m.GetSubmissionFunc != nil {
		return m.GetSubmissionFunc(ctx, id)
	}
	return m.Backing.GetSubmission(ctx, id)
}

func (m *MockSubmissionStore) UpdateSubmission(ctx context.Context, sub *storage.Submission) error {
	if m.UpdateSubmissionFunc != nil {
		return m.UpdateSubmissionFunc(ctx, sub)
	}
	return m.Backing.UpdateSubmission(ctx, sub)
}

func (m *MockSubmissionStore) ListSubmissions(ctx context.Context, userID, taxYear string) ([]*storage.Submission, error) {
	if m.ListSubmissionsFunc != nil {
		return m.ListSubmissionsFunc(ctx, userID, taxYear)
	}
	return m.Backing.ListSubmissions(ctx, userID, taxYear)
}

func (m *MockSubmissionStore) AppendStatusEvent(ctx context.Context, ev *storage.StatusEvent) error {
	if m.AppendStatusEventFunc != nil {
		return m.AppendStatusEventFunc(ctx, ev)
	}
	return m.Backing.AppendStatusEvent(ctx, ev)
}

func (m *MockSubmissionStore) ListStatusEvents(ctx context.Context, submissionID string) ([]*storage.StatusEvent, error) {
	if m.ListStatusEventsFunc != nil {
		return m.ListStatusEventsFunc(ctx, submissionID)
	}
	return m.Backing.ListStatusEvents(ctx, submissionID)
}

func (m *MockSubmissionStore) SaveReceipt(ctx context.Context, r *storage.Receipt) error {
	if m.SaveReceiptFunc != nil {
		return m.SaveReceiptFunc(ctx, r)
	}
	return m.Backing.SaveReceipt(ctx, r)
}

func (m *MockSubmissionStore) ListReceipts(ctx context.Context, submissionID string) ([]*storage.Receipt, error) {
	if m.ListReceiptsFunc != nil {
		return m.ListReceiptsFunc(ctx, submissionID)
	}
	return m.Backing.ListReceipts(ctx, submissionID)
}
