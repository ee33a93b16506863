package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/mtd-connect/storage"
)

// SaveAuthState stores state under its nonce with a TTL matching ExpiresAt.
func (s *Store) SaveAuthState(ctx context.Context, state *storage.AuthState) (err error) {
	ctx, done := s.span(ctx, "save_auth_state")
	defer func() { done(err) }()

	if state == nil || state.Nonce == "" {
		return fmt.Errorf("auth state requires a nonce")
	}
	if err := validateStringLength(state.Nonce, MaxIDLength, "nonce"); err != nil {
		return err
	}

	ttl := state.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("auth state already expired")
	}
	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal auth state: %w", err)
	}

	cmd := s.client.B().Set().Key(s.authStateKey(state.Nonce)).Value(string(data)).ExSeconds(seconds).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return storage.Wrap("save_auth_state", err)
	}
	return nil
}

// ConsumeAuthState fetches and deletes the state for nonce with GETDEL.
func (s *Store) ConsumeAuthState(ctx context.Context, nonce string) (state *storage.AuthState, err error) {
	ctx, done := s.span(ctx, "consume_auth_state")
	defer func() { done(err) }()

	if err := validateStringLength(nonce, MaxIDLength, "nonce"); err != nil {
		return nil, storage.ErrAuthStateNotFound
	}

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.authStateKey(nonce)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrAuthStateNotFound
		}
		return nil, storage.Wrap("consume_auth_state", err)
	}

	var st storage.AuthState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, storage.Wrap("consume_auth_state", fmt.Errorf("failed to unmarshal auth state: %w", err))
	}

	// TTL granularity is one second
	if !st.ExpiresAt.IsZero() && !s.now().Before(st.ExpiresAt) {
		return nil, storage.ErrAuthStateNotFound
	}
	return &st, nil
}
