package postgres

import (
	"context"
	"fmt"

	"github.com/giantswarm/mtd-connect/storage"
)

// SaveAuthState inserts state keyed by its nonce.
func (s *Store) SaveAuthState(ctx context.Context, state *storage.AuthState) (err error) {
	ctx, done := s.span(ctx, "save_auth_state")
	defer func() { done(err) }()

	if state == nil || state.Nonce == "" {
		return fmt.Errorf("auth state requires a nonce")
	}
	created := state.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO oauth_states (nonce, user_id, code_verifier, redirect_uri, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		state.Nonce, state.UserID, state.CodeVerifier, state.RedirectURI,
		pgTime(created), pgTime(state.ExpiresAt))
	if err != nil {
		return storage.Wrap("save_auth_state", err)
	}
	return nil
}

// ConsumeAuthState deletes and returns the state in one statement.
func (s *Store) ConsumeAuthState(ctx context.Context, nonce string) (state *storage.AuthState, err error) {
	ctx, done := s.span(ctx, "consume_auth_state")
	defer func() { done(err) }()

	var st storage.AuthState
	row := s.pool.QueryRow(ctx,
		`DELETE FROM oauth_states WHERE nonce = $1
		 RETURNING nonce, user_id, code_verifier, redirect_uri, created_at, expires_at`, nonce)
	if err := row.Scan(&st.Nonce, &st.UserID, &st.CodeVerifier, &st.RedirectURI, &st.CreatedAt, &st.ExpiresAt); err != nil {
		if isNoRows(err) {
			return nil, storage.ErrAuthStateNotFound
		}
		return nil, storage.Wrap("consume_auth_state", err)
	}

	if !s.now().Before(st.ExpiresAt) {
		return nil, storage.ErrAuthStateNotFound
	}
	return &st, nil
}
