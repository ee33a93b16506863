package postgres

import (
	"context"
	"time"

	"github.com/giantswarm/mtd-connect/storage"
)

// GetToken returns the decrypted record for userID.
func (s *Store) GetToken(ctx context.Context, userID string) (rec *storage.TokenRecord, err error) {
	ctx, done := s.span(ctx, "get_token")
	defer func() { done(err) }()

	var sealed storage.SealedToken
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, access_token_enc, refresh_token_enc, expires_at, scope, updated_at
		   FROM tokens WHERE user_id = $1`, userID)
	if err := row.Scan(&sealed.UserID, &sealed.AccessTokenEnc, &sealed.RefreshTokenEnc,
		&sealed.ExpiresAt, &sealed.Scope, &sealed.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, storage.Wrap("get_token", err)
	}

	rec, err = storage.OpenToken(s.getEncryptor(), &sealed)
	if err != nil {
		return nil, storage.Wrap("get_token", err)
	}
	return rec, nil
}

// PutToken upserts the record keyed by user id.
func (s *Store) PutToken(ctx context.Context, rec *storage.TokenRecord) (err error) {
	ctx, done := s.span(ctx, "put_token")
	defer func() { done(err) }()

	sealed, err := storage.SealToken(s.getEncryptor(), rec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tokens (user_id, access_token_enc, refresh_token_enc, expires_at, scope, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
		     access_token_enc  = EXCLUDED.access_token_enc,
		     refresh_token_enc = EXCLUDED.refresh_token_enc,
		     expires_at        = EXCLUDED.expires_at,
		     scope             = EXCLUDED.scope,
		     updated_at        = EXCLUDED.updated_at`,
		sealed.UserID, sealed.AccessTokenEnc, sealed.RefreshTokenEnc,
		pgTime(sealed.ExpiresAt), scopeOrEmpty(sealed.Scope), pgTime(sealed.UpdatedAt))
	if err != nil {
		return storage.Wrap("put_token", err)
	}
	return nil
}

// DeleteToken removes the record for userID.
func (s *Store) DeleteToken(ctx context.Context, userID string) (err error) {
	ctx, done := s.span(ctx, "delete_token")
	defer func() { done(err) }()

	if _, err := s.pool.Exec(ctx, `DELETE FROM tokens WHERE user_id = $1`, userID); err != nil {
		return storage.Wrap("delete_token", err)
	}
	return nil
}

// CompareAndSwapToken updates the row only when expires_at still matches.
func (s *Store) CompareAndSwapToken(ctx context.Context, prevExpiresAt time.Time, rec *storage.TokenRecord) (swapped bool, err error) {
	ctx, done := s.span(ctx, "cas_token")
	defer func() { done(err) }()

	sealed, err := storage.SealToken(s.getEncryptor(), rec)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tokens SET
		     access_token_enc  = $2,
		     refresh_token_enc = $3,
		     expires_at        = $4,
		     scope             = $5,
		     updated_at        = $6
		 WHERE user_id = $1 AND expires_at = $7`,
		sealed.UserID, sealed.AccessTokenEnc, sealed.RefreshTokenEnc,
		pgTime(sealed.ExpiresAt), scopeOrEmpty(sealed.Scope), pgTime(sealed.UpdatedAt),
		pgTime(prevExpiresAt))
	if err != nil {
		return false, storage.Wrap("cas_token", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scopeOrEmpty(scope []string) []string {
	if scope == nil {
		return []string{}
	}
	return scope
}
