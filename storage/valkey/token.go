package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/mtd-connect/internal/util"
	"github.com/giantswarm/mtd-connect/storage"
)

// GetToken returns the decrypted credential record for userID.
func (s *Store) GetToken(ctx context.Context, userID string) (rec *storage.TokenRecord, err error) {
	ctx, done := s.span(ctx, "get_token")
	defer func() { done(err) }()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(userID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, storage.Wrap("get_token", err)
	}
	if len(data) > MaxRecordSize {
		return nil, storage.Wrap("get_token", errInputTooLarge)
	}

	var sealed storage.SealedToken
	if err := json.Unmarshal([]byte(data), &sealed); err != nil {
		return nil, storage.Wrap("get_token", fmt.Errorf("failed to unmarshal token: %w", err))
	}

	rec, err = storage.OpenToken(s.getEncryptor(), &sealed)
	if err != nil {
		return nil, storage.Wrap("get_token", err)
	}
	return rec, nil
}

// PutToken encrypts and upserts rec.
func (s *Store) PutToken(ctx context.Context, rec *storage.TokenRecord) (err error) {
	ctx, done := s.span(ctx, "put_token")
	defer func() { done(err) }()

	data, err := s.seal(rec)
	if err != nil {
		return err
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.tokenKey(rec.UserID)).Value(data).Build()).Error(); err != nil {
		return storage.Wrap("put_token", err)
	}

	s.logger.Debug("Saved token", "user_id_hash", util.HashForLogging(rec.UserID))
	return nil
}

// DeleteToken removes the record for userID.
func (s *Store) DeleteToken(ctx context.Context, userID string) (err error) {
	ctx, done := s.span(ctx, "delete_token")
	defer func() { done(err) }()

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.tokenKey(userID)).Build()).Error(); err != nil {
		return storage.Wrap("delete_token", err)
	}
	return nil
}

// CompareAndSwapToken writes rec if the stored expiry equals prevExpiresAt.
func (s *Store) CompareAndSwapToken(ctx context.Context, prevExpiresAt time.Time, rec *storage.TokenRecord) (swapped bool, err error) {
	ctx, done := s.span(ctx, "cas_token")
	defer func() { done(err) }()

	data, err := s.seal(rec)
	if err != nil {
		return false, err
	}

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaCompareAndSwapToken).
			Numkeys(1).
			Key(s.tokenKey(rec.UserID)).
			Arg(prevExpiresAt.UTC().Format(time.RFC3339Nano)).
			Arg(data).
			Build(),
	).AsInt64()
	if err != nil {
		return false, storage.Wrap("cas_token", err)
	}
	return n == 1, nil
}

func (s *Store) seal(rec *storage.TokenRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("token record cannot be nil")
	}
	if err := validateStringLength(rec.UserID, MaxIDLength, "userID"); err != nil {
		return "", err
	}

	sealed, err := storage.SealToken(s.getEncryptor(), rec)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token: %w", err)
	}
	return string(data), nil
}
