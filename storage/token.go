package storage

import (
	"fmt"
	"time"

	"github.com/giantswarm/mtd-connect/security"
)

// SealedToken is the at-rest form of a TokenRecord, matching the
// tokens(user_id, access_token_enc, refresh_token_enc, expires_at, scope,
// updated_at) layout.
type SealedToken struct {
	UserID          string    `json:"user_id"`
	AccessTokenEnc  string    `json:"access_token_enc"`
	RefreshTokenEnc string    `json:"refresh_token_enc"`
	ExpiresAt       time.Time `json:"expires_at"`
	Scope           []string  `json:"scope,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Access and refresh tokens get distinct associated data so the two
// ciphertexts cannot be swapped within a record either.
func accessAAD(userID string) string  { return userID + "|access" }
func refreshAAD(userID string) string { return userID + "|refresh" }

// SealToken encrypts rec's token fields. It refuses to run without an
// enabled encryptor.
func SealToken(enc *security.Encryptor, rec *TokenRecord) (*SealedToken, error) {
	if !enc.IsEnabled() {
		return nil, ErrEncryptionRequired
	}
	if rec == nil || rec.UserID == "" {
		return nil, fmt.Errorf("token record requires a user id")
	}

	access, err := enc.Encrypt(rec.AccessToken, accessAAD(rec.UserID))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := enc.Encrypt(rec.RefreshToken, refreshAAD(rec.UserID))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	return &SealedToken{
		UserID:          rec.UserID,
		AccessTokenEnc:  access,
		RefreshTokenEnc: refresh,
		ExpiresAt:       rec.ExpiresAt.UTC(),
		Scope:           append([]string(nil), rec.Scope...),
		UpdatedAt:       updated.UTC(),
	}, nil
}

// OpenToken decrypts a SealedToken.
func OpenToken(enc *security.Encryptor, sealed *SealedToken) (*TokenRecord, error) {
	if !enc.IsEnabled() {
		return nil, ErrEncryptionRequired
	}

	access, err := enc.Decrypt(sealed.AccessTokenEnc, accessAAD(sealed.UserID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := enc.Decrypt(sealed.RefreshTokenEnc, refreshAAD(sealed.UserID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	return &TokenRecord{
		UserID:       sealed.UserID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    sealed.ExpiresAt,
		Scope:        append([]string(nil), sealed.Scope...),
		UpdatedAt:    sealed.UpdatedAt,
	}, nil
}
