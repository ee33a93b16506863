package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultStateTTL bounds how long an authorization round-trip may take.
const DefaultStateTTL = 10 * time.Minute

var (
	// ErrStateMalformed is returned when a state value cannot be decoded.
	ErrStateMalformed = errors.New("oauth state is malformed")

	// ErrStateSignature is returned when the state signature does not verify.
	ErrStateSignature = errors.New("oauth state signature mismatch")

	// ErrStateExpired is returned when the state is past its expiry.
	ErrStateExpired = errors.New("oauth state expired")

	// ErrStateReplayed is returned when a state's nonce was already consumed.
	ErrStateReplayed = errors.New("oauth state already used")

	// ErrStateUserMismatch is returned when the state names another user
	// than the authenticated session.
	ErrStateUserMismatch = errors.New("oauth state does not belong to session user")
)

// StateClaims is the payload carried through the authority's redirect.
type StateClaims struct {
	UserID string `json:"uid"`
	Nonce  string `json:"nonce"`
	jwt.RegisteredClaims
}

// Expiry returns the expiry claim as a time.
func (c *StateClaims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// StateSigner issues and verifies state values as HS256-signed JWTs.
type StateSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewStateSigner creates a signer. ttl <= 0 uses DefaultStateTTL.
func NewStateSigner(key []byte, ttl time.Duration) (*StateSigner, error) {
	if len(key) < KeySize {
		return nil, fmt.Errorf("state signing key must be at least %d bytes, got %d", KeySize, len(key))
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateSigner{key: key, ttl: ttl, now: time.Now}, nil
}

// SetClock overrides the time source. Intended for tests.
func (s *StateSigner) SetClock(now func() time.Time) {
	s.now = now
}

// TTL returns the lifetime of issued states.
func (s *StateSigner) TTL() time.Duration {
	return s.ttl
}

// Issue creates a signed state bound to userID with a fresh nonce.
func (s *StateSigner) Issue(userID string) (string, *StateClaims, error) {
	if userID == "" {
		return "", nil, errors.New("user id is required")
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return "", nil, err
	}

	now := s.now()
	claims := &StateClaims{
		UserID: userID,
		Nonce:  nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign state: %w", err)
	}
	return state, claims, nil
}

// Verify checks the signature and expiry and returns the claims.
func (s *StateSigner) Verify(state string) (*StateClaims, error) {
	if state == "" {
		return nil, ErrStateMalformed
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	var claims StateClaims
	_, err := parser.ParseWithClaims(state, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, fmt.Errorf("%w: %w", ErrStateSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("%w: %w", ErrStateExpired, err)
	default:
		return nil, fmt.Errorf("%w: %w", ErrStateMalformed, err)
	}

	if claims.UserID == "" || claims.Nonce == "" {
		return nil, ErrStateMalformed
	}
	return &claims, nil
}

// IsStateError reports whether err came from state verification.
func IsStateError(err error) bool {
	return errors.Is(err, ErrStateMalformed) ||
		errors.Is(err, ErrStateSignature) ||
		errors.Is(err, ErrStateExpired) ||
		errors.Is(err, ErrStateReplayed) ||
		errors.Is(err, ErrStateUserMismatch)
}

// GenerateNonce returns 32 random bytes encoded as base64url.
func GenerateNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
