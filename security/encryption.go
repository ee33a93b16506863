package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length in bytes of every key handled by this package.
const KeySize = 32

// ErrCiphertextTooShort is returned when a stored value cannot hold a GCM nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Encryptor provides field-level encryption for credentials at rest using
// AES-256-GCM. The associated data passed to Seal/Open binds a ciphertext to
// its owner, so an encrypted token copied onto another user's record fails
// to decrypt.
type Encryptor struct {
	aead    cipher.AEAD
	enabled bool
}

// NewEncryptor creates an encryptor for a 32-byte key.
// A nil or empty key yields a disabled encryptor; stores refuse to persist
// tokens through a disabled encryptor.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead, enabled: true}, nil
}

// IsEnabled reports whether the encryptor holds a key.
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.enabled
}

// Encrypt seals plaintext bound to associatedData (usually the user id) and
// returns base64([nonce][ciphertext]).
func (e *Encryptor) Encrypt(plaintext, associatedData string) (string, error) {
	if !e.IsEnabled() {
		return "", errors.New("encryptor is not configured")
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), []byte(associatedData))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. associatedData must match the value used when
// the value was sealed.
func (e *Encryptor) Decrypt(encoded, associatedData string) (string, error) {
	if !e.IsEnabled() {
		return "", errors.New("encryptor is not configured")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	plaintext, err := e.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(associatedData))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Keys holds the independent keys derived from one master secret.
type Keys struct {
	Encryption   []byte
	StateSigning []byte
}

// DeriveKeys expands a master secret into separate encryption and state
// signing keys with HKDF-SHA256, so a leaked state key never exposes stored
// tokens.
func DeriveKeys(master []byte) (*Keys, error) {
	if len(master) < KeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", KeySize, len(master))
	}

	derive := func(info string) ([]byte, error) {
		out := make([]byte, KeySize)
		r := hkdf.New(sha256.New, master, nil, []byte(info))
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
		}
		return out, nil
	}

	enc, err := derive("mtd-connect token encryption v1")
	if err != nil {
		return nil, err
	}
	sig, err := derive("mtd-connect oauth state v1")
	if err != nil {
		return nil, err
	}
	return &Keys{Encryption: enc, StateSigning: sig}, nil
}

// GenerateKey returns a fresh random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a standard base64 key and checks its length.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
