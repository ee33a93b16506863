package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/security"
	"github.com/giantswarm/mtd-connect/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "mtd:"

	backendName = "valkey"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for user ids and nonces.
	MaxIDLength = 256

	// MaxRecordSize caps serialized records read back from Valkey.
	MaxRecordSize = 64 * 1024
)

var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "mtd:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Instrumentation enables spans and metrics per operation.
	Instrumentation *instrumentation.Instrumentation
}

// Store is a Valkey-backed TokenStore and AuthStateStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
	inst   *instrumentation.Instrumentation
	now    func() time.Time

	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

var (
	_ storage.TokenStore     = (*Store)(nil)
	_ storage.AuthStateStore = (*Store)(nil)
)

// New creates a new Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewFromClient(client, cfg)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewFromClient wraps an existing client. cfg.Address is ignored.
func NewFromClient(client valkeygo.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		inst:   cfg.Instrumentation,
		now:    time.Now,
	}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetEncryptor sets the token encryptor.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

func (s *Store) span(ctx context.Context, op string) (context.Context, func(error)) {
	return instrumentation.StorageSpan(ctx, s.inst, backendName, op)
}

func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%w: %s", errInputTooLarge, fieldName)
	}
	return nil
}

func (s *Store) tokenKey(userID string) string {
	return s.prefix + "token:" + userID
}

func (s *Store) authStateKey(nonce string) string {
	return s.prefix + "authstate:" + nonce
}

// isNilError reports a missing key.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// luaCompareAndSwapToken replaces a token record only when the stored
// expires_at still equals the caller's snapshot.
//
// KEYS[1] = token key
// ARGV[1] = expected expires_at (RFC3339Nano, UTC)
// ARGV[2] = new record JSON
//
// Returns 1 when written, 0 when the record is missing or has changed.
const luaCompareAndSwapToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end

local current = cjson.decode(data)
if current.expires_at ~= ARGV[1] then
    return 0
end

redis.call('SET', KEYS[1], ARGV[2])
return 1
`
