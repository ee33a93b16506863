package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/security"
	"github.com/giantswarm/mtd-connect/storage"
)

const (
	backendName = "postgres"

	connectionVerifyTimeout = 5 * time.Second

	pgForeignKeyViolation = "23503"
)

// Config configures the PostgreSQL backend.
type Config struct {
	// URL is a libpq connection string or postgres:// URL (required).
	URL string

	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Store is a PostgreSQL implementation of the storage interfaces.
type Store struct {
	pool   *pgxpool.Pool
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

// New opens a connection pool and pings the database.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres url is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionVerifyTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Connected to PostgreSQL storage", "max_conns", poolCfg.MaxConns)

	return &Store{
		pool:   pool,
		logger: logger,
		inst:   cfg.Instrumentation,
		now:    time.Now,
	}, nil
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
	s.logger.Info("PostgreSQL storage connection closed")
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

// DeleteExpiredAuthStates removes abandoned authorization states.
func (s *Store) DeleteExpiredAuthStates(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM oauth_states WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, storage.Wrap("delete_expired_auth_states", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) span(ctx context.Context, op string) (context.Context, func(error)) {
	return instrumentation.StorageSpan(ctx, s.inst, backendName, op)
}

// pgTime drops sub-microsecond precision, which TIMESTAMPTZ cannot hold.
func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
