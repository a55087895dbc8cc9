package authstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// DBPool abstracts pgxpool.Pool so the store can be tested with a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const postgresSchema = `CREATE TABLE IF NOT EXISTS auth_states (
    owner_user_id TEXT        NOT NULL,
    platform      TEXT        NOT NULL,
    payload       BYTEA       NOT NULL,
    saved_at      TIMESTAMPTZ NOT NULL,
    expires_at    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (owner_user_id, platform)
)`

const postgresIndex = `CREATE INDEX IF NOT EXISTS idx_auth_states_expires_at ON auth_states (expires_at)`

// PostgresStore persists states in PostgreSQL, shared by every replica.
type PostgresStore struct {
	pool   DBPool
	now    func() time.Time
	logger *zap.Logger
}

// OpenPostgres connects to url and returns a migrated store.
func OpenPostgres(ctx context.Context, url string, logger *zap.Logger, opts ...Option) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := NewPostgresStore(ctx, pool, logger, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore verifies the connection and creates the schema.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger, opts ...Option) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, stmt := range []string{postgresSchema, postgresIndex} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	o := buildOptions(opts)
	return &PostgresStore{pool: pool, now: o.now, logger: logger.Named("authstore")}, nil
}

func (s *PostgresStore) Save(ctx context.Context, owner, platform string, serialized []byte, ttl time.Duration) error {
	now := s.now().UTC()
	_, err := s.pool.Exec(ctx, `INSERT INTO auth_states (owner_user_id, platform, payload, saved_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (owner_user_id, platform) DO UPDATE SET
    payload = EXCLUDED.payload,
    saved_at = EXCLUDED.saved_at,
    expires_at = EXCLUDED.expires_at`,
		owner, platform, serialized, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to save auth state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, owner, platform string) (*models.PersistedAuthState, error) {
	st := &models.PersistedAuthState{OwnerUserID: owner, Platform: platform}
	err := s.pool.QueryRow(ctx,
		`SELECT payload, saved_at, expires_at FROM auth_states WHERE owner_user_id = $1 AND platform = $2`,
		owner, platform).Scan(&st.SerializedCookies, &st.SavedAt, &st.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load auth state: %w", err)
	}
	if st.Expired(s.now()) {
		return nil, nil
	}
	return st, nil
}

func (s *PostgresStore) Delete(ctx context.Context, owner, platform string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM auth_states WHERE owner_user_id = $1 AND platform = $2`, owner, platform); err != nil {
		return fmt.Errorf("failed to delete auth state: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_states WHERE expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge auth states: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
