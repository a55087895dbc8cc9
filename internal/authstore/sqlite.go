package authstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS auth_states (
	owner_user_id TEXT    NOT NULL,
	platform      TEXT    NOT NULL,
	payload       BLOB    NOT NULL,
	saved_at      INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	PRIMARY KEY (owner_user_id, platform)
);
CREATE INDEX IF NOT EXISTS idx_auth_states_expires_at ON auth_states (expires_at);
`

// SQLiteStore persists states in a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	o := buildOptions(opts)
	logger.Named("authstore").Info("auth state database ready", zap.String("path", path))
	return &SQLiteStore{db: db, now: o.now, logger: logger.Named("authstore")}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, owner, platform string, serialized []byte, ttl time.Duration) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO auth_states (owner_user_id, platform, payload, saved_at, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (owner_user_id, platform) DO UPDATE SET
	payload = excluded.payload,
	saved_at = excluded.saved_at,
	expires_at = excluded.expires_at`,
		owner, platform, serialized, now.UnixMilli(), now.Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save auth state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, owner, platform string) (*models.PersistedAuthState, error) {
	var (
		payload          []byte
		savedAt, expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, saved_at, expires_at FROM auth_states WHERE owner_user_id = ? AND platform = ?`,
		owner, platform).Scan(&payload, &savedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load auth state: %w", err)
	}

	st := &models.PersistedAuthState{
		OwnerUserID:       owner,
		Platform:          platform,
		SerializedCookies: payload,
		SavedAt:           time.UnixMilli(savedAt),
		ExpiresAt:         time.UnixMilli(expires),
	}
	if st.Expired(s.now()) {
		if err := s.Delete(ctx, owner, platform); err != nil {
			s.logger.Warn("failed to drop expired auth state", zap.Error(err))
		}
		return nil, nil
	}
	return st, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, owner, platform string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_states WHERE owner_user_id = ? AND platform = ?`, owner, platform); err != nil {
		return fmt.Errorf("failed to delete auth state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_states WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge auth states: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
