package authstore

import (
	"context"
	"fmt"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/portalrelay/internal/config"
)

// Open builds the configured store, sealed when key is non-nil.
func Open(ctx context.Context, cfg config.StoreConfig, key []byte, logger *zap.Logger, opts ...Option) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "memory":
		s = NewMemoryStore(opts...)
	case "sqlite":
		path, herr := homedir.Expand(cfg.SQLitePath)
		if herr != nil {
			return nil, fmt.Errorf("failed to expand sqlite path: %w", herr)
		}
		s, err = OpenSQLite(ctx, path, logger, opts...)
	case "postgres":
		s, err = OpenPostgres(ctx, cfg.PostgresURL, logger, opts...)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if key == nil {
		logger.Warn("auth state encryption disabled; set store.encryption_key to enable it")
		return s, nil
	}
	sealed, err := NewSealed(s, key, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return sealed, nil
}
