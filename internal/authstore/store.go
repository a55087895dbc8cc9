// Package authstore persists reusable partner authentication state so a
// user does not have to log in on every session.
package authstore

import (
	"context"
	"time"

	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// Store keeps one authentication state per (owner, platform).
type Store interface {
	// Save replaces any existing state for the pair.
	Save(ctx context.Context, owner, platform string, serialized []byte, ttl time.Duration) error
	// Load returns nil, nil when no unexpired state exists.
	Load(ctx context.Context, owner, platform string) (*models.PersistedAuthState, error)
	Delete(ctx context.Context, owner, platform string) error
	// PurgeExpired removes expired states and returns how many were removed.
	PurgeExpired(ctx context.Context) (int64, error)
	Close() error
}

type options struct {
	now func() time.Time
}

// Option configures a store.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
