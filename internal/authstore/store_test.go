package authstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// runStoreContract exercises the behavior every backend shares.
func runStoreContract(t *testing.T, open func(t *testing.T, clock *fakeClock) Store) {
	ctx := context.Background()

	t.Run("absent state loads as nil", func(t *testing.T) {
		s := open(t, newFakeClock())
		st, err := s.Load(ctx, "u1", "uber")
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("save then load", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, clock)
		require.NoError(t, s.Save(ctx, "u1", "uber", []byte(`{"cookies":[]}`), 12*time.Hour))

		st, err := s.Load(ctx, "u1", "uber")
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, "u1", st.OwnerUserID)
		assert.Equal(t, "uber", st.Platform)
		assert.Equal(t, []byte(`{"cookies":[]}`), st.SerializedCookies)
		assert.True(t, st.ExpiresAt.Equal(clock.Now().Add(12*time.Hour)))

		other, err := s.Load(ctx, "u2", "uber")
		require.NoError(t, err)
		assert.Nil(t, other, "states are scoped to their owner")
	})

	t.Run("save replaces", func(t *testing.T) {
		s := open(t, newFakeClock())
		require.NoError(t, s.Save(ctx, "u1", "uber", []byte("old"), time.Hour))
		require.NoError(t, s.Save(ctx, "u1", "uber", []byte("new"), time.Hour))
		st, err := s.Load(ctx, "u1", "uber")
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, []byte("new"), st.SerializedCookies)
	})

	t.Run("expired state is never returned", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, clock)
		require.NoError(t, s.Save(ctx, "u1", "uber", []byte("x"), time.Hour))
		clock.Advance(time.Hour)
		st, err := s.Load(ctx, "u1", "uber")
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("delete", func(t *testing.T) {
		s := open(t, newFakeClock())
		require.NoError(t, s.Save(ctx, "u1", "uber", []byte("x"), time.Hour))
		require.NoError(t, s.Delete(ctx, "u1", "uber"))
		require.NoError(t, s.Delete(ctx, "u1", "uber"), "deleting twice is fine")
		st, err := s.Load(ctx, "u1", "uber")
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("purge expired", func(t *testing.T) {
		clock := newFakeClock()
		s := open(t, clock)
		require.NoError(t, s.Save(ctx, "u1", "uber", []byte("a"), time.Hour))
		require.NoError(t, s.Save(ctx, "u2", "uber", []byte("b"), 3*time.Hour))
		clock.Advance(2 * time.Hour)

		n, err := s.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		st, err := s.Load(ctx, "u2", "uber")
		require.NoError(t, err)
		assert.NotNil(t, st)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T, clock *fakeClock) Store {
		return NewMemoryStore(WithClock(clock.Now))
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T, clock *fakeClock) Store {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "auth.db"), zaptest.NewLogger(t), WithClock(clock.Now))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "auth.db")

	s, err := OpenSQLite(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "u1", "uber", []byte("payload"), time.Hour))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	st, err := s.Load(ctx, "u1", "uber")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, []byte("payload"), st.SerializedCookies)
}
