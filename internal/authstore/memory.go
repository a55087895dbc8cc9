package authstore

import (
	"context"
	"sync"
	"time"

	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

type key struct{ owner, platform string }

// MemoryStore keeps states in process memory. States do not survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	states map[key]models.PersistedAuthState
	now    func() time.Time
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{states: make(map[key]models.PersistedAuthState), now: o.now}
}

func (m *MemoryStore) Save(_ context.Context, owner, platform string, serialized []byte, ttl time.Duration) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key{owner, platform}] = models.PersistedAuthState{
		OwnerUserID:       owner,
		Platform:          platform,
		SerializedCookies: append([]byte(nil), serialized...),
		SavedAt:           now,
		ExpiresAt:         now.Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Load(_ context.Context, owner, platform string) (*models.PersistedAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{owner, platform}
	st, ok := m.states[k]
	if !ok {
		return nil, nil
	}
	if st.Expired(m.now()) {
		delete(m.states, k)
		return nil, nil
	}
	st.SerializedCookies = append([]byte(nil), st.SerializedCookies...)
	return &st, nil
}

func (m *MemoryStore) Delete(_ context.Context, owner, platform string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key{owner, platform})
	return nil
}

func (m *MemoryStore) PurgeExpired(context.Context) (int64, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, st := range m.states {
		if st.Expired(now) {
			delete(m.states, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
