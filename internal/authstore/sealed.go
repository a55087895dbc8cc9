package authstore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// Sealed encrypts payloads with XChaCha20-Poly1305 before they reach the
// wrapped store. The owner and platform are bound as associated data, so a
// payload copied to another row fails to open.
type Sealed struct {
	Store
	aead   cipher.AEAD
	logger *zap.Logger
}

func NewSealed(inner Store, key []byte, logger *zap.Logger) (*Sealed, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid auth state key: %w", err)
	}
	return &Sealed{Store: inner, aead: aead, logger: logger.Named("authstore")}, nil
}

func associatedData(owner, platform string) []byte {
	return []byte(owner + "\x00" + platform)
}

func (s *Sealed) Save(ctx context.Context, owner, platform string, serialized []byte, ttl time.Duration) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(serialized)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, serialized, associatedData(owner, platform))
	return s.Store.Save(ctx, owner, platform, sealed, ttl)
}

// Load treats a payload that cannot be opened, for example after a key
// rotation, as absent and removes it.
func (s *Sealed) Load(ctx context.Context, owner, platform string) (*models.PersistedAuthState, error) {
	st, err := s.Store.Load(ctx, owner, platform)
	if err != nil || st == nil {
		return st, err
	}
	plain, err := s.open(st.SerializedCookies, owner, platform)
	if err != nil {
		s.logger.Warn("discarding unreadable auth state",
			zap.String("owner", owner), zap.String("platform", platform), zap.Error(err))
		if derr := s.Store.Delete(ctx, owner, platform); derr != nil {
			return nil, derr
		}
		return nil, nil
	}
	st.SerializedCookies = plain
	return st, nil
}

func (s *Sealed) open(data []byte, owner, platform string) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(data) < ns+s.aead.Overhead() {
		return nil, fmt.Errorf("sealed payload too short")
	}
	return s.aead.Open(nil, data[:ns], data[ns:], associatedData(owner, platform))
}
