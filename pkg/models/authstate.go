package models

import "time"

// PersistedAuthState is a reusable authentication snapshot for one owner on
// one platform. SerializedCookies holds the JSON encoding of AuthArtifacts,
// possibly sealed by the store.
type PersistedAuthState struct {
	OwnerUserID       string    `json:"ownerUserId"`
	Platform          string    `json:"platform"`
	SerializedCookies []byte    `json:"-"`
	SavedAt           time.Time `json:"savedAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// Expired reports whether the snapshot is past its expiry at now
func (p *PersistedAuthState) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Cookie is a browser cookie in a driver-neutral form
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // seconds since epoch, 0 for session cookies
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// AuthArtifacts is what a browser needs to resume an authenticated session
type AuthArtifacts struct {
	Origin       string            `json:"origin"`
	Cookies      []Cookie          `json:"cookies"`
	LocalStorage map[string]string `json:"localStorage,omitempty"`
}

// Empty reports whether there is nothing worth restoring
func (a *AuthArtifacts) Empty() bool {
	return a == nil || (len(a.Cookies) == 0 && len(a.LocalStorage) == 0)
}
