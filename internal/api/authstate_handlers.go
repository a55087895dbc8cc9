package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// AuthStateInfo describes a saved partner login without exposing it.
type AuthStateInfo struct {
	Platform  string     `json:"platform"`
	Saved     bool       `json:"saved"`
	SavedAt   *time.Time `json:"savedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// GetAuthState handles GET /v1/authstates/{platform}
func (h *Handler) GetAuthState(w http.ResponseWriter, r *http.Request) {
	platform := strings.ToLower(mux.Vars(r)["platform"])
	st, err := h.store.Load(r.Context(), UserID(r.Context()), platform)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	info := AuthStateInfo{Platform: platform}
	if st != nil {
		info.Saved = true
		info.SavedAt = &st.SavedAt
		info.ExpiresAt = &st.ExpiresAt
	}
	writeJSON(w, http.StatusOK, info)
}

// DeleteAuthState handles DELETE /v1/authstates/{platform}. The next
// session for the platform starts at the login page.
func (h *Handler) DeleteAuthState(w http.ResponseWriter, r *http.Request) {
	platform := strings.ToLower(mux.Vars(r)["platform"])
	if err := h.store.Delete(r.Context(), UserID(r.Context()), platform); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("saved auth state deleted", zap.String("owner", UserID(r.Context())), zap.String("platform", platform))
	w.WriteHeader(http.StatusNoContent)
}
