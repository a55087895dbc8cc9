// Package api exposes the session manager over HTTP.
package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/invopop/jsonschema"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/portalrelay/internal/apperr"
	"github.com/shehryarbajwa/portalrelay/internal/authstore"
	"github.com/shehryarbajwa/portalrelay/internal/browser"
	"github.com/shehryarbajwa/portalrelay/internal/session"
	"github.com/shehryarbajwa/portalrelay/internal/stream"
	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// Sessions is the session manager surface the API serves.
type Sessions interface {
	Start(ctx context.Context, req session.StartRequest) (*session.StartResult, error)
	Get(id string) (models.Session, error)
	List(owner string) []models.Session
	Count() int
	Screenshot(ctx context.Context, id string) (*session.Frame, error)
	Click(ctx context.Context, id string, x, y int) (*session.Frame, error)
	Type(ctx context.Context, id string, in browser.KeyInput) (*session.Frame, error)
	VerifyLogin(ctx context.Context, id string) (bool, models.SessionState, error)
	Extract(ctx context.Context, id string) (*models.ExtractionResult, error)
	Close(ctx context.Context, id string) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessions Sessions
	store    authstore.Store
	stream   *stream.Server
	schema   *jsonschema.Schema
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(sessions Sessions, store authstore.Store, streams *stream.Server, logger *zap.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		store:    store,
		stream:   streams,
		schema:   ExtractionSchema(),
		logger:   logger.Named("api"),
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.New(apperr.KindInvalidInput, "api.decode", "invalid request body: %v", err)
	}
	return nil
}

// owned returns the session if it belongs to the caller. Other owners'
// sessions are reported as expired so ids cannot be probed.
func (h *Handler) owned(r *http.Request) (models.Session, error) {
	id := mux.Vars(r)["id"]
	s, err := h.sessions.Get(id)
	if err != nil {
		return models.Session{}, err
	}
	if s.OwnerUserID != UserID(r.Context()) {
		return models.Session{}, apperr.New(apperr.KindSessionExpired, "api.lookup", "session %s not found or expired", id)
	}
	return s, nil
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.StartSessionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.sessions.Start(r.Context(), session.StartRequest{
		Owner:    UserID(r.Context()),
		Platform: req.Platform,
		Replace:  req.Replace,
		Viewport: req.Viewport,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, models.StartSessionResponse{
		SessionID:  res.Session.ID,
		Session:    res.Session,
		Screenshot: base64.StdEncoding.EncodeToString(res.Screenshot),
		MimeType:   res.MimeType,
		Logado:     res.Logado,
	})
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.List(UserID(r.Context())))
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.owned(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.owned(r)
	if err != nil {
		// closing something already gone is success
		if apperr.IsKind(err, apperr.KindSessionExpired) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.writeError(w, r, err)
		return
	}
	if err := h.sessions.Close(r.Context(), s.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSessionScreenshot handles GET /v1/sessions/{id}/screenshot
func (h *Handler) GetSessionScreenshot(w http.ResponseWriter, r *http.Request) {
	s, err := h.owned(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	f, err := h.sessions.Screenshot(r.Context(), s.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeFrame(w, r, f)
}

// ClickSession handles POST /v1/sessions/{id}/click
func (h *Handler) ClickSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.owned(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req models.ClickRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.X == nil || req.Y == nil {
		h.writeError(w, r, apperr.New(apperr.KindInvalidInput, "api.click", "x and y are required"))
		return
	}
	f, err := h.sessions.Click(r.Context(), s.ID, *req.X, *req.Y)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeFrame(w, r, f)
}

// TypeSession handles POST /v1/sessions/{id}/type
func (h *Handler) TypeSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.owned(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req models.TypeRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	f, err := h.sessions.Type(r.Context(), s.ID, browser.KeyInput{Text: req.Text, Key: req.Key})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeFrame(w, r, f)
}

// VerifyLogin handles POST /v1/sessions/{id}/verify-login
func (h *Handler) VerifyLogin(w http.ResponseWriter, r *http.Request) {
	s, err := h.owned(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logado, state, err := h.sessions.VerifyLogin(r.Context(), s.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.VerifyLoginResponse{Logado: logado, State: state})
}

// ExtractSession handles POST /v1/sessions/{id}/extract
func (h *Handler) ExtractSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.owned(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.sessions.Extract(r.Context(), s.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StreamSession handles GET /v1/sessions/{id}/stream
func (h *Handler) StreamSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.owned(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.stream.HandleSession(w, r, s.ID)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": h.sessions.Count(),
	})
}

// writeFrame answers with raw image bytes when the client asks for an
// image, and with the JSON envelope otherwise.
func (h *Handler) writeFrame(w http.ResponseWriter, r *http.Request, f *session.Frame) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if strings.HasPrefix(r.Header.Get("Accept"), "image/") {
		w.Header().Set("Content-Type", f.MimeType)
		w.Header().Set("X-Logado", strconv.FormatBool(f.Logado))
		w.Header().Set("X-Session-State", string(f.State))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(f.Image)
		return
	}
	writeJSON(w, http.StatusOK, models.ScreenshotResponse{
		Screenshot: base64.StdEncoding.EncodeToString(f.Image),
		MimeType:   f.MimeType,
		Logado:     f.Logado,
		State:      f.State,
	})
}
