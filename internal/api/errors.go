package api

import (
	"net/http"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/portalrelay/internal/apperr"
	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

var statusByKind = map[apperr.Kind]int{
	apperr.KindInvalidInput:              http.StatusBadRequest,
	apperr.KindInvalidCoordinate:         http.StatusBadRequest,
	apperr.KindSessionExpired:            http.StatusGone,
	apperr.KindConcurrentSessionConflict: http.StatusConflict,
	apperr.KindInvalidState:              http.StatusConflict,
	apperr.KindLaunchFailure:             http.StatusServiceUnavailable,
	apperr.KindNavigationTimeout:         http.StatusGatewayTimeout,
	apperr.KindCaptureFailure:            http.StatusBadGateway,
	apperr.KindBrowserCrashed:            http.StatusBadGateway,
	apperr.KindExtractionParseError:      http.StatusBadGateway,
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(k apperr.Kind) int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(kind, msg string, action apperr.Action) models.ErrorBody {
	return models.ErrorBody{Error: models.ErrorDetail{Kind: kind, Message: msg, Action: string(action)}}
}

// writeError renders err as the JSON error envelope.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := StatusFor(kind)
	msg := err.Error()
	if kind == apperr.KindInternal {
		h.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	} else {
		h.logger.Debug("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody(string(kind), msg, apperr.ActionFor(kind)))
}
