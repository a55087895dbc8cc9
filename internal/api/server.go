package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/portalrelay/internal/config"
	"github.com/shehryarbajwa/portalrelay/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes. limiter may be nil to disable
// rate limiting.
func (h *Handler) SetupRoutes(cfg config.ServerConfig, limiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(h.logger), corsMiddleware(cfg.AllowedOrigins, cfg.UserHeader))

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()
	api.Use(h.UserMiddleware(cfg.UserHeader))
	api.HandleFunc("/schema/extraction", h.GetExtractionSchema).Methods(http.MethodGet)

	// Polling endpoints (not rate limited)
	api.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/screenshot", h.GetSessionScreenshot).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/stream", h.StreamSession).Methods(http.MethodGet)
	api.HandleFunc("/authstates/{platform}", h.GetAuthState).Methods(http.MethodGet)

	// Mutating endpoints (rate limited)
	mutating := api.PathPrefix("").Subrouter()
	if limiter != nil {
		mutating.Use(RateLimitMiddleware(limiter))
	}
	mutating.HandleFunc("/sessions", h.CreateSession).Methods(http.MethodPost)
	mutating.HandleFunc("/sessions/{id}", h.DeleteSession).Methods(http.MethodDelete)
	mutating.HandleFunc("/sessions/{id}/click", h.ClickSession).Methods(http.MethodPost)
	mutating.HandleFunc("/sessions/{id}/type", h.TypeSession).Methods(http.MethodPost)
	mutating.HandleFunc("/sessions/{id}/verify-login", h.VerifyLogin).Methods(http.MethodPost)
	mutating.HandleFunc("/sessions/{id}/extract", h.ExtractSession).Methods(http.MethodPost)
	mutating.HandleFunc("/authstates/{platform}", h.DeleteAuthState).Methods(http.MethodDelete)

	// preflight; answered by corsMiddleware
	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	return r
}

// corsMiddleware adds CORS headers. An empty allow list allows any origin.
func corsMiddleware(allowed []string, userHeader string) mux.MiddlewareFunc {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[o] = true
	}
	headers := strings.Join([]string{"Content-Type", "Authorization", userHeader}, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case len(origins) == 0 || origins["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origins[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", headers)
			w.Header().Set("Access-Control-Expose-Headers", "X-Logado, X-Session-State, X-RateLimit-Limit, X-RateLimit-Remaining")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
