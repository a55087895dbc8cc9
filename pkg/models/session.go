package models

import "time"

// SessionState represents where a browser session is in its lifecycle
type SessionState string

const (
	StateIdle          SessionState = "IDLE"
	StateStarting      SessionState = "STARTING"
	StateAwaitingLogin SessionState = "AWAITING_LOGIN"
	StateLoggedIn      SessionState = "LOGGED_IN"
	StateExtracting    SessionState = "EXTRACTING"
	StateClosed        SessionState = "CLOSED"
	StateError         SessionState = "ERROR"
)

// Terminal reports whether no further operation is possible in this state
func (s SessionState) Terminal() bool {
	return s == StateClosed
}

// Interactive reports whether the operator may still click or type
func (s SessionState) Interactive() bool {
	return s == StateAwaitingLogin || s == StateLoggedIn
}

// Viewport is a pixel size
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Session is the externally visible snapshot of an automation session.
// The browser handle is not part of it; the driver owns it.
type Session struct {
	ID              string       `json:"id"`
	OwnerUserID     string       `json:"ownerUserId"`
	Platform        string       `json:"platform"`
	State           SessionState `json:"state"`
	ViewportWidth   int          `json:"viewportWidth"`
	ViewportHeight  int          `json:"viewportHeight"`
	CreatedAt       time.Time    `json:"createdAt"`
	LastActivityAt  time.Time    `json:"lastActivityAt"`
	LoginDetectedAt *time.Time   `json:"loginDetectedAt,omitempty"`
	LastError       string       `json:"lastError,omitempty"`
}

// Logado reports whether the session is authenticated against the partner
func (s Session) Logado() bool {
	return s.State == StateLoggedIn || s.State == StateExtracting
}

// StartSessionRequest is the payload for starting a new session
type StartSessionRequest struct {
	Platform string    `json:"platform"`
	Replace  bool      `json:"replace,omitempty"`
	Viewport *Viewport `json:"viewport,omitempty"`
}

// StartSessionResponse carries the new session and its first screenshot
type StartSessionResponse struct {
	SessionID  string  `json:"sessionId"`
	Session    Session `json:"session"`
	Screenshot string  `json:"screenshot"`
	MimeType   string  `json:"mimeType"`
	Logado     bool    `json:"logado"`
}

// ScreenshotResponse is returned by screenshot, click and type
type ScreenshotResponse struct {
	Screenshot string       `json:"screenshot"`
	MimeType   string       `json:"mimeType"`
	Logado     bool         `json:"logado"`
	State      SessionState `json:"state"`
}

// ClickRequest carries coordinates against the reported viewport
type ClickRequest struct {
	X *int `json:"x"`
	Y *int `json:"y"`
}

// TypeRequest carries either free text or a named key
type TypeRequest struct {
	Text string `json:"text,omitempty"`
	Key  string `json:"key,omitempty"`
}

// VerifyLoginResponse is returned by verify-login
type VerifyLoginResponse struct {
	Logado bool         `json:"logado"`
	State  SessionState `json:"state"`
}

// ErrorBody is the JSON error envelope
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail tells the operator what failed and what to do about it
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Action  string `json:"action"`
}
