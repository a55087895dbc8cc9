// Package stream pushes a session's screenshots to the operator over a
// websocket and accepts input events on the same connection.
package stream

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/portalrelay/internal/apperr"
	"github.com/shehryarbajwa/portalrelay/internal/browser"
	"github.com/shehryarbajwa/portalrelay/internal/session"
	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// Sessions is the part of the session manager a stream drives.
type Sessions interface {
	Screenshot(ctx context.Context, id string) (*session.Frame, error)
	Click(ctx context.Context, id string, x, y int) (*session.Frame, error)
	Type(ctx context.Context, id string, in browser.KeyInput) (*session.Frame, error)
	VerifyLogin(ctx context.Context, id string) (bool, models.SessionState, error)
}

// ClientMessage is sent by the operator's display client.
type ClientMessage struct {
	Type string `json:"type"` // click, type or verify
	X    int    `json:"x,omitempty"`
	Y    int    `json:"y,omitempty"`
	Text string `json:"text,omitempty"`
	Key  string `json:"key,omitempty"`
}

// ServerMessage is pushed to the client. Frames carry a screenshot; login
// messages answer verify; errors carry the failure and what to do next.
type ServerMessage struct {
	Type       string              `json:"type"`
	Screenshot string              `json:"screenshot,omitempty"`
	MimeType   string              `json:"mimeType,omitempty"`
	Logado     bool                `json:"logado"`
	State      models.SessionState `json:"state,omitempty"`
	Error      *models.ErrorDetail `json:"error,omitempty"`
}

type Server struct {
	sessions     Sessions
	upgrader     websocket.Upgrader
	interval     time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewServer creates a stream server. An empty allowedOrigins accepts any origin.
func NewServer(sessions Sessions, interval, writeTimeout time.Duration, allowedOrigins []string, logger *zap.Logger) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Server{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(origins) == 0 || origin == "" || origins["*"] || origins[origin]
			},
		},
		interval:     interval,
		writeTimeout: writeTimeout,
		logger:       logger.Named("stream"),
	}
}

// conn serializes writes; gorilla allows one writer at a time.
type conn struct {
	ws      *websocket.Conn
	mu      sync.Mutex
	timeout time.Duration
}

func (c *conn) send(msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// HandleSession upgrades the request and streams sessionID until the client
// disconnects or the session ends. The caller has already checked ownership.
func (s *Server) HandleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer ws.Close()

	log := s.logger.With(zap.String("session_id", sessionID))
	log.Info("stream client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{ws: ws, timeout: s.writeTimeout}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		s.readLoop(ctx, c, sessionID, log)
	}()

	s.pushLoop(ctx, c, sessionID, log)
	cancel()
	// unblock the reader
	_ = ws.Close()
	<-done
	log.Info("stream client disconnected")
}

// pushLoop sends a frame every interval until ctx ends or the session is gone.
func (s *Server) pushLoop(ctx context.Context, c *conn, sessionID string, log *zap.Logger) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		f, err := s.sessions.Screenshot(ctx, sessionID)
		if ctx.Err() != nil {
			return
		}
		if !s.reply(c, f, err, log) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *conn, sessionID string, log *zap.Logger) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("stream read failed", zap.Error(err))
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !s.reply(c, nil, apperr.New(apperr.KindInvalidInput, "stream.read", "malformed message: %v", err), log) {
				return
			}
			continue
		}

		var (
			f     *session.Frame
			opErr error
		)
		switch msg.Type {
		case "click":
			f, opErr = s.sessions.Click(ctx, sessionID, msg.X, msg.Y)
		case "type":
			f, opErr = s.sessions.Type(ctx, sessionID, browser.KeyInput{Text: msg.Text, Key: msg.Key})
		case "verify":
			logado, state, err := s.sessions.VerifyLogin(ctx, sessionID)
			if err == nil {
				if c.send(ServerMessage{Type: "login", Logado: logado, State: state}) != nil {
					return
				}
				continue
			}
			opErr = err
		default:
			opErr = apperr.New(apperr.KindInvalidInput, "stream.read", "unknown message type %q", msg.Type)
		}
		if ctx.Err() != nil {
			return
		}
		if !s.reply(c, f, opErr, log) {
			return
		}
	}
}

// reply sends a frame or an error and reports whether the stream should
// continue. Errors that end the session end the stream too.
func (s *Server) reply(c *conn, f *session.Frame, err error, log *zap.Logger) bool {
	if err != nil {
		kind := apperr.KindOf(err)
		detail := &models.ErrorDetail{Kind: string(kind), Message: err.Error(), Action: string(apperr.ActionFor(kind))}
		if werr := c.send(ServerMessage{Type: "error", Error: detail}); werr != nil {
			return false
		}
		if kind == apperr.KindSessionExpired || kind == apperr.KindBrowserCrashed {
			log.Info("ending stream", zap.String("kind", string(kind)))
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(kind)),
				time.Now().Add(c.timeout))
			return false
		}
		return true
	}
	return c.send(ServerMessage{
		Type:       "frame",
		Screenshot: base64.StdEncoding.EncodeToString(f.Image),
		MimeType:   f.MimeType,
		Logado:     f.Logado,
		State:      f.State,
	}) == nil
}
