package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/portalrelay/internal/apperr"
	"github.com/shehryarbajwa/portalrelay/internal/browser"
	"github.com/shehryarbajwa/portalrelay/internal/coords"
	"github.com/shehryarbajwa/portalrelay/internal/extraction"
	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// Screenshot captures the current viewport. It never changes the state.
func (m *Manager) Screenshot(ctx context.Context, id string) (*Frame, error) {
	var frame *Frame
	err := m.withSession(ctx, id, func(ctx context.Context, e *entry, _ *zap.Logger) error {
		if e.state().Terminal() {
			return apperr.New(apperr.KindSessionExpired, "session.screenshot", "session %s is closed", id)
		}
		f, err := m.capture(ctx, e)
		if err != nil {
			return err
		}
		frame = f
		return nil
	})
	return frame, err
}

// Click maps (x, y) from the session's reported viewport into the browser
// and clicks there.
func (m *Manager) Click(ctx context.Context, id string, x, y int) (*Frame, error) {
	var frame *Frame
	err := m.withSession(ctx, id, func(ctx context.Context, e *entry, log *zap.Logger) error {
		if err := requireInteractive(e, "session.click"); err != nil {
			return err
		}
		p, err := coords.Map(x, y, e.reported, e.actual)
		if err != nil {
			return err
		}
		if err := m.deps.Driver.DispatchClick(ctx, e.page(m.deps.Driver).Handle, p.X, p.Y); err != nil {
			return err
		}
		log.Debug("click dispatched", zap.Int("x", x), zap.Int("y", y), zap.Int("browser_x", p.X), zap.Int("browser_y", p.Y))
		frame, err = m.afterInput(ctx, e, log)
		return err
	})
	return frame, err
}

// Type sends text or one named key to the focused element.
func (m *Manager) Type(ctx context.Context, id string, in browser.KeyInput) (*Frame, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var frame *Frame
	err := m.withSession(ctx, id, func(ctx context.Context, e *entry, log *zap.Logger) error {
		if err := requireInteractive(e, "session.type"); err != nil {
			return err
		}
		if err := m.deps.Driver.DispatchKeys(ctx, e.page(m.deps.Driver).Handle, in); err != nil {
			return err
		}
		// never log typed text, it is usually a credential
		log.Debug("keys dispatched", zap.Int("chars", len([]rune(in.Text))), zap.String("key", in.Key))
		var err error
		frame, err = m.afterInput(ctx, e, log)
		return err
	})
	return frame, err
}

// VerifyLogin re-runs login detection without any input.
func (m *Manager) VerifyLogin(ctx context.Context, id string) (bool, models.SessionState, error) {
	var (
		logado bool
		state  models.SessionState
	)
	err := m.withSession(ctx, id, func(ctx context.Context, e *entry, log *zap.Logger) error {
		if err := requireInteractive(e, "session.verify_login"); err != nil {
			return err
		}
		ok, err := m.checkLogin(ctx, e, log)
		if err != nil {
			return err
		}
		logado, state = ok, e.state()
		return nil
	})
	return logado, state, err
}

// Extract reads the earnings table of a logged-in session. The session
// stays open afterwards so extraction can be repeated.
func (m *Manager) Extract(ctx context.Context, id string) (*models.ExtractionResult, error) {
	const op = "session.extract"
	var (
		res   *models.ExtractionResult
		owner string
	)
	err := m.withSession(ctx, id, func(ctx context.Context, e *entry, log *zap.Logger) error {
		e.mu.Lock()
		state, crashed := e.session.State, e.crashed
		e.mu.Unlock()
		if crashed {
			return apperr.New(apperr.KindBrowserCrashed, op, "browser crashed; close the session and start again")
		}
		if state != models.StateLoggedIn && state != models.StateError {
			return apperr.New(apperr.KindInvalidState, op, "cannot extract in state %s", state)
		}
		if err := m.transition(e, models.StateExtracting); err != nil {
			return err
		}
		owner = e.owner

		if m.opts.ExtractTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.opts.ExtractTimeout)
			defer cancel()
		}
		started := m.now()
		r, err := m.deps.Engine.Run(ctx, e.page(m.deps.Driver), e.profile)
		switch {
		case err != nil && e.ctx.Err() != nil:
			// the session is being closed; nothing is left to record on it
			return err
		case err == nil:
			if terr := m.transition(e, models.StateLoggedIn); terr != nil {
				return terr
			}
			e.mu.Lock()
			e.session.LastError = ""
			e.mu.Unlock()
			res = r
			log.Info("extraction succeeded", zap.Int("drivers", r.TotalMotoristas), zap.Duration("took", m.now().Sub(started)))
			return nil
		case errors.Is(err, extraction.ErrLoggedOut):
			log.Warn("partner logged the session out during extraction")
			e.mu.Lock()
			e.session.State = models.StateAwaitingLogin
			e.session.LoginDetectedAt = nil
			e.session.LastError = err.Error()
			e.mu.Unlock()
			if derr := m.deps.Store.Delete(ctx, e.owner, e.profile.Name); derr != nil {
				log.Warn("failed to delete saved auth state", zap.Error(derr))
			}
			return err
		default:
			log.Warn("extraction failed", zap.Error(err))
			m.fail(e, err)
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	m.publish(owner, res)
	return res, nil
}

// publish hands a result to the sink without holding the session lock.
func (m *Manager) publish(owner string, res *models.ExtractionResult) {
	m.background(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.PublishTimeout)
		defer cancel()
		if err := m.deps.Sink.Publish(ctx, owner, res); err != nil {
			m.logger.Warn("failed to publish extraction result", zap.String("owner", owner), zap.Error(err))
		}
	})
}

func requireInteractive(e *entry, op string) error {
	if s := e.state(); !s.Interactive() {
		return apperr.New(apperr.KindInvalidState, op, "not accepting input in state %s", s)
	}
	return nil
}

// afterInput lets the page react to an input event, checks for a login and
// captures the result.
func (m *Manager) afterInput(ctx context.Context, e *entry, log *zap.Logger) (*Frame, error) {
	if m.opts.SettleDelay > 0 {
		t := time.NewTimer(m.opts.SettleDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	if _, err := m.checkLogin(ctx, e, log); err != nil {
		return nil, err
	}
	return m.capture(ctx, e)
}

func (m *Manager) capture(ctx context.Context, e *entry) (*Frame, error) {
	img, err := m.deps.Driver.Capture(ctx, e.page(m.deps.Driver).Handle)
	if err != nil {
		return nil, err
	}
	s := e.snapshot()
	return &Frame{
		Image:    img,
		MimeType: m.deps.Driver.MimeType(),
		Logado:   s.State == models.StateLoggedIn,
		State:    s.State,
	}, nil
}
