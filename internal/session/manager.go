// Package session owns the lifecycle of remote browser sessions: one per
// user, each driven by a single browser whose operations are serialized.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/portalrelay/internal/apperr"
	"github.com/shehryarbajwa/portalrelay/internal/authstore"
	"github.com/shehryarbajwa/portalrelay/internal/browser"
	"github.com/shehryarbajwa/portalrelay/internal/extraction"
	"github.com/shehryarbajwa/portalrelay/internal/login"
	"github.com/shehryarbajwa/portalrelay/internal/platform"
	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// Options configures a Manager.
type Options struct {
	IdleTimeout    time.Duration
	MaxAge         time.Duration
	SweepInterval  time.Duration
	ExtractTimeout time.Duration
	// SettleDelay is waited after an input event before checking login.
	SettleDelay  time.Duration
	CloseTimeout time.Duration
	// MaxConcurrent bounds the number of live browsers.
	MaxConcurrent int64
	// ActualViewport is the browser's real viewport.
	ActualViewport models.Viewport
	// ReportedViewport is assumed when a start request does not name one.
	ReportedViewport models.Viewport
	PublishTimeout   time.Duration
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Driver    browser.Driver
	Platforms *platform.Registry
	Detectors *login.Registry
	Engine    *extraction.Engine
	Store     authstore.Store
	Sink      extraction.Sink
	Logger    *zap.Logger
}

// StartRequest asks for a new session.
type StartRequest struct {
	Owner    string
	Platform string
	// Replace closes an existing session of the owner instead of failing.
	Replace  bool
	Viewport *models.Viewport
}

// StartResult is the new session with its first screenshot.
type StartResult struct {
	Session    models.Session
	Screenshot []byte
	MimeType   string
	Logado     bool
}

// Frame is a screenshot and the login status at the time it was taken.
type Frame struct {
	Image    []byte
	MimeType string
	Logado   bool
	State    models.SessionState
}

type entry struct {
	id      string
	owner   string
	profile platform.Profile
	detect  login.Detector

	reported models.Viewport
	actual   models.Viewport

	lock opQueue
	// ctx is cancelled when the session is closed, aborting in-flight work.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	session  models.Session
	handle   browser.Handle
	slotHeld bool
	crashed  bool
	closed   bool
}

func (e *entry) snapshot() models.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if s.LoginDetectedAt != nil {
		t := *s.LoginDetectedAt
		s.LoginDetectedAt = &t
	}
	return s
}

func (e *entry) state() models.SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.State
}

func (e *entry) touch(now time.Time) {
	e.mu.Lock()
	e.session.LastActivityAt = now
	e.mu.Unlock()
}

func (e *entry) page(d browser.Driver) browser.Page {
	e.mu.Lock()
	defer e.mu.Unlock()
	return browser.Page{Driver: d, Handle: e.handle}
}

// Manager is the registry of live sessions.
type Manager struct {
	opts   Options
	deps   Deps
	slots  *semaphore.Weighted
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	byID     map[string]*entry
	byOwner  map[string]*entry
	shutdown bool

	// background work: expiry closes and result publishing
	bg sync.WaitGroup
}

func NewManager(opts Options, deps Deps) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 15 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 30 * time.Second
	}
	if opts.ReportedViewport.Width <= 0 || opts.ReportedViewport.Height <= 0 {
		opts.ReportedViewport = models.Viewport{Width: 1280, Height: 800}
	}
	if opts.ActualViewport.Width <= 0 || opts.ActualViewport.Height <= 0 {
		opts.ActualViewport = opts.ReportedViewport
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	if deps.Sink == nil {
		deps.Sink = extraction.NewLogSink(deps.Logger)
	}
	return &Manager{
		opts:    opts,
		deps:    deps,
		slots:   semaphore.NewWeighted(opts.MaxConcurrent),
		now:     now,
		logger:  deps.Logger.Named("session"),
		byID:    make(map[string]*entry),
		byOwner: make(map[string]*entry),
	}
}

// expired reports why a session is past its idle or absolute limit.
func (m *Manager) expired(s models.Session, now time.Time) (string, bool) {
	if m.opts.IdleTimeout > 0 && now.Sub(s.LastActivityAt) > m.opts.IdleTimeout {
		return "idle", true
	}
	if m.opts.MaxAge > 0 && now.Sub(s.CreatedAt) > m.opts.MaxAge {
		return "max_age", true
	}
	return "", false
}

// unregisterLocked removes e from the registry. m.mu must be held.
func (m *Manager) unregisterLocked(e *entry) {
	if m.byID[e.id] == e {
		delete(m.byID, e.id)
	}
	if m.byOwner[e.owner] == e {
		delete(m.byOwner, e.owner)
	}
}

// lookup returns a live session, expiring it on the spot when it is past
// its limits.
func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil, apperr.New(apperr.KindSessionExpired, "session.lookup", "session %s not found or expired", id)
	}
	if reason, gone := m.expired(e.snapshot(), m.now()); gone {
		m.unregisterLocked(e)
		m.mu.Unlock()
		m.closeInBackground(e, reason)
		return nil, apperr.New(apperr.KindSessionExpired, "session.lookup", "session %s expired (%s)", id, reason)
	}
	m.mu.Unlock()
	return e, nil
}

// Get returns a snapshot of a live session.
func (m *Manager) Get(id string) (models.Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return models.Session{}, err
	}
	return e.snapshot(), nil
}

// List returns the live sessions of owner, or every session when owner is empty.
func (m *Manager) List(owner string) []models.Session {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Session, 0, len(m.byID))
	for _, e := range m.byID {
		if owner != "" && e.owner != owner {
			continue
		}
		s := e.snapshot()
		if _, gone := m.expired(s, now); gone {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Count is the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Start launches a browser for the owner and lands it on the platform's
// login page, or its home page when a saved authentication state is reused.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	const op = "session.start"

	// Validate request
	if req.Owner == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, "owner is required")
	}
	prof, ok := m.deps.Platforms.Get(req.Platform)
	if !ok {
		return nil, apperr.New(apperr.KindInvalidInput, op, "unknown platform %q", req.Platform)
	}
	detector, ok := m.deps.Detectors.Get(prof.Name)
	if !ok {
		return nil, apperr.New(apperr.KindInvalidInput, op, "no login detector for platform %q", prof.Name)
	}
	reported := m.opts.ReportedViewport
	if req.Viewport != nil {
		if req.Viewport.Width <= 0 || req.Viewport.Height <= 0 {
			return nil, apperr.New(apperr.KindInvalidInput, op, "viewport must be positive")
		}
		reported = *req.Viewport
	}

	e, err := m.reserve(ctx, req, prof, detector, reported)
	if err != nil {
		return nil, err
	}
	// reserve returns with the session lock held
	defer e.lock.Unlock()

	log := m.logger.With(zap.String("session_id", e.id), zap.String("owner", e.owner), zap.String("platform", prof.Name))
	opCtx, cancel := browser.CombineContext(ctx, e.ctx)
	defer cancel()

	res, err := m.launch(opCtx, e, log)
	if err != nil {
		m.abortStart(e, err, log)
		if apperr.IsKind(err, apperr.KindInvalidInput) {
			return nil, err
		}
		return nil, &apperr.Error{Kind: apperr.KindLaunchFailure, Op: op, Err: err}
	}
	return res, nil
}

// reserve claims the owner's slot in the registry and returns the new entry
// with its operation lock held, so nothing runs on it before Start finishes.
func (m *Manager) reserve(ctx context.Context, req StartRequest, prof platform.Profile, detector login.Detector, reported models.Viewport) (*entry, error) {
	const op = "session.start"
	for attempt := 0; ; attempt++ {
		now := m.now()
		m.mu.Lock()
		if m.shutdown {
			m.mu.Unlock()
			return nil, apperr.New(apperr.KindLaunchFailure, op, "service is shutting down")
		}
		existing := m.byOwner[req.Owner]
		if existing != nil {
			if reason, gone := m.expired(existing.snapshot(), now); gone {
				m.unregisterLocked(existing)
				m.mu.Unlock()
				m.closeInBackground(existing, reason)
				continue
			}
			m.mu.Unlock()
			if !req.Replace || attempt > 2 {
				return nil, apperr.New(apperr.KindConcurrentSessionConflict, op,
					"owner already has session %s; close it or start with replace", existing.id)
			}
			m.logger.Info("replacing session", zap.String("session_id", existing.id), zap.String("owner", req.Owner))
			if err := m.Close(ctx, existing.id); err != nil {
				return nil, err
			}
			continue
		}

		sctx, cancel := context.WithCancel(context.Background())
		e := &entry{
			id:       uuid.NewString(),
			owner:    req.Owner,
			profile:  prof,
			detect:   detector,
			reported: reported,
			actual:   m.opts.ActualViewport,
			ctx:      sctx,
			cancel:   cancel,
			session: models.Session{
				OwnerUserID:    req.Owner,
				Platform:       prof.Name,
				State:          models.StateIdle,
				ViewportWidth:  reported.Width,
				ViewportHeight: reported.Height,
				CreatedAt:      now,
				LastActivityAt: now,
			},
		}
		e.session.ID = e.id
		// uncontended: the entry is not yet visible
		_ = e.lock.Lock(context.Background())
		e.session.State = models.StateStarting
		m.byID[e.id] = e
		m.byOwner[e.owner] = e
		m.mu.Unlock()
		return e, nil
	}
}

// launch runs the start sequence. The session lock must be held.
func (m *Manager) launch(ctx context.Context, e *entry, log *zap.Logger) (*StartResult, error) {
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("no browser slot available: %w", err)
	}
	e.mu.Lock()
	e.slotHeld = true
	e.mu.Unlock()

	auth := m.loadAuth(ctx, e, log)
	h, err := m.deps.Driver.Launch(ctx, browser.LaunchOptions{
		SessionID: e.id,
		Viewport:  e.actual,
		Auth:      auth,
	})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.handle = h
	e.mu.Unlock()

	page := e.page(m.deps.Driver)
	if err := page.Navigate(ctx, e.profile.StartURL(auth != nil)); err != nil {
		return nil, err
	}
	if err := m.transition(e, models.StateAwaitingLogin); err != nil {
		return nil, err
	}
	if _, err := m.checkLogin(ctx, e, log); err != nil {
		return nil, err
	}
	img, err := m.deps.Driver.Capture(ctx, h)
	if err != nil {
		return nil, err
	}

	e.touch(m.now())
	s := e.snapshot()
	log.Info("session started", zap.Bool("hydrated", auth != nil), zap.String("state", string(s.State)))
	return &StartResult{
		Session:    s,
		Screenshot: img,
		MimeType:   m.deps.Driver.MimeType(),
		Logado:     s.Logado(),
	}, nil
}

// loadAuth returns the owner's saved authentication for the platform, if
// any. Store problems never fail a start; the operator just logs in again.
func (m *Manager) loadAuth(ctx context.Context, e *entry, log *zap.Logger) *models.AuthArtifacts {
	st, err := m.deps.Store.Load(ctx, e.owner, e.profile.Name)
	if err != nil {
		log.Warn("failed to load saved auth state", zap.Error(err))
		return nil
	}
	if st == nil {
		return nil
	}
	var auth models.AuthArtifacts
	if err := json.Unmarshal(st.SerializedCookies, &auth); err != nil || auth.Empty() {
		log.Warn("discarding unusable saved auth state", zap.Error(err))
		if derr := m.deps.Store.Delete(ctx, e.owner, e.profile.Name); derr != nil {
			log.Warn("failed to delete saved auth state", zap.Error(derr))
		}
		return nil
	}
	return &auth
}

// abortStart undoes a failed start. The session lock must be held.
func (m *Manager) abortStart(e *entry, cause error, log *zap.Logger) {
	log.Warn("session start failed", zap.Error(cause))
	m.mu.Lock()
	m.unregisterLocked(e)
	m.mu.Unlock()
	m.finalize(e)
}

// transition moves e to a new state, enforcing the state machine.
func (m *Manager) transition(e *entry, to models.SessionState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := checkTransition(e.session.State, to); err != nil {
		return err
	}
	e.session.State = to
	return nil
}

// fail records err on the session and moves it to ERROR.
func (m *Manager) fail(e *entry, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if apperr.IsKind(err, apperr.KindBrowserCrashed) {
		e.crashed = true
	}
	e.session.LastError = err.Error()
	if CanTransition(e.session.State, models.StateError) {
		e.session.State = models.StateError
	}
}

// checkLogin runs the platform detector and, on the first positive result,
// moves the session to LOGGED_IN and saves its authentication state.
// A negative result never demotes a logged-in session.
func (m *Manager) checkLogin(ctx context.Context, e *entry, log *zap.Logger) (bool, error) {
	ok, err := e.detect.Detect(ctx, e.page(m.deps.Driver))
	if err != nil {
		return false, err
	}
	if !ok || e.state() != models.StateAwaitingLogin {
		return e.state() == models.StateLoggedIn, nil
	}

	if err := m.transition(e, models.StateLoggedIn); err != nil {
		return false, err
	}
	now := m.now()
	e.mu.Lock()
	e.session.LoginDetectedAt = &now
	e.mu.Unlock()
	log.Info("login detected")

	m.persistAuth(ctx, e, log)
	return true, nil
}

func (m *Manager) persistAuth(ctx context.Context, e *entry, log *zap.Logger) {
	e.mu.Lock()
	h := e.handle
	e.mu.Unlock()
	auth, err := m.deps.Driver.ExportAuthState(ctx, h)
	if err != nil {
		log.Warn("failed to export auth state", zap.Error(err))
		return
	}
	if auth.Empty() {
		return
	}
	data, err := json.Marshal(auth)
	if err != nil {
		log.Warn("failed to encode auth state", zap.Error(err))
		return
	}
	if err := m.deps.Store.Save(ctx, e.owner, e.profile.Name, data, e.profile.AuthStateTTL); err != nil {
		log.Warn("failed to save auth state", zap.Error(err))
		return
	}
	log.Debug("auth state saved", zap.Int("cookies", len(auth.Cookies)), zap.Duration("ttl", e.profile.AuthStateTTL))
}

// withSession runs fn under the session's operation lock. Operations are
// served in the order they arrive.
func (m *Manager) withSession(ctx context.Context, id string, fn func(ctx context.Context, e *entry, log *zap.Logger) error) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := e.lock.Lock(ctx); err != nil {
		return apperr.Wrap(apperr.KindNavigationTimeout, "session.lock",
			fmt.Errorf("gave up waiting for earlier operations on session %s: %w", id, err))
	}
	defer e.lock.Unlock()

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed || e.ctx.Err() != nil {
		return apperr.New(apperr.KindSessionExpired, "session.lookup", "session %s was closed", id)
	}

	opCtx, cancel := browser.CombineContext(ctx, e.ctx)
	defer cancel()
	log := m.logger.With(zap.String("session_id", e.id), zap.String("owner", e.owner))

	e.touch(m.now())
	err = fn(opCtx, e, log)
	e.touch(m.now())

	if err != nil && e.ctx.Err() != nil {
		// closed, swept or replaced while fn was running
		return &apperr.Error{Kind: apperr.KindSessionExpired, Op: "session.lookup",
			Msg: fmt.Sprintf("session %s was closed during the operation", id), Err: err}
	}
	if err != nil && apperr.IsKind(err, apperr.KindBrowserCrashed) {
		log.Error("browser crashed", zap.Error(err))
		m.fail(e, err)
	}
	return err
}

// Close releases the session's browser and removes it. Closing an unknown or
// already closed session succeeds.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.byID[id]
	if ok {
		m.unregisterLocked(e)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.closeEntry(ctx, e, "closed")
	return nil
}

func (m *Manager) closeInBackground(e *entry, reason string) {
	m.background(func() {
		m.closeEntry(context.Background(), e, reason)
	})
}

// background runs fn on its own goroutine tracked by Shutdown. Once Shutdown
// has started, fn runs on the caller's goroutine instead.
func (m *Manager) background(fn func()) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		fn()
		return
	}
	m.bg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.bg.Done()
		fn()
	}()
}

// closeEntry aborts in-flight work, waits for the session lock and releases
// the browser. e must already be unregistered.
func (m *Manager) closeEntry(ctx context.Context, e *entry, reason string) {
	e.cancel()

	lockCtx, cancel := context.WithTimeout(ctx, m.opts.CloseTimeout)
	defer cancel()
	if err := e.lock.Lock(lockCtx); err != nil {
		m.logger.Warn("closing session without its lock", zap.String("session_id", e.id), zap.Error(err))
		m.finalize(e)
	} else {
		m.finalize(e)
		e.lock.Unlock()
	}
	m.logger.Info("session closed", zap.String("session_id", e.id), zap.String("owner", e.owner), zap.String("reason", reason))
}

// finalize releases every resource of e exactly once.
func (m *Manager) finalize(e *entry) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.session.State = models.StateClosed
	h := e.handle
	e.handle = nil
	slot := e.slotHeld
	e.slotHeld = false
	e.mu.Unlock()

	e.cancel()
	if h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.CloseTimeout)
		if err := m.deps.Driver.Close(ctx, h); err != nil {
			m.logger.Warn("failed to close browser", zap.String("session_id", e.id), zap.Error(err))
		}
		cancel()
	}
	if slot {
		m.slots.Release(1)
	}
}

// SweepOnce closes every session past its idle or absolute limit and
// returns how many were closed.
func (m *Manager) SweepOnce(ctx context.Context) int {
	now := m.now()
	type victim struct {
		e      *entry
		reason string
	}
	var victims []victim
	m.mu.Lock()
	for _, e := range m.byID {
		if reason, gone := m.expired(e.snapshot(), now); gone {
			m.unregisterLocked(e)
			victims = append(victims, victim{e, reason})
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, v := range victims {
		g.Go(func() error {
			m.closeEntry(gctx, v.e, v.reason)
			return nil
		})
	}
	_ = g.Wait()
	if len(victims) > 0 {
		m.logger.Info("swept expired sessions", zap.Int("count", len(victims)))
	}
	return len(victims)
}

// Run sweeps expired sessions and purges expired auth states until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	interval := m.opts.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()
	purge := time.NewTicker(time.Hour)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			m.SweepOnce(ctx)
		case <-purge.C:
			n, err := m.deps.Store.PurgeExpired(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("failed to purge expired auth states", zap.Error(err))
			} else if n > 0 {
				m.logger.Info("purged expired auth states", zap.Int64("count", n))
			}
		}
	}
}

// Shutdown refuses new sessions, closes every live one and waits for
// background work to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	entries := make([]*entry, 0, len(m.byID))
	for _, e := range m.byID {
		m.unregisterLocked(e)
		entries = append(entries, e)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			m.closeEntry(gctx, e, "shutdown")
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		m.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background session work: %w", ctx.Err())
	}
}
