package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/shehryarbajwa/portalrelay/internal/apperr"
	"github.com/shehryarbajwa/portalrelay/internal/authstore"
	"github.com/shehryarbajwa/portalrelay/internal/browser"
	"github.com/shehryarbajwa/portalrelay/internal/browser/browsertest"
	"github.com/shehryarbajwa/portalrelay/internal/extraction"
	"github.com/shehryarbajwa/portalrelay/internal/extraction/mocks"
	"github.com/shehryarbajwa/portalrelay/internal/login"
	"github.com/shehryarbajwa/portalrelay/internal/platform"
	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	org       = "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"
	portalURL = "https://supplier.uber.com/"
	authURL   = "https://auth.uber.com/login"
	homeURL   = "https://supplier.uber.com/orgs/" + org + "/overview"
	earnURL   = "https://supplier.uber.com/orgs/" + org + "/earnings"
)

const earningsPage = `<html><body><table data-testid="earnings-table"><tbody>
<tr><td>Ana Lima</td><td>R$ 1.050,00</td></tr>
<tr><td>Bruno Reis</td><td>R$ 320,50</td></tr>
</tbody></table><div data-testid="earnings-total">R$ 1.370,50</div></body></html>`

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	m      *Manager
	driver *browsertest.FakeDriver
	store  authstore.Store
	clock  *fakeClock
}

type harnessOpt func(*Options, *Deps)

func withSink(s extraction.Sink) harnessOpt {
	return func(_ *Options, d *Deps) { d.Sink = s }
}

func withMaxConcurrent(n int64) harnessOpt {
	return func(o *Options, _ *Deps) { o.MaxConcurrent = n }
}

// newHarness wires a manager to a fake partner portal: the login page lives
// on auth.uber.com and clicking anywhere on it logs the operator in.
func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	prof := platform.Defaults()["uber"]
	prof.HomeURL = homeURL
	platforms, err := platform.NewRegistry(map[string]platform.Profile{"uber": prof})
	require.NoError(t, err)
	detectors, err := login.NewRegistry(platforms.All(), logger)
	require.NoError(t, err)

	driver := browsertest.NewFakeDriver()
	driver.Redirects[portalURL] = authURL
	driver.SetPage(authURL, `<html><body><form><input name="email"></form></body></html>`)
	driver.SetPage(homeURL, `<html><body><nav data-testid="supplier-nav"></nav></body></html>`)
	driver.SetPage(earnURL, earningsPage)
	driver.OnClick = func(tab *browsertest.Tab, _, _ int) {
		if tab.URL == authURL {
			tab.URL = homeURL
			tab.HTML = driver.Site[homeURL]
		}
	}

	clock := &fakeClock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	store := authstore.NewMemoryStore(authstore.WithClock(clock.Now))

	o := Options{
		IdleTimeout:      10 * time.Minute,
		MaxAge:           45 * time.Minute,
		ExtractTimeout:   5 * time.Second,
		CloseTimeout:     time.Second,
		MaxConcurrent:    4,
		ActualViewport:   models.Viewport{Width: 1280, Height: 800},
		ReportedViewport: models.Viewport{Width: 1280, Height: 800},
		Clock:            clock.Now,
	}
	d := Deps{
		Driver:    driver,
		Platforms: platforms,
		Detectors: detectors,
		Engine:    extraction.NewEngine(extraction.Options{PollEvery: time.Millisecond, StableRounds: 2, AppearTimeout: time.Second}, logger),
		Store:     store,
		Logger:    logger,
	}
	for _, fn := range opts {
		fn(&o, &d)
	}
	m := NewManager(o, d)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
		assert.Zero(t, driver.Open(), "every browser is released")
	})
	return &harness{m: m, driver: driver, store: store, clock: clock}
}

func (h *harness) start(t *testing.T, owner string) *StartResult {
	t.Helper()
	res, err := h.m.Start(context.Background(), StartRequest{Owner: owner, Platform: "uber"})
	require.NoError(t, err)
	return res
}

func TestScenarioManualLoginThenExtract(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	published := make(chan *models.ExtractionResult, 1)
	sink.EXPECT().Publish(gomock.Any(), "user-1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, r *models.ExtractionResult) error {
			published <- r
			return nil
		})

	h := newHarness(t, withSink(sink))
	ctx := context.Background()

	res := h.start(t, "user-1")
	assert.False(t, res.Logado)
	assert.Equal(t, models.StateAwaitingLogin, res.Session.State)
	assert.Equal(t, browsertest.PNG, res.Screenshot)
	assert.Equal(t, "image/png", res.MimeType)
	assert.Equal(t, []string{portalURL}, h.driver.Navigations())

	for range 3 {
		f, err := h.m.Screenshot(ctx, res.Session.ID)
		require.NoError(t, err)
		assert.False(t, f.Logado)
	}

	f, err := h.m.Click(ctx, res.Session.ID, 640, 400)
	require.NoError(t, err)
	assert.Equal(t, []browsertest.Click{{Session: res.Session.ID, X: 640, Y: 400}}, h.driver.Clicks())
	assert.True(t, f.Logado)

	logado, state, err := h.m.VerifyLogin(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.True(t, logado)
	assert.Equal(t, models.StateLoggedIn, state)

	saved, err := h.store.Load(ctx, "user-1", "uber")
	require.NoError(t, err)
	require.NotNil(t, saved, "auth state is persisted when login is detected")

	result, err := h.m.Extract(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, len(result.Drivers), result.TotalMotoristas)
	assert.Equal(t, models.Amount(137050), result.TotalRendimentos)

	s, err := h.m.Get(res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateLoggedIn, s.State, "session stays open for repeat extraction")
	require.NotNil(t, s.LoginDetectedAt)

	select {
	case got := <-published:
		assert.Same(t, result, got)
	case <-time.After(2 * time.Second):
		t.Fatal("result was not published")
	}
}

func TestScenarioHydratedStartSkipsLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.start(t, "user-2")
	_, err := h.m.Click(ctx, first.Session.ID, 10, 10)
	require.NoError(t, err)
	require.NoError(t, h.m.Close(ctx, first.Session.ID))

	res := h.start(t, "user-2")
	assert.True(t, res.Logado)

	launched := h.driver.Launched()
	require.Len(t, launched, 2)
	assert.Nil(t, launched[0].Auth)
	require.NotNil(t, launched[1].Auth, "saved cookies are injected before the first navigation")
	assert.Equal(t, "sid", launched[1].Auth.Cookies[0].Name)

	f, err := h.m.Screenshot(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.True(t, f.Logado)
	assert.Empty(t, h.driver.Clicks()[1:], "no manual login needed")
}

func TestScenarioExtractBeforeLoginIsRejected(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, "user-3")
	before := len(h.driver.Navigations())

	_, err := h.m.Extract(context.Background(), res.Session.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	s, err := h.m.Get(res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingLogin, s.State)
	assert.Empty(t, s.LastError)
	assert.Len(t, h.driver.Navigations(), before, "browser was not touched")
}

func TestExpiredAuthStateIsNotReused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "user-4", "uber", []byte(`{"cookies":[{"name":"sid","value":"x"}]}`), time.Hour))
	h.clock.Advance(2 * time.Hour)

	res := h.start(t, "user-4")
	assert.False(t, res.Logado)
	assert.Nil(t, h.driver.Launched()[0].Auth)
}

func TestStartConflictAndReplace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.start(t, "user-5")

	_, err := h.m.Start(ctx, StartRequest{Owner: "user-5", Platform: "uber"})
	assert.ErrorIs(t, err, apperr.ErrConcurrentSessionConflict)

	second, err := h.m.Start(ctx, StartRequest{Owner: "user-5", Platform: "uber", Replace: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, 1, h.m.Count())
	assert.Equal(t, 1, h.driver.Closed())

	_, err = h.m.Screenshot(ctx, first.Session.ID)
	assert.ErrorIs(t, err, apperr.ErrSessionExpired)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.Start(ctx, StartRequest{Owner: "u", Platform: "lyft"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = h.m.Start(ctx, StartRequest{Owner: "u", Platform: "uber", Viewport: &models.Viewport{Width: 0, Height: 800}})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = h.m.Start(ctx, StartRequest{Platform: "uber"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	assert.Empty(t, h.driver.Launched())
}

func TestLaunchFailureReleasesReservation(t *testing.T) {
	h := newHarness(t, withMaxConcurrent(1))
	h.driver.LaunchErr = errors.New("chrome not found")

	_, err := h.m.Start(context.Background(), StartRequest{Owner: "user-6", Platform: "uber"})
	assert.ErrorIs(t, err, apperr.ErrLaunchFailure)
	assert.Zero(t, h.m.Count())

	h.driver.LaunchErr = nil
	h.start(t, "user-6")
}

func TestNavigationFailureDuringStartIsLaunchFailure(t *testing.T) {
	h := newHarness(t)
	h.driver.NavigateErr = context.DeadlineExceeded

	_, err := h.m.Start(context.Background(), StartRequest{Owner: "user-7", Platform: "uber"})
	assert.ErrorIs(t, err, apperr.ErrLaunchFailure)
	assert.Zero(t, h.m.Count())
	assert.Equal(t, 1, h.driver.Closed())
}

func TestBrowserSlotsAreBounded(t *testing.T) {
	h := newHarness(t, withMaxConcurrent(1))
	first := h.start(t, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.m.Start(ctx, StartRequest{Owner: "b", Platform: "uber"})
	assert.ErrorIs(t, err, apperr.ErrLaunchFailure)

	require.NoError(t, h.m.Close(context.Background(), first.Session.ID))
	h.start(t, "b")
}

func TestClickOutsideViewport(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, "user-8")

	_, err := h.m.Click(context.Background(), res.Session.ID, 1281, 10)
	assert.ErrorIs(t, err, apperr.ErrInvalidCoordinate)
	assert.Empty(t, h.driver.Clicks())
}

func TestClickScalesToActualViewport(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) {
		o.ActualViewport = models.Viewport{Width: 1920, Height: 1200}
	})
	res := h.start(t, "user-9")

	_, err := h.m.Click(context.Background(), res.Session.ID, 640, 400)
	require.NoError(t, err)
	assert.Equal(t, []browsertest.Click{{Session: res.Session.ID, X: 960, Y: 600}}, h.driver.Clicks())
}

func TestTypeRequiresTextOrKey(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, "user-10")
	ctx := context.Background()

	_, err := h.m.Type(ctx, res.Session.ID, browser.KeyInput{})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = h.m.Type(ctx, res.Session.ID, browser.KeyInput{Text: "ana@example.com"})
	require.NoError(t, err)
	_, err = h.m.Type(ctx, res.Session.ID, browser.KeyInput{Key: "Enter"})
	require.NoError(t, err)
	assert.Equal(t, []browser.KeyInput{{Text: "ana@example.com"}, {Key: "Enter"}}, h.driver.Keys())
}

func TestIdleSessionExpires(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, "user-11")

	h.clock.Advance(11 * time.Minute)
	_, err := h.m.Screenshot(context.Background(), res.Session.ID)
	assert.ErrorIs(t, err, apperr.ErrSessionExpired)
	assert.Zero(t, h.m.Count())

	// the owner may start again right away
	h.start(t, "user-11")
}

func TestSweepClosesExpiredSessions(t *testing.T) {
	h := newHarness(t)
	old := h.start(t, "old")
	h.clock.Advance(8 * time.Minute)
	fresh := h.start(t, "fresh")
	h.clock.Advance(3 * time.Minute)

	assert.Equal(t, 1, h.m.SweepOnce(context.Background()))
	assert.Equal(t, 1, h.driver.Closed())

	_, err := h.m.Get(old.Session.ID)
	assert.ErrorIs(t, err, apperr.ErrSessionExpired)
	_, err = h.m.Get(fresh.Session.ID)
	assert.NoError(t, err)
}

func TestMaxAgeAppliesToActiveSessions(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, "user-12")
	ctx := context.Background()

	for range 5 {
		h.clock.Advance(9 * time.Minute)
		_, err := h.m.Screenshot(ctx, res.Session.ID)
		require.NoError(t, err)
	}
	h.clock.Advance(time.Minute)
	_, err := h.m.Screenshot(ctx, res.Session.ID)
	assert.ErrorIs(t, err, apperr.ErrSessionExpired)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, "user-13")
	ctx := context.Background()

	require.NoError(t, h.m.Close(ctx, res.Session.ID))
	require.NoError(t, h.m.Close(ctx, res.Session.ID))
	require.NoError(t, h.m.Close(ctx, "no-such-session"))
	assert.Equal(t, 1, h.driver.Closed())

	_, err := h.m.Screenshot(ctx, res.Session.ID)
	assert.ErrorIs(t, err, apperr.ErrSessionExpired)
}

func TestCrashMovesSessionToError(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, "user-14")
	ctx := context.Background()
	_, err := h.m.Click(ctx, res.Session.ID, 1, 1)
	require.NoError(t, err)

	h.driver.Crash(res.Session.ID)
	_, err = h.m.Screenshot(ctx, res.Session.ID)
	assert.ErrorIs(t, err, apperr.ErrBrowserCrashed)

	s, err := h.m.Get(res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateError, s.State)
	assert.NotEmpty(t, s.LastError)

	_, err = h.m.Extract(ctx, res.Session.ID)
	assert.ErrorIs(t, err, apperr.ErrBrowserCrashed, "a crashed session must be restarted")
	_, err = h.m.Click(ctx, res.Session.ID, 1, 1)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	require.NoError(t, h.m.Close(ctx, res.Session.ID))
}

func TestExtractFailureAllowsRetry(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, "user-15")
	ctx := context.Background()
	_, err := h.m.Click(ctx, res.Session.ID, 1, 1)
	require.NoError(t, err)

	h.driver.SetPage(earnURL, `<html><body><table data-testid="earnings-table"><tbody><tr><td>Ana</td><td>abc</td></tr></tbody></table></body></html>`)
	_, err = h.m.Extract(ctx, res.Session.ID)
	assert.ErrorIs(t, err, apperr.ErrExtractionParseError)
	s, _ := h.m.Get(res.Session.ID)
	assert.Equal(t, models.StateError, s.State)

	h.driver.SetPage(earnURL, earningsPage)
	result, err := h.m.Extract(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalMotoristas)
	s, _ = h.m.Get(res.Session.ID)
	assert.Equal(t, models.StateLoggedIn, s.State)
	assert.Empty(t, s.LastError)
}

func TestLogoutDuringExtraction(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, "user-16")
	ctx := context.Background()
	_, err := h.m.Click(ctx, res.Session.ID, 1, 1)
	require.NoError(t, err)

	h.driver.Redirects[earnURL] = authURL
	_, err = h.m.Extract(ctx, res.Session.ID)
	assert.ErrorIs(t, err, apperr.ErrExtractionParseError)
	assert.ErrorIs(t, err, extraction.ErrLoggedOut)

	s, _ := h.m.Get(res.Session.ID)
	assert.Equal(t, models.StateAwaitingLogin, s.State)
	assert.Nil(t, s.LoginDetectedAt)

	saved, err := h.store.Load(ctx, "user-16", "uber")
	require.NoError(t, err)
	assert.Nil(t, saved, "stale auth state is forgotten")
}

func TestCloseDuringExtractionReportsExpired(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, "user-19")
	ctx := context.Background()
	_, err := h.m.Click(ctx, res.Session.ID, 1, 1)
	require.NoError(t, err)

	// the earnings table never renders, so extraction keeps waiting
	h.driver.SetPage(earnURL, `<html><body></body></html>`)
	done := make(chan error, 1)
	go func() {
		_, err := h.m.Extract(ctx, res.Session.ID)
		done <- err
	}()
	require.Eventually(t, func() bool {
		s, err := h.m.Get(res.Session.ID)
		return err == nil && s.State == models.StateExtracting
	}, time.Second, time.Millisecond)

	require.NoError(t, h.m.Close(ctx, res.Session.ID))
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("extraction did not return after close")
	}
	assert.ErrorIs(t, err, apperr.ErrSessionExpired)
	assert.Equal(t, apperr.ActionRestart, apperr.ActionFor(apperr.KindOf(err)))
	assert.Zero(t, h.driver.Open())
}

func TestLockWaitTimeoutIsRetryable(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, "user-20")

	e, err := h.m.lookup(res.Session.ID)
	require.NoError(t, err)
	require.NoError(t, e.lock.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.m.Screenshot(ctx, res.Session.ID)
	assert.ErrorIs(t, err, apperr.ErrNavigationTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, apperr.ActionRetry, apperr.ActionFor(apperr.KindOf(err)))

	e.lock.mu.Lock()
	assert.Zero(t, e.lock.waiters.Len(), "an abandoned wait leaves the queue")
	e.lock.mu.Unlock()
	e.lock.Unlock()

	s, err := h.m.Get(res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingLogin, s.State)
}

func TestPublishAfterShutdownRunsInline(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	var delivered bool
	sink.EXPECT().Publish(gomock.Any(), "user-21", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ *models.ExtractionResult) error {
			delivered = true
			return nil
		})

	h := newHarness(t, withSink(sink))
	require.NoError(t, h.m.Shutdown(context.Background()))

	h.m.publish("user-21", &models.ExtractionResult{TotalMotoristas: 1})
	assert.True(t, delivered, "nothing is left running once shutdown has returned")
}

func TestOperationsOnOneSessionNeverOverlap(t *testing.T) {
	h := newHarness(t)
	h.driver.OpDelay = 2 * time.Millisecond
	res := h.start(t, "user-17")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 5 {
				var err error
				switch (i + j) % 3 {
				case 0:
					_, err = h.m.Screenshot(ctx, res.Session.ID)
				case 1:
					_, _, err = h.m.VerifyLogin(ctx, res.Session.ID)
				default:
					_, err = h.m.Click(ctx, res.Session.ID, 100, 100)
				}
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, h.driver.Violations())
}

func TestOperationsAreServedInOrder(t *testing.T) {
	h := newHarness(t)
	res := h.start(t, "user-18")
	ctx := context.Background()

	e, err := h.m.lookup(res.Session.ID)
	require.NoError(t, err)
	require.NoError(t, e.lock.Lock(ctx))

	var (
		queued int
		wg     sync.WaitGroup
	)
	for _, text := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.m.Type(ctx, res.Session.ID, browser.KeyInput{Text: text})
			assert.NoError(t, err)
		}()
		// wait until the call is queued before submitting the next
		require.Eventually(t, func() bool {
			e.lock.mu.Lock()
			defer e.lock.mu.Unlock()
			return e.lock.waiters.Len() == queued+1
		}, time.Second, time.Millisecond)
		queued++
	}
	e.lock.Unlock()
	wg.Wait()

	assert.Equal(t, []browser.KeyInput{{Text: "a"}, {Text: "b"}, {Text: "c"}}, h.driver.Keys())
}

func TestListFiltersByOwner(t *testing.T) {
	h := newHarness(t)
	h.start(t, "a")
	h.start(t, "b")

	list := h.m.List("a")
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].OwnerUserID)
	assert.Len(t, h.m.List(""), 2)
}

func TestShutdownRefusesNewSessions(t *testing.T) {
	h := newHarness(t)
	h.start(t, "a")
	require.NoError(t, h.m.Shutdown(context.Background()))
	assert.Equal(t, 1, h.driver.Closed())

	_, err := h.m.Start(context.Background(), StartRequest{Owner: "b", Platform: "uber"})
	assert.ErrorIs(t, err, apperr.ErrLaunchFailure)
}
