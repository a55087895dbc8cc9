// Package browsertest provides a scriptable in-memory browser.Driver.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shehryarbajwa/portalrelay/internal/apperr"
	"github.com/shehryarbajwa/portalrelay/internal/browser"
	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// PNG is a minimal valid PNG returned by Capture.
var PNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0a, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

// Click records a dispatched click.
type Click struct {
	Session string
	X, Y    int
}

// Tab is the fake state of one launched browser.
type Tab struct {
	id       string
	Options  browser.LaunchOptions
	URL      string
	HTML     string
	crashed  bool
	closed   bool
	inflight atomic.Int32
}

func (t *Tab) ID() string { return t.id }

// FakeDriver is a browser.Driver whose pages come from Site. Hooks run
// under the driver lock and may mutate the tab.
type FakeDriver struct {
	mu sync.Mutex

	// Site maps a URL to the HTML served there.
	Site map[string]string
	// Redirects maps a URL to the URL the browser actually lands on.
	Redirects map[string]string

	LaunchErr   error
	CaptureErr  error
	NavigateErr error
	// OpDelay is slept inside every operation to widen race windows.
	OpDelay time.Duration

	OnClick func(t *Tab, x, y int)
	OnKeys  func(t *Tab, in browser.KeyInput)
	// Auth is returned by ExportAuthState.
	Auth *models.AuthArtifacts

	tabs        map[string]*Tab
	launched    []browser.LaunchOptions
	clicks      []Click
	keys        []browser.KeyInput
	navigations []string
	closed      int
	open        atomic.Int32
	violations  atomic.Int32
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		Site:      map[string]string{},
		Redirects: map[string]string{},
		tabs:      map[string]*Tab{},
	}
}

func (f *FakeDriver) MimeType() string { return "image/png" }

// SetPage serves html at url.
func (f *FakeDriver) SetPage(url, html string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Site[url] = html
}

// Goto moves a session's tab to url as if the user navigated there.
func (f *FakeDriver) Goto(sessionID, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tabs[sessionID]; ok {
		t.URL = url
		t.HTML = f.Site[url]
	}
}

// Crash marks a session's browser as crashed.
func (f *FakeDriver) Crash(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tabs[sessionID]; ok {
		t.crashed = true
	}
}

func (f *FakeDriver) Launched() []browser.LaunchOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]browser.LaunchOptions(nil), f.launched...)
}

func (f *FakeDriver) Clicks() []Click {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Click(nil), f.clicks...)
}

func (f *FakeDriver) Keys() []browser.KeyInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]browser.KeyInput(nil), f.keys...)
}

func (f *FakeDriver) Navigations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navigations...)
}

func (f *FakeDriver) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Open is the number of browsers launched and not yet closed.
func (f *FakeDriver) Open() int { return int(f.open.Load()) }

// Violations counts operations that overlapped on the same handle.
func (f *FakeDriver) Violations() int { return int(f.violations.Load()) }

// enter looks up the tab and marks an operation in flight on it.
func (f *FakeDriver) enter(ctx context.Context, h browser.Handle, op string) (*Tab, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	t, ok := f.tabs[h.ID()]
	if ok && t.closed {
		ok = false
	}
	f.mu.Unlock()
	if !ok {
		return nil, nil, apperr.New(apperr.KindBrowserCrashed, op, "browser %s is not running", h.ID())
	}
	if t.inflight.Add(1) > 1 {
		f.violations.Add(1)
	}
	leave := func() { t.inflight.Add(-1) }
	if f.OpDelay > 0 {
		select {
		case <-time.After(f.OpDelay):
		case <-ctx.Done():
			leave()
			return nil, nil, ctx.Err()
		}
	}
	f.mu.Lock()
	crashed := t.crashed
	f.mu.Unlock()
	if crashed {
		leave()
		return nil, nil, apperr.New(apperr.KindBrowserCrashed, op, "browser target crashed")
	}
	return t, leave, nil
}

func (f *FakeDriver) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindLaunchFailure, "browser.launch", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, opts)
	if f.LaunchErr != nil {
		return nil, apperr.Wrap(apperr.KindLaunchFailure, "browser.launch", f.LaunchErr)
	}
	t := &Tab{id: opts.SessionID, Options: opts, URL: "about:blank"}
	f.tabs[t.id] = t
	f.open.Add(1)
	return t, nil
}

func (f *FakeDriver) Navigate(ctx context.Context, h browser.Handle, url string) error {
	t, leave, err := f.enter(ctx, h, "browser.navigate")
	if err != nil {
		return err
	}
	defer leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigations = append(f.navigations, url)
	if f.NavigateErr != nil {
		return apperr.Wrap(apperr.KindNavigationTimeout, "browser.navigate", f.NavigateErr)
	}
	if to, ok := f.Redirects[url]; ok {
		url = to
	}
	t.URL = url
	t.HTML = f.Site[url]
	return nil
}

func (f *FakeDriver) Capture(ctx context.Context, h browser.Handle) ([]byte, error) {
	_, leave, err := f.enter(ctx, h, "browser.capture")
	if err != nil {
		return nil, err
	}
	defer leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CaptureErr != nil {
		return nil, apperr.Wrap(apperr.KindCaptureFailure, "browser.capture", f.CaptureErr)
	}
	return append([]byte(nil), PNG...), nil
}

func (f *FakeDriver) DispatchClick(ctx context.Context, h browser.Handle, x, y int) error {
	t, leave, err := f.enter(ctx, h, "browser.click")
	if err != nil {
		return err
	}
	defer leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, Click{Session: t.id, X: x, Y: y})
	if f.OnClick != nil {
		f.OnClick(t, x, y)
	}
	return nil
}

func (f *FakeDriver) DispatchKeys(ctx context.Context, h browser.Handle, in browser.KeyInput) error {
	if err := in.Validate(); err != nil {
		return err
	}
	t, leave, err := f.enter(ctx, h, "browser.keys")
	if err != nil {
		return err
	}
	defer leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, in)
	if f.OnKeys != nil {
		f.OnKeys(t, in)
	}
	return nil
}

func (f *FakeDriver) ReadDOMSnapshot(ctx context.Context, h browser.Handle) (*browser.DOMSnapshot, error) {
	t, leave, err := f.enter(ctx, h, "browser.snapshot")
	if err != nil {
		return nil, err
	}
	defer leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	return &browser.DOMSnapshot{URL: t.URL, ReadyState: "complete", HTML: t.HTML}, nil
}

func (f *FakeDriver) ExportAuthState(ctx context.Context, h browser.Handle) (*models.AuthArtifacts, error) {
	t, leave, err := f.enter(ctx, h, "browser.export")
	if err != nil {
		return nil, err
	}
	defer leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Auth != nil {
		a := *f.Auth
		return &a, nil
	}
	return &models.AuthArtifacts{
		Origin:  t.URL,
		Cookies: []models.Cookie{{Name: "sid", Value: fmt.Sprintf("cookie-%s", t.id), Domain: "example.test", Path: "/"}},
	}, nil
}

func (f *FakeDriver) Close(_ context.Context, h browser.Handle) error {
	if h == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tabs[h.ID()]
	if !ok || t.closed {
		return nil
	}
	t.closed = true
	delete(f.tabs, h.ID())
	f.closed++
	f.open.Add(-1)
	return nil
}

var _ browser.Driver = (*FakeDriver)(nil)
