package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/portalrelay/internal/apperr"
	"github.com/shehryarbajwa/portalrelay/internal/config"
	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

const hydratedFlag = "__portalrelay_hydrated"

type tab struct {
	id          string
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	container   *Container
	crashed     atomic.Bool
}

func (t *tab) ID() string { return t.id }

// CDPDriver implements Driver over the Chrome DevTools Protocol.
type CDPDriver struct {
	cfg        config.BrowserConfig
	containers *ContainerLauncher
	// containerAlive reports whether a session's container is still running.
	containerAlive func(ctx context.Context, id string) bool
	logger         *zap.Logger

	mu   sync.Mutex
	tabs map[string]*tab
}

// NewCDPDriver creates a driver. In docker mode a container launcher is
// created and the browser image is pulled when configured to.
func NewCDPDriver(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*CDPDriver, error) {
	d := &CDPDriver{
		cfg:    cfg,
		logger: logger.Named("browser"),
		tabs:   make(map[string]*tab),
	}
	if cfg.Mode == "docker" {
		l, err := NewContainerLauncher(cfg.Docker, d.logger)
		if err != nil {
			return nil, err
		}
		if cfg.Docker.PullOnStart {
			if err := l.EnsureImage(ctx); err != nil {
				l.Close()
				return nil, fmt.Errorf("failed to ensure browser image: %w", err)
			}
		}
		d.containers = l
		d.containerAlive = l.IsRunning
	}
	return d, nil
}

func (d *CDPDriver) MimeType() string {
	if d.cfg.ScreenshotFormat == "jpeg" {
		return "image/jpeg"
	}
	return "image/png"
}

func (d *CDPDriver) allocatorOptions(vp models.Viewport) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(vp.Width, vp.Height),
	)
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}
	if d.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.cfg.UserAgent))
	}
	for _, arg := range d.cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts
}

func (d *CDPDriver) Launch(ctx context.Context, opts LaunchOptions) (Handle, error) {
	const op = "browser.launch"
	launchCtx, cancel := context.WithTimeout(ctx, d.cfg.LaunchTimeout)
	defer cancel()

	// The browser outlives the request that started it.
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
		ctr         *Container
	)
	if d.containers != nil {
		var err error
		ctr, err = d.containers.Start(launchCtx, opts.SessionID)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindLaunchFailure, op, err)
		}
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), ctr.DevToolsURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), d.allocatorOptions(opts.Viewport)...)
	}

	var ctxOpts []chromedp.ContextOption
	if d.cfg.Debug {
		sugar := d.logger.Sugar()
		ctxOpts = append(ctxOpts, chromedp.WithLogf(sugar.Debugf), chromedp.WithErrorf(sugar.Warnf))
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	t := &tab{
		id:          opts.SessionID,
		ctx:         tabCtx,
		cancel:      tabCancel,
		allocCancel: allocCancel,
		container:   ctr,
	}
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch ev.(type) {
		case *inspector.EventTargetCrashed, *inspector.EventDetached:
			if !t.crashed.Swap(true) {
				d.logger.Warn("browser target lost", zap.String("session_id", t.id))
			}
		}
	})

	// A deadline on the first Run would tear the browser down with it, so
	// the launch timeout is enforced from outside.
	errc := make(chan error, 1)
	go func() {
		errc <- chromedp.Run(tabCtx, d.setupActions(opts)...)
	}()
	var err error
	select {
	case err = <-errc:
	case <-launchCtx.Done():
		err = launchCtx.Err()
	}
	if err != nil {
		d.teardown(t)
		return nil, apperr.Wrap(apperr.KindLaunchFailure, op, err)
	}

	d.mu.Lock()
	d.tabs[t.id] = t
	d.mu.Unlock()
	d.logger.Debug("browser launched", zap.String("session_id", t.id), zap.Bool("hydrated", opts.Auth != nil))
	return t, nil
}

func (d *CDPDriver) setupActions(opts LaunchOptions) []chromedp.Action {
	actions := []chromedp.Action{
		emulation.SetDeviceMetricsOverride(int64(opts.Viewport.Width), int64(opts.Viewport.Height), 1, false),
	}
	if opts.Auth == nil || opts.Auth.Empty() {
		return actions
	}

	if len(opts.Auth.Cookies) > 0 {
		params := make([]*network.CookieParam, 0, len(opts.Auth.Cookies))
		for _, c := range opts.Auth.Cookies {
			p := &network.CookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			}
			if c.SameSite != "" {
				p.SameSite = network.CookieSameSite(c.SameSite)
			}
			if c.Expires > 0 {
				exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				p.Expires = &exp
			}
			params = append(params, p)
		}
		actions = append(actions, network.SetCookies(params))
	}

	if len(opts.Auth.LocalStorage) > 0 && opts.Auth.Origin != "" {
		script, err := localStorageScript(opts.Auth.Origin, opts.Auth.LocalStorage)
		if err == nil {
			actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
				_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
				return err
			}))
		}
	}
	return actions
}

// localStorageScript seeds local storage once per tab on the matching origin.
func localStorageScript(origin string, items map[string]string) (string, error) {
	o, err := json.Marshal(origin)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(function(){
  try {
    if (location.origin !== %s || sessionStorage.getItem(%q)) return;
    var d = %s;
    for (var k in d) { localStorage.setItem(k, d[k]); }
    sessionStorage.setItem(%q, "1");
  } catch (e) {}
})();`, o, hydratedFlag, data, hydratedFlag), nil
}

func (d *CDPDriver) lookup(h Handle, op string) (*tab, error) {
	if h == nil {
		return nil, apperr.New(apperr.KindInvalidInput, op, "nil browser handle")
	}
	d.mu.Lock()
	t, ok := d.tabs[h.ID()]
	d.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.KindBrowserCrashed, op, "browser %s is not running", h.ID())
	}
	return t, nil
}

// run executes actions on the tab under timeout and classifies failures.
func (d *CDPDriver) run(ctx context.Context, h Handle, op string, kind apperr.Kind, timeout time.Duration, actions ...chromedp.Action) error {
	t, err := d.lookup(h, op)
	if err != nil {
		return err
	}
	if t.crashed.Load() {
		return apperr.New(apperr.KindBrowserCrashed, op, "browser target crashed")
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx, cancelRun := CombineContext(t.ctx, opCtx)
	defer cancelRun()

	err = chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if t.crashed.Load() || t.ctx.Err() != nil {
		return apperr.Wrap(apperr.KindBrowserCrashed, op, err)
	}
	if t.container != nil && d.containerAlive != nil {
		checkCtx, cancelCheck := context.WithTimeout(context.Background(), 2*time.Second)
		alive := d.containerAlive(checkCtx, t.container.ID)
		cancelCheck()
		if !alive {
			t.crashed.Store(true)
			return apperr.Wrap(apperr.KindBrowserCrashed, op, fmt.Errorf("browser container %s exited: %w", t.container.ID, err))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || opCtx.Err() != nil {
		return apperr.Wrap(kind, op, fmt.Errorf("timed out after %s: %w", timeout, err))
	}
	return apperr.Wrap(kind, op, err)
}

func (d *CDPDriver) Navigate(ctx context.Context, h Handle, url string) error {
	return d.run(ctx, h, "browser.navigate", apperr.KindNavigationTimeout, d.cfg.NavigationTimeout, chromedp.Navigate(url))
}

func (d *CDPDriver) Capture(ctx context.Context, h Handle) ([]byte, error) {
	var buf []byte
	format := page.CaptureScreenshotFormatPng
	if d.cfg.ScreenshotFormat == "jpeg" {
		format = page.CaptureScreenshotFormatJpeg
	}
	err := d.run(ctx, h, "browser.capture", apperr.KindCaptureFailure, d.cfg.CaptureTimeout,
		chromedp.ActionFunc(func(ctx context.Context) error {
			p := page.CaptureScreenshot().WithFormat(format)
			if format == page.CaptureScreenshotFormatJpeg {
				p = p.WithQuality(int64(d.cfg.ScreenshotQuality))
			}
			var err error
			buf, err = p.Do(ctx)
			return err
		}))
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, apperr.New(apperr.KindCaptureFailure, "browser.capture", "empty screenshot")
	}
	return buf, nil
}

func (d *CDPDriver) DispatchClick(ctx context.Context, h Handle, x, y int) error {
	return d.run(ctx, h, "browser.click", apperr.KindNavigationTimeout, d.cfg.ActionTimeout,
		chromedp.MouseClickXY(float64(x), float64(y)))
}

func (d *CDPDriver) DispatchKeys(ctx context.Context, h Handle, in KeyInput) error {
	if err := in.Validate(); err != nil {
		return err
	}
	keys := in.Text
	if in.Key != "" {
		keys, _ = ResolveKey(in.Key)
	}
	return d.run(ctx, h, "browser.keys", apperr.KindNavigationTimeout, d.cfg.ActionTimeout, chromedp.KeyEvent(keys))
}

func (d *CDPDriver) ReadDOMSnapshot(ctx context.Context, h Handle) (*DOMSnapshot, error) {
	var snap DOMSnapshot
	err := d.run(ctx, h, "browser.snapshot", apperr.KindCaptureFailure, d.cfg.CaptureTimeout,
		chromedp.Location(&snap.URL),
		chromedp.Title(&snap.Title),
		chromedp.Evaluate(`document.readyState`, &snap.ReadyState),
		chromedp.OuterHTML("html", &snap.HTML, chromedp.ByQuery),
	)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

const jsLocalStorage = `(() => {
  const out = {};
  try {
    for (let i = 0; i < localStorage.length; i++) {
      const k = localStorage.key(i);
      out[k] = localStorage.getItem(k);
    }
  } catch (e) {}
  return out;
})()`

func (d *CDPDriver) ExportAuthState(ctx context.Context, h Handle) (*models.AuthArtifacts, error) {
	var (
		origin  string
		local   map[string]string
		cookies []*network.Cookie
	)
	err := d.run(ctx, h, "browser.export", apperr.KindCaptureFailure, d.cfg.CaptureTimeout,
		chromedp.Evaluate(`location.origin`, &origin),
		chromedp.Evaluate(jsLocalStorage, &local),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, err
	}

	out := &models.AuthArtifacts{Origin: origin, LocalStorage: local}
	for _, c := range cookies {
		out.Cookies = append(out.Cookies, models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		})
	}
	return out, nil
}

// Close releases the browser. Unknown handles are ignored.
func (d *CDPDriver) Close(ctx context.Context, h Handle) error {
	if h == nil {
		return nil
	}
	d.mu.Lock()
	t, ok := d.tabs[h.ID()]
	delete(d.tabs, h.ID())
	d.mu.Unlock()
	if !ok {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		// Cancel waits for the browser to exit.
		done <- chromedp.Cancel(t.ctx)
	}()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Debug("browser did not close cleanly", zap.String("session_id", t.id), zap.Error(err))
	}
	d.teardown(t)
	return nil
}

func (d *CDPDriver) teardown(t *tab) {
	t.cancel()
	t.allocCancel()
	if t.container != nil && d.containers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := d.containers.Stop(ctx, t.container.ID); err != nil {
			d.logger.Warn("failed to stop browser container", zap.String("session_id", t.id), zap.Error(err))
		}
	}
}

// Shutdown closes every browser still open and releases the docker client.
func (d *CDPDriver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	open := make([]*tab, 0, len(d.tabs))
	for _, t := range d.tabs {
		open = append(open, t)
	}
	d.mu.Unlock()

	for _, t := range open {
		_ = d.Close(ctx, t)
	}
	if d.containers != nil {
		return d.containers.Close()
	}
	return nil
}
