// Package app wires configuration into a running relay server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/portalrelay/internal/api"
	"github.com/shehryarbajwa/portalrelay/internal/authstore"
	"github.com/shehryarbajwa/portalrelay/internal/browser"
	"github.com/shehryarbajwa/portalrelay/internal/config"
	"github.com/shehryarbajwa/portalrelay/internal/extraction"
	"github.com/shehryarbajwa/portalrelay/internal/login"
	"github.com/shehryarbajwa/portalrelay/internal/platform"
	"github.com/shehryarbajwa/portalrelay/internal/ratelimit"
	"github.com/shehryarbajwa/portalrelay/internal/session"
	"github.com/shehryarbajwa/portalrelay/internal/stream"
	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// limiterIdle is how long an operator's rate limit bucket is kept unused.
const limiterIdle = time.Hour

// Option customizes App construction.
type Option func(*options)

type options struct {
	driver browser.Driver
	store  authstore.Store
}

// WithDriver uses d instead of launching Chrome.
func WithDriver(d browser.Driver) Option {
	return func(o *options) { o.driver = d }
}

// WithStore uses s instead of opening the configured store.
func WithStore(s authstore.Store) Option {
	return func(o *options) { o.store = s }
}

// App owns every long-lived component of the server.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   authstore.Store
	driver  browser.Driver
	cdp     *browser.CDPDriver
	manager *session.Manager
	limiter *ratelimit.Limiter
	server  *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// New builds the application from cfg.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	a := &App{cfg: cfg, logger: logger}

	platforms, err := platform.NewRegistry(cfg.Platforms)
	if err != nil {
		return nil, fmt.Errorf("invalid platform profiles: %w", err)
	}
	detectors, err := login.NewRegistry(platforms.All(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build login detectors: %w", err)
	}

	a.store = o.store
	if a.store == nil {
		key, err := cfg.EncryptionKeyBytes()
		if err != nil {
			return nil, err
		}
		if a.store, err = authstore.Open(ctx, cfg.Store, key, logger); err != nil {
			return nil, fmt.Errorf("failed to open auth state store: %w", err)
		}
	}

	a.driver = o.driver
	if a.driver == nil {
		cdp, err := browser.NewCDPDriver(ctx, cfg.Browser, logger)
		if err != nil {
			_ = a.store.Close()
			return nil, fmt.Errorf("failed to create browser driver: %w", err)
		}
		a.cdp, a.driver = cdp, cdp
	}

	var sink extraction.Sink = extraction.NewLogSink(logger)
	if cfg.Sink.WebhookURL != "" {
		sink = extraction.NewWebhookSink(cfg.Sink.WebhookURL, cfg.Sink.AuthToken, cfg.Sink.Timeout, logger)
	}

	rw, rh := cfg.ReportedViewportDefault()
	a.manager = session.NewManager(session.Options{
		IdleTimeout:      cfg.Session.IdleTimeout,
		MaxAge:           cfg.Session.MaxAge,
		SweepInterval:    cfg.Session.SweepInterval,
		ExtractTimeout:   cfg.Session.ExtractTimeout,
		SettleDelay:      cfg.Session.SettleDelay,
		CloseTimeout:     cfg.Session.CloseTimeout,
		MaxConcurrent:    int64(cfg.Browser.MaxConcurrent),
		ActualViewport:   models.Viewport{Width: cfg.Browser.ViewportWidth, Height: cfg.Browser.ViewportHeight},
		ReportedViewport: models.Viewport{Width: rw, Height: rh},
		PublishTimeout:   cfg.Sink.Timeout,
	}, session.Deps{
		Driver:    a.driver,
		Platforms: platforms,
		Detectors: detectors,
		Engine: extraction.NewEngine(extraction.Options{
			PollEvery:     cfg.Session.StablePollEvery,
			StableRounds:  cfg.Session.StablePolls,
			AppearTimeout: cfg.Browser.NavigationTimeout,
		}, logger),
		Store:  a.store,
		Sink:   sink,
		Logger: logger,
	})

	if cfg.RateLimit.Enabled {
		a.limiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
	}
	streams := stream.NewServer(a.manager, cfg.Stream.Interval, cfg.Stream.WriteTimeout, cfg.Server.AllowedOrigins, logger)
	handler := api.NewHandler(a.manager, a.store, streams, logger)

	a.server = &http.Server{
		Handler:      handler.SetupRoutes(cfg.Server, a.limiter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorLog:     zap.NewStdLog(logger.Named("http")),
	}
	return a, nil
}

// Addr is the address the server listens on once Run has started.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.Addr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()
	a.logger.Info("server listening", zap.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.manager.Run(gctx)
		return nil
	})
	if a.limiter != nil {
		g.Go(func() error {
			t := time.NewTicker(10 * time.Minute)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					a.limiter.Prune(limiterIdle)
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			a.logger.Warn("http server did not stop cleanly", zap.Error(err))
		}
		return a.manager.Shutdown(sctx)
	})
	return g.Wait()
}

// Close releases the browser driver and the store.
func (a *App) Close() error {
	var errs []error
	if a.cdp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Session.CloseTimeout)
		defer cancel()
		errs = append(errs, a.cdp.Shutdown(ctx))
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// PurgeAuthStates removes expired saved logins from the configured store.
func PurgeAuthStates(ctx context.Context, cfg *config.Config, logger *zap.Logger) (int64, error) {
	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return 0, err
	}
	s, err := authstore.Open(ctx, cfg.Store, key, logger)
	if err != nil {
		return 0, err
	}
	defer s.Close()
	return s.PurgeExpired(ctx)
}
