// Package extraction reads driver earnings from an authenticated partner
// portal page.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/portalrelay/internal/apperr"
	"github.com/shehryarbajwa/portalrelay/internal/browser"
	"github.com/shehryarbajwa/portalrelay/internal/platform"
	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// ErrLoggedOut means the partner ended the session while data was being read.
var ErrLoggedOut = errors.New("partner session logged out")

// Page is the browser surface the engine needs.
type Page interface {
	Snapshot(ctx context.Context) (*browser.DOMSnapshot, error)
	Navigate(ctx context.Context, url string) error
}

// Options tune how long the engine waits for the table to settle.
type Options struct {
	// PollEvery is the delay between page reads while waiting.
	PollEvery time.Duration
	// StableRounds is how many consecutive identical row counts count as settled.
	StableRounds int
	// AppearTimeout bounds the wait for the table container to show up.
	AppearTimeout time.Duration
}

type Engine struct {
	opts   Options
	now    func() time.Time
	logger *zap.Logger
}

func NewEngine(opts Options, logger *zap.Logger) *Engine {
	if opts.PollEvery <= 0 {
		opts.PollEvery = 500 * time.Millisecond
	}
	if opts.StableRounds <= 0 {
		opts.StableRounds = 2
	}
	if opts.AppearTimeout <= 0 {
		opts.AppearTimeout = 15 * time.Second
	}
	return &Engine{opts: opts, now: time.Now, logger: logger.Named("extraction")}
}

// Run navigates to the profile's earnings pages and returns the combined
// result. It never returns a partial result.
func (e *Engine) Run(ctx context.Context, p Page, prof platform.Profile) (*models.ExtractionResult, error) {
	const op = "extraction.run"

	loggedOut, err := compileAll(prof.Login.LoggedOutURLPatterns)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	snap, err := p.Snapshot(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCaptureFailure, op, err)
	}
	if matchAny(loggedOut, snap.URL) {
		return nil, apperr.Wrap(apperr.KindExtractionParseError, op, ErrLoggedOut)
	}
	urls, err := prof.ResolveEarningsURLs(snap.URL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExtractionParseError, op, err)
	}

	var drivers []models.DriverEarning
	for _, u := range urls {
		if err := p.Navigate(ctx, u); err != nil {
			return nil, apperr.Wrap(apperr.KindNavigationTimeout, op, err)
		}
		page, err := e.waitStable(ctx, p, prof.Extraction, loggedOut)
		if err != nil {
			return nil, err
		}
		doc, err := htmlquery.Parse(strings.NewReader(page.HTML))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindExtractionParseError, op, err)
		}
		table, err := ParseEarnings(doc, prof.Extraction)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindExtractionParseError, op, fmt.Errorf("%s: %w", u, err))
		}

		if table.DisplayedTotal != nil {
			var sum models.Amount
			for _, d := range table.Drivers {
				sum += d.RendimentosLiquidos
			}
			if sum != *table.DisplayedTotal {
				e.logger.Warn("displayed total differs from sum of rows",
					zap.String("platform", prof.Name),
					zap.String("url", u),
					zap.Stringer("displayed", *table.DisplayedTotal),
					zap.Stringer("computed", sum))
			}
		}
		drivers = append(drivers, table.Drivers...)
	}

	res := models.NewExtractionResult(prof.Name, e.now().UTC(), drivers)
	e.logger.Info("extraction complete",
		zap.String("platform", prof.Name),
		zap.Int("drivers", res.TotalMotoristas),
		zap.Stringer("total", res.TotalRendimentos))
	return res, nil
}

// waitStable polls until the page is complete and the row count has not
// changed for StableRounds reads.
func (e *Engine) waitStable(ctx context.Context, p Page, rules platform.ExtractionRules, loggedOut []*regexp.Regexp) (*browser.DOMSnapshot, error) {
	const op = "extraction.wait"
	deadline := e.now().Add(e.opts.AppearTimeout)
	lastCount, stable := -1, 0

	for {
		snap, err := p.Snapshot(ctx)
		if err != nil {
			if apperr.IsKind(err, apperr.KindBrowserCrashed) {
				return nil, err
			}
			stable = 0
		} else {
			if matchAny(loggedOut, snap.URL) {
				return nil, apperr.Wrap(apperr.KindExtractionParseError, op, ErrLoggedOut)
			}
			present, count := false, 0
			if doc, perr := htmlquery.Parse(strings.NewReader(snap.HTML)); perr == nil {
				present, count = countRows(doc, rules)
			}
			if snap.ReadyState == "complete" && (present || !e.now().Before(deadline)) {
				if count == lastCount {
					stable++
				} else {
					stable = 1
				}
				lastCount = count
				if stable >= e.opts.StableRounds {
					return snap, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindExtractionParseError, op,
				fmt.Errorf("earnings table did not settle: %w", ctx.Err()))
		case <-time.After(e.opts.PollEvery):
		}
	}
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
