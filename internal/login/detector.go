// Package login decides whether a browser page belongs to an authenticated
// partner session.
package login

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/portalrelay/internal/apperr"
	"github.com/shehryarbajwa/portalrelay/internal/browser"
	"github.com/shehryarbajwa/portalrelay/internal/platform"
)

// Page is the read side of a browser page.
type Page interface {
	Snapshot(ctx context.Context) (*browser.DOMSnapshot, error)
}

// Detector reports whether the page is logged in.
type Detector interface {
	Detect(ctx context.Context, p Page) (bool, error)
}

// Heuristic is one signal evaluated against a snapshot.
type Heuristic interface {
	Name() string
	Match(snap *browser.DOMSnapshot) bool
}

// URLPattern matches the current URL.
type URLPattern struct {
	re *regexp.Regexp
}

func NewURLPattern(pattern string) (*URLPattern, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad url pattern %q: %w", pattern, err)
	}
	return &URLPattern{re: re}, nil
}

func (u *URLPattern) Name() string { return "url:" + u.re.String() }

func (u *URLPattern) Match(snap *browser.DOMSnapshot) bool {
	return u.re.MatchString(snap.URL)
}

// DOMMarker matches when an XPath expression selects at least one node.
type DOMMarker struct {
	expr string
	xp   *xpath.Expr
}

func NewDOMMarker(expr string) (*DOMMarker, error) {
	xp, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("bad dom marker %q: %w", expr, err)
	}
	return &DOMMarker{expr: expr, xp: xp}, nil
}

func (m *DOMMarker) Name() string { return "dom:" + m.expr }

func (m *DOMMarker) Match(snap *browser.DOMSnapshot) bool {
	if strings.TrimSpace(snap.HTML) == "" {
		return false
	}
	doc, err := htmlquery.Parse(strings.NewReader(snap.HTML))
	if err != nil {
		return false
	}
	return htmlquery.QuerySelector(doc, m.xp) != nil
}

// HeuristicDetector ORs its heuristics in order and stops at the first match.
type HeuristicDetector struct {
	heuristics []Heuristic
	loggedOut  []*regexp.Regexp
	logger     *zap.Logger
}

// NewHeuristicDetector builds the URL heuristics first, then DOM markers.
func NewHeuristicDetector(rules platform.LoginRules, logger *zap.Logger) (*HeuristicDetector, error) {
	d := &HeuristicDetector{logger: logger}
	for _, p := range rules.AuthenticatedURLPatterns {
		h, err := NewURLPattern(p)
		if err != nil {
			return nil, err
		}
		d.heuristics = append(d.heuristics, h)
	}
	for _, e := range rules.DOMMarkers {
		h, err := NewDOMMarker(e)
		if err != nil {
			return nil, err
		}
		d.heuristics = append(d.heuristics, h)
	}
	for _, p := range rules.LoggedOutURLPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bad logged-out pattern %q: %w", p, err)
		}
		d.loggedOut = append(d.loggedOut, re)
	}
	if len(d.heuristics) == 0 {
		return nil, fmt.Errorf("no login heuristics configured")
	}
	return d, nil
}

// Detect never fails on a transient page read; only a crashed browser is
// reported as an error.
func (d *HeuristicDetector) Detect(ctx context.Context, p Page) (bool, error) {
	snap, err := p.Snapshot(ctx)
	if err != nil {
		if apperr.IsKind(err, apperr.KindBrowserCrashed) {
			return false, err
		}
		d.logger.Debug("login check could not read page", zap.Error(err))
		return false, nil
	}
	return d.Evaluate(snap), nil
}

// Evaluate runs the heuristics against an existing snapshot.
func (d *HeuristicDetector) Evaluate(snap *browser.DOMSnapshot) bool {
	if d.LoggedOut(snap.URL) {
		return false
	}
	for _, h := range d.heuristics {
		if h.Match(snap) {
			d.logger.Debug("login heuristic matched", zap.String("heuristic", h.Name()), zap.String("url", snap.URL))
			return true
		}
	}
	return false
}

// LoggedOut reports whether url is one of the partner's logged-out pages.
func (d *HeuristicDetector) LoggedOut(url string) bool {
	for _, re := range d.loggedOut {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// Registry maps platform names to detectors.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
}

// NewRegistry builds a HeuristicDetector for every profile.
func NewRegistry(profiles []platform.Profile, logger *zap.Logger) (*Registry, error) {
	r := &Registry{detectors: make(map[string]Detector, len(profiles))}
	for _, p := range profiles {
		d, err := NewHeuristicDetector(p.Login, logger.Named("login").With(zap.String("platform", p.Name)))
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", p.Name, err)
		}
		r.detectors[strings.ToLower(p.Name)] = d
	}
	return r, nil
}

// Register installs a custom detector, replacing any existing one.
func (r *Registry) Register(platformName string, d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detectors[strings.ToLower(platformName)] = d
}

func (r *Registry) Get(platformName string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[strings.ToLower(platformName)]
	return d, ok
}
