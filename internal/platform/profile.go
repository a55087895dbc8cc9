// Package platform describes the partner portals the service can drive:
// where to log in, how to recognize an authenticated page, and where the
// earnings data lives.
package platform

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/antchfx/xpath"
)

// LoginRules are the heuristics used to decide whether a page is authenticated.
type LoginRules struct {
	// AuthenticatedURLPatterns are regular expressions matched against the
	// current URL. Named groups become placeholders for earnings URLs.
	AuthenticatedURLPatterns []string `mapstructure:"authenticated_url_patterns" yaml:"authenticated_url_patterns"`
	// DOMMarkers are XPath expressions that only match after login.
	DOMMarkers []string `mapstructure:"dom_markers" yaml:"dom_markers"`
	// LoggedOutURLPatterns match pages that prove the partner dropped the session.
	LoggedOutURLPatterns []string `mapstructure:"logged_out_url_patterns" yaml:"logged_out_url_patterns"`
}

// ExtractionRules locate the earnings table.
type ExtractionRules struct {
	// EarningsURLs may contain {name} placeholders filled from named groups
	// of the authenticated URL patterns.
	EarningsURLs     []string `mapstructure:"earnings_urls" yaml:"earnings_urls"`
	ContainerXPath   string   `mapstructure:"container_xpath" yaml:"container_xpath"`
	RowXPath         string   `mapstructure:"row_xpath" yaml:"row_xpath"`
	NameXPath        string   `mapstructure:"name_xpath" yaml:"name_xpath"`
	AmountXPath      string   `mapstructure:"amount_xpath" yaml:"amount_xpath"`
	TotalXPath       string   `mapstructure:"total_xpath" yaml:"total_xpath"`
	DecimalSeparator string   `mapstructure:"decimal_separator" yaml:"decimal_separator"`
}

// Profile is everything the service knows about one partner platform.
type Profile struct {
	Name         string          `mapstructure:"name" yaml:"name"`
	LoginURL     string          `mapstructure:"login_url" yaml:"login_url"`
	HomeURL      string          `mapstructure:"home_url" yaml:"home_url"`
	AuthStateTTL time.Duration   `mapstructure:"auth_state_ttl" yaml:"auth_state_ttl"`
	Login        LoginRules      `mapstructure:"login" yaml:"login"`
	Extraction   ExtractionRules `mapstructure:"extraction" yaml:"extraction"`
}

// StartURL is where a new session lands: the home page when a saved
// authentication state is being reused, the login page otherwise.
func (p Profile) StartURL(hydrated bool) string {
	if hydrated && p.HomeURL != "" {
		return p.HomeURL
	}
	return p.LoginURL
}

// Validate checks that the profile's URLs, patterns and expressions compile.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("platform name is required")
	}
	if p.LoginURL == "" {
		return fmt.Errorf("platform %s: login_url is required", p.Name)
	}
	if len(p.Login.AuthenticatedURLPatterns) == 0 && len(p.Login.DOMMarkers) == 0 {
		return fmt.Errorf("platform %s: at least one login heuristic is required", p.Name)
	}
	for _, pat := range append(append([]string{}, p.Login.AuthenticatedURLPatterns...), p.Login.LoggedOutURLPatterns...) {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("platform %s: bad url pattern %q: %w", p.Name, pat, err)
		}
	}
	exprs := append([]string{}, p.Login.DOMMarkers...)
	ex := p.Extraction
	if len(ex.EarningsURLs) == 0 {
		return fmt.Errorf("platform %s: extraction.earnings_urls is required", p.Name)
	}
	if ex.RowXPath == "" || ex.NameXPath == "" || ex.AmountXPath == "" {
		return fmt.Errorf("platform %s: row, name and amount xpaths are required", p.Name)
	}
	exprs = append(exprs, ex.RowXPath, ex.NameXPath, ex.AmountXPath)
	if ex.ContainerXPath != "" {
		exprs = append(exprs, ex.ContainerXPath)
	}
	if ex.TotalXPath != "" {
		exprs = append(exprs, ex.TotalXPath)
	}
	for _, e := range exprs {
		if _, err := xpath.Compile(e); err != nil {
			return fmt.Errorf("platform %s: bad xpath %q: %w", p.Name, e, err)
		}
	}
	if ex.DecimalSeparator != "" && ex.DecimalSeparator != "," && ex.DecimalSeparator != "." {
		return fmt.Errorf("platform %s: decimal_separator must be \",\" or \".\"", p.Name)
	}
	if p.AuthStateTTL < 0 {
		return fmt.Errorf("platform %s: auth_state_ttl must not be negative", p.Name)
	}
	return nil
}

// ResolveEarningsURLs fills {name} placeholders of the earnings URLs with
// the named groups captured by the first authenticated pattern matching
// currentURL.
func (p Profile) ResolveEarningsURLs(currentURL string) ([]string, error) {
	vars := map[string]string{}
	for _, pat := range p.Login.AuthenticatedURLPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, err
		}
		m := re.FindStringSubmatch(currentURL)
		if m == nil {
			continue
		}
		for i, name := range re.SubexpNames() {
			if name != "" && m[i] != "" {
				vars[name] = m[i]
			}
		}
		break
	}

	out := make([]string, 0, len(p.Extraction.EarningsURLs))
	for _, tmpl := range p.Extraction.EarningsURLs {
		u := tmpl
		for k, v := range vars {
			u = strings.ReplaceAll(u, "{"+k+"}", v)
		}
		if i := strings.Index(u, "{"); i >= 0 && strings.Contains(u[i:], "}") {
			return nil, fmt.Errorf("earnings url %q has unresolved placeholders for current url %q", tmpl, currentURL)
		}
		out = append(out, u)
	}
	return out, nil
}

// Registry holds the configured profiles by name.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry validates and indexes profiles. The map key wins over Profile.Name.
func NewRegistry(profiles map[string]Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for name, p := range profiles {
		p.Name = strings.ToLower(name)
		if err := p.Validate(); err != nil {
			return nil, err
		}
		r.profiles[p.Name] = p
	}
	return r, nil
}

// Get looks up a profile by (case-insensitive) name.
func (r *Registry) Get(name string) (Profile, bool) {
	p, ok := r.profiles[strings.ToLower(name)]
	return p, ok
}

// Names lists the known platforms in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns a copy of every profile.
func (r *Registry) All() []Profile {
	out := make([]Profile, 0, len(r.profiles))
	for _, n := range r.Names() {
		out = append(out, r.profiles[n])
	}
	return out
}
