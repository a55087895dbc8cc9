package login

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shehryarbajwa/portalrelay/internal/apperr"
	"github.com/shehryarbajwa/portalrelay/internal/browser"
	"github.com/shehryarbajwa/portalrelay/internal/platform"
)

type stubPage struct {
	snap *browser.DOMSnapshot
	err  error
}

func (s stubPage) Snapshot(context.Context) (*browser.DOMSnapshot, error) { return s.snap, s.err }

const org = "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"

func uberDetector(t *testing.T) *HeuristicDetector {
	t.Helper()
	d, err := NewHeuristicDetector(platform.Defaults()["uber"].Login, zaptest.NewLogger(t))
	require.NoError(t, err)
	return d
}

func TestDetectURLPattern(t *testing.T) {
	d := uberDetector(t)
	ok, err := d.Detect(context.Background(), stubPage{snap: &browser.DOMSnapshot{
		URL: "https://supplier.uber.com/orgs/" + org + "/overview",
	}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDetectDOMMarker(t *testing.T) {
	d := uberDetector(t)
	ok, err := d.Detect(context.Background(), stubPage{snap: &browser.DOMSnapshot{
		URL:  "https://supplier.uber.com/",
		HTML: `<html><body><nav data-testid="supplier-nav"></nav></body></html>`,
	}})
	require.NoError(t, err)
	assert.True(t, ok, "dom marker is enough when the url is ambiguous")
}

func TestDetectLoginPage(t *testing.T) {
	d := uberDetector(t)
	ok, err := d.Detect(context.Background(), stubPage{snap: &browser.DOMSnapshot{
		URL:  "https://auth.uber.com/login",
		HTML: `<html><body><form><input name="email"></form></body></html>`,
	}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoggedOutURLOverridesMarkers(t *testing.T) {
	d := uberDetector(t)
	assert.False(t, d.Evaluate(&browser.DOMSnapshot{
		URL:  "https://auth.uber.com/login",
		HTML: `<html><body><nav data-testid="supplier-nav"></nav></body></html>`,
	}))
	assert.True(t, d.LoggedOut("https://auth.uber.com/v2/"))
}

func TestDetectSwallowsTransientErrors(t *testing.T) {
	d := uberDetector(t)
	ok, err := d.Detect(context.Background(), stubPage{err: apperr.New(apperr.KindCaptureFailure, "snap", "timeout")})
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.Detect(context.Background(), stubPage{err: errors.New("boom")})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDetectReportsCrash(t *testing.T) {
	d := uberDetector(t)
	_, err := d.Detect(context.Background(), stubPage{err: apperr.New(apperr.KindBrowserCrashed, "snap", "gone")})
	assert.ErrorIs(t, err, apperr.ErrBrowserCrashed)
}

func TestNewHeuristicDetectorValidation(t *testing.T) {
	_, err := NewHeuristicDetector(platform.LoginRules{}, zaptest.NewLogger(t))
	assert.Error(t, err)
	_, err = NewHeuristicDetector(platform.LoginRules{DOMMarkers: []string{"//div["}}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

type fixedDetector bool

func (f fixedDetector) Detect(context.Context, Page) (bool, error) { return bool(f), nil }

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry([]platform.Profile{platform.Defaults()["uber"]}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, ok := reg.Get("Uber")
	assert.True(t, ok)
	_, ok = reg.Get("99")
	assert.False(t, ok)

	reg.Register("99", fixedDetector(true))
	d, ok := reg.Get("99")
	require.True(t, ok)
	got, err := d.Detect(context.Background(), stubPage{})
	require.NoError(t, err)
	assert.True(t, got)
}
