// Package browser drives one isolated headless browser per session.
package browser

import (
	"context"

	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// Handle identifies a launched browser context.
type Handle interface {
	ID() string
}

// LaunchOptions configures a new browser context.
type LaunchOptions struct {
	SessionID string
	Viewport  models.Viewport
	// Auth, when set, is injected before the first navigation.
	Auth *models.AuthArtifacts
}

// KeyInput is either free text or a single named key.
type KeyInput struct {
	Text string
	Key  string
}

// DOMSnapshot is a point-in-time read of the current document.
type DOMSnapshot struct {
	URL        string
	Title      string
	ReadyState string
	HTML       string
}

// Driver is the low-level browser interface. It does not serialize calls on
// a handle; callers must.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Handle, error)
	Navigate(ctx context.Context, h Handle, url string) error
	Capture(ctx context.Context, h Handle) ([]byte, error)
	DispatchClick(ctx context.Context, h Handle, x, y int) error
	DispatchKeys(ctx context.Context, h Handle, in KeyInput) error
	ReadDOMSnapshot(ctx context.Context, h Handle) (*DOMSnapshot, error)
	ExportAuthState(ctx context.Context, h Handle) (*models.AuthArtifacts, error)
	Close(ctx context.Context, h Handle) error
	// MimeType is the content type of images returned by Capture.
	MimeType() string
}

// Page binds a driver to one handle.
type Page struct {
	Driver Driver
	Handle Handle
}

func (p Page) Snapshot(ctx context.Context) (*DOMSnapshot, error) {
	return p.Driver.ReadDOMSnapshot(ctx, p.Handle)
}

func (p Page) Navigate(ctx context.Context, url string) error {
	return p.Driver.Navigate(ctx, p.Handle, url)
}
