package browser

import (
	"strings"

	"github.com/chromedp/chromedp/kb"

	"github.com/shehryarbajwa/portalrelay/internal/apperr"
)

var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"backspace":  kb.Backspace,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"delete":     kb.Delete,
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
}

// ResolveKey maps a key name such as "Enter" or "ArrowDown" to the key
// sequence understood by chromedp.
func ResolveKey(name string) (string, error) {
	if k, ok := namedKeys[strings.ToLower(strings.TrimSpace(name))]; ok {
		return k, nil
	}
	return "", apperr.New(apperr.KindInvalidInput, "browser.keys", "unknown key %q", name)
}

// Validate checks that exactly one of Text or Key is set and that Key is known.
func (in KeyInput) Validate() error {
	switch {
	case in.Text == "" && in.Key == "":
		return apperr.New(apperr.KindInvalidInput, "browser.keys", "text or key is required")
	case in.Text != "" && in.Key != "":
		return apperr.New(apperr.KindInvalidInput, "browser.keys", "text and key are mutually exclusive")
	case in.Key != "":
		_, err := ResolveKey(in.Key)
		return err
	}
	return nil
}
