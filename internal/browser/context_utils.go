package browser

import "context"

// CombineContext returns a context that carries primary's values and is
// cancelled when either context is done. chromedp reads its target from
// context values, so the tab context must be primary.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
