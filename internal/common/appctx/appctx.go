// Package appctx provides context utilities for background operations that
// must outlive a single request/cycle context but still observe the
// process-wide stop signal.
package appctx

import "context"

// Detached returns a context derived from context.Background() (not from
// parent, so a cancelled parent never cancels it prematurely) that is
// cancelled when stopCh closes. Used by long-running goroutines such as the
// perf session's rotation-wait loop, which must keep running across many
// scheduler cycles and only stop on the global stop signal.
func Detached(stopCh <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
