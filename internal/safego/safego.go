// Package safego wraps goroutine launches with panic recovery.
package safego

import "log/slog"

// Go runs fn in its own goroutine, recovering and logging any panic instead
// of letting it take the process down. The expiry notifier loops and the
// metrics listener are started through this so a bug in one of them leaves
// the rest of the daemon running.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}
