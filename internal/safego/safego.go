// Package safego provides panic-protected goroutine wrappers for
// fire-and-forget work where a panic must not take down the whole daemon.
// The daemon's HTTP-server goroutine is the only caller of Go.
package safego

import (
	"context"
	"fmt"
	"runtime"

	"github.com/ternarybob/arbor"
)

// Go runs fn in a goroutine, recovering and logging any panic instead of
// letting it crash the process.
func Go(logger arbor.ILogger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				if logger != nil {
					logger.Error().
						Str("goroutine", name).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(buf[:n])).
						Msg("recovered from panic in goroutine")
				}
			}
		}()
		fn()
	}()
}

// GoWithContext is Go, but skips running fn if ctx is already done.
func GoWithContext(ctx context.Context, logger arbor.ILogger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				if logger != nil {
					logger.Error().
						Str("goroutine", name).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(buf[:n])).
						Msg("recovered from panic in goroutine")
				}
			}
		}()

		select {
		case <-ctx.Done():
			return
		default:
		}

		fn()
	}()
}
