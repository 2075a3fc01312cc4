package eventbridge

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// sleepBackoff waits approximately d, ctx permitting. It is built on
// x/time/rate rather than a bare time.Sleep: draining a single-token
// limiter's initial burst before waiting forces the subsequent Wait to
// block for the limiter's configured interval, giving the reconnect loop
// the same token-bucket pacing primitive the Agent Client uses for its
// outbound request rate.
func sleepBackoff(ctx context.Context, d time.Duration) error {
	limiter := rate.NewLimiter(rate.Every(d), 1)
	limiter.Allow() // drain the initial full burst
	return limiter.Wait(ctx)
}
