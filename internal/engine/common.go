package engine

import (
	"context"
	"time"
)

// sleepCtx sleeps for d or returns early if ctx is cancelled first. Every
// backoff sleep is a suspension point (spec.md §5) that must honor
// cancellation promptly.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
