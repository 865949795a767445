package crawler

import (
	"context"
	"fmt"
	"time"
)

// Sleeper blocks for delay or until ctx is done.
type Sleeper func(ctx context.Context, delay time.Duration) error

// timerSleep is the default Sleeper. It returns the context error when the
// context ends before the delay elapses.
func timerSleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// backoffDelay returns 2^attempt seconds, attempt counted from zero.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}
