// Package clock provides time seams so retry and pacing logic can be tested
// without real sleeps.
package clock

import (
	"context"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Sleeper blocks for the given duration or until the context finishes,
// whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration)

// SystemClock implements Clock using time.Now.
type SystemClock struct{}

// System creates a real clock.
func System() SystemClock {
	return SystemClock{}
}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Sleep is the production Sleeper. It returns early when the context is
// cancelled so cooperative cancellation is not delayed by a pending backoff.
func Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// NoSleep is a Sleeper that returns immediately; tests inject it to avoid
// real waits.
func NoSleep(context.Context, time.Duration) {}
