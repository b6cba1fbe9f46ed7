// Package delay provides retry delays and clock-driven waits.
package delay

import (
	"context"
	"math/bits"
	"time"

	"github.com/jonboulle/clockwork"
)

// Func returns the delay to wait after a given failed attempt, starting at 0.
type Func func(attempt int) time.Duration

// Fixed returns a Func that waits the same delay after every attempt.
func Fixed(delay time.Duration) Func {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential returns a Func doubling initial after each attempt, capped at maxDelay.
//
// With initial 1s and maxDelay 1m: 1s, 2s, 4s, 8s, 16s, 32s, 1m, 1m, ...
func Exponential(initial, maxDelay time.Duration) Func {
	if initial <= 0 {
		return Fixed(0)
	}

	// shifting past this would overflow int64
	maxShift := bits.LeadingZeros64(uint64(initial)) - 1

	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return min(initial, maxDelay)
		}
		if attempt >= maxShift {
			return maxDelay
		}
		return min(initial<<uint(attempt), maxDelay)
	}
}

// Wait blocks for d on clock. It returns ctx.Err() if ctx is done first.
func Wait(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
