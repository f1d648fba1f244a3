package txbox

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// DelayFunc is a function that returns the delay after a given attempt.
type DelayFunc func(attempt int) time.Duration

// Fixed returns a DelayFunc that returns a fixed delay for all attempts.
func Fixed(delay time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc that doubles the delay on every attempt, capped at maxDelay.
//
// For example, with delay of 1 second and maxDelay of 10 minutes:
//
// Delay after attempt 0: 1s
// Delay after attempt 1: 2s
// Delay after attempt 2: 4s
// Delay after attempt 3: 8s
// ...
// Delay after attempt 9: 8m32s
// Delay after attempt 10: 10m0s
// ...
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	// Pre-calculate max shifts to prevent overflow
	logDelay := math.Floor(math.Log2(float64(delay)))
	var maxShifts uint
	if logDelay >= 62 {
		maxShifts = 0
	} else {
		maxShifts = 62 - uint(logDelay)
	}

	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(attempt), maxShifts)

		nextDelay := delay << n
		return min(nextDelay, maxDelay)
	}
}

// FullJitter wraps a DelayFunc and returns a random delay in [0, d] where d is the
// wrapped delay. Nodes retrying the same broker outage then spread their attempts.
func FullJitter(delayFunc DelayFunc) DelayFunc {
	return func(attempt int) time.Duration {
		d := delayFunc(attempt)
		if d <= 0 {
			return 0
		}
		// nolint:gosec
		return time.Duration(rand.Int64N(int64(d) + 1))
	}
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
