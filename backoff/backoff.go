// Package backoff provides the exponential backoff schedule used by the
// outbox relay when it reschedules failed entries for a later retry.
package backoff

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// FullJitter returns a random duration in [0, delay).
// Returns 0 for zero or negative delays.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		// Entropy exhaustion must not stall a retry schedule; a midpoint
		// delay keeps the schedule moving with reasonable spread.
		return delay / 2
	}

	return time.Duration(n.Int64())
}

// ExponentialWithJitter combines exponential backoff with full jitter,
// returning a random duration in [0, base * 2^attempt). This is the
// "Full Jitter" strategy recommended by AWS.
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// Delay returns the jittered delay for the given attempt, capped at ceiling.
// A non-positive ceiling disables the cap.
func Delay(base, ceiling time.Duration, attempt int) time.Duration {
	window := Exponential(base, attempt)
	if ceiling > 0 && window > ceiling {
		window = ceiling
	}

	return FullJitter(window)
}

// NextRetryAt returns the instant an entry failed at the given attempt
// becomes eligible for retry again. The returned time is always strictly
// after now so an entry never re-enters the very cycle that failed it.
func NextRetryAt(now time.Time, base, ceiling time.Duration, attempt int) time.Time {
	delay := Delay(base, ceiling, attempt)
	if delay <= 0 {
		delay = time.Millisecond
	}

	return now.Add(delay)
}

// SleepWithContext sleeps for the given duration but respects context
// cancellation. Returns immediately (nil) for zero or negative durations.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
