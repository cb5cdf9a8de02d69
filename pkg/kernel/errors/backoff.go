package errors

import (
	"math/rand/v2"
	"time"
)

// BackoffConfig describes the exponential backoff applied between retry
// attempts. The delay for attempt n (zero-based) is
// BaseDelay * Factor^n, capped at MaxDelay, with optional jitter.
type BackoffConfig struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// Factor is the multiplier applied per attempt.
	Factor float64

	// Jitter is the random jitter fraction (0.0-1.0) applied to the
	// computed delay. Zero disables jitter.
	Jitter float64
}

// DefaultBackoff is the standard backoff configuration.
var DefaultBackoff = BackoffConfig{
	BaseDelay: 1 * time.Second,
	MaxDelay:  30 * time.Second,
	Factor:    2.0,
	Jitter:    0.1,
}

// AggressiveBackoff retries faster with a lower ceiling.
var AggressiveBackoff = BackoffConfig{
	BaseDelay: 500 * time.Millisecond,
	MaxDelay:  10 * time.Second,
	Factor:    1.5,
	Jitter:    0.2,
}

// Delay returns the backoff delay for the given zero-based attempt.
// Ignoring jitter, the result is non-decreasing in attempt.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	base := c.BaseDelay
	if base <= 0 {
		base = DefaultBackoff.BaseDelay
	}
	factor := c.Factor
	if factor < 1 {
		factor = DefaultBackoff.Factor
	}
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultBackoff.MaxDelay
	}

	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= factor
		if d >= float64(maxDelay) {
			d = float64(maxDelay)
			break
		}
	}

	delay := time.Duration(d)
	if delay > maxDelay {
		delay = maxDelay
	}
	return applyJitter(delay, c.Jitter)
}

// applyJitter perturbs the delay by up to +/- delay*jitter.
func applyJitter(delay time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return delay
	}
	amount := float64(delay) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + amount)
}

// RetryPolicy pairs a retry ceiling with a backoff configuration. It is
// shared by the scheduler's resubmission path and the recovery manager's
// strategy attempts.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts after the
	// initial failure.
	MaxRetries int

	// Backoff is the delay schedule between attempts.
	Backoff BackoffConfig
}

// DefaultRetryPolicy retries three times with standard backoff.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	Backoff:    DefaultBackoff,
}
