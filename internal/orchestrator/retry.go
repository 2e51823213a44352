package orchestrator

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is the per-stage retry policy from spec §4.5: "{max_attempts,
// base_delay, max_delay, multiplier, jitter_fraction}".
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
}

// DefaultRetryPolicy is orchestrator.default_retry (spec §6.3) absent a
// per-stage override.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		Multiplier:     2,
		JitterFraction: 0.2,
	}
}

// Delay returns the backoff before retrying after `attempt` prior failed
// attempts (attempt is 1 for the delay before the second try).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFraction > 0 {
		d += d * p.JitterFraction * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt is permitted.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	if p.MaxAttempts <= 0 {
		return false
	}
	return attempt < p.MaxAttempts
}
