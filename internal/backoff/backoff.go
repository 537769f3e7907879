// Package backoff computes reconnect delays.
//
// The delay grows by a factor of 1.5 per attempt starting at a base
// duration, is capped at a maximum, and is spread by ±20% symmetric jitter.
// The jittered result never exceeds the maximum.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Default values for a reconnect policy.
const (
	DefaultBase        = 2 * time.Second
	DefaultMax         = 30 * time.Second
	DefaultMaxAttempts = 10

	// Multiplier is the growth factor between consecutive attempts.
	Multiplier = 1.5

	// JitterFraction is the symmetric jitter applied to the raw delay.
	JitterFraction = 0.2
)

// Delay returns the jittered reconnect delay for the given attempt (1-based).
func Delay(attempt int, base, max time.Duration) time.Duration {
	return delay(attempt, base, max, rand.Float64())
}

// Raw returns the un-jittered delay: min(max, base * 1.5^(attempt-1)).
func Raw(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}

	raw := float64(base) * math.Pow(Multiplier, float64(attempt-1))
	if max > 0 && raw > float64(max) {
		return max
	}
	if raw > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(raw)
}

// delay applies jitter r in [0, 1) to the raw delay.
func delay(attempt int, base, max time.Duration, r float64) time.Duration {
	raw := float64(Raw(attempt, base, max))

	d := raw - JitterFraction*raw + r*2*JitterFraction*raw
	if max > 0 && d > float64(max) {
		d = float64(max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Policy bundles reconnect parameters.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns the standard reconnect policy.
func DefaultPolicy() Policy {
	return Policy{
		Base:        DefaultBase,
		Max:         DefaultMax,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns the jittered delay for attempt.
func (p Policy) Delay(attempt int) time.Duration {
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	return delay(attempt, p.Base, p.Max, r())
}

// Exhausted reports whether attempts has reached the policy limit.
// A non-positive MaxAttempts never exhausts.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
