// Package backoff computes retry delays as a pure function of the attempt
// number, so timing behaviour is unit-testable without real time passing.
package backoff

import (
	"math/rand"
	"time"
)

const (
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 10 * time.Minute
)

// Delay returns the exponential backoff delay for the given attempt number
// (1-based): base * 2^(attempt-1), capped at max. Attempts below 1 are
// treated as 1. Callers add jitter separately via Jitter.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Jitter spreads a delay over [d/2, d) to avoid synchronized retries.
func Jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}
