package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before the next attempt:
// Base * Factor^failures, spread by ±JitterFraction when Jitter is on.
type Backoff struct {
	Base           time.Duration
	Factor         float64
	Jitter         bool
	JitterFraction float64
	// Rand returns values in [0,1); nil uses math/rand.
	Rand func() float64
}

// maxDelay caps pathological factor/attempt combinations.
const maxDelay = 24 * time.Hour

// Delay returns the wait after failures prior failed attempts (0 for the
// first failure).
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(b.Base) * math.Pow(factor, float64(failures))
	if b.Jitter && b.JitterFraction > 0 {
		random := b.Rand
		if random == nil {
			random = rand.Float64
		}
		delay *= 1 + (random()*2-1)*b.JitterFraction
	}
	if delay > float64(maxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return maxDelay
	}
	return time.Duration(delay)
}
