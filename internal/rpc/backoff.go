// SPDX-License-Identifier: MPL-2.0

package rpc

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes capped exponential delays: Initial * Multiplier^iteration,
// never more than Max. Jitter spreads each delay by up to that fraction in
// either direction.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

// DefaultPollBackoff is the status polling strategy: 50ms growing by half each
// iteration up to 2s.
func DefaultPollBackoff() Backoff {
	return Backoff{Initial: 50 * time.Millisecond, Multiplier: 1.5, Max: 2 * time.Second}
}

// Delay returns the wait before attempt iteration+1. Iteration 0 is the wait
// after the first attempt.
func (b Backoff) Delay(iteration int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(max(iteration, 0)))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
