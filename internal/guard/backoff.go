package guard

import (
	"math"
	"time"
)

// Backoff computes exponential retry delays for transaction submission.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff is used when no backoff is configured.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 2 * time.Second, Max: 30 * time.Second, Multiplier: 2.0}
}

// Delay returns the wait before the retry following the given attempt
// (1-based): after the first failed attempt the delay is Initial, and each
// later one multiplies by Multiplier, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
