package deadletter

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxJitter is the upper bound of the random stretch applied to each delay
const maxJitter = 0.1

// Backoff computes exponential retry delays with jitter
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Delay returns min(Initial * Multiplier^(attempt-1) * (1 + U[0, 0.1)), Max)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	random := b.Rand
	if random == nil {
		random = rand.Float64
	}

	factor := math.Pow(b.Multiplier, float64(attempt-1))
	if math.IsNaN(factor) || math.IsInf(factor, 0) || factor > float64(b.Max)/float64(b.Initial) {
		return b.Max
	}

	delay := float64(b.Initial) * factor * (1 + random()*maxJitter)
	if math.IsNaN(delay) || math.IsInf(delay, 0) || delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}
