package utils

import (
	"math/rand"
	"sync"
	"time"
)

// Shifts beyond this overflow int64.
const maxBackoffShift = 62

// Exponential backoff with jitter.
// Delay for attempt n is initial * 2^n, capped at max, and then
// randomized by ±jitter (0.0 to 1.0).
type Backoff struct {
	initial time.Duration
	max     time.Duration
	jitter  float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoff(initialDelay, maxDelay time.Duration, jitter float64) *Backoff {
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}
	return &Backoff{
		initial: initialDelay,
		max:     maxDelay,
		jitter:  min(max(jitter, 0), 1),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Returns the delay before retry attempt n, starting at zero.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 || b.initial <= 0 {
		return 0
	}

	delay := b.max
	if attempt < maxBackoffShift {
		if d := time.Duration(int64(1)<<uint(attempt)) * b.initial; d > 0 && d < b.max {
			delay = d
		}
	}

	if b.jitter > 0 {
		b.mu.Lock()
		factor := 1.0 + (b.rng.Float64()*2-1)*b.jitter
		b.mu.Unlock()
		delay = time.Duration(float64(delay) * factor)
	}

	return min(delay, b.max)
}
