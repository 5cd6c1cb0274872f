package session

import (
	"math"
	"math/rand/v2"
	"time"
)

// backoff computes exponentially growing delays between connection attempts.
//
// Unlike a blocking retry loop it only hands out delays; the connector schedules the
// next attempt itself so that Advance never sleeps.
type backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     bool

	cur time.Duration
}

func newBackoff(initial, maxDelay time.Duration) *backoff {
	return &backoff{initial: initial, max: maxDelay, multiplier: 2.0, jitter: true}
}

// next returns the delay before the next attempt and grows the following one.
func (b *backoff) next() time.Duration {
	delay := b.cur
	if delay == 0 {
		delay = b.initial
	}

	b.cur = time.Duration(float64(delay) * b.multiplier)
	if b.cur > b.max {
		b.cur = b.max
	}

	if b.jitter {
		return addJitter(delay)
	}

	return delay
}

func (b *backoff) reset() { b.cur = 0 }

// addJitter randomises d by ±25%, never going below one millisecond.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := rand.Float64()*2*quarter - quarter //nolint:gosec

	return time.Duration(math.Max(float64(d)+delta, float64(time.Millisecond)))
}
