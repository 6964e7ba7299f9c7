package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays as min(Base*Multiplier^attempt, Max) with a
// uniform jitter of up to JitterRange of the delay in either direction.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	JitterRange float64

	rand func() float64
}

// Nominal returns the un-jittered delay before retry number attempt (0-based).
func (b Backoff) Nominal(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(b.Base) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}

// Delay returns a jittered delay for attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	nominal := b.Nominal(attempt)
	j := b.jitterRange()
	if j == 0 || nominal == 0 {
		return nominal
	}
	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	frac := (r()*2 - 1) * j
	return time.Duration(float64(nominal) * (1 + frac))
}

// Next returns the delay for attempt, never shorter than prev. Successive
// delays of one call stay non-decreasing and inside Nominal*(1±JitterRange).
func (b Backoff) Next(attempt int, prev time.Duration) time.Duration {
	d := b.Delay(attempt)
	if d < prev {
		return prev
	}
	return d
}

func (b Backoff) jitterRange() float64 {
	switch {
	case b.JitterRange <= 0:
		return 0
	case b.JitterRange > 1:
		return 1
	default:
		return b.JitterRange
	}
}
