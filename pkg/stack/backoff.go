package stack

import (
	"math"
	"math/rand"
	"time"
)

// RandomSource provides random values for jitter calculation.
// Allows injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// Backoff computes the wait before the next retransmission.
// attempt is the number of retransmissions already made (0 after the
// initial send).
type Backoff interface {
	Interval(base time.Duration, attempt int) time.Duration
}

// FixedBackoff waits base between every transmission.
type FixedBackoff struct{}

// Interval returns base.
func (FixedBackoff) Interval(base time.Duration, attempt int) time.Duration {
	return base
}

// DefaultAckRandomFactor is ACK_RANDOM_FACTOR from RFC 7252 Section 4.8.
const DefaultAckRandomFactor = 1.5

// ExponentialBackoff is the RFC 7252 Section 4.2 scheme:
//
//	interval = base * (1 + random(0,1) * (RandomFactor - 1)) * 2^attempt
type ExponentialBackoff struct {
	// RandomFactor scales the jitter range. Defaults to DefaultAckRandomFactor
	// if below 1.
	RandomFactor float64

	random RandomSource
}

// NewExponentialBackoff creates an exponential backoff with the given random
// source. If random is nil, DefaultRandomSource is used.
func NewExponentialBackoff(random RandomSource) *ExponentialBackoff {
	if random == nil {
		random = DefaultRandomSource
	}
	return &ExponentialBackoff{RandomFactor: DefaultAckRandomFactor, random: random}
}

// Interval computes the backoff for a retransmission attempt.
func (b *ExponentialBackoff) Interval(base time.Duration, attempt int) time.Duration {
	factor := b.RandomFactor
	if factor < 1 {
		factor = DefaultAckRandomFactor
	}
	random := b.random
	if random == nil {
		random = DefaultRandomSource
	}
	if attempt < 0 {
		attempt = 0
	}

	jitter := 1.0 + random.Float64()*(factor-1.0)
	return time.Duration(float64(base) * jitter * math.Pow(2, float64(attempt)))
}

// MinInterval returns the interval without jitter.
func (b *ExponentialBackoff) MinInterval(base time.Duration, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(2, float64(attempt)))
}

// MaxInterval returns the interval with full jitter.
func (b *ExponentialBackoff) MaxInterval(base time.Duration, attempt int) time.Duration {
	factor := b.RandomFactor
	if factor < 1 {
		factor = DefaultAckRandomFactor
	}
	return time.Duration(float64(base) * factor * math.Pow(2, float64(attempt)))
}
