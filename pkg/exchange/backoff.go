package exchange

import (
	"math/rand"
	"time"
)

// RandomSource provides random values for timeout randomization.
// Allows injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

// defaultRandomSource uses math/rand for production.
type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// BackoffCalculator computes confirmable retransmission timeouts.
//
// From RFC 7252 Section 4.2, the initial timeout is a random duration
//
//	ACK_TIMEOUT * (1 + random(0,1) * (ACK_RANDOM_FACTOR - 1))
//
// and the timeout is doubled on every retransmission, so attempt n waits
// initial * 2^n.
type BackoffCalculator struct {
	ackTimeout   time.Duration
	randomFactor float64
	random       RandomSource
}

// NewBackoffCalculator creates a calculator for the given parameters.
// If random is nil, DefaultRandomSource is used.
func NewBackoffCalculator(ackTimeout time.Duration, randomFactor float64, random RandomSource) *BackoffCalculator {
	if random == nil {
		random = DefaultRandomSource
	}
	return &BackoffCalculator{
		ackTimeout:   ackTimeout,
		randomFactor: randomFactor,
		random:       random,
	}
}

// Initial draws a randomized initial timeout.
func (b *BackoffCalculator) Initial() time.Duration {
	jitter := 1.0 + b.random.Float64()*(b.randomFactor-1.0)
	return time.Duration(float64(b.ackTimeout) * jitter)
}

// Calculate returns the timeout after attempt retransmissions, given the
// initial timeout drawn for the message.
func (b *BackoffCalculator) Calculate(initial time.Duration, attempt int) time.Duration {
	return initial << attempt
}

// CalculateMin returns the smallest possible timeout for attempt (no jitter).
func (b *BackoffCalculator) CalculateMin(attempt int) time.Duration {
	return b.ackTimeout << attempt
}

// CalculateMax returns the upper bound of the timeout for attempt.
func (b *BackoffCalculator) CalculateMax(attempt int) time.Duration {
	return time.Duration(float64(b.ackTimeout)*b.randomFactor) << attempt
}
