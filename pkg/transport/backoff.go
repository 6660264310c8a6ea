package transport

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before reconnect attempt (attempt >= 1):
//
//	base  = min(maxDelay, initial * 2^attempt)
//	delay = base + jitter(base)
//
// jitter must return a value in [0, base). The result therefore lies in
// [base, 2*base).
func Backoff(attempt int, initial, maxDelay time.Duration, jitter func(time.Duration) time.Duration) time.Duration {
	base := backoffBase(attempt, initial, maxDelay)
	if base <= 0 {
		return 0
	}
	if jitter == nil {
		jitter = FullJitter
	}
	return base + jitter(base)
}

func backoffBase(attempt int, initial, maxDelay time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	base := initial
	for i := 0; i < attempt; i++ {
		if base >= maxDelay/2 {
			return maxDelay
		}
		base *= 2
	}
	if base > maxDelay {
		return maxDelay
	}
	return base
}

// FullJitter returns a uniformly random duration in [0, max).
func FullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
