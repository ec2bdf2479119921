package rnaqueue

import (
	"math"
	"math/rand"
	"time"
)

// maxBackoffShift caps the exponent so the delay cannot overflow.
const maxBackoffShift = 20

// RetryDelayFor returns how long the nth re-publish (n >= 1) waits before it is
// delivered again.
func (d TaskDefinition[P]) RetryDelayFor(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	switch d.RetryStrategy {
	case ExponentialBackoff:
		shift := retryCount - 1
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		backoff := d.RetryDelay * time.Duration(math.Pow(2, float64(shift)))
		return backoff + jitter(d.RetryJitter)
	case Custom:
		if d.CustomRetryFunction != nil {
			return d.CustomRetryFunction(retryCount)
		}
	}
	return d.RetryDelay * time.Duration(retryCount)
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
