package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"rollcron/internal/config"
)

// backoffCapFactor bounds exponential growth relative to the base delay, so
// a short configured delay stays short even after many retries.
const backoffCapFactor = 10

// Backoff returns the sleep before retry attemptIdx (0 = first retry):
// delay * 2^attemptIdx, capped at backoffCapFactor*delay, plus a uniform
// random component bounded by retry.Jitter when configured.
func Backoff(retry config.Retry, attemptIdx int) time.Duration {
	d := retry.Delay
	maxD := backoffCapFactor * retry.Delay
	for i := 0; i < attemptIdx; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	if retry.Jitter > 0 {
		d += Jitter(retry.Jitter)
	}
	return d
}

// Jitter draws a uniform random duration in [0, max]. A zero or negative max
// yields no delay.
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(randInt63n(int64(max) + 1))
}

var rngMu sync.Mutex

func randInt63n(n int64) int64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rand.Int63n(n)
}
