// Package strategy implements the two queue-drainer policies (spec 4.5,
// 4.6): Realtime, a worker pool draining continuously, and Periodic, a
// single ticker draining on interval.
package strategy

import (
	"math/rand"
	"time"
)

// RetryPolicy is the back-off schedule applied to Retryable executor
// failures, shared by both strategies (spec 4.5).
type RetryPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
	Multiplier  float64
	Jitter      float64
}

// DefaultRetryPolicy is RetryConfig{initial=3s, max=1min, max_attempts=5,
// multiplier=2, jitter=±10%} per spec 4.5.
var DefaultRetryPolicy = RetryPolicy{
	Initial:     3 * time.Second,
	Max:         time.Minute,
	MaxAttempts: 5,
	Multiplier:  2,
	Jitter:      0.10,
}

// Backoff returns the delay before retry attempt n (1-indexed), capped at
// Max and jittered by ±Jitter.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.Initial)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if d > float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d += (rand.Float64()*2 - 1) * spread
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}
