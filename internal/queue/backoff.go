package queue

import (
	"math/rand"
	"time"
)

// RetryPolicy computes requeue delays for failed jobs. The base is the
// single configuration point for backoff; there is exactly one backoff
// implementation in the system.
type RetryPolicy struct {
	Base time.Duration // doubled per attempt
	Cap  time.Duration // ceiling applied before jitter
}

// Delay returns base * 2^attempt plus 250-1250 ms of jitter, capped.
// attempt is zero-based: the first retry of a job uses attempt 0.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	backoff := p.Base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.Cap {
			backoff = p.Cap
			break
		}
	}
	if backoff > p.Cap {
		backoff = p.Cap
	}

	jitter := time.Duration(250+rand.Intn(1001)) * time.Millisecond
	return backoff + jitter
}
