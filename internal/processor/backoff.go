package processor

import (
	"math/rand/v2"
	"time"
)

// backoffDelay computes the retry delay for a failed attempt:
// base × 2^attempt, capped at max, plus up to 20% jitter so a burst of
// transient failures does not produce a thundering herd of synchronized
// retries against the provider.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay < 0 { // overflow guard
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	jitter := time.Duration(rand.Int64N(int64(delay)/5 + 1))
	return delay + jitter
}
