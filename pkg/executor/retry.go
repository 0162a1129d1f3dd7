package executor

import (
	"time"

	"github.com/dagforge/dagforge/pkg/models"
)

// BackoffDelay returns how long to wait before the attempt following
// the given one. attempt is 1-based and names the attempt that just
// failed, so the first retry waits the base delay under every strategy.
// The result is capped at the policy's max delay.
func BackoffDelay(policy models.RetryPolicy, attempt int) time.Duration {
	policy = policy.Normalized()
	if attempt < 1 {
		attempt = 1
	}

	base := policy.BaseDelay()
	var delay time.Duration
	switch policy.Backoff {
	case models.LinearBackoff:
		delay = base * time.Duration(attempt)
	case models.ExponentialBackoff:
		delay = base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= policy.MaxDelay() {
				break
			}
		}
	default: // fixed
		delay = base
	}

	if max := policy.MaxDelay(); delay > max {
		delay = max
	}
	return delay
}
