package allocator

import (
	"context"
	"time"
)

// RetryPolicy is a bounded retry with backoff, shared by the candidate
// lookup (absorbs presence propagation delay) and the guard acquisition
// (favors the most recent trigger without blocking the caller).
type RetryPolicy struct {
	MaxAttempts int
	// Delay returns the sleep before retrying after attempt n (1-based).
	Delay func(attempt int) time.Duration
}

// LinearBackoff produces delays of base, 2*base, 3*base, ...
func LinearBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * base
	}
}

// Do runs op up to MaxAttempts times until it reports done. A false
// return and an error are both retried after the backoff delay. Returns
// whether op eventually succeeded; the error is the last attempt's.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) (bool, error)) (bool, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		done, err := op(ctx)
		if done {
			return true, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		var delay time.Duration
		if p.Delay != nil {
			delay = p.Delay(attempt)
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		} else if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
	return false, lastErr
}
