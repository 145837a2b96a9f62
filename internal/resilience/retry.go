package resilience

import (
	"context"
	"time"
)

// RetryConfig controls the bounded retry helper.
type RetryConfig struct {
	// Attempts is the total number of calls, including the first. Default: 3.
	Attempts int

	// Backoffs holds the sleep before each retry. When there are more
	// retries than entries, the last entry repeats. Default: 500ms, 1s.
	Backoffs []time.Duration
}

// Retry calls fn up to cfg.Attempts times, sleeping between attempts, and
// returns the first success or the last error. Context cancellation aborts
// both the sleep and further attempts.
func Retry[R any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (R, error)) (R, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if len(cfg.Backoffs) == 0 {
		cfg.Backoffs = []time.Duration{500 * time.Millisecond, time.Second}
	}

	var (
		zero    R
		lastErr error
	)
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			idx := attempt - 1
			if idx >= len(cfg.Backoffs) {
				idx = len(cfg.Backoffs) - 1
			}
			timer := time.NewTimer(cfg.Backoffs[idx])
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
