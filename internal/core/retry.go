package core

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds retries of transient failures with exponential backoff
// and jitter. Non-transient errors (auth, validation) fail immediately.
// Shared by collectors (provider calls) and loaders (backend connectivity).
type RetryPolicy struct {
	// MaxAttempts counts the first try (default: 3).
	MaxAttempts int
	// BackoffBase is the delay before the first retry (default: 200ms).
	BackoffBase time.Duration
	// MaxBackoff caps the exponential growth (default: 10s).
	MaxBackoff time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 200 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	return p
}

// Do runs attempt until it succeeds, fails non-retryably, or attempts are
// exhausted. Backoff doubles per attempt with up to 50% random jitter.
func (p RetryPolicy) Do(ctx context.Context, attempt func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for n := 0; n < p.MaxAttempts; n++ {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if n == p.MaxAttempts-1 {
			break
		}

		backoff := p.BackoffBase << uint(n)
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
		backoff += time.Duration(rand.Int64N(int64(backoff)/2 + 1))

		select {
		case <-ctx.Done():
			return NewError(CodeCancelled, false, ctx.Err())
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
