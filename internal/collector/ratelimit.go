package collector

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantfabric/etl-core/internal/core"
)

// RateLimiter enforces a provider's documented call budget as a token bucket.
// Calls over budget block cooperatively up to MaxWait, then fail with
// E_RATE_LIMIT_EXCEEDED. State is private to the owning collector instance.
type RateLimiter struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// RateLimitConfig expresses a call budget of Calls per Window.
type RateLimitConfig struct {
	Calls   int
	Window  time.Duration
	Burst   int
	MaxWait time.Duration
}

// NewRateLimiter builds a limiter from a call budget.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Calls <= 0 {
		cfg.Calls = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Calls
	}
	perSecond := float64(cfg.Calls) / cfg.Window.Seconds()
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), cfg.Burst),
		maxWait: cfg.MaxWait,
	}
}

// Acquire blocks until a call slot is available. If the projected wait
// exceeds MaxWait the reservation is cancelled and a rate-limit error is
// returned instead of waiting.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if l.maxWait <= 0 {
		if err := l.limiter.Wait(ctx); err != nil {
			return core.NewError(core.CodeCancelled, false, err)
		}
		return nil
	}

	res := l.limiter.Reserve()
	if !res.OK() {
		return core.Errorf(core.CodeRateLimitExceeded, true,
			"call budget cannot be satisfied within burst %d", l.limiter.Burst())
	}
	delay := res.Delay()
	if delay > l.maxWait {
		res.Cancel()
		return core.Errorf(core.CodeRateLimitExceeded, true,
			"rate limit wait %s exceeds cap %s", delay.Round(time.Millisecond), l.maxWait)
	}
	if delay == 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		res.Cancel()
		return core.NewError(core.CodeCancelled, false, ctx.Err())
	case <-timer.C:
		return nil
	}
}
