package digest

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle paces consecutive sends within a run.
type Throttle interface {
	Wait(ctx context.Context) error
}

// FixedDelay sleeps for a constant interval.
type FixedDelay time.Duration

// Wait blocks for the delay or until ctx is done.
func (d FixedDelay) Wait(ctx context.Context) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(d))
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RateLimit paces sends with a token bucket.
type RateLimit struct {
	limiter *rate.Limiter
}

// NewRateLimit allows perSecond sends with the given burst.
func NewRateLimit(perSecond float64, burst int) *RateLimit {
	return &RateLimit{limiter: rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))}
}

// Wait blocks until a token is available.
func (r *RateLimit) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// NoDelay never waits.
type NoDelay struct{}

// Wait returns immediately unless ctx is done.
func (NoDelay) Wait(ctx context.Context) error {
	return ctx.Err()
}
