package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/jpillora/backoff"
)

// RetryPolicy retries transient failures with capped exponential backoff:
// delay(attempt) = min(InitialDelay * Base^attempt, MaxDelay), optionally
// randomized by a multiplicative jitter factor in [0.5, 1.5).
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	Jitter       bool
}

// DefaultRetryPolicy matches the connection retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Base:         2.0,
		Jitter:       true,
	}
}

// Delay returns the sleep before retry number attempt (zero-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.Backoff{
		Min:    p.InitialDelay,
		Max:    p.MaxDelay,
		Factor: p.Base,
		Jitter: false,
	}
	d := b.ForAttempt(float64(attempt))
	if p.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}

// Do invokes fn up to MaxAttempts times, sleeping Delay(attempt) between
// failures. The sleep observes ctx; the last failure is returned after
// exhaustion.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
