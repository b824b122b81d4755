package engine

import (
	"context"
	"math/rand"
	"time"
)

// retryPolicy is the resolved per-step retry behavior. A step without an
// on_error retry block never retries, regardless of global settings.
type retryPolicy struct {
	maxAttempts int
	delay       time.Duration // fixed delay; zero means exponential back-off
}

func resolveRetryPolicy(step StepSpec) retryPolicy {
	if step.OnError == nil || step.OnError.Action != "retry" {
		return retryPolicy{maxAttempts: 1}
	}
	attempts := step.OnError.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return retryPolicy{
		maxAttempts: attempts,
		delay:       time.Duration(step.OnError.Delay * float64(time.Second)),
	}
}

// backoffFor returns the sleep before re-running attempt (1-based). A fixed
// delay wins when declared; otherwise exponential with a little jitter.
func (p retryPolicy) backoffFor(attempt int) time.Duration {
	if p.delay > 0 {
		return p.delay
	}
	base := time.Duration(1<<uint(attempt)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 4))
	return base + jitter
}

// sleepOrCancel waits out d unless ctx is cancelled first.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
