package engine

import (
	"context"
	"testing"
	"time"
)

func TestResolveRetryPolicy(t *testing.T) {
	tests := []struct {
		name         string
		step         StepSpec
		wantAttempts int
		wantDelay    time.Duration
	}{
		{
			name:         "no on_error means one attempt",
			step:         StepSpec{Name: "x"},
			wantAttempts: 1,
		},
		{
			name:         "continue policy means one attempt",
			step:         StepSpec{Name: "x", OnError: &OnErrorSpec{Action: "continue"}},
			wantAttempts: 1,
		},
		{
			name:         "retry with fixed delay",
			step:         StepSpec{Name: "x", OnError: &OnErrorSpec{Action: "retry", MaxAttempts: 3, Delay: 0.5}},
			wantAttempts: 3,
			wantDelay:    500 * time.Millisecond,
		},
		{
			name:         "retry clamps attempts to one",
			step:         StepSpec{Name: "x", OnError: &OnErrorSpec{Action: "retry", MaxAttempts: 0}},
			wantAttempts: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := resolveRetryPolicy(tt.step)
			if p.maxAttempts != tt.wantAttempts {
				t.Errorf("maxAttempts = %d, want %d", p.maxAttempts, tt.wantAttempts)
			}
			if p.delay != tt.wantDelay {
				t.Errorf("delay = %v, want %v", p.delay, tt.wantDelay)
			}
		})
	}
}

func TestBackoffFor(t *testing.T) {
	t.Run("fixed delay wins", func(t *testing.T) {
		p := retryPolicy{maxAttempts: 3, delay: 100 * time.Millisecond}
		for attempt := 1; attempt <= 3; attempt++ {
			if got := p.backoffFor(attempt); got != 100*time.Millisecond {
				t.Errorf("backoffFor(%d) = %v", attempt, got)
			}
		}
	})

	t.Run("exponential grows and caps", func(t *testing.T) {
		p := retryPolicy{maxAttempts: 10}
		for attempt, base := range map[int]time.Duration{
			1: 2 * time.Second,
			2: 4 * time.Second,
			3: 8 * time.Second,
			8: 30 * time.Second, // capped
		} {
			got := p.backoffFor(attempt)
			if got < base || got > base+base/4 {
				t.Errorf("backoffFor(%d) = %v, want within [%v, %v]", attempt, got, base, base+base/4)
			}
		}
	})
}

func TestSleepOrCancel(t *testing.T) {
	t.Run("zero duration returns immediately", func(t *testing.T) {
		if err := sleepOrCancel(context.Background(), 0); err != nil {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("cancellation cuts the sleep short", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		start := time.Now()
		err := sleepOrCancel(ctx, 10*time.Second)
		if err == nil {
			t.Error("expected context error")
		}
		if time.Since(start) > time.Second {
			t.Error("sleep did not observe cancellation")
		}
	})
}
