package resource

import (
	"context"
	"sync"
	"time"
)

// supervisorSet owns the background health-check goroutines, one per
// registered resource.
type supervisorSet struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Initialize runs an initial health check across all resources, starts
// required auto-start resources that are down, and launches a supervisor
// goroutine per resource. Calling Initialize twice replaces the previous
// supervisors.
func (m *Manager) Initialize(ctx context.Context) map[string]bool {
	outcome := m.EnsureRequired(ctx)

	m.mu.Lock()
	if m.supervisors != nil {
		m.supervisors.cancel()
		m.supervisors.wg.Wait()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	set := &supervisorSet{cancel: cancel}
	m.supervisors = set

	for name, e := range m.entries {
		set.wg.Add(1)
		go m.supervise(runCtx, set, name, e)
	}
	m.mu.Unlock()

	return outcome
}

// Shutdown stops all supervisor goroutines and waits for them to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	set := m.supervisors
	m.supervisors = nil
	m.mu.Unlock()

	if set != nil {
		set.cancel()
		set.wg.Wait()
	}
}

// supervise re-checks one resource on its configured interval. When an
// auto-start resource drops out of a usable status, it is restarted up to
// MaxRetries consecutive times; the counter resets on recovery.
func (m *Manager) supervise(ctx context.Context, set *supervisorSet, name string, e *entry) {
	defer set.wg.Done()

	interval := e.spec.HealthCheckInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := m.Check(ctx, name)
		if err != nil {
			return // resource was deregistered
		}
		if status.Usable() {
			failures = 0
			continue
		}
		if !e.spec.AutoStart || failures >= e.spec.MaxRetries {
			continue
		}
		failures++
		if ok, _ := m.Start(ctx, name); ok {
			failures = 0
		}
	}
}
