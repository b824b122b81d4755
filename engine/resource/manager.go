package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/biomapper/strategy-engine/engine"
)

const (
	defaultHealthInterval = 30 * time.Second
	defaultMaxRetries     = 3
	startPollAttempts     = 10
	startPollInterval     = 500 * time.Millisecond
)

type entry struct {
	mu    sync.Mutex // serializes state mutations per resource
	spec  Spec
	state ManagedResource
}

// Manager keeps the registry of managed resources, probes their health,
// auto-starts what it can, and gates strategies on required resources.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	probes  map[Type]Probe
	runtime ContainerRuntime
	deps    map[string][]string
	metrics *engine.Metrics

	supervisors *supervisorSet
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithContainerRuntime wires the container adapter used for container
// probes and auto-start.
func WithContainerRuntime(rt ContainerRuntime) ManagerOption {
	return func(m *Manager) { m.runtime = rt }
}

// WithProbe overrides the probe for one resource type.
func WithProbe(t Type, p Probe) ManagerOption {
	return func(m *Manager) { m.probes[t] = p }
}

// WithMetrics wires restart instrumentation.
func WithMetrics(metrics *engine.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager builds a Manager from a configuration document.
func NewManager(doc *Document, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		entries: make(map[string]*entry),
		probes: map[Type]Probe{
			TypeVectorStore:     RedisVectorProbe{},
			TypeExternalHTTPAPI: &HTTPProbe{},
		},
		deps: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = engine.NopMetrics()
	}

	if doc != nil {
		for _, spec := range doc.Resources {
			if err := m.Register(spec); err != nil {
				return nil, err
			}
		}
		for action, names := range doc.ActionDependencies {
			m.deps[action] = append([]string(nil), names...)
		}
	}
	return m, nil
}

// Register adds one resource to the registry.
func (m *Manager) Register(spec Spec) error {
	if spec.Name == "" {
		return engine.NewError(engine.KindValidation, "resource name is required")
	}
	if spec.HealthCheckInterval <= 0 {
		spec.HealthCheckInterval = defaultHealthInterval
	}
	if spec.MaxRetries <= 0 {
		spec.MaxRetries = defaultMaxRetries
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[spec.Name]; exists {
		return engine.NewError(engine.KindValidation, fmt.Sprintf("resource %q is already registered", spec.Name))
	}
	m.entries[spec.Name] = &entry{
		spec: spec,
		state: ManagedResource{
			Name:                spec.Name,
			Type:                spec.Type,
			Config:              spec.Config,
			Required:            spec.Required,
			AutoStart:           spec.AutoStart,
			HealthCheckInterval: spec.HealthCheckInterval,
			MaxRetries:          spec.MaxRetries,
			Status:              StatusUnknown,
		},
	}
	return nil
}

func (m *Manager) entryFor(name string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, engine.NewError(engine.KindUnknownResource, fmt.Sprintf("resource %q is not registered", name))
	}
	return e, nil
}

// Check probes one resource and records the observed status.
func (m *Manager) Check(ctx context.Context, name string) (Status, error) {
	e, err := m.entryFor(name)
	if err != nil {
		return StatusUnknown, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	status, probeErr := m.probe(ctx, e.spec)

	now := time.Now().UTC()
	e.state.Status = status
	e.state.LastCheck = &now
	if probeErr != nil {
		e.state.ErrorMessage = probeErr.Error()
	} else {
		e.state.ErrorMessage = ""
	}
	return status, nil
}

// probe dispatches to the per-type health probe. Adapter errors surface as
// Unavailable, not as Go errors; the caller records the message.
func (m *Manager) probe(ctx context.Context, spec Spec) (Status, error) {
	if spec.Type == TypeContainerWorkload {
		return m.probeContainer(ctx, spec)
	}
	p, ok := m.probes[spec.Type]
	if !ok {
		// Types without a probe default to Healthy.
		return StatusHealthy, nil
	}
	status, err := p.Check(ctx, spec)
	if err != nil && status == StatusUnknown {
		return StatusUnavailable, err
	}
	return status, err
}

func (m *Manager) probeContainer(ctx context.Context, spec Spec) (Status, error) {
	if m.runtime == nil {
		return StatusUnknown, fmt.Errorf("no container runtime configured")
	}
	exists, running, healthy, err := m.runtime.Inspect(ctx, containerName(spec))
	if err != nil {
		return StatusUnavailable, err
	}
	switch {
	case !exists || !running:
		return StatusUnavailable, nil
	case !healthy:
		return StatusDegraded, nil
	default:
		return StatusHealthy, nil
	}
}

func containerName(spec Spec) string {
	if n, ok := spec.Config["container_name"].(string); ok && n != "" {
		return n
	}
	return spec.Name
}

// startable reports whether the manager can start this resource itself.
func (m *Manager) startable(spec Spec) bool {
	if m.runtime == nil {
		return false
	}
	if spec.Type == TypeContainerWorkload {
		return true
	}
	// A container-backed vector store declares an image to run.
	_, hasImage := spec.Config["image"]
	return spec.Type == TypeVectorStore && hasImage
}

// Start brings a resource up. Idempotent: an already-running resource
// succeeds without work. After launching, the health probe is polled a
// bounded number of times before giving up.
func (m *Manager) Start(ctx context.Context, name string) (bool, error) {
	e, err := m.entryFor(name)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if status, _ := m.probe(ctx, e.spec); status.Usable() {
		e.state.Status = status
		return true, nil
	}
	if !m.startable(e.spec) {
		return false, engine.NewError(engine.KindResourceUnavailable,
			fmt.Sprintf("resource %q cannot be started by the engine", name))
	}

	e.state.Status = StatusStarting
	m.metrics.ResourceRestartsTotal.Inc()
	if err := m.runtime.Run(ctx, containerName(e.spec), e.spec.Config); err != nil {
		e.state.Status = StatusUnavailable
		e.state.ErrorMessage = err.Error()
		return false, nil
	}

	for attempt := 0; attempt < startPollAttempts; attempt++ {
		status, probeErr := m.probe(ctx, e.spec)
		now := time.Now().UTC()
		e.state.LastCheck = &now
		if status.Usable() {
			e.state.Status = status
			e.state.ErrorMessage = ""
			return true, nil
		}
		if probeErr != nil {
			e.state.ErrorMessage = probeErr.Error()
		}
		select {
		case <-ctx.Done():
			e.state.Status = StatusUnavailable
			return false, ctx.Err()
		case <-time.After(startPollInterval):
		}
	}
	e.state.Status = StatusUnavailable
	return false, nil
}

// Stop brings a startable resource down.
func (m *Manager) Stop(ctx context.Context, name string) (bool, error) {
	e, err := m.entryFor(name)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !m.startable(e.spec) {
		return false, engine.NewError(engine.KindResourceUnavailable,
			fmt.Sprintf("resource %q cannot be stopped by the engine", name))
	}
	e.state.Status = StatusStopping
	if err := m.runtime.Stop(ctx, containerName(e.spec)); err != nil {
		e.state.ErrorMessage = err.Error()
		e.state.Status = StatusUnknown
		return false, nil
	}
	e.state.Status = StatusUnavailable
	return true, nil
}

// GetStatus snapshots every resource's state.
func (m *Manager) GetStatus() map[string]ManagedResource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ManagedResource, len(m.entries))
	for name, e := range m.entries {
		e.mu.Lock()
		out[name] = e.state
		e.mu.Unlock()
	}
	return out
}

// RequiredResourcesFor scans a strategy document's action types against the
// configured dependency map.
func (m *Manager) RequiredResourcesFor(strategyDoc map[string]any) []string {
	names := make(map[string]bool)
	steps, _ := strategyDoc["steps"].([]any)
	for _, raw := range steps {
		step, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		action, _ := step["action"].(map[string]any)
		actionType, _ := action["type"].(string)
		for _, dep := range m.deps[actionType] {
			names[dep] = true
		}
	}

	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EnsureRequired checks every resource flagged required, auto-starting
// unhealthy ones where configured, and reports the per-resource outcome.
func (m *Manager) EnsureRequired(ctx context.Context) map[string]bool {
	m.mu.RLock()
	var required []string
	for name, e := range m.entries {
		if e.spec.Required {
			required = append(required, name)
		}
	}
	m.mu.RUnlock()
	sort.Strings(required)

	out := make(map[string]bool, len(required))
	for _, name := range required {
		out[name] = m.ensure(ctx, name)
	}
	return out
}

// ensure brings one resource to a usable status, auto-starting when
// allowed.
func (m *Manager) ensure(ctx context.Context, name string) bool {
	status, err := m.Check(ctx, name)
	if err != nil {
		return false
	}
	if status.Usable() {
		return true
	}
	e, err := m.entryFor(name)
	if err != nil || !e.spec.AutoStart {
		return false
	}
	ok, _ := m.Start(ctx, name)
	return ok
}

// EnsureForStrategy implements the engine's resource gate: every resource
// the strategy's actions depend on must end up Healthy or Degraded.
func (m *Manager) EnsureForStrategy(ctx context.Context, strategyDoc map[string]any) ([]string, error) {
	var degraded []string
	for _, name := range m.RequiredResourcesFor(strategyDoc) {
		if !m.ensure(ctx, name) {
			e, err := m.entryFor(name)
			detail := ""
			if err == nil {
				e.mu.Lock()
				detail = e.state.ErrorMessage
				e.mu.Unlock()
			}
			return nil, engine.NewError(engine.KindResourceUnavailable,
				fmt.Sprintf("resource %q is unavailable: %s", name, detail))
		}
		e, err := m.entryFor(name)
		if err == nil {
			e.mu.Lock()
			if e.state.Status == StatusDegraded {
				degraded = append(degraded, name)
			}
			e.mu.Unlock()
		}
	}
	return degraded, nil
}
