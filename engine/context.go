package engine

import (
	"sync"
	"time"
)

// StepResult is one step's recorded outcome inside the context.
type StepResult struct {
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProvenanceRecord is one append-only evidence entry.
type ProvenanceRecord struct {
	Source    string         `json:"source"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// ContextConfig carries per-job tuning actions may consult.
type ContextConfig struct {
	CacheEnabled         bool `json:"cache_enabled"`
	BatchSize            int  `json:"batch_size"`
	TimeoutSeconds       int  `json:"timeout_seconds"`
	RetryAttempts        int  `json:"retry_attempts"`
	MaxConcurrentBatches int  `json:"max_concurrent_batches"`
}

// ExecutionContext is the live per-job state threaded through a strategy.
// It is what a checkpoint serializes. Safe for concurrent use; actions may
// write from parallel batches.
type ExecutionContext struct {
	mu sync.RWMutex

	initialIdentifier string
	currentIdentifier string
	identifierHistory []string
	ontologyType      string

	stepOrder   []string
	stepResults map[string]StepResult

	provenance []ProvenanceRecord
	custom     map[string]any
	config     ContextConfig
}

// NewExecutionContext seeds a fresh context for a job.
func NewExecutionContext(jobID, strategyName string, cfg ContextConfig) *ExecutionContext {
	ec := &ExecutionContext{
		stepResults: make(map[string]StepResult),
		custom:      make(map[string]any),
		config:      cfg,
	}
	ec.custom["job_id"] = jobID
	ec.custom["strategy_name"] = strategyName
	return ec
}

// SetIdentifier records the working identifier, appending to the history.
func (ec *ExecutionContext) SetIdentifier(id string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.initialIdentifier == "" {
		ec.initialIdentifier = id
	}
	ec.currentIdentifier = id
	ec.identifierHistory = append(ec.identifierHistory, id)
}

// CurrentIdentifier returns the most recent identifier.
func (ec *ExecutionContext) CurrentIdentifier() string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.currentIdentifier
}

// SetOntologyType records the working ontology namespace.
func (ec *ExecutionContext) SetOntologyType(t string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.ontologyType = t
}

// RecordStepResult appends one step's outcome, preserving step order.
func (ec *ExecutionContext) RecordStepResult(stepName string, result StepResult) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if _, seen := ec.stepResults[stepName]; !seen {
		ec.stepOrder = append(ec.stepOrder, stepName)
	}
	ec.stepResults[stepName] = result
}

// LastStepResult returns the most recently recorded step result.
func (ec *ExecutionContext) LastStepResult() (string, StepResult, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if len(ec.stepOrder) == 0 {
		return "", StepResult{}, false
	}
	name := ec.stepOrder[len(ec.stepOrder)-1]
	return name, ec.stepResults[name], true
}

// AddProvenance appends one evidence record.
func (ec *ExecutionContext) AddProvenance(rec ProvenanceRecord) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	ec.provenance = append(ec.provenance, rec)
}

// Set writes a free-form key actions publish for later steps.
func (ec *ExecutionContext) Set(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.custom[key] = value
}

// Get reads a free-form key.
func (ec *ExecutionContext) Get(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.custom[key]
	return v, ok
}

// Config returns the per-job tuning.
func (ec *ExecutionContext) Config() ContextConfig {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.config
}

// Snapshot renders the context as a checkpointable document. Values outside
// the documented serialization universe collapse to a type tag.
func (ec *ExecutionContext) Snapshot() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	steps := make([]any, 0, len(ec.stepOrder))
	for _, name := range ec.stepOrder {
		r := ec.stepResults[name]
		steps = append(steps, map[string]any{
			"step_name": name,
			"success":   r.Success,
			"data":      sanitizeMap(r.Data),
			"error":     r.Error,
			"timestamp": r.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}

	prov := make([]any, 0, len(ec.provenance))
	for _, p := range ec.provenance {
		prov = append(prov, map[string]any{
			"source":    p.Source,
			"action":    p.Action,
			"timestamp": p.Timestamp.UTC().Format(time.RFC3339Nano),
			"details":   sanitizeMap(p.Details),
		})
	}

	history := make([]any, 0, len(ec.identifierHistory))
	for _, id := range ec.identifierHistory {
		history = append(history, id)
	}

	return map[string]any{
		"initial_identifier": ec.initialIdentifier,
		"current_identifier": ec.currentIdentifier,
		"identifier_history": history,
		"ontology_type":      ec.ontologyType,
		"step_results":       steps,
		"provenance":         prov,
		"custom_action_data": sanitizeMap(ec.custom),
		"config": map[string]any{
			"cache_enabled":          ec.config.CacheEnabled,
			"batch_size":             ec.config.BatchSize,
			"timeout_seconds":        ec.config.TimeoutSeconds,
			"retry_attempts":         ec.config.RetryAttempts,
			"max_concurrent_batches": ec.config.MaxConcurrentBatches,
		},
	}
}

// RestoreExecutionContext rebuilds a context from a checkpoint snapshot.
func RestoreExecutionContext(snapshot map[string]any) *ExecutionContext {
	ec := &ExecutionContext{
		stepResults: make(map[string]StepResult),
		custom:      make(map[string]any),
	}
	ec.initialIdentifier, _ = snapshot["initial_identifier"].(string)
	ec.currentIdentifier, _ = snapshot["current_identifier"].(string)
	ec.ontologyType, _ = snapshot["ontology_type"].(string)

	if history, ok := snapshot["identifier_history"].([]any); ok {
		for _, v := range history {
			if s, ok := v.(string); ok {
				ec.identifierHistory = append(ec.identifierHistory, s)
			}
		}
	}
	if steps, ok := snapshot["step_results"].([]any); ok {
		for _, v := range steps {
			entry, ok := v.(map[string]any)
			if !ok {
				continue
			}
			name, _ := entry["step_name"].(string)
			if name == "" {
				continue
			}
			r := StepResult{}
			r.Success, _ = entry["success"].(bool)
			r.Data, _ = entry["data"].(map[string]any)
			r.Error, _ = entry["error"].(string)
			if ts, ok := entry["timestamp"].(string); ok {
				r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
			}
			ec.stepOrder = append(ec.stepOrder, name)
			ec.stepResults[name] = r
		}
	}
	if prov, ok := snapshot["provenance"].([]any); ok {
		for _, v := range prov {
			entry, ok := v.(map[string]any)
			if !ok {
				continue
			}
			p := ProvenanceRecord{}
			p.Source, _ = entry["source"].(string)
			p.Action, _ = entry["action"].(string)
			p.Details, _ = entry["details"].(map[string]any)
			if ts, ok := entry["timestamp"].(string); ok {
				p.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
			}
			ec.provenance = append(ec.provenance, p)
		}
	}
	if custom, ok := snapshot["custom_action_data"].(map[string]any); ok {
		for k, v := range custom {
			ec.custom[k] = v
		}
	}
	if cfg, ok := snapshot["config"].(map[string]any); ok {
		ec.config.CacheEnabled, _ = cfg["cache_enabled"].(bool)
		ec.config.BatchSize = intFromAny(cfg["batch_size"])
		ec.config.TimeoutSeconds = intFromAny(cfg["timeout_seconds"])
		ec.config.RetryAttempts = intFromAny(cfg["retry_attempts"])
		ec.config.MaxConcurrentBatches = intFromAny(cfg["max_concurrent_batches"])
	}
	return ec
}

// intFromAny handles JSON round-trips turning ints into float64.
func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
