package engine

import (
	"encoding/json"
	"fmt"
)

// Strategy is a parsed strategy document: a declarative ordered pipeline of
// actions plus an optional checkpoint policy.
type Strategy struct {
	Name             string            `json:"name" yaml:"name"`
	Description      string            `json:"description,omitempty" yaml:"description,omitempty"`
	Steps            []StepSpec        `json:"steps" yaml:"steps"`
	CheckpointPolicy *CheckpointPolicy `json:"checkpoint_policy,omitempty" yaml:"checkpoint_policy,omitempty"`
}

// StepSpec is one step of a strategy document.
type StepSpec struct {
	Name             string       `json:"name" yaml:"name"`
	Action           ActionSpec   `json:"action" yaml:"action"`
	Condition        string       `json:"condition,omitempty" yaml:"condition,omitempty"`
	CheckpointBefore bool         `json:"checkpoint_before,omitempty" yaml:"checkpoint_before,omitempty"`
	CheckpointAfter  bool         `json:"checkpoint_after,omitempty" yaml:"checkpoint_after,omitempty"`
	OnError          *OnErrorSpec `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	IsRequired       *bool        `json:"is_required,omitempty" yaml:"is_required,omitempty"`
}

// Required reports whether a final failure of this step terminates the job.
// Steps are required unless is_required is explicitly false.
func (s StepSpec) Required() bool {
	return s.IsRequired == nil || *s.IsRequired
}

// ActionSpec names the action type and its parameters.
type ActionSpec struct {
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// OnErrorSpec is a step's declared error policy.
type OnErrorSpec struct {
	Action      string  `json:"action" yaml:"action"` // "retry" or "continue"
	MaxAttempts int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Delay       float64 `json:"delay,omitempty" yaml:"delay,omitempty"` // seconds
}

// CheckpointPolicy controls automatic checkpointing around steps.
type CheckpointPolicy struct {
	BeforeEachStep bool     `json:"before_each_step,omitempty" yaml:"before_each_step,omitempty"`
	AfterEachStep  bool     `json:"after_each_step,omitempty" yaml:"after_each_step,omitempty"`
	BeforeActions  []string `json:"before_actions,omitempty" yaml:"before_actions,omitempty"`
	AfterActions   []string `json:"after_actions,omitempty" yaml:"after_actions,omitempty"`
}

func (p *CheckpointPolicy) wantsBefore(actionType string, step StepSpec) bool {
	if step.CheckpointBefore {
		return true
	}
	if p == nil {
		return false
	}
	if p.BeforeEachStep {
		return true
	}
	for _, a := range p.BeforeActions {
		if a == actionType {
			return true
		}
	}
	return false
}

func (p *CheckpointPolicy) wantsAfter(actionType string, step StepSpec) bool {
	if step.CheckpointAfter {
		return true
	}
	if p == nil {
		return false
	}
	if p.AfterEachStep {
		return true
	}
	for _, a := range p.AfterActions {
		if a == actionType {
			return true
		}
	}
	return false
}

// StrategyFromDocument parses an untyped strategy document, as stored on the
// job row, into a Strategy.
func StrategyFromDocument(doc map[string]any) (*Strategy, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, WrapError(KindValidation, "strategy document is not serializable", err)
	}
	var s Strategy
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, WrapError(KindValidation, "strategy document is malformed", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate enforces the structural rules a strategy must satisfy before any
// step runs.
func (s *Strategy) Validate() error {
	if len(s.Steps) == 0 {
		return NewError(KindValidation, "strategy has no steps")
	}
	seen := make(map[string]bool, len(s.Steps))
	for i, step := range s.Steps {
		if step.Name == "" {
			return NewError(KindValidation, fmt.Sprintf("step %d has no name", i))
		}
		if seen[step.Name] {
			return NewError(KindValidation, fmt.Sprintf("duplicate step name %q", step.Name))
		}
		seen[step.Name] = true
		if step.Action.Type == "" {
			return NewError(KindValidation, fmt.Sprintf("step %q has no action type", step.Name))
		}
		if step.OnError != nil && step.OnError.Action == "retry" && step.OnError.MaxAttempts < 1 {
			return NewError(KindValidation, fmt.Sprintf("step %q retry policy needs max_attempts >= 1", step.Name))
		}
	}
	return nil
}

// Document renders the strategy back to the untyped form stored on the
// job row.
func (s *Strategy) Document() (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, WrapError(KindValidation, "strategy is not serializable", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, WrapError(KindValidation, "strategy round-trip failed", err)
	}
	return doc, nil
}
