package emit

import "time"

// Type identifies the kind of job event being emitted.
//
// Event types cover the whole job lifecycle:
//   - Lifecycle: job_created, status_change, complete
//   - Steps: step_started, step_completed, step_failed
//   - Durability: checkpoint_created
//   - Observability: progress, log, error
type Type string

const (
	TypeJobCreated        Type = "job_created"
	TypeStatusChange      Type = "status_change"
	TypeStepStarted       Type = "step_started"
	TypeStepCompleted     Type = "step_completed"
	TypeStepFailed        Type = "step_failed"
	TypeCheckpointCreated Type = "checkpoint_created"
	TypeProgress          Type = "progress"
	TypeLog               Type = "log"
	TypeError             Type = "error"
	TypeComplete          Type = "complete"
)

// Severity classifies an event for filtering and alerting.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// NoStep is the StepIndex value for job-level events that are not tied to a
// particular step.
const NoStep = -1

// Event represents an observable occurrence during job execution.
//
// Events are both streamed to live subscribers (via Bus) and persisted for
// late subscribers and audit. A single subscriber observes the events of one
// job in emission order.
type Event struct {
	// ID is a unique identifier assigned when the event is created.
	ID string `json:"id"`

	// JobID identifies the job that emitted this event.
	JobID string `json:"job_id"`

	// Type is the event type (see the Type constants).
	Type Type `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Severity defaults to SeverityInfo when empty.
	Severity Severity `json:"severity,omitempty"`

	// StepIndex is the 0-based step this event refers to, or NoStep for
	// job-level events.
	StepIndex int `json:"step_index"`

	// StepName names the step this event refers to, when applicable.
	StepName string `json:"step_name,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message,omitempty"`

	// Data carries structured, type-specific payload fields.
	// Common keys:
	//   - "status": new job status on status_change
	//   - "progress": percentage on progress events
	//   - "duration_ms": step duration on step_completed
	//   - "error": error text on step_failed / error
	//   - "checkpoint_id": identifier on checkpoint_created
	Data map[string]any `json:"data,omitempty"`
}
