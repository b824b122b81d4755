// Package store provides the durable persistence service for jobs, steps,
// checkpoints, logs, events, cached entity mappings, stored results, and
// session metrics.
//
// Three implementations are provided:
//   - SQLiteStore: default single-file database (modernc.org/sqlite)
//   - MySQLStore: shared-server variant (go-sql-driver/mysql)
//   - MemStore: in-memory store for tests and examples
//
// All write operations are transactional on the backing store. External
// blobs (oversize checkpoints and results) are written to the storage
// backend before the row referencing them is committed, so no cross-store
// atomicity is required; stranded blobs are garbage-collected by cleanup.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/biomapper/strategy-engine/engine/emit"
)

// ErrNotFound is returned when a requested job, step, checkpoint, result, or
// mapping row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrIllegalTransition is returned by UpdateJobStatus when the requested
// status change violates the job state machine.
var ErrIllegalTransition = errors.New("store: illegal status transition")

// ErrNotResumable is returned by RestoreCheckpoint for checkpoints that were
// not written as resumable snapshots.
var ErrNotResumable = errors.New("store: checkpoint is not resumable")

// ErrDuplicate is returned when a uniqueness constraint is violated.
var ErrDuplicate = errors.New("store: duplicate row")

// Job is a single execution of a strategy. The strategy document and
// parameters are snapshots, immutable after creation.
type Job struct {
	ID                 string         `json:"id"`
	StrategyName       string         `json:"strategy_name"`
	StrategyDoc        map[string]any `json:"strategy_doc"`
	Parameters         map[string]any `json:"parameters"`
	Options            JobOptions     `json:"options"`
	Status             Status         `json:"status"`
	CurrentStepIndex   int            `json:"current_step_index"`
	TotalSteps         int            `json:"total_steps"`
	ProgressPercentage float64        `json:"progress_percentage"`
	CreatedAt          time.Time      `json:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	LastUpdated        time.Time      `json:"last_updated"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	ErrorDetails       map[string]any `json:"error_details,omitempty"`
	FinalResults       map[string]any `json:"final_results,omitempty"`
	Owner              string         `json:"owner,omitempty"`
	SessionID          string         `json:"session_id,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	Description        string         `json:"description,omitempty"`
	ExecutionTimeMS    int64          `json:"execution_time_ms"`
	MemoryMBPeak       float64        `json:"memory_mb_peak"`
	RetryCount         int            `json:"retry_count"`
}

// JobOptions are the execution options captured at submission.
type JobOptions struct {
	TimeoutSeconds   int            `json:"timeout_seconds,omitempty"`
	RetryAttempts    int            `json:"retry_attempts,omitempty"`
	CheckpointPolicy map[string]any `json:"checkpoint_policy,omitempty"`
}

// CreateJobParams are the inputs to CreateJob.
type CreateJobParams struct {
	StrategyName string
	StrategyDoc  map[string]any
	Parameters   map[string]any
	Options      JobOptions
	Owner        string
	SessionID    string
	Tags         []string
	Description  string
}

// JobUpdate carries optional field updates applied together with a status
// transition. Nil pointers leave the stored value untouched.
type JobUpdate struct {
	CurrentStepIndex   *int
	ProgressPercentage *float64
	ErrorMessage       *string
	ErrorDetails       map[string]any
	FinalResults       map[string]any
	MemoryMBPeak       *float64
	RetryCount         *int
}

// JobFilter selects jobs for ListJobs. Zero values disable a criterion.
type JobFilter struct {
	Status       Status
	StrategyName string
	Owner        string
	Limit        int
	Offset       int
}

// Step records one action invocation within a job.
type Step struct {
	JobID          string         `json:"job_id"`
	StepIndex      int            `json:"step_index"`
	StepName       string         `json:"step_name"`
	ActionType     string         `json:"action_type"`
	InputParams    map[string]any `json:"input_params,omitempty"`
	Status         Status         `json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	DurationMS     int64          `json:"duration_ms"`
	OutputResults  map[string]any `json:"output_results,omitempty"`
	OutputLocation string         `json:"output_location,omitempty"`
	RetryCount     int            `json:"retry_count"`
	CanRetry       bool           `json:"can_retry"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	ErrorTraceback string         `json:"error_traceback,omitempty"`
	Metrics        StepMetrics    `json:"metrics"`
}

// StepMetrics are the numeric counters captured per step.
type StepMetrics struct {
	RecordsProcessed int64   `json:"records_processed"`
	RecordsMatched   int64   `json:"records_matched"`
	RecordsFailed    int64   `json:"records_failed"`
	ConfidenceScore  float64 `json:"confidence_score"`
	MemoryUsedMB     float64 `json:"memory_used_mb"`
}

// CheckpointType classifies why a checkpoint was written.
type CheckpointType string

const (
	CheckpointAutomatic  CheckpointType = "automatic"
	CheckpointBeforeStep CheckpointType = "before_step"
	CheckpointAfterStep  CheckpointType = "after_step"
	CheckpointManual     CheckpointType = "manual"
	CheckpointPreError   CheckpointType = "pre_error"
	CheckpointPausePoint CheckpointType = "pause_point"
)

// Checkpoint is a resumable snapshot of the execution context at a step
// index. Context data is held inline when small, otherwise in the storage
// backend at StoragePath. Data larger than the compression threshold is
// gzip-compressed before the inline/external decision.
type Checkpoint struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	StepIndex   int            `json:"step_index"`
	Type        CheckpointType `json:"checkpoint_type"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	StoragePath string         `json:"storage_path,omitempty"`
	SizeBytes   int64          `json:"size_bytes"`
	Compressed  bool           `json:"compressed"`
	IsResumable bool           `json:"is_resumable"`
	Description string         `json:"description,omitempty"`
}

// RestoredCheckpoint is the result of RestoreCheckpoint.
type RestoredCheckpoint struct {
	JobID     string
	StepIndex int
	Context   map[string]any
}

// LogEntry is one persisted log line scoped to a job.
type LogEntry struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	Level     emit.Severity  `json:"level"`
	Message   string         `json:"message"`
	StepIndex int            `json:"step_index"` // emit.NoStep when job-level
	Details   map[string]any `json:"details,omitempty"`
	Category  string         `json:"category,omitempty"`
	Component string         `json:"component,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// LogFilter selects log entries for GetLogs.
type LogFilter struct {
	Level     emit.Severity
	StepIndex *int
	Limit     int
}

// EventRecord is a persisted job event with delivery tracking.
type EventRecord struct {
	Event            emit.Event `json:"event"`
	Delivered        bool       `json:"delivered"`
	DeliveryAttempts int        `json:"delivery_attempts"`
}

// EventFilter selects events for GetEvents.
type EventFilter struct {
	Since *time.Time
	Type  emit.Type
	Limit int
}

// StoredResult describes one stored step result, inline or external.
type StoredResult struct {
	JobID         string     `json:"job_id"`
	StepIndex     int        `json:"step_index"`
	Key           string     `json:"key"`
	ContentType   string     `json:"content_type"`
	SizeBytes     int64      `json:"size_bytes"`
	StoragePath   string     `json:"storage_path,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	AccessedCount int        `json:"accessed_count"`
	LastAccessed  *time.Time `json:"last_accessed,omitempty"`
}

// JobMetrics aggregates step-level counters for one job.
type JobMetrics struct {
	JobID             string  `json:"job_id"`
	TotalSteps        int     `json:"total_steps"`
	CompletedSteps    int     `json:"completed_steps"`
	FailedSteps       int     `json:"failed_steps"`
	TotalDurationMS   int64   `json:"total_duration_ms"`
	AvgStepDurationMS float64 `json:"avg_step_duration_ms"`
	RecordsProcessed  int64   `json:"records_processed"`
	RecordsMatched    int64   `json:"records_matched"`
	RecordsFailed     int64   `json:"records_failed"`
	PeakMemoryMB      float64 `json:"peak_memory_mb"`
}

// EntityMapping is a cached identifier-mapping row. The four-tuple
// (SourceID, SourceType, TargetID, TargetType) is unique.
type EntityMapping struct {
	SourceID         string         `json:"source_id"`
	SourceType       string         `json:"source_type"`
	TargetID         string         `json:"target_id"`
	TargetType       string         `json:"target_type"`
	ConfidenceScore  *float64       `json:"confidence_score,omitempty"`
	MappingSource    string         `json:"mapping_source,omitempty"`
	HopCount         int            `json:"hop_count"`
	MappingDirection string         `json:"mapping_direction,omitempty"`
	PathDetails      map[string]any `json:"mapping_path_details,omitempty"`
	LastUpdated      time.Time      `json:"last_updated"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	UsageCount       int            `json:"usage_count"`
}

// MappingQuery selects entity mappings by four-tuple prefix and freshness.
type MappingQuery struct {
	SourceIDs    []string
	SourceType   string
	TargetType   string
	UpdatedSince *time.Time
}

// PathLogStatus is the outcome of one mapping-path attempt.
type PathLogStatus string

const (
	PathLogPending        PathLogStatus = "pending"
	PathLogSuccess        PathLogStatus = "success"
	PathLogFailure        PathLogStatus = "failure"
	PathLogPartial        PathLogStatus = "partial"
	PathLogNoMapping      PathLogStatus = "no_mapping_found"
	PathLogNoPath         PathLogStatus = "no_path_found"
	PathLogTimedOut       PathLogStatus = "timed_out"
	PathLogError          PathLogStatus = "error"
	PathLogSkipped        PathLogStatus = "skipped"
	PathLogExecutionError PathLogStatus = "execution_error"
)

// PathExecutionLog records that a mapping path was attempted for a
// representative source identifier.
type PathExecutionLog struct {
	ID                     string        `json:"id"`
	PathID                 string        `json:"relationship_mapping_path_id"`
	RepresentativeSourceID string        `json:"representative_source_id"`
	SourceEntityType       string        `json:"source_entity_type"`
	StartTime              time.Time     `json:"start_time"`
	EndTime                time.Time     `json:"end_time"`
	DurationMS             int64         `json:"duration_ms"`
	Status                 PathLogStatus `json:"status"`
	LogMessages            []string      `json:"log_messages,omitempty"`
	ErrorMessage           string        `json:"error_message,omitempty"`
}

// SessionMetricKind distinguishes numeric and categorical recordings.
type SessionMetricKind string

const (
	SessionMetricNumeric  SessionMetricKind = "numeric"
	SessionMetricCategory SessionMetricKind = "category"
)

// SessionMetric is one per-session recording for later analysis.
type SessionMetric struct {
	SessionID     string            `json:"session_id"`
	JobID         string            `json:"job_id,omitempty"`
	Name          string            `json:"name"`
	Kind          SessionMetricKind `json:"kind"`
	NumericValue  float64           `json:"numeric_value,omitempty"`
	CategoryValue string            `json:"category_value,omitempty"`
	RecordedAt    time.Time         `json:"recorded_at"`
}

// CleanupReport summarizes what CleanupOldData removed.
type CleanupReport struct {
	JobsDeleted        int
	CheckpointsDeleted int
	ResultsDeleted     int
	MappingsDeleted    int
}

// Store is the persistence service contract.
//
// Write operations for a single job are serialized by the implementation to
// avoid lost updates on progress fields; read paths are not locked.
type Store interface {
	// CreateJob assigns a fresh id, sets status to pending, derives
	// TotalSteps from the strategy document, and emits job_created.
	CreateJob(ctx context.Context, params CreateJobParams) (*Job, error)

	// UpdateJobStatus enforces the state machine, stamps StartedAt on the
	// first transition to running, stamps CompletedAt and computes
	// ExecutionTimeMS on transitions to terminal states, applies the
	// optional field updates, and emits status_change.
	UpdateJobStatus(ctx context.Context, jobID string, status Status, update JobUpdate) (*Job, error)

	// GetJob returns a job by id, or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ListJobs returns jobs matching the filter ordered by CreatedAt
	// descending.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// RecordStepStart creates (or resets, on retry) the step row and
	// recomputes the job's CurrentStepIndex and ProgressPercentage. The
	// previous attempt's RetryCount is preserved across the reset.
	RecordStepStart(ctx context.Context, jobID string, stepIndex int, name, actionType string, params map[string]any) (*Step, error)

	// RecordStepCompletion computes DurationMS and stores output inline when
	// its serialized size is below the inline limit, otherwise externally via
	// the storage backend, leaving a reference.
	RecordStepCompletion(ctx context.Context, jobID string, stepIndex int, output map[string]any, metrics StepMetrics) (*Step, error)

	// RecordStepFailure marks the step failed with error detail. retryCount
	// is the number of failed attempts so far, including this one.
	RecordStepFailure(ctx context.Context, jobID string, stepIndex int, errorMessage, errorTraceback string, retryCount int, canRetry bool) (*Step, error)

	// GetSteps returns a job's steps ordered by step index.
	GetSteps(ctx context.Context, jobID string) ([]*Step, error)

	// CreateCheckpoint serializes the context data, compresses it past the
	// threshold, stores it inline or externally per the inline limit, and
	// sets ExpiresAt from the retention period.
	CreateCheckpoint(ctx context.Context, jobID string, stepIndex int, contextData map[string]any, cpType CheckpointType, description string) (*Checkpoint, error)

	// RestoreCheckpoint returns the deserialized context for a resumable
	// checkpoint. Non-resumable checkpoints yield ErrNotResumable.
	RestoreCheckpoint(ctx context.Context, checkpointID string) (*RestoredCheckpoint, error)

	// ListCheckpoints returns a job's checkpoints newest-first.
	ListCheckpoints(ctx context.Context, jobID string, limit int) ([]*Checkpoint, error)

	// GetLatestCheckpoint returns the newest resumable checkpoint for the
	// job, or ErrNotFound.
	GetLatestCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error)

	// StoreResult persists a step result blob with a content type and TTL.
	StoreResult(ctx context.Context, jobID string, stepIndex int, key string, data []byte, contentType string, ttlDays int) (*StoredResult, error)

	// RetrieveResult returns the bytes and content type of a stored result,
	// maintaining AccessedCount and LastAccessed.
	RetrieveResult(ctx context.Context, jobID string, stepIndex int, key string) ([]byte, string, error)

	// Log appends a structured log entry for a job.
	Log(ctx context.Context, entry LogEntry) error

	// GetLogs returns a job's log entries oldest-first.
	GetLogs(ctx context.Context, jobID string, filter LogFilter) ([]*LogEntry, error)

	// EmitEvent persists the event and forwards it to the configured live
	// emitter. The returned record carries the assigned id and timestamp.
	EmitEvent(ctx context.Context, event emit.Event) (*EventRecord, error)

	// GetEvents returns a job's persisted events oldest-first.
	GetEvents(ctx context.Context, jobID string, filter EventFilter) ([]*EventRecord, error)

	// MarkEventsDelivered records successful delivery so late-subscriber
	// replay can skip already-streamed events.
	MarkEventsDelivered(ctx context.Context, eventIDs []string) error

	// CleanupOldData deletes terminal jobs (with their owned rows and blobs)
	// older than the given age, plus expired checkpoints, results, and
	// entity mappings.
	CleanupOldData(ctx context.Context, olderThan time.Duration) (CleanupReport, error)

	// GetJobMetrics aggregates step durations, record counts, and peak
	// memory for a job.
	GetJobMetrics(ctx context.Context, jobID string) (*JobMetrics, error)

	// UpsertEntityMappings inserts mapping rows, absorbing duplicates on the
	// four-tuple uniqueness constraint. Returns the number of rows written.
	UpsertEntityMappings(ctx context.Context, mappings []EntityMapping) (int, error)

	// QueryEntityMappings returns mapping rows matching the query.
	QueryEntityMappings(ctx context.Context, query MappingQuery) ([]*EntityMapping, error)

	// InsertPathExecutionLog records one mapping-path attempt and returns
	// its id.
	InsertPathExecutionLog(ctx context.Context, entry *PathExecutionLog) (string, error)

	// RecordSessionMetric appends one session recording.
	RecordSessionMetric(ctx context.Context, metric SessionMetric) error

	// GetSessionMetrics returns a session's recordings oldest-first.
	GetSessionMetrics(ctx context.Context, sessionID string) ([]*SessionMetric, error)

	// Close releases the underlying resources.
	Close() error
}
