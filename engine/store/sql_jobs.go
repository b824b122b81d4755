package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/biomapper/strategy-engine/engine/emit"
)

const jobColumns = `id, strategy_name, strategy_doc, parameters, options, status,
	current_step_index, total_steps, progress_percentage,
	created_at, started_at, completed_at, last_updated,
	error_message, error_details, final_results,
	owner, session_id, tags, description,
	execution_time_ms, memory_mb_peak, retry_count`

// CreateJob implements Store.
func (s *sqlStore) CreateJob(ctx context.Context, params CreateJobParams) (*Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if params.StrategyName == "" {
		return nil, fmt.Errorf("strategy name is required")
	}

	now := time.Now().UTC()
	job := &Job{
		ID:           uuid.NewString(),
		StrategyName: params.StrategyName,
		StrategyDoc:  params.StrategyDoc,
		Parameters:   params.Parameters,
		Options:      params.Options,
		Status:       StatusPending,
		TotalSteps:   totalStepsOf(params.StrategyDoc),
		CreatedAt:    now,
		LastUpdated:  now,
		Owner:        params.Owner,
		SessionID:    params.SessionID,
		Tags:         params.Tags,
		Description:  params.Description,
	}

	docJSON, err := marshalJSON(job.StrategyDoc)
	if err != nil {
		return nil, err
	}
	paramsJSON, err := marshalJSON(job.Parameters)
	if err != nil {
		return nil, err
	}
	optionsJSON, err := marshalJSON(job.Options)
	if err != nil {
		return nil, err
	}
	tagsJSON, err := marshalJSON(job.Tags)
	if err != nil {
		return nil, err
	}

	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		job.ID, job.StrategyName, docJSON, paramsJSON, optionsJSON, string(job.Status),
		job.CurrentStepIndex, job.TotalSteps, job.ProgressPercentage,
		fmtTime(job.CreatedAt), nil, nil, fmtTime(job.LastUpdated),
		"", "", "",
		job.Owner, job.SessionID, tagsJSON, job.Description,
		job.ExecutionTimeMS, job.MemoryMBPeak, job.RetryCount,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	_, _ = s.EmitEvent(ctx, emit.Event{
		JobID:     job.ID,
		Type:      emit.TypeJobCreated,
		StepIndex: emit.NoStep,
		Message:   "job created for strategy " + job.StrategyName,
		Data:      map[string]any{"strategy_name": job.StrategyName, "total_steps": job.TotalSteps},
	})
	return job, nil
}

// UpdateJobStatus implements Store. The transition is validated against the
// current stored status inside a transaction under the per-job write lock.
func (s *sqlStore) UpdateJobStatus(ctx context.Context, jobID string, status Status, update JobUpdate) (*Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	unlock := s.lockJob(jobID)
	defer unlock()

	var job *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getJobTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if err := ValidateTransition(current.Status, status); err != nil {
			return err
		}

		now := time.Now().UTC()
		current.Status = status
		current.LastUpdated = now
		if status == StatusRunning && current.StartedAt == nil {
			started := now
			current.StartedAt = &started
		}
		if status.Terminal() {
			completed := now
			current.CompletedAt = &completed
			if current.StartedAt != nil {
				current.ExecutionTimeMS = completed.Sub(*current.StartedAt).Milliseconds()
			}
		}
		if status == StatusCompleted {
			current.CurrentStepIndex = current.TotalSteps
			current.ProgressPercentage = 100
		}

		if update.CurrentStepIndex != nil {
			current.CurrentStepIndex = *update.CurrentStepIndex
		}
		if update.ProgressPercentage != nil {
			current.ProgressPercentage = *update.ProgressPercentage
		}
		if update.ErrorMessage != nil {
			current.ErrorMessage = *update.ErrorMessage
		}
		if update.ErrorDetails != nil {
			current.ErrorDetails = update.ErrorDetails
		}
		if update.FinalResults != nil {
			current.FinalResults = update.FinalResults
		}
		if update.MemoryMBPeak != nil && *update.MemoryMBPeak > current.MemoryMBPeak {
			current.MemoryMBPeak = *update.MemoryMBPeak
		}
		if update.RetryCount != nil {
			current.RetryCount = *update.RetryCount
		}

		errDetailsJSON, err := marshalJSON(current.ErrorDetails)
		if err != nil {
			return err
		}
		finalJSON, err := marshalJSON(current.FinalResults)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE jobs SET
			status = ?, current_step_index = ?, progress_percentage = ?,
			started_at = ?, completed_at = ?, last_updated = ?,
			error_message = ?, error_details = ?, final_results = ?,
			execution_time_ms = ?, memory_mb_peak = ?, retry_count = ?
			WHERE id = ?`,
			string(current.Status), current.CurrentStepIndex, current.ProgressPercentage,
			fmtTimePtr(current.StartedAt), fmtTimePtr(current.CompletedAt), fmtTime(current.LastUpdated),
			current.ErrorMessage, errDetailsJSON, finalJSON,
			current.ExecutionTimeMS, current.MemoryMBPeak, current.RetryCount,
			jobID,
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		job = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	data := map[string]any{"status": string(status)}
	if job.ErrorMessage != "" {
		data["error"] = job.ErrorMessage
	}
	severity := emit.SeverityInfo
	if status == StatusFailed {
		severity = emit.SeverityError
	}
	_, _ = s.EmitEvent(ctx, emit.Event{
		JobID:     jobID,
		Type:      emit.TypeStatusChange,
		Severity:  severity,
		StepIndex: emit.NoStep,
		Message:   "job status changed to " + string(status),
		Data:      data,
	})
	return job, nil
}

// GetJob implements Store.
func (s *sqlStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

func (s *sqlStore) getJobTx(ctx context.Context, tx *sql.Tx, jobID string) (*Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

// ListJobs implements Store. Results are ordered by created_at descending.
func (s *sqlStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := make([]any, 0, 5)
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.StrategyName != "" {
		query += ` AND strategy_name = ?`
		args = append(args, filter.StrategyName)
	}
	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                                 Job
		docJSON, paramsJSON, optionsJSON    string
		statusStr                           string
		createdAt, lastUpdated              string
		startedAt, completedAt              sql.NullString
		errDetailsJSON, finalJSON, tagsJSON string
	)
	err := row.Scan(
		&job.ID, &job.StrategyName, &docJSON, &paramsJSON, &optionsJSON, &statusStr,
		&job.CurrentStepIndex, &job.TotalSteps, &job.ProgressPercentage,
		&createdAt, &startedAt, &completedAt, &lastUpdated,
		&job.ErrorMessage, &errDetailsJSON, &finalJSON,
		&job.Owner, &job.SessionID, &tagsJSON, &job.Description,
		&job.ExecutionTimeMS, &job.MemoryMBPeak, &job.RetryCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Status = Status(statusStr)
	if job.StrategyDoc, err = unmarshalMap(docJSON); err != nil {
		return nil, err
	}
	if job.Parameters, err = unmarshalMap(paramsJSON); err != nil {
		return nil, err
	}
	if optionsJSON != "" {
		optMap, err := unmarshalMap(optionsJSON)
		if err != nil {
			return nil, err
		}
		job.Options = optionsFromMap(optMap)
	}
	if job.ErrorDetails, err = unmarshalMap(errDetailsJSON); err != nil {
		return nil, err
	}
	if job.FinalResults, err = unmarshalMap(finalJSON); err != nil {
		return nil, err
	}
	if job.Tags, err = unmarshalStrings(tagsJSON); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return nil, fmt.Errorf("parse last_updated: %w", err)
	}
	if job.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if job.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &job, nil
}

func optionsFromMap(m map[string]any) JobOptions {
	var opts JobOptions
	if v, ok := m["timeout_seconds"].(float64); ok {
		opts.TimeoutSeconds = int(v)
	}
	if v, ok := m["retry_attempts"].(float64); ok {
		opts.RetryAttempts = int(v)
	}
	if v, ok := m["checkpoint_policy"].(map[string]any); ok {
		opts.CheckpointPolicy = v
	}
	return opts
}
