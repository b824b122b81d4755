package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const stepColumns = `job_id, step_index, step_name, action_type, input_params, status,
	started_at, completed_at, duration_ms,
	output_results, output_location, retry_count, can_retry,
	error_message, error_traceback,
	records_processed, records_matched, records_failed, confidence_score, memory_used_mb`

// RecordStepStart implements Store. Re-running a step (retry, resume)
// replaces the previous row for the same (job_id, step_index).
func (s *sqlStore) RecordStepStart(ctx context.Context, jobID string, stepIndex int, name, actionType string, params map[string]any) (*Step, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	unlock := s.lockJob(jobID)
	defer unlock()

	now := time.Now().UTC()
	step := &Step{
		JobID:       jobID,
		StepIndex:   stepIndex,
		StepName:    name,
		ActionType:  actionType,
		InputParams: params,
		Status:      StatusRunning,
		StartedAt:   &now,
	}
	paramsJSON, err := marshalJSON(params)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		// A retry or resume replaces the previous row; the retry count must
		// survive the replacement so a step that eventually completes still
		// reports how many attempts it took.
		retryCount := 0
		switch prev, err := getStepTx(ctx, tx, jobID, stepIndex); {
		case err == nil:
			retryCount = prev.RetryCount
		case !errors.Is(err, ErrNotFound):
			return err
		}
		step.RetryCount = retryCount

		if _, err := tx.ExecContext(ctx, s.d.upsertStep(),
			jobID, stepIndex, name, actionType, paramsJSON, string(StatusRunning),
			fmtTime(now), nil, 0,
			"", "", retryCount, 0,
			"", "",
			0, 0, 0, 0.0, 0.0,
		); err != nil {
			return fmt.Errorf("insert step: %w", err)
		}

		// Step start moves the job pointer onto this step.
		_, err := tx.ExecContext(ctx,
			`UPDATE jobs SET current_step_index = ?, progress_percentage = ?, last_updated = ? WHERE id = ?`,
			stepIndex, progressFor(stepIndex, s.jobTotalSteps(ctx, tx, jobID)), fmtTime(now), jobID)
		if err != nil {
			return fmt.Errorf("update job progress: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}

// RecordStepCompletion implements Store. Output beyond the inline limit is
// written to the blob backend before the row is updated.
func (s *sqlStore) RecordStepCompletion(ctx context.Context, jobID string, stepIndex int, output map[string]any, metrics StepMetrics) (*Step, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	unlock := s.lockJob(jobID)
	defer unlock()

	now := time.Now().UTC()

	outputJSON := ""
	outputLocation := ""
	if output != nil {
		raw, err := json.Marshal(output)
		if err != nil {
			return nil, fmt.Errorf("marshal step output: %w", err)
		}
		if len(raw) < s.opts.MaxInlineBytes {
			outputJSON = string(raw)
		} else {
			if s.opts.Blobs == nil {
				return nil, fmt.Errorf("step output exceeds inline limit and no blob backend is configured")
			}
			// Blob first, row second: a crash leaves a stranded blob, never
			// a dangling reference.
			outputLocation, err = s.opts.Blobs.StoreResult(ctx, jobID, stepIndex, "output", raw)
			if err != nil {
				return nil, err
			}
		}
	}

	var step *Step
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getStepTx(ctx, tx, jobID, stepIndex)
		if err != nil {
			return err
		}
		durationMS := int64(0)
		if current.StartedAt != nil {
			durationMS = now.Sub(*current.StartedAt).Milliseconds()
		}

		if _, err := tx.ExecContext(ctx, `UPDATE execution_steps SET
			status = ?, completed_at = ?, duration_ms = ?,
			output_results = ?, output_location = ?,
			records_processed = ?, records_matched = ?, records_failed = ?,
			confidence_score = ?, memory_used_mb = ?
			WHERE job_id = ? AND step_index = ?`,
			string(StatusCompleted), fmtTime(now), durationMS,
			outputJSON, outputLocation,
			metrics.RecordsProcessed, metrics.RecordsMatched, metrics.RecordsFailed,
			metrics.ConfidenceScore, metrics.MemoryUsedMB,
			jobID, stepIndex,
		); err != nil {
			return fmt.Errorf("update step: %w", err)
		}

		// Completion advances the job pointer past this step.
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET current_step_index = ?, progress_percentage = ?, last_updated = ? WHERE id = ?`,
			stepIndex+1, progressFor(stepIndex+1, s.jobTotalSteps(ctx, tx, jobID)), fmtTime(now), jobID); err != nil {
			return fmt.Errorf("update job progress: %w", err)
		}

		current.Status = StatusCompleted
		current.CompletedAt = &now
		current.DurationMS = durationMS
		current.OutputResults = output
		if outputLocation != "" {
			current.OutputResults = nil
			current.OutputLocation = outputLocation
		}
		current.Metrics = metrics
		step = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}

// RecordStepFailure implements Store.
func (s *sqlStore) RecordStepFailure(ctx context.Context, jobID string, stepIndex int, errorMessage, errorTraceback string, retryCount int, canRetry bool) (*Step, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	unlock := s.lockJob(jobID)
	defer unlock()

	now := time.Now().UTC()
	var step *Step
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getStepTx(ctx, tx, jobID, stepIndex)
		if err != nil {
			return err
		}
		durationMS := int64(0)
		if current.StartedAt != nil {
			durationMS = now.Sub(*current.StartedAt).Milliseconds()
		}
		if _, err := tx.ExecContext(ctx, `UPDATE execution_steps SET
			status = ?, completed_at = ?, duration_ms = ?,
			retry_count = ?, can_retry = ?, error_message = ?, error_traceback = ?
			WHERE job_id = ? AND step_index = ?`,
			string(StatusFailed), fmtTime(now), durationMS,
			retryCount, boolToInt(canRetry), errorMessage, errorTraceback,
			jobID, stepIndex,
		); err != nil {
			return fmt.Errorf("update step: %w", err)
		}

		current.Status = StatusFailed
		current.CompletedAt = &now
		current.DurationMS = durationMS
		current.RetryCount = retryCount
		current.CanRetry = canRetry
		current.ErrorMessage = errorMessage
		current.ErrorTraceback = errorTraceback
		step = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}

// GetSteps implements Store.
func (s *sqlStore) GetSteps(ctx context.Context, jobID string) ([]*Step, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE job_id = ? ORDER BY step_index ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func getStepTx(ctx context.Context, tx *sql.Tx, jobID string, stepIndex int) (*Step, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE job_id = ? AND step_index = ?`, jobID, stepIndex)
	return scanStep(row)
}

func scanStep(row rowScanner) (*Step, error) {
	var (
		step                   Step
		paramsJSON, outputJSON string
		statusStr              string
		startedAt, completedAt sql.NullString
		canRetry               int
	)
	err := row.Scan(
		&step.JobID, &step.StepIndex, &step.StepName, &step.ActionType, &paramsJSON, &statusStr,
		&startedAt, &completedAt, &step.DurationMS,
		&outputJSON, &step.OutputLocation, &step.RetryCount, &canRetry,
		&step.ErrorMessage, &step.ErrorTraceback,
		&step.Metrics.RecordsProcessed, &step.Metrics.RecordsMatched, &step.Metrics.RecordsFailed,
		&step.Metrics.ConfidenceScore, &step.Metrics.MemoryUsedMB,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	step.Status = Status(statusStr)
	step.CanRetry = canRetry != 0
	if step.InputParams, err = unmarshalMap(paramsJSON); err != nil {
		return nil, err
	}
	if step.OutputResults, err = unmarshalMap(outputJSON); err != nil {
		return nil, err
	}
	if step.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if step.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &step, nil
}

// jobTotalSteps reads total_steps inside the caller's transaction; 0 when
// the job row is missing.
func (s *sqlStore) jobTotalSteps(ctx context.Context, tx *sql.Tx, jobID string) int {
	var total int
	if err := tx.QueryRowContext(ctx, `SELECT total_steps FROM jobs WHERE id = ?`, jobID).Scan(&total); err != nil {
		return 0
	}
	return total
}
