package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const mappingColumns = `source_id, source_type, target_id, target_type,
	confidence_score, mapping_source, hop_count, mapping_direction,
	mapping_path_details, last_updated, expires_at, usage_count`

// UpsertEntityMappings implements Store. Rows that collide with an existing
// (source_id, source_type, target_id, target_type) tuple are ignored; the
// return value counts rows actually written.
func (s *sqlStore) UpsertEntityMappings(ctx context.Context, mappings []EntityMapping) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if len(mappings) == 0 {
		return 0, nil
	}

	written := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.d.insertIgnoreEntityMapping())
		if err != nil {
			return fmt.Errorf("prepare mapping insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, m := range mappings {
			if m.SourceID == "" || m.TargetID == "" {
				return fmt.Errorf("mapping source and target ids are required")
			}
			if m.LastUpdated.IsZero() {
				m.LastUpdated = time.Now().UTC()
			}
			pathJSON, err := marshalJSON(m.PathDetails)
			if err != nil {
				return err
			}
			res, err := stmt.ExecContext(ctx,
				m.SourceID, m.SourceType, m.TargetID, m.TargetType,
				m.ConfidenceScore, m.MappingSource, m.HopCount, m.MappingDirection,
				pathJSON, fmtTime(m.LastUpdated), fmtTimePtr(m.ExpiresAt), m.UsageCount,
			)
			if err != nil {
				return fmt.Errorf("insert mapping %s->%s: %w", m.SourceID, m.TargetID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("insert mapping %s->%s: %w", m.SourceID, m.TargetID, err)
			}
			written += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// QueryEntityMappings implements Store.
func (s *sqlStore) QueryEntityMappings(ctx context.Context, query MappingQuery) ([]*EntityMapping, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(query.SourceIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(query.SourceIDs)), ", ")
	q := `SELECT ` + mappingColumns + ` FROM entity_mappings WHERE source_id IN (` + placeholders + `)`
	args := make([]any, 0, len(query.SourceIDs)+3)
	for _, id := range query.SourceIDs {
		args = append(args, id)
	}
	if query.SourceType != "" {
		q += ` AND source_type = ?`
		args = append(args, query.SourceType)
	}
	if query.TargetType != "" {
		q += ` AND target_type = ?`
		args = append(args, query.TargetType)
	}
	if query.UpdatedSince != nil {
		q += ` AND last_updated >= ?`
		args = append(args, fmtTime(*query.UpdatedSince))
	}
	q += ` ORDER BY source_id ASC, target_id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EntityMapping
	for rows.Next() {
		var (
			m           EntityMapping
			confidence  sql.NullFloat64
			pathJSON    string
			lastUpdated string
			expiresAt   sql.NullString
		)
		if err := rows.Scan(
			&m.SourceID, &m.SourceType, &m.TargetID, &m.TargetType,
			&confidence, &m.MappingSource, &m.HopCount, &m.MappingDirection,
			&pathJSON, &lastUpdated, &expiresAt, &m.UsageCount,
		); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		if confidence.Valid {
			v := confidence.Float64
			m.ConfidenceScore = &v
		}
		if m.PathDetails, err = unmarshalMap(pathJSON); err != nil {
			return nil, err
		}
		if m.LastUpdated, err = parseTime(lastUpdated); err != nil {
			return nil, fmt.Errorf("parse last_updated: %w", err)
		}
		if m.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// InsertPathExecutionLog implements Store.
func (s *sqlStore) InsertPathExecutionLog(ctx context.Context, entry *PathExecutionLog) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	messagesJSON, err := marshalJSON(entry.LogMessages)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO path_execution_logs
		(id, path_id, representative_source_id, source_entity_type, start_time, end_time, duration_ms, status, log_messages, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.PathID, entry.RepresentativeSourceID, entry.SourceEntityType,
		fmtTime(entry.StartTime), fmtTime(entry.EndTime), entry.DurationMS,
		string(entry.Status), messagesJSON, entry.ErrorMessage,
	)
	if err != nil {
		return "", fmt.Errorf("insert path execution log: %w", err)
	}
	return entry.ID, nil
}

// RecordSessionMetric implements Store.
func (s *sqlStore) RecordSessionMetric(ctx context.Context, metric SessionMetric) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if metric.SessionID == "" || metric.Name == "" {
		return fmt.Errorf("session id and metric name are required")
	}
	if metric.RecordedAt.IsZero() {
		metric.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_metrics (id, session_id, job_id, name, kind, numeric_value, category_value, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), metric.SessionID, metric.JobID, metric.Name, string(metric.Kind),
		metric.NumericValue, metric.CategoryValue, fmtTime(metric.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session metric: %w", err)
	}
	return nil
}

// GetSessionMetrics implements Store. Oldest first.
func (s *sqlStore) GetSessionMetrics(ctx context.Context, sessionID string) ([]*SessionMetric, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, job_id, name, kind, numeric_value, category_value, recorded_at
		FROM session_metrics WHERE session_id = ? ORDER BY recorded_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SessionMetric
	for rows.Next() {
		var (
			m          SessionMetric
			kindStr    string
			recordedAt string
		)
		if err := rows.Scan(&m.SessionID, &m.JobID, &m.Name, &kindStr, &m.NumericValue, &m.CategoryValue, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan session metric: %w", err)
		}
		m.Kind = SessionMetricKind(kindStr)
		if m.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GetJobMetrics implements Store.
func (s *sqlStore) GetJobMetrics(ctx context.Context, jobID string) (*JobMetrics, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	m := &JobMetrics{JobID: jobID}
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(duration_ms), 0),
		COALESCE(SUM(records_processed), 0),
		COALESCE(SUM(records_matched), 0),
		COALESCE(SUM(records_failed), 0),
		COALESCE(MAX(memory_used_mb), 0)
		FROM execution_steps WHERE job_id = ?`,
		string(StatusCompleted), string(StatusFailed), jobID,
	).Scan(
		&m.TotalSteps, &m.CompletedSteps, &m.FailedSteps, &m.TotalDurationMS,
		&m.RecordsProcessed, &m.RecordsMatched, &m.RecordsFailed, &m.PeakMemoryMB,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate job metrics: %w", err)
	}
	if m.TotalSteps > 0 {
		m.AvgStepDurationMS = float64(m.TotalDurationMS) / float64(m.TotalSteps)
	}
	return m, nil
}

// CleanupOldData implements Store. Terminal jobs older than the cutoff are
// deleted with their owned rows and blobs; expired checkpoints, results, and
// entity mappings are removed regardless of job age.
func (s *sqlStore) CleanupOldData(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	var report CleanupReport
	if err := s.checkOpen(); err != nil {
		return report, err
	}

	now := time.Now().UTC()
	cutoff := fmtTime(now.Add(-olderThan))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), cutoff)
	if err != nil {
		return report, fmt.Errorf("select old jobs: %w", err)
	}
	var oldJobs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return report, fmt.Errorf("scan job id: %w", err)
		}
		oldJobs = append(oldJobs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return report, err
	}
	_ = rows.Close()

	for _, jobID := range oldJobs {
		if err := s.deleteJobCascade(ctx, jobID); err != nil {
			return report, err
		}
		report.JobsDeleted++
	}

	nowStr := fmtTime(now)
	n, err := s.deleteExpiredWithBlobs(ctx,
		`SELECT id, storage_path FROM execution_checkpoints WHERE expires_at < ?`,
		`DELETE FROM execution_checkpoints WHERE id = ?`, nowStr)
	if err != nil {
		return report, err
	}
	report.CheckpointsDeleted = n

	n, err = s.deleteExpiredResults(ctx, nowStr)
	if err != nil {
		return report, err
	}
	report.ResultsDeleted = n

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entity_mappings WHERE expires_at IS NOT NULL AND expires_at < ?`, nowStr)
	if err != nil {
		return report, fmt.Errorf("delete expired mappings: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil {
		report.MappingsDeleted = int(affected)
	}

	s.mu.Lock()
	for _, jobID := range oldJobs {
		delete(s.jobLocks, jobID)
	}
	s.mu.Unlock()

	return report, nil
}

// deleteJobCascade removes one job and everything it owns, blobs included.
func (s *sqlStore) deleteJobCascade(ctx context.Context, jobID string) error {
	if s.opts.Blobs != nil {
		locations, err := s.collectJobBlobs(ctx, jobID)
		if err != nil {
			return err
		}
		for _, loc := range locations {
			if _, err := s.opts.Blobs.Delete(ctx, loc); err != nil {
				return err
			}
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{
			"execution_checkpoints", "execution_steps", "execution_logs",
			"job_events", "result_storage", "session_metrics",
		} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE job_id = ?`, jobID); err != nil {
				return fmt.Errorf("delete %s for job %s: %w", table, jobID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
			return fmt.Errorf("delete job %s: %w", jobID, err)
		}
		return nil
	})
}

func (s *sqlStore) collectJobBlobs(ctx context.Context, jobID string) ([]string, error) {
	var locations []string
	for _, q := range []string{
		`SELECT storage_path FROM execution_checkpoints WHERE job_id = ? AND storage_path != ''`,
		`SELECT storage_path FROM result_storage WHERE job_id = ? AND storage_path != ''`,
		`SELECT output_location FROM execution_steps WHERE job_id = ? AND output_location != ''`,
	} {
		rows, err := s.db.QueryContext(ctx, q, jobID)
		if err != nil {
			return nil, fmt.Errorf("collect blob locations: %w", err)
		}
		for rows.Next() {
			var loc string
			if err := rows.Scan(&loc); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan blob location: %w", err)
			}
			locations = append(locations, loc)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return locations, nil
}

// deleteExpiredWithBlobs deletes rows matched by selectQuery one at a time,
// removing each row's external blob first.
func (s *sqlStore) deleteExpiredWithBlobs(ctx context.Context, selectQuery, deleteQuery, cutoff string) (int, error) {
	rows, err := s.db.QueryContext(ctx, selectQuery, cutoff)
	if err != nil {
		return 0, fmt.Errorf("select expired rows: %w", err)
	}
	type expired struct{ id, location string }
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.location); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan expired row: %w", err)
		}
		found = append(found, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	deleted := 0
	for _, e := range found {
		if e.location != "" && s.opts.Blobs != nil {
			if _, err := s.opts.Blobs.Delete(ctx, e.location); err != nil {
				return deleted, err
			}
		}
		if _, err := s.db.ExecContext(ctx, deleteQuery, e.id); err != nil {
			return deleted, fmt.Errorf("delete expired row: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *sqlStore) deleteExpiredResults(ctx context.Context, cutoff string) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, step_index, result_key, storage_path FROM result_storage
		WHERE expires_at IS NOT NULL AND expires_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("select expired results: %w", err)
	}
	type expired struct {
		jobID, key, location string
		stepIndex            int
	}
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.jobID, &e.stepIndex, &e.key, &e.location); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan expired result: %w", err)
		}
		found = append(found, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	deleted := 0
	for _, e := range found {
		if e.location != "" && s.opts.Blobs != nil {
			if _, err := s.opts.Blobs.Delete(ctx, e.location); err != nil {
				return deleted, err
			}
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM result_storage WHERE job_id = ? AND step_index = ? AND result_key = ?`,
			e.jobID, e.stepIndex, e.key); err != nil {
			return deleted, fmt.Errorf("delete expired result: %w", err)
		}
		deleted++
	}
	return deleted, nil
}
