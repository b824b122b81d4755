package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/biomapper/strategy-engine/engine/emit"
)

// Log implements Store.
func (s *sqlStore) Log(ctx context.Context, entry LogEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = emit.SeverityInfo
	}
	detailsJSON, err := marshalJSON(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (id, job_id, level, message, step_index, details, category, component, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.JobID, string(entry.Level), entry.Message, entry.StepIndex,
		detailsJSON, entry.Category, entry.Component, fmtTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// GetLogs implements Store. Oldest first.
func (s *sqlStore) GetLogs(ctx context.Context, jobID string, filter LogFilter) ([]*LogEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, job_id, level, message, step_index, details, category, component, created_at
		FROM execution_logs WHERE job_id = ?`
	args := []any{jobID}
	if filter.Level != "" {
		query += ` AND level = ?`
		args = append(args, string(filter.Level))
	}
	if filter.StepIndex != nil {
		query += ` AND step_index = ?`
		args = append(args, *filter.StepIndex)
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*LogEntry
	for rows.Next() {
		var (
			entry       LogEntry
			levelStr    string
			detailsJSON string
			createdAt   string
		)
		if err := rows.Scan(&entry.ID, &entry.JobID, &levelStr, &entry.Message, &entry.StepIndex,
			&detailsJSON, &entry.Category, &entry.Component, &createdAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entry.Level = emit.Severity(levelStr)
		if entry.Details, err = unmarshalMap(detailsJSON); err != nil {
			return nil, err
		}
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// EmitEvent implements Store. The event row is persisted first, then the
// event is forwarded to the live emitter; a subscriber that misses the live
// delivery can replay from GetEvents.
func (s *sqlStore) EmitEvent(ctx context.Context, event emit.Event) (*EventRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = emit.SeverityInfo
	}

	dataJSON, err := marshalJSON(event.Data)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_events (id, job_id, event_type, timestamp, severity, step_index, step_name, message, data, delivered, delivery_attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		event.ID, event.JobID, string(event.Type), fmtTime(event.Timestamp), string(event.Severity),
		event.StepIndex, event.StepName, event.Message, dataJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if s.opts.Emitter != nil {
		s.opts.Emitter.Emit(event)
	}
	return &EventRecord{Event: event}, nil
}

// GetEvents implements Store. Oldest first.
func (s *sqlStore) GetEvents(ctx context.Context, jobID string, filter EventFilter) ([]*EventRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, job_id, event_type, timestamp, severity, step_index, step_name, message, data, delivered, delivery_attempts
		FROM job_events WHERE job_id = ?`
	args := []any{jobID}
	if filter.Since != nil {
		query += ` AND timestamp > ?`
		args = append(args, fmtTime(*filter.Since))
	}
	if filter.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(filter.Type))
	}
	query += ` ORDER BY timestamp ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*EventRecord
	for rows.Next() {
		var (
			rec                 EventRecord
			typeStr, sevStr     string
			timestamp, dataJSON string
			delivered           int
		)
		if err := rows.Scan(&rec.Event.ID, &rec.Event.JobID, &typeStr, &timestamp, &sevStr,
			&rec.Event.StepIndex, &rec.Event.StepName, &rec.Event.Message, &dataJSON,
			&delivered, &rec.DeliveryAttempts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Event.Type = emit.Type(typeStr)
		rec.Event.Severity = emit.Severity(sevStr)
		rec.Delivered = delivered != 0
		if rec.Event.Data, err = unmarshalMap(dataJSON); err != nil {
			return nil, err
		}
		if rec.Event.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// MarkEventsDelivered implements Store.
func (s *sqlStore) MarkEventsDelivered(ctx context.Context, eventIDs []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(eventIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(eventIDs)), ", ")
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_events SET delivered = 1, delivery_attempts = delivery_attempts + 1
		WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark events delivered: %w", err)
	}
	return nil
}
