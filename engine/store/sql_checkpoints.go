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

const checkpointColumns = `id, job_id, step_index, checkpoint_type,
	created_at, expires_at, context_data, storage_path,
	size_bytes, compressed, is_resumable, description`

// CreateCheckpoint implements Store. The context payload is JSON-encoded,
// gzip-compressed past the compression threshold, and stored inline when the
// encoded size fits the inline limit, otherwise in the blob backend.
func (s *sqlStore) CreateCheckpoint(ctx context.Context, jobID string, stepIndex int, contextData map[string]any, cpType CheckpointType, description string) (*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	encoded, compressed, err := encodeContext(contextData, s.opts.CompressThreshold)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cp := &Checkpoint{
		ID:          uuid.NewString(),
		JobID:       jobID,
		StepIndex:   stepIndex,
		Type:        cpType,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.Retention),
		SizeBytes:   int64(len(encoded)),
		Compressed:  compressed,
		IsResumable: true,
		Description: description,
	}

	inline := []byte(nil)
	if len(encoded) <= s.opts.MaxInlineBytes {
		inline = encoded
	} else {
		if s.opts.Blobs == nil {
			return nil, fmt.Errorf("checkpoint exceeds inline limit and no blob backend is configured")
		}
		// Blob first so a failure here never leaves a row pointing at
		// nothing.
		cp.StoragePath, err = s.opts.Blobs.StoreCheckpoint(ctx, jobID, cp.ID, stepIndex, encoded)
		if err != nil {
			return nil, err
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.JobID, cp.StepIndex, string(cp.Type),
		fmtTime(cp.CreatedAt), fmtTime(cp.ExpiresAt), inline, cp.StoragePath,
		cp.SizeBytes, boolToInt(cp.Compressed), boolToInt(cp.IsResumable), cp.Description,
	)
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}

	_, _ = s.EmitEvent(ctx, emit.Event{
		JobID:     jobID,
		Type:      emit.TypeCheckpointCreated,
		StepIndex: stepIndex,
		Message:   "checkpoint created (" + string(cpType) + ")",
		Data: map[string]any{
			"checkpoint_id":   cp.ID,
			"checkpoint_type": string(cpType),
			"size_bytes":      cp.SizeBytes,
			"compressed":      cp.Compressed,
		},
	})
	return cp, nil
}

// RestoreCheckpoint implements Store. Expired checkpoints are treated as not
// resumable.
func (s *sqlStore) RestoreCheckpoint(ctx context.Context, checkpointID string) (*RestoredCheckpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	cp, inline, err := s.getCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if !cp.IsResumable {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, ErrNotResumable)
	}
	if time.Now().UTC().After(cp.ExpiresAt) {
		return nil, fmt.Errorf("checkpoint %s expired at %s: %w", checkpointID, cp.ExpiresAt.Format(time.RFC3339), ErrNotResumable)
	}

	encoded := inline
	if cp.StoragePath != "" {
		if s.opts.Blobs == nil {
			return nil, fmt.Errorf("checkpoint %s is stored externally and no blob backend is configured", checkpointID)
		}
		encoded, err = s.opts.Blobs.RetrieveCheckpoint(ctx, cp.StoragePath)
		if err != nil {
			return nil, err
		}
	}

	contextData, err := decodeContext(encoded, cp.Compressed)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, err)
	}
	return &RestoredCheckpoint{
		JobID:     cp.JobID,
		StepIndex: cp.StepIndex,
		Context:   contextData,
	}, nil
}

// ListCheckpoints implements Store. Newest first.
func (s *sqlStore) ListCheckpoints(ctx context.Context, jobID string, limit int) ([]*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM execution_checkpoints
		WHERE job_id = ? ORDER BY created_at DESC, step_index DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cps []*Checkpoint
	for rows.Next() {
		cp, _, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// GetLatestCheckpoint implements Store. Only resumable, unexpired
// checkpoints qualify.
func (s *sqlStore) GetLatestCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM execution_checkpoints
		WHERE job_id = ? AND is_resumable = 1 AND expires_at > ?
		ORDER BY created_at DESC, step_index DESC LIMIT 1`,
		jobID, fmtTime(time.Now().UTC()))
	cp, _, err := scanCheckpoint(row)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *sqlStore) getCheckpoint(ctx context.Context, checkpointID string) (Checkpoint, []byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM execution_checkpoints WHERE id = ?`, checkpointID)
	cp, inline, err := scanCheckpoint(row)
	if err != nil {
		return Checkpoint{}, nil, err
	}
	return *cp, inline, nil
}

func scanCheckpoint(row rowScanner) (*Checkpoint, []byte, error) {
	var (
		cp                    Checkpoint
		typeStr               string
		createdAt, expiresAt  string
		inline                []byte
		compressed, resumable int
	)
	err := row.Scan(
		&cp.ID, &cp.JobID, &cp.StepIndex, &typeStr,
		&createdAt, &expiresAt, &inline, &cp.StoragePath,
		&cp.SizeBytes, &compressed, &resumable, &cp.Description,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scan checkpoint: %w", err)
	}

	cp.Type = CheckpointType(typeStr)
	cp.Compressed = compressed != 0
	cp.IsResumable = resumable != 0
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, nil, fmt.Errorf("parse created_at: %w", err)
	}
	if cp.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, nil, fmt.Errorf("parse expires_at: %w", err)
	}
	return &cp, inline, nil
}
