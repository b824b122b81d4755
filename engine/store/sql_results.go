package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const resultColumns = `job_id, step_index, result_key, content_type,
	size_bytes, inline_data, storage_path,
	created_at, expires_at, accessed_count, last_accessed`

// StoreResult implements Store. Payloads beyond the inline limit go to the
// blob backend; the row keeps the reference either way. Re-storing the same
// (job, step, key) replaces the previous payload.
func (s *sqlStore) StoreResult(ctx context.Context, jobID string, stepIndex int, key string, data []byte, contentType string, ttlDays int) (*StoredResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("result key is required")
	}

	now := time.Now().UTC()
	res := &StoredResult{
		JobID:       jobID,
		StepIndex:   stepIndex,
		Key:         key,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		CreatedAt:   now,
	}
	if ttlDays > 0 {
		exp := now.Add(time.Duration(ttlDays) * 24 * time.Hour)
		res.ExpiresAt = &exp
	}

	inline := []byte(nil)
	if len(data) <= s.opts.MaxInlineBytes {
		inline = data
	} else {
		if s.opts.Blobs == nil {
			return nil, fmt.Errorf("result exceeds inline limit and no blob backend is configured")
		}
		var err error
		res.StoragePath, err = s.opts.Blobs.StoreResult(ctx, jobID, stepIndex, key, data)
		if err != nil {
			return nil, err
		}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM result_storage WHERE job_id = ? AND step_index = ? AND result_key = ?`,
			jobID, stepIndex, key); err != nil {
			return fmt.Errorf("replace result: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO result_storage (`+resultColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.JobID, res.StepIndex, res.Key, res.ContentType,
			res.SizeBytes, inline, res.StoragePath,
			fmtTime(res.CreatedAt), fmtTimePtr(res.ExpiresAt), 0, nil,
		)
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RetrieveResult implements Store. Each retrieval bumps accessed_count and
// last_accessed.
func (s *sqlStore) RetrieveResult(ctx context.Context, jobID string, stepIndex int, key string) ([]byte, string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, "", err
	}

	var (
		contentType, storagePath string
		inline                   []byte
		expiresAt                sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT content_type, inline_data, storage_path, expires_at FROM result_storage
		WHERE job_id = ? AND step_index = ? AND result_key = ?`,
		jobID, stepIndex, key,
	).Scan(&contentType, &inline, &storagePath, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get result: %w", err)
	}

	exp, err := parseTimePtr(expiresAt)
	if err != nil {
		return nil, "", fmt.Errorf("parse expires_at: %w", err)
	}
	if exp != nil && time.Now().UTC().After(*exp) {
		return nil, "", ErrNotFound
	}

	data := inline
	if storagePath != "" {
		if s.opts.Blobs == nil {
			return nil, "", fmt.Errorf("result is stored externally and no blob backend is configured")
		}
		data, err = s.opts.Blobs.RetrieveResult(ctx, storagePath)
		if err != nil {
			return nil, "", err
		}
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE result_storage SET accessed_count = accessed_count + 1, last_accessed = ?
		WHERE job_id = ? AND step_index = ? AND result_key = ?`,
		fmtTime(time.Now().UTC()), jobID, stepIndex, key)

	return data, contentType, nil
}
