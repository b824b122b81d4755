package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSBackend is the default filesystem implementation of Backend.
//
// Layout under the configured base directory:
//
//	<base>/checkpoints/<job_id>/<step_index>_<checkpoint_id>.ckpt
//	<base>/results/<job_id>/<step_index>_<key>.result
//
// Locations are paths relative to the base directory, so a store can be
// relocated by moving the base directory and reusing the same rows.
type FSBackend struct {
	base string
}

// NewFSBackend creates a filesystem backend rooted at base, creating the
// directory if needed.
func NewFSBackend(base string) (*FSBackend, error) {
	if base == "" {
		return nil, &Error{Op: "store", Location: base, Err: fmt.Errorf("base directory is required")}
	}
	if err := os.MkdirAll(base, 0o750); err != nil {
		return nil, &Error{Op: "store", Location: base, Err: err}
	}
	return &FSBackend{base: base}, nil
}

// Base returns the backend's base directory.
func (f *FSBackend) Base() string { return f.base }

// StoreCheckpoint implements Backend. Two checkpoints at the same step index
// (a before_step and a later pause_point, say) keep distinct blobs.
func (f *FSBackend) StoreCheckpoint(ctx context.Context, jobID, checkpointID string, stepIndex int, data []byte) (string, error) {
	location := filepath.Join("checkpoints", sanitizeComponent(jobID), fmt.Sprintf("%d_%s.ckpt", stepIndex, sanitizeComponent(checkpointID)))
	return location, f.write(ctx, location, data)
}

// RetrieveCheckpoint implements Backend.
func (f *FSBackend) RetrieveCheckpoint(ctx context.Context, location string) ([]byte, error) {
	return f.read(ctx, location)
}

// StoreResult implements Backend.
func (f *FSBackend) StoreResult(ctx context.Context, jobID string, stepIndex int, key string, data []byte) (string, error) {
	location := filepath.Join("results", sanitizeComponent(jobID), fmt.Sprintf("%d_%s.result", stepIndex, sanitizeComponent(key)))
	return location, f.write(ctx, location, data)
}

// RetrieveResult implements Backend.
func (f *FSBackend) RetrieveResult(ctx context.Context, location string) ([]byte, error) {
	return f.read(ctx, location)
}

// Delete implements Backend. Returns false when the location does not exist.
func (f *FSBackend) Delete(ctx context.Context, location string) (bool, error) {
	path, err := f.resolve(location)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &Error{Op: "delete", Location: location, Err: err}
	}
	return true, nil
}

func (f *FSBackend) write(ctx context.Context, location string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "store", Location: location, Err: err}
	}
	path, err := f.resolve(location)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return &Error{Op: "store", Location: location, Err: err}
	}

	// Write to a temp file then rename so readers never observe partial blobs.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return &Error{Op: "store", Location: location, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &Error{Op: "store", Location: location, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &Error{Op: "store", Location: location, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &Error{Op: "store", Location: location, Err: err}
	}
	return nil
}

func (f *FSBackend) read(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "retrieve", Location: location, Err: err}
	}
	path, err := f.resolve(location)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is confined to base by resolve
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Op: "retrieve", Location: location, Err: ErrNotFound}
		}
		return nil, &Error{Op: "retrieve", Location: location, Err: err}
	}
	return data, nil
}

// resolve joins a location to the base directory and rejects escapes.
func (f *FSBackend) resolve(location string) (string, error) {
	cleaned := filepath.Clean(location)
	if cleaned == "" || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", &Error{Op: "retrieve", Location: location, Err: fmt.Errorf("invalid location")}
	}
	return filepath.Join(f.base, cleaned), nil
}

// sanitizeComponent strips path separators from ids and keys so they cannot
// introduce nested directories.
func sanitizeComponent(s string) string {
	s = strings.ReplaceAll(s, string(os.PathSeparator), "_")
	return strings.ReplaceAll(s, "/", "_")
}
