// Package storage provides the opaque byte-blob backend used for oversize
// checkpoints and step results. The engine only ever sees opaque location
// strings; layout and transport are implementation details.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a location does not exist.
var ErrNotFound = errors.New("storage: location not found")

// Backend stores and retrieves opaque blobs for jobs.
//
// The default implementation is the local filesystem (see FSBackend).
// Object-store variants are anticipated but not required; anything that can
// round-trip bytes through a location string satisfies the contract.
type Backend interface {
	// StoreCheckpoint persists checkpoint bytes and returns an opaque
	// location. checkpointID keys the blob so checkpoints sharing a step
	// index never collide.
	StoreCheckpoint(ctx context.Context, jobID, checkpointID string, stepIndex int, data []byte) (string, error)

	// RetrieveCheckpoint reads back the bytes at a location previously
	// returned by StoreCheckpoint.
	RetrieveCheckpoint(ctx context.Context, location string) ([]byte, error)

	// StoreResult persists result bytes for (jobID, stepIndex, key) and
	// returns an opaque location.
	StoreResult(ctx context.Context, jobID string, stepIndex int, key string, data []byte) (string, error)

	// RetrieveResult reads back the bytes at a location previously returned
	// by StoreResult.
	RetrieveResult(ctx context.Context, location string) ([]byte, error)

	// Delete removes the blob at the location. Returns false (and no error)
	// when the location does not exist.
	Delete(ctx context.Context, location string) (bool, error)
}

// Error is a categorized I/O failure from a storage backend.
type Error struct {
	Op       string // "store", "retrieve", "delete"
	Location string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Location, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
