package store

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/biomapper/strategy-engine/engine/emit"
	"github.com/biomapper/strategy-engine/engine/storage"
)

// Default persistence policy values. Overridable via Options.
const (
	DefaultMaxInlineBytes    = 64 * 1024
	DefaultCompressThreshold = 100 * 1024
	DefaultRetention         = 7 * 24 * time.Hour
)

// Options configures a persistence store's inline/external and compression
// policy, the blob backend, and the live event emitter.
type Options struct {
	// MaxInlineBytes is the largest serialized payload stored inline in a
	// row; larger payloads go to the blob backend. Default 64 KiB.
	MaxInlineBytes int

	// CompressThreshold is the serialized size past which checkpoint context
	// data is gzip-compressed. Default 100 KiB.
	CompressThreshold int

	// Retention is the checkpoint lifetime used to set ExpiresAt.
	// Default 7 days.
	Retention time.Duration

	// Blobs is the backend for oversize checkpoints and results. Required
	// when payloads can exceed MaxInlineBytes; without it oversize writes
	// fail with a storage error.
	Blobs storage.Backend

	// Emitter receives live events forwarded by EmitEvent. Optional.
	Emitter emit.Emitter
}

func (o Options) withDefaults() Options {
	if o.MaxInlineBytes <= 0 {
		o.MaxInlineBytes = DefaultMaxInlineBytes
	}
	if o.CompressThreshold <= 0 {
		o.CompressThreshold = DefaultCompressThreshold
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	return o
}

// encodeContext serializes checkpoint context data to JSON and compresses it
// with gzip past the threshold. The gzip codec is the pinned checkpoint
// compression format; restores of rows with compressed=true always gunzip.
func encodeContext(contextData map[string]any, compressThreshold int) (data []byte, compressed bool, err error) {
	raw, err := json.Marshal(contextData)
	if err != nil {
		return nil, false, fmt.Errorf("marshal context: %w", err)
	}
	if len(raw) <= compressThreshold {
		return raw, false, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, false, fmt.Errorf("compress context: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("compress context: %w", err)
	}
	return buf.Bytes(), true, nil
}

// decodeContext reverses encodeContext.
func decodeContext(data []byte, compressed bool) (map[string]any, error) {
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress context: %w", err)
		}
		raw, err := io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("decompress context: %w", err)
		}
		data = raw
	}

	var contextData map[string]any
	if err := json.Unmarshal(data, &contextData); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return contextData, nil
}

// marshalJSON serializes v for a TEXT column; nil maps become SQL-friendly
// empty strings.
func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(data), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal json column: %w", err)
	}
	return m, nil
}

func unmarshalStrings(s string) ([]string, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("unmarshal json column: %w", err)
	}
	return out, nil
}

// totalStepsOf derives the step count from a strategy document snapshot.
func totalStepsOf(strategyDoc map[string]any) int {
	steps, ok := strategyDoc["steps"].([]any)
	if !ok {
		return 0
	}
	return len(steps)
}

// progressFor computes a bounded progress percentage.
func progressFor(currentStep, totalSteps int) float64 {
	if totalSteps <= 0 {
		return 0
	}
	p := 100 * float64(currentStep) / float64(totalSteps)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
