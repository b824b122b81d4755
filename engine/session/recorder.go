// Package session records per-session analysis metrics on top of the
// persistence layer.
package session

import (
	"context"
	"time"

	"github.com/biomapper/strategy-engine/engine"
	"github.com/biomapper/strategy-engine/engine/store"
)

// Recorder writes and reads session-scoped metrics for a mapping session.
// A session groups the jobs launched for one analysis run.
type Recorder struct {
	st store.Store
}

// NewRecorder wraps a store.
func NewRecorder(st store.Store) *Recorder {
	return &Recorder{st: st}
}

// RecordNumeric stores one numeric observation, e.g. a match rate or a
// hop-count average.
func (r *Recorder) RecordNumeric(ctx context.Context, sessionID, jobID, name string, value float64) error {
	if sessionID == "" || name == "" {
		return engine.NewError(engine.KindValidation, "session id and metric name are required")
	}
	return r.st.RecordSessionMetric(ctx, store.SessionMetric{
		SessionID:    sessionID,
		JobID:        jobID,
		Name:         name,
		Kind:         store.SessionMetricNumeric,
		NumericValue: value,
		RecordedAt:   time.Now().UTC(),
	})
}

// RecordCategory stores one categorical observation, e.g. the mapping
// source that produced a result.
func (r *Recorder) RecordCategory(ctx context.Context, sessionID, jobID, name, value string) error {
	if sessionID == "" || name == "" {
		return engine.NewError(engine.KindValidation, "session id and metric name are required")
	}
	return r.st.RecordSessionMetric(ctx, store.SessionMetric{
		SessionID:     sessionID,
		JobID:         jobID,
		Name:          name,
		Kind:          store.SessionMetricCategory,
		CategoryValue: value,
		RecordedAt:    time.Now().UTC(),
	})
}

// JobAggregates returns the step-level aggregates for one job.
func (r *Recorder) JobAggregates(ctx context.Context, jobID string) (*store.JobMetrics, error) {
	return r.st.GetJobMetrics(ctx, jobID)
}

// Metrics returns a session's recordings oldest-first.
func (r *Recorder) Metrics(ctx context.Context, sessionID string) ([]*store.SessionMetric, error) {
	return r.st.GetSessionMetrics(ctx, sessionID)
}
