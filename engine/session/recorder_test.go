package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biomapper/strategy-engine/engine"
	"github.com/biomapper/strategy-engine/engine/session"
	"github.com/biomapper/strategy-engine/engine/store"
)

func newRecorder(t *testing.T) (*session.Recorder, store.Store) {
	t.Helper()
	st := store.NewMemStore(store.Options{})
	t.Cleanup(func() { _ = st.Close() })
	return session.NewRecorder(st), st
}

func TestRecorderRoundTrip(t *testing.T) {
	r, _ := newRecorder(t)

	require.NoError(t, r.RecordNumeric(context.Background(), "sess-1", "job-1", "match_rate", 0.82))
	require.NoError(t, r.RecordNumeric(context.Background(), "sess-1", "job-1", "avg_hop_count", 1.6))
	require.NoError(t, r.RecordCategory(context.Background(), "sess-1", "job-1", "mapping_source", "spoke"))
	require.NoError(t, r.RecordNumeric(context.Background(), "sess-2", "job-2", "match_rate", 0.5))

	metrics, err := r.Metrics(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, metrics, 3, "metrics from other sessions must not leak in")

	assert.Equal(t, "match_rate", metrics[0].Name)
	assert.Equal(t, store.SessionMetricNumeric, metrics[0].Kind)
	assert.InDelta(t, 0.82, metrics[0].NumericValue, 1e-9)

	assert.Equal(t, "mapping_source", metrics[2].Name)
	assert.Equal(t, store.SessionMetricCategory, metrics[2].Kind)
	assert.Equal(t, "spoke", metrics[2].CategoryValue)
	assert.False(t, metrics[2].RecordedAt.IsZero())
}

func TestRecorderValidation(t *testing.T) {
	r, _ := newRecorder(t)

	err := r.RecordNumeric(context.Background(), "", "job-1", "match_rate", 1)
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	err = r.RecordNumeric(context.Background(), "sess-1", "job-1", "", 1)
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	err = r.RecordCategory(context.Background(), "sess-1", "job-1", "", "x")
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))
}

func TestRecorderJobAggregates(t *testing.T) {
	r, st := newRecorder(t)

	job, err := st.CreateJob(context.Background(), store.CreateJobParams{
		StrategyName: "protein_mapping",
		StrategyDoc: map[string]any{
			"name":  "protein_mapping",
			"steps": []any{map[string]any{"name": "load", "action": map[string]any{"type": "LOAD"}}},
		},
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	_, err = st.RecordStepStart(context.Background(), job.ID, 0, "load", "LOAD", nil)
	require.NoError(t, err)
	_, err = st.RecordStepCompletion(context.Background(), job.ID, 0, map[string]any{"success": true}, store.StepMetrics{RecordsProcessed: 42})
	require.NoError(t, err)

	agg, err := r.JobAggregates(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.CompletedSteps)
	assert.Equal(t, int64(42), agg.RecordsProcessed)
}
