package store_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/biomapper/strategy-engine/engine/emit"
	"github.com/biomapper/strategy-engine/engine/store"
)

func TestJobLifecycleAcrossStores(t *testing.T) {
	for _, scenario := range allStoreScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			st, cleanup := scenario.storeFunc(t, store.Options{})
			defer cleanup()
			ctx := context.Background()

			job := mustCreateJob(t, st)
			if job.ID == "" {
				t.Fatal("CreateJob assigned no id")
			}
			if job.Status != store.StatusPending {
				t.Errorf("new job status = %s, want pending", job.Status)
			}
			if job.TotalSteps != 3 {
				t.Errorf("TotalSteps = %d, want 3 (derived from strategy doc)", job.TotalSteps)
			}

			t.Run("get returns the snapshot", func(t *testing.T) {
				got, err := st.GetJob(ctx, job.ID)
				if err != nil {
					t.Fatalf("GetJob: %v", err)
				}
				if got.StrategyName != "protein_mapping" {
					t.Errorf("StrategyName = %s", got.StrategyName)
				}
				if got.Parameters["input_file"] != "proteins.csv" {
					t.Errorf("Parameters = %v", got.Parameters)
				}
			})

			t.Run("unknown job id", func(t *testing.T) {
				_, err := st.GetJob(ctx, "no-such-job")
				if !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("running stamps started_at", func(t *testing.T) {
				updated, err := st.UpdateJobStatus(ctx, job.ID, store.StatusRunning, store.JobUpdate{})
				if err != nil {
					t.Fatalf("UpdateJobStatus: %v", err)
				}
				if updated.StartedAt == nil {
					t.Error("StartedAt not stamped on first transition to running")
				}
			})

			t.Run("illegal transition is rejected", func(t *testing.T) {
				_, err := st.UpdateJobStatus(ctx, job.ID, store.StatusRunning, store.JobUpdate{})
				if !errors.Is(err, store.ErrIllegalTransition) {
					t.Errorf("running -> running: expected ErrIllegalTransition, got %v", err)
				}
			})

			t.Run("terminal stamps completed_at", func(t *testing.T) {
				updated, err := st.UpdateJobStatus(ctx, job.ID, store.StatusCompleted, store.JobUpdate{
					FinalResults: map[string]any{"success": true},
				})
				if err != nil {
					t.Fatalf("UpdateJobStatus: %v", err)
				}
				if updated.CompletedAt == nil {
					t.Error("CompletedAt not stamped on completion")
				}
				if updated.FinalResults["success"] != true {
					t.Errorf("FinalResults = %v", updated.FinalResults)
				}
			})

			t.Run("terminal jobs reject further transitions", func(t *testing.T) {
				_, err := st.UpdateJobStatus(ctx, job.ID, store.StatusRunning, store.JobUpdate{})
				if !errors.Is(err, store.ErrIllegalTransition) {
					t.Errorf("expected ErrIllegalTransition out of completed, got %v", err)
				}
			})

			t.Run("list filters by status", func(t *testing.T) {
				second := mustCreateJob(t, st)

				pending, err := st.ListJobs(ctx, store.JobFilter{Status: store.StatusPending})
				if err != nil {
					t.Fatalf("ListJobs: %v", err)
				}
				found := false
				for _, j := range pending {
					if j.ID == second.ID {
						found = true
					}
					if j.Status != store.StatusPending {
						t.Errorf("filter leaked status %s", j.Status)
					}
				}
				if !found {
					t.Error("pending filter missed the second job")
				}
			})
		})
	}
}

func TestStepRecordingAcrossStores(t *testing.T) {
	for _, scenario := range allStoreScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			st, cleanup := scenario.storeFunc(t, store.Options{})
			defer cleanup()
			ctx := context.Background()

			job := mustCreateJob(t, st)
			if _, err := st.UpdateJobStatus(ctx, job.ID, store.StatusRunning, store.JobUpdate{}); err != nil {
				t.Fatalf("UpdateJobStatus: %v", err)
			}

			step, err := st.RecordStepStart(ctx, job.ID, 0, "load_identifiers", "load", map[string]any{"file": "proteins.csv"})
			if err != nil {
				t.Fatalf("RecordStepStart: %v", err)
			}
			if step.Status != store.StatusRunning {
				t.Errorf("started step status = %s, want running", step.Status)
			}
			if step.StartedAt == nil {
				t.Error("StartedAt not stamped")
			}

			t.Run("start updates the job pointer", func(t *testing.T) {
				j, err := st.GetJob(ctx, job.ID)
				if err != nil {
					t.Fatalf("GetJob: %v", err)
				}
				if j.CurrentStepIndex != 0 {
					t.Errorf("CurrentStepIndex = %d, want 0", j.CurrentStepIndex)
				}
			})

			completed, err := st.RecordStepCompletion(ctx, job.ID, 0,
				map[string]any{"success": true, "records_processed": 10},
				store.StepMetrics{RecordsProcessed: 10, RecordsMatched: 8},
			)
			if err != nil {
				t.Fatalf("RecordStepCompletion: %v", err)
			}
			if completed.Status != store.StatusCompleted {
				t.Errorf("completed step status = %s", completed.Status)
			}
			if completed.OutputResults["success"] != true {
				t.Errorf("OutputResults = %v", completed.OutputResults)
			}
			if completed.DurationMS < 0 {
				t.Errorf("DurationMS = %d", completed.DurationMS)
			}

			t.Run("completion advances progress", func(t *testing.T) {
				j, err := st.GetJob(ctx, job.ID)
				if err != nil {
					t.Fatalf("GetJob: %v", err)
				}
				if j.CurrentStepIndex != 1 {
					t.Errorf("CurrentStepIndex = %d, want 1", j.CurrentStepIndex)
				}
				want := 100.0 / 3.0
				if j.ProgressPercentage < want-0.01 || j.ProgressPercentage > want+0.01 {
					t.Errorf("ProgressPercentage = %v, want ~%v", j.ProgressPercentage, want)
				}
			})

			t.Run("failure records error detail", func(t *testing.T) {
				if _, err := st.RecordStepStart(ctx, job.ID, 1, "map_to_targets", "map", nil); err != nil {
					t.Fatalf("RecordStepStart: %v", err)
				}
				failed, err := st.RecordStepFailure(ctx, job.ID, 1, "upstream timed out", "trace", 1, true)
				if err != nil {
					t.Fatalf("RecordStepFailure: %v", err)
				}
				if failed.Status != store.StatusFailed {
					t.Errorf("failed step status = %s", failed.Status)
				}
				if failed.ErrorMessage != "upstream timed out" {
					t.Errorf("ErrorMessage = %q", failed.ErrorMessage)
				}
				if !failed.CanRetry {
					t.Error("CanRetry not persisted")
				}
			})

			t.Run("retry resets the step row", func(t *testing.T) {
				again, err := st.RecordStepStart(ctx, job.ID, 1, "map_to_targets", "map", nil)
				if err != nil {
					t.Fatalf("RecordStepStart retry: %v", err)
				}
				if again.Status != store.StatusRunning {
					t.Errorf("retried step status = %s", again.Status)
				}
				if again.ErrorMessage != "" {
					t.Errorf("retried step kept error %q", again.ErrorMessage)
				}
			})

			t.Run("steps are ordered by index", func(t *testing.T) {
				steps, err := st.GetSteps(ctx, job.ID)
				if err != nil {
					t.Fatalf("GetSteps: %v", err)
				}
				if len(steps) != 2 {
					t.Fatalf("got %d steps, want 2", len(steps))
				}
				for i, s := range steps {
					if s.StepIndex != i {
						t.Errorf("steps[%d].StepIndex = %d", i, s.StepIndex)
					}
				}
			})
		})
	}
}

func TestStepRetryCountSurvivesCompletion(t *testing.T) {
	for _, scenario := range allStoreScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			st, cleanup := scenario.storeFunc(t, store.Options{})
			defer cleanup()
			ctx := context.Background()

			job := mustCreateJob(t, st)

			// Two failed attempts, then a third that completes. The retry
			// count must survive the re-start that precedes the success.
			for attempt := 1; attempt <= 2; attempt++ {
				if _, err := st.RecordStepStart(ctx, job.ID, 0, "flaky", "map", nil); err != nil {
					t.Fatalf("RecordStepStart: %v", err)
				}
				if _, err := st.RecordStepFailure(ctx, job.ID, 0, "upstream timed out", "", attempt, true); err != nil {
					t.Fatalf("RecordStepFailure: %v", err)
				}
			}
			restarted, err := st.RecordStepStart(ctx, job.ID, 0, "flaky", "map", nil)
			if err != nil {
				t.Fatalf("RecordStepStart: %v", err)
			}
			if restarted.RetryCount != 2 {
				t.Errorf("restarted step retry_count = %d, want 2", restarted.RetryCount)
			}

			completed, err := st.RecordStepCompletion(ctx, job.ID, 0, map[string]any{"success": true}, store.StepMetrics{})
			if err != nil {
				t.Fatalf("RecordStepCompletion: %v", err)
			}
			if completed.Status != store.StatusCompleted {
				t.Errorf("step status = %s", completed.Status)
			}
			if completed.RetryCount != 2 {
				t.Errorf("completed step retry_count = %d, want 2", completed.RetryCount)
			}

			steps, err := st.GetSteps(ctx, job.ID)
			if err != nil {
				t.Fatalf("GetSteps: %v", err)
			}
			if steps[0].RetryCount != 2 {
				t.Errorf("persisted retry_count = %d, want 2", steps[0].RetryCount)
			}
		})
	}
}

func TestStepOutputOverflowToBlobBackend(t *testing.T) {
	for _, scenario := range allStoreScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			st, cleanup := scenario.storeFunc(t, store.Options{
				MaxInlineBytes: 128,
				Blobs:          testBlobBackend(t),
			})
			defer cleanup()
			ctx := context.Background()

			job := mustCreateJob(t, st)
			if _, err := st.RecordStepStart(ctx, job.ID, 0, "load_identifiers", "load", nil); err != nil {
				t.Fatalf("RecordStepStart: %v", err)
			}

			big := map[string]any{"success": true, "payload": strings.Repeat("x", 1024)}
			step, err := st.RecordStepCompletion(ctx, job.ID, 0, big, store.StepMetrics{})
			if err != nil {
				t.Fatalf("RecordStepCompletion: %v", err)
			}
			if step.OutputLocation == "" {
				t.Error("oversize output should be stored externally")
			}
			if len(step.OutputResults) != 0 {
				t.Errorf("oversize output should not be inline, got %v", step.OutputResults)
			}
		})
	}
}

func TestCheckpointsAcrossStores(t *testing.T) {
	for _, scenario := range allStoreScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			st, cleanup := scenario.storeFunc(t, store.Options{
				MaxInlineBytes:    512,
				CompressThreshold: 256,
				Retention:         24 * time.Hour,
				Blobs:             testBlobBackend(t),
			})
			defer cleanup()
			ctx := context.Background()

			job := mustCreateJob(t, st)

			small := map[string]any{"current_identifier": "P01579", "step_results": []any{}}
			cp, err := st.CreateCheckpoint(ctx, job.ID, 0, small, store.CheckpointAfterStep, "after step 0")
			if err != nil {
				t.Fatalf("CreateCheckpoint: %v", err)
			}
			if cp.StoragePath != "" {
				t.Error("small checkpoint should be inline")
			}
			if cp.Compressed {
				t.Error("small checkpoint should not be compressed")
			}
			if !cp.IsResumable {
				t.Error("checkpoints default to resumable")
			}
			if cp.ExpiresAt.Before(time.Now().Add(23 * time.Hour)) {
				t.Errorf("ExpiresAt = %v, want about a day out", cp.ExpiresAt)
			}

			t.Run("restore round-trips the context", func(t *testing.T) {
				restored, err := st.RestoreCheckpoint(ctx, cp.ID)
				if err != nil {
					t.Fatalf("RestoreCheckpoint: %v", err)
				}
				if restored.JobID != job.ID || restored.StepIndex != 0 {
					t.Errorf("restored (%s, %d)", restored.JobID, restored.StepIndex)
				}
				if restored.Context["current_identifier"] != "P01579" {
					t.Errorf("Context = %v", restored.Context)
				}
			})

			t.Run("oversize checkpoint is compressed and external", func(t *testing.T) {
				bulk := map[string]any{"history": strings.Repeat("UNIPROTKB:", 400)}
				big, err := st.CreateCheckpoint(ctx, job.ID, 1, bulk, store.CheckpointAfterStep, "")
				if err != nil {
					t.Fatalf("CreateCheckpoint: %v", err)
				}
				if !big.Compressed {
					t.Error("payload past the threshold should be compressed")
				}

				restored, err := st.RestoreCheckpoint(ctx, big.ID)
				if err != nil {
					t.Fatalf("RestoreCheckpoint: %v", err)
				}
				if restored.Context["history"] != bulk["history"] {
					t.Error("compressed round-trip lost data")
				}
			})

			t.Run("latest prefers the newest resumable", func(t *testing.T) {
				latest, err := st.GetLatestCheckpoint(ctx, job.ID)
				if err != nil {
					t.Fatalf("GetLatestCheckpoint: %v", err)
				}
				if latest.StepIndex != 1 {
					t.Errorf("latest StepIndex = %d, want 1", latest.StepIndex)
				}
			})

			t.Run("list is newest first", func(t *testing.T) {
				cps, err := st.ListCheckpoints(ctx, job.ID, 0)
				if err != nil {
					t.Fatalf("ListCheckpoints: %v", err)
				}
				if len(cps) != 2 {
					t.Fatalf("got %d checkpoints, want 2", len(cps))
				}
				if cps[0].StepIndex != 1 {
					t.Errorf("first listed StepIndex = %d, want 1", cps[0].StepIndex)
				}
			})

			t.Run("unknown checkpoint id", func(t *testing.T) {
				_, err := st.RestoreCheckpoint(ctx, "no-such-checkpoint")
				if !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			})
		})
	}
}

func TestResultStorageAcrossStores(t *testing.T) {
	for _, scenario := range allStoreScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			st, cleanup := scenario.storeFunc(t, store.Options{
				MaxInlineBytes: 256,
				Blobs:          testBlobBackend(t),
			})
			defer cleanup()
			ctx := context.Background()

			job := mustCreateJob(t, st)

			small := []byte(`{"matched": 42}`)
			if _, err := st.StoreResult(ctx, job.ID, 0, "summary", small, "application/json", 0); err != nil {
				t.Fatalf("StoreResult: %v", err)
			}

			data, contentType, err := st.RetrieveResult(ctx, job.ID, 0, "summary")
			if err != nil {
				t.Fatalf("RetrieveResult: %v", err)
			}
			if !bytes.Equal(data, small) {
				t.Errorf("data = %s", data)
			}
			if contentType != "application/json" {
				t.Errorf("contentType = %s", contentType)
			}

			t.Run("oversize result goes external", func(t *testing.T) {
				big := bytes.Repeat([]byte("m"), 4096)
				res, err := st.StoreResult(ctx, job.ID, 1, "matrix", big, "application/octet-stream", 30)
				if err != nil {
					t.Fatalf("StoreResult: %v", err)
				}
				if res.StoragePath == "" {
					t.Error("oversize result should be external")
				}
				if res.ExpiresAt == nil {
					t.Error("ttlDays should set ExpiresAt")
				}

				data, _, err := st.RetrieveResult(ctx, job.ID, 1, "matrix")
				if err != nil {
					t.Fatalf("RetrieveResult: %v", err)
				}
				if !bytes.Equal(data, big) {
					t.Error("external round-trip lost data")
				}
			})

			t.Run("replace on same key", func(t *testing.T) {
				if _, err := st.StoreResult(ctx, job.ID, 0, "summary", []byte(`{"matched": 50}`), "application/json", 0); err != nil {
					t.Fatalf("StoreResult replace: %v", err)
				}
				data, _, err := st.RetrieveResult(ctx, job.ID, 0, "summary")
				if err != nil {
					t.Fatalf("RetrieveResult: %v", err)
				}
				if string(data) != `{"matched": 50}` {
					t.Errorf("data = %s", data)
				}
			})

			t.Run("unknown key", func(t *testing.T) {
				_, _, err := st.RetrieveResult(ctx, job.ID, 0, "nope")
				if !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			})
		})
	}
}

func TestLogsAndEventsAcrossStores(t *testing.T) {
	for _, scenario := range allStoreScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			st, cleanup := scenario.storeFunc(t, store.Options{})
			defer cleanup()
			ctx := context.Background()

			job := mustCreateJob(t, st)

			if err := st.Log(ctx, store.LogEntry{JobID: job.ID, Level: emit.SeverityInfo, Message: "starting", StepIndex: emit.NoStep}); err != nil {
				t.Fatalf("Log: %v", err)
			}
			if err := st.Log(ctx, store.LogEntry{JobID: job.ID, Level: emit.SeverityWarning, Message: "resource degraded", StepIndex: 0}); err != nil {
				t.Fatalf("Log: %v", err)
			}

			t.Run("level filter", func(t *testing.T) {
				warnings, err := st.GetLogs(ctx, job.ID, store.LogFilter{Level: emit.SeverityWarning})
				if err != nil {
					t.Fatalf("GetLogs: %v", err)
				}
				if len(warnings) != 1 || warnings[0].Message != "resource degraded" {
					t.Errorf("warnings = %+v", warnings)
				}
			})

			rec, err := st.EmitEvent(ctx, emit.Event{
				JobID:     job.ID,
				Type:      emit.TypeProgress,
				StepIndex: 0,
				Data:      map[string]any{"progress": 33.3},
			})
			if err != nil {
				t.Fatalf("EmitEvent: %v", err)
			}
			if rec.Event.ID == "" {
				t.Error("EmitEvent assigned no id")
			}
			if rec.Delivered {
				t.Error("fresh events should be undelivered")
			}

			t.Run("history includes job_created and the progress event", func(t *testing.T) {
				events, err := st.GetEvents(ctx, job.ID, store.EventFilter{})
				if err != nil {
					t.Fatalf("GetEvents: %v", err)
				}
				types := make(map[emit.Type]bool)
				for _, e := range events {
					types[e.Event.Type] = true
				}
				if !types[emit.TypeJobCreated] {
					t.Error("missing job_created event")
				}
				if !types[emit.TypeProgress] {
					t.Error("missing progress event")
				}
			})

			t.Run("type filter", func(t *testing.T) {
				events, err := st.GetEvents(ctx, job.ID, store.EventFilter{Type: emit.TypeProgress})
				if err != nil {
					t.Fatalf("GetEvents: %v", err)
				}
				if len(events) != 1 {
					t.Fatalf("got %d progress events, want 1", len(events))
				}
				if events[0].Event.Data["progress"] != 33.3 {
					t.Errorf("Data = %v", events[0].Event.Data)
				}
			})

			t.Run("mark delivered", func(t *testing.T) {
				if err := st.MarkEventsDelivered(ctx, []string{rec.Event.ID}); err != nil {
					t.Fatalf("MarkEventsDelivered: %v", err)
				}
				events, err := st.GetEvents(ctx, job.ID, store.EventFilter{Type: emit.TypeProgress})
				if err != nil {
					t.Fatalf("GetEvents: %v", err)
				}
				if !events[0].Delivered || events[0].DeliveryAttempts != 1 {
					t.Errorf("delivered=%v attempts=%d", events[0].Delivered, events[0].DeliveryAttempts)
				}
			})
		})
	}
}

func TestEntityMappingsAcrossStores(t *testing.T) {
	score := 0.85
	rows := []store.EntityMapping{
		{
			SourceID: "P01579", SourceType: "UNIPROTKB_AC",
			TargetID: "INF10", TargetType: "ARIVALE_PROTEIN_ID",
			ConfidenceScore: &score, MappingSource: "spoke", HopCount: 2,
			MappingDirection: "forward",
			LastUpdated:      time.Now().UTC(),
		},
		{
			SourceID: "P01584", SourceType: "UNIPROTKB_AC",
			TargetID: "IL1B", TargetType: "ARIVALE_PROTEIN_ID",
			HopCount:    1,
			LastUpdated: time.Now().UTC(),
		},
	}

	for _, scenario := range allStoreScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			st, cleanup := scenario.storeFunc(t, store.Options{})
			defer cleanup()
			ctx := context.Background()

			n, err := st.UpsertEntityMappings(ctx, rows)
			if err != nil {
				t.Fatalf("UpsertEntityMappings: %v", err)
			}
			if n != 2 {
				t.Errorf("inserted %d rows, want 2", n)
			}

			t.Run("duplicates are absorbed", func(t *testing.T) {
				n, err := st.UpsertEntityMappings(ctx, rows[:1])
				if err != nil {
					t.Fatalf("UpsertEntityMappings: %v", err)
				}
				if n != 0 {
					t.Errorf("duplicate insert wrote %d rows, want 0", n)
				}
			})

			t.Run("query by source ids and types", func(t *testing.T) {
				got, err := st.QueryEntityMappings(ctx, store.MappingQuery{
					SourceIDs:  []string{"P01579"},
					SourceType: "UNIPROTKB_AC",
					TargetType: "ARIVALE_PROTEIN_ID",
				})
				if err != nil {
					t.Fatalf("QueryEntityMappings: %v", err)
				}
				if len(got) != 1 {
					t.Fatalf("got %d rows, want 1", len(got))
				}
				m := got[0]
				if m.TargetID != "INF10" || m.HopCount != 2 {
					t.Errorf("row = %+v", m)
				}
				if m.ConfidenceScore == nil || *m.ConfidenceScore != 0.85 {
					t.Errorf("ConfidenceScore = %v", m.ConfidenceScore)
				}
			})

			t.Run("nil confidence survives", func(t *testing.T) {
				got, err := st.QueryEntityMappings(ctx, store.MappingQuery{
					SourceIDs: []string{"P01584"},
				})
				if err != nil {
					t.Fatalf("QueryEntityMappings: %v", err)
				}
				if len(got) != 1 {
					t.Fatalf("got %d rows, want 1", len(got))
				}
				if got[0].ConfidenceScore != nil {
					t.Errorf("ConfidenceScore = %v, want nil", got[0].ConfidenceScore)
				}
			})
		})
	}
}

func TestSessionMetricsAndJobMetrics(t *testing.T) {
	for _, scenario := range allStoreScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			st, cleanup := scenario.storeFunc(t, store.Options{})
			defer cleanup()
			ctx := context.Background()

			base := time.Now().UTC()
			for i, name := range []string{"match_rate", "avg_hops"} {
				err := st.RecordSessionMetric(ctx, store.SessionMetric{
					SessionID:    "sess-9",
					Name:         name,
					Kind:         store.SessionMetricNumeric,
					NumericValue: float64(i + 1),
					RecordedAt:   base.Add(time.Duration(i) * time.Second),
				})
				if err != nil {
					t.Fatalf("RecordSessionMetric: %v", err)
				}
			}

			metrics, err := st.GetSessionMetrics(ctx, "sess-9")
			if err != nil {
				t.Fatalf("GetSessionMetrics: %v", err)
			}
			if len(metrics) != 2 {
				t.Fatalf("got %d metrics, want 2", len(metrics))
			}
			if metrics[0].Name != "match_rate" {
				t.Errorf("oldest-first ordering broken: %s", metrics[0].Name)
			}

			t.Run("job aggregates", func(t *testing.T) {
				job := mustCreateJob(t, st)
				if _, err := st.RecordStepStart(ctx, job.ID, 0, "load", "load", nil); err != nil {
					t.Fatalf("RecordStepStart: %v", err)
				}
				if _, err := st.RecordStepCompletion(ctx, job.ID, 0, map[string]any{"success": true},
					store.StepMetrics{RecordsProcessed: 100, RecordsMatched: 90, MemoryUsedMB: 12.5}); err != nil {
					t.Fatalf("RecordStepCompletion: %v", err)
				}
				if _, err := st.RecordStepStart(ctx, job.ID, 1, "map", "map", nil); err != nil {
					t.Fatalf("RecordStepStart: %v", err)
				}
				if _, err := st.RecordStepFailure(ctx, job.ID, 1, "boom", "", 0, false); err != nil {
					t.Fatalf("RecordStepFailure: %v", err)
				}

				jm, err := st.GetJobMetrics(ctx, job.ID)
				if err != nil {
					t.Fatalf("GetJobMetrics: %v", err)
				}
				if jm.CompletedSteps != 1 || jm.FailedSteps != 1 {
					t.Errorf("completed=%d failed=%d", jm.CompletedSteps, jm.FailedSteps)
				}
				if jm.RecordsProcessed != 100 || jm.RecordsMatched != 90 {
					t.Errorf("records processed=%d matched=%d", jm.RecordsProcessed, jm.RecordsMatched)
				}
				if jm.PeakMemoryMB != 12.5 {
					t.Errorf("PeakMemoryMB = %v", jm.PeakMemoryMB)
				}
			})
		})
	}
}

func TestCleanupOldData(t *testing.T) {
	for _, scenario := range allStoreScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			st, cleanup := scenario.storeFunc(t, store.Options{Retention: time.Hour})
			defer cleanup()
			ctx := context.Background()

			done := mustCreateJob(t, st)
			if _, err := st.UpdateJobStatus(ctx, done.ID, store.StatusRunning, store.JobUpdate{}); err != nil {
				t.Fatalf("UpdateJobStatus: %v", err)
			}
			if _, err := st.CreateCheckpoint(ctx, done.ID, 0, map[string]any{"k": "v"}, store.CheckpointAfterStep, ""); err != nil {
				t.Fatalf("CreateCheckpoint: %v", err)
			}
			if _, err := st.UpdateJobStatus(ctx, done.ID, store.StatusCompleted, store.JobUpdate{}); err != nil {
				t.Fatalf("UpdateJobStatus: %v", err)
			}

			live := mustCreateJob(t, st)

			time.Sleep(10 * time.Millisecond)
			report, err := st.CleanupOldData(ctx, 0)
			if err != nil {
				t.Fatalf("CleanupOldData: %v", err)
			}
			if report.JobsDeleted != 1 {
				t.Errorf("JobsDeleted = %d, want 1", report.JobsDeleted)
			}

			if _, err := st.GetJob(ctx, done.ID); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("terminal job should be gone, got %v", err)
			}
			if _, err := st.GetLatestCheckpoint(ctx, done.ID); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("cascaded checkpoint should be gone, got %v", err)
			}
			if _, err := st.GetJob(ctx, live.ID); err != nil {
				t.Errorf("live job should survive cleanup: %v", err)
			}
		})
	}
}
