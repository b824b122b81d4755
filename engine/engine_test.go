package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/biomapper/strategy-engine/engine/emit"
	"github.com/biomapper/strategy-engine/engine/store"
)

// testHarness bundles the pieces every end-to-end test needs.
type testHarness struct {
	st  store.Store
	reg *Registry
	eng *Engine
}

func newHarness(t *testing.T, reg *Registry, emitter emit.Emitter) *testHarness {
	t.Helper()
	st := store.NewMemStore(store.Options{Emitter: emitter})
	t.Cleanup(func() { _ = st.Close() })
	reg.Freeze()
	eng := New(Config{JobTimeout: time.Minute}, st, reg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return &testHarness{st: st, reg: reg, eng: eng}
}

func (h *testHarness) createJob(t *testing.T, strat *Strategy, opts store.JobOptions) *store.Job {
	t.Helper()
	doc, err := strat.Document()
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	job, err := h.st.CreateJob(context.Background(), store.CreateJobParams{
		StrategyName: strat.Name,
		StrategyDoc:  doc,
		Options:      opts,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func countingAction(counter *atomic.Int64, output StepOutput) Action {
	return ActionFunc(func(ctx context.Context, params map[string]any, ec *ExecutionContext) (StepOutput, error) {
		counter.Add(1)
		return output, nil
	})
}

func TestExecuteStrategyHappyPath(t *testing.T) {
	var loads, maps, exports atomic.Int64
	reg := NewRegistry()
	_ = reg.Register("LOAD", Descriptor{Action: countingAction(&loads, StepOutput{"success": true, "records_processed": 10})})
	_ = reg.Register("MAP", Descriptor{Action: countingAction(&maps, StepOutput{"success": true, "records_matched": 8})})
	_ = reg.Register("EXPORT", Descriptor{Action: countingAction(&exports, StepOutput{"success": true})})
	h := newHarness(t, reg, nil)

	strat := &Strategy{
		Name: "protein_mapping",
		Steps: []StepSpec{
			{Name: "load", Action: ActionSpec{Type: "LOAD"}},
			{Name: "map", Action: ActionSpec{Type: "MAP"}},
			{Name: "export", Action: ActionSpec{Type: "EXPORT"}},
		},
		CheckpointPolicy: &CheckpointPolicy{AfterEachStep: true},
	}
	job := h.createJob(t, strat, store.JobOptions{})

	res, err := h.eng.ExecuteStrategy(context.Background(), job.ID, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteStrategy: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	if loads.Load() != 1 || maps.Load() != 1 || exports.Load() != 1 {
		t.Errorf("invocations = %d, %d, %d", loads.Load(), maps.Load(), exports.Load())
	}

	final, err := h.st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Errorf("status = %s", final.Status)
	}
	if final.ProgressPercentage != 100 {
		t.Errorf("progress = %v", final.ProgressPercentage)
	}
	if final.CompletedAt == nil || final.StartedAt == nil {
		t.Error("lifecycle timestamps missing")
	}
	if _, ok := final.FinalResults["final_context"]; !ok {
		t.Error("final_context missing from final results")
	}

	steps, err := h.st.GetSteps(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d step rows, want 3", len(steps))
	}
	for i, s := range steps {
		if s.StepIndex != i || s.Status != store.StatusCompleted {
			t.Errorf("steps[%d] = index %d status %s", i, s.StepIndex, s.Status)
		}
	}
	if steps[0].Metrics.RecordsProcessed != 10 {
		t.Errorf("step 0 records_processed = %d", steps[0].Metrics.RecordsProcessed)
	}

	cps, err := h.st.ListCheckpoints(context.Background(), job.ID, 0)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(cps) != 3 {
		t.Errorf("got %d checkpoints, want 3 (after each step)", len(cps))
	}
	latest, err := h.st.GetLatestCheckpoint(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetLatestCheckpoint: %v", err)
	}
	if latest.StepIndex != 2 || latest.Type != store.CheckpointAfterStep {
		t.Errorf("latest = index %d type %s", latest.StepIndex, latest.Type)
	}
}

func TestExecuteStrategyCancellationMidFlight(t *testing.T) {
	started := make(chan struct{})
	var step0 atomic.Int64
	reg := NewRegistry()
	_ = reg.Register("FAST", Descriptor{Action: countingAction(&step0, StepOutput{"success": true})})
	_ = reg.Register("BLOCK", Descriptor{Action: ActionFunc(func(ctx context.Context, params map[string]any, ec *ExecutionContext) (StepOutput, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})})
	h := newHarness(t, reg, nil)

	strat := &Strategy{
		Name: "cancellable",
		Steps: []StepSpec{
			{Name: "fast", Action: ActionSpec{Type: "FAST"}},
			{Name: "blocker", Action: ActionSpec{Type: "BLOCK"}},
		},
	}
	job := h.createJob(t, strat, store.JobOptions{})

	done := make(chan error, 1)
	go func() {
		_, err := h.eng.ExecuteStrategy(context.Background(), job.ID, ExecuteOptions{})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocking step never started")
	}

	if !h.eng.CancelJob(context.Background(), job.ID) {
		t.Fatal("CancelJob returned false for a running job")
	}

	select {
	case err := <-done:
		if KindOf(err) != KindCancelled {
			t.Errorf("err kind = %s, want cancelled", KindOf(err))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after cancel")
	}

	final, err := h.st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != store.StatusCancelled {
		t.Errorf("status = %s, want cancelled", final.Status)
	}
	if step0.Load() != 1 {
		t.Errorf("step 0 ran %d times", step0.Load())
	}
}

func TestExecuteStrategyOptionalStepFailure(t *testing.T) {
	var after atomic.Int64
	reg := NewRegistry()
	_ = reg.Register("OK", Descriptor{Action: countingAction(&after, StepOutput{"success": true})})
	_ = reg.Register("FLAKY_ENRICH", Descriptor{Action: ActionFunc(func(ctx context.Context, params map[string]any, ec *ExecutionContext) (StepOutput, error) {
		return nil, errors.New("enrichment backend down")
	})})
	h := newHarness(t, reg, nil)

	optional := false
	strat := &Strategy{
		Name: "tolerant",
		Steps: []StepSpec{
			{Name: "first", Action: ActionSpec{Type: "OK"}},
			{Name: "enrich", Action: ActionSpec{Type: "FLAKY_ENRICH"}, IsRequired: &optional},
			{Name: "last", Action: ActionSpec{Type: "OK"}},
		},
	}
	job := h.createJob(t, strat, store.JobOptions{})

	res, err := h.eng.ExecuteStrategy(context.Background(), job.ID, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteStrategy: %v", err)
	}
	if !res.Success {
		t.Fatal("optional failure must not fail the job")
	}

	steps, _ := h.st.GetSteps(context.Background(), job.ID)
	if len(steps) != 3 {
		t.Fatalf("got %d steps", len(steps))
	}
	if steps[1].Status != store.StatusFailed {
		t.Errorf("optional step status = %s, want failed", steps[1].Status)
	}
	if steps[2].Status != store.StatusCompleted {
		t.Errorf("step after optional failure = %s", steps[2].Status)
	}
	if after.Load() != 2 {
		t.Errorf("OK action ran %d times, want 2", after.Load())
	}
}

func TestExecuteStrategyRequiredStepFailure(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("BOOM", Descriptor{Action: ActionFunc(func(ctx context.Context, params map[string]any, ec *ExecutionContext) (StepOutput, error) {
		return nil, errors.New("hard failure")
	})})
	h := newHarness(t, reg, nil)

	strat := &Strategy{
		Name:  "fragile",
		Steps: []StepSpec{{Name: "boom", Action: ActionSpec{Type: "BOOM"}}},
	}
	job := h.createJob(t, strat, store.JobOptions{})

	_, err := h.eng.ExecuteStrategy(context.Background(), job.ID, ExecuteOptions{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if KindOf(err) != KindAction {
		t.Errorf("kind = %s, want action", KindOf(err))
	}

	final, _ := h.st.GetJob(context.Background(), job.ID)
	if final.Status != store.StatusFailed {
		t.Errorf("status = %s", final.Status)
	}
	if final.ErrorMessage == "" {
		t.Error("error message not persisted")
	}
	if final.ErrorDetails["kind"] != "action" {
		t.Errorf("error details = %v", final.ErrorDetails)
	}

	// A pre-error checkpoint is written for the failed required step.
	cps, _ := h.st.ListCheckpoints(context.Background(), job.ID, 0)
	found := false
	for _, cp := range cps {
		if cp.Type == store.CheckpointPreError {
			found = true
		}
	}
	if !found {
		t.Error("pre_error checkpoint missing")
	}
}

func TestExecuteStrategyRetryThenSucceed(t *testing.T) {
	var attempts atomic.Int64
	reg := NewRegistry()
	_ = reg.Register("FLAKY", Descriptor{Action: ActionFunc(func(ctx context.Context, params map[string]any, ec *ExecutionContext) (StepOutput, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient upstream error")
		}
		return StepOutput{"success": true}, nil
	})})
	h := newHarness(t, reg, nil)

	strat := &Strategy{
		Name: "persistent",
		Steps: []StepSpec{{
			Name:    "flaky",
			Action:  ActionSpec{Type: "FLAKY"},
			OnError: &OnErrorSpec{Action: "retry", MaxAttempts: 3, Delay: 0.005},
		}},
	}
	job := h.createJob(t, strat, store.JobOptions{})

	res, err := h.eng.ExecuteStrategy(context.Background(), job.ID, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecuteStrategy: %v", err)
	}
	if !res.Success {
		t.Fatal("retry should eventually succeed")
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}

	steps, _ := h.st.GetSteps(context.Background(), job.ID)
	if steps[0].Status != store.StatusCompleted {
		t.Errorf("final step status = %s", steps[0].Status)
	}
	// The failed attempts stay on the record after the step succeeds.
	if steps[0].RetryCount < 2 {
		t.Errorf("completed step retry_count = %d, want >= 2", steps[0].RetryCount)
	}

	// Each failed attempt emitted a step_failed event.
	failures, _ := h.st.GetEvents(context.Background(), job.ID, store.EventFilter{Type: emit.TypeStepFailed})
	if len(failures) != 2 {
		t.Errorf("got %d step_failed events, want 2", len(failures))
	}
}

func TestExecuteStrategyValidationErrorNeverRetried(t *testing.T) {
	var invocations atomic.Int64
	schema, err := CompileParamSchema("STRICT", `{"type": "object", "required": ["file"]}`)
	if err != nil {
		t.Fatalf("CompileParamSchema: %v", err)
	}
	reg := NewRegistry()
	_ = reg.Register("STRICT", Descriptor{
		Action: countingAction(&invocations, StepOutput{"success": true}),
		Schema: schema,
	})
	h := newHarness(t, reg, nil)

	strat := &Strategy{
		Name: "misconfigured",
		Steps: []StepSpec{{
			Name:    "strict",
			Action:  ActionSpec{Type: "STRICT", Params: map[string]any{"wrong": true}},
			OnError: &OnErrorSpec{Action: "retry", MaxAttempts: 5, Delay: 0.001},
		}},
	}
	job := h.createJob(t, strat, store.JobOptions{})

	_, err = h.eng.ExecuteStrategy(context.Background(), job.ID, ExecuteOptions{})
	if KindOf(err) != KindValidation {
		t.Fatalf("kind = %s, want validation", KindOf(err))
	}
	if invocations.Load() != 0 {
		t.Errorf("action invoked %d times despite schema violation", invocations.Load())
	}

	final, _ := h.st.GetJob(context.Background(), job.ID)
	if final.Status != store.StatusFailed {
		t.Errorf("status = %s", final.Status)
	}
}

func TestExecuteStrategyPauseAndResume(t *testing.T) {
	var step0, step1 atomic.Int64
	blocking := make(chan struct{})
	reg := NewRegistry()
	_ = reg.Register("FIRST", Descriptor{Action: countingAction(&step0, StepOutput{"success": true})})
	_ = reg.Register("SECOND", Descriptor{Action: ActionFunc(func(ctx context.Context, params map[string]any, ec *ExecutionContext) (StepOutput, error) {
		if step1.Add(1) == 1 {
			close(blocking)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return StepOutput{"success": true}, nil
	})})
	h := newHarness(t, reg, nil)

	strat := &Strategy{
		Name: "resumable",
		Steps: []StepSpec{
			{Name: "first", Action: ActionSpec{Type: "FIRST"}},
			{Name: "second", Action: ActionSpec{Type: "SECOND"}},
		},
		CheckpointPolicy: &CheckpointPolicy{AfterEachStep: true},
	}
	job := h.createJob(t, strat, store.JobOptions{})

	done := make(chan error, 1)
	go func() {
		_, err := h.eng.ExecuteStrategy(context.Background(), job.ID, ExecuteOptions{})
		done <- err
	}()

	select {
	case <-blocking:
	case <-time.After(5 * time.Second):
		t.Fatal("second step never started")
	}
	if !h.eng.PauseJob(job.ID) {
		t.Fatal("PauseJob returned false for a running job")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not park after pause")
	}

	paused, _ := h.st.GetJob(context.Background(), job.ID)
	if paused.Status != store.StatusPaused {
		t.Fatalf("status = %s, want paused", paused.Status)
	}

	// The pause point indexes the last completed step, so resume re-runs
	// the interrupted one.
	latest, err := h.st.GetLatestCheckpoint(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetLatestCheckpoint: %v", err)
	}
	if latest.StepIndex != 0 {
		t.Errorf("pause checkpoint StepIndex = %d, want 0", latest.StepIndex)
	}

	res, err := h.eng.ExecuteStrategy(context.Background(), job.ID, ExecuteOptions{ResumeFromCheckpoint: "latest"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !res.Success {
		t.Fatal("resumed job should complete")
	}

	if step0.Load() != 1 {
		t.Errorf("first step ran %d times; resume must not re-run completed steps", step0.Load())
	}
	if step1.Load() != 2 {
		t.Errorf("second step ran %d times, want 2 (interrupted + resumed)", step1.Load())
	}

	final, _ := h.st.GetJob(context.Background(), job.ID)
	if final.Status != store.StatusCompleted {
		t.Errorf("status = %s", final.Status)
	}
}

func TestExecuteStrategyConditionSkipsStep(t *testing.T) {
	var skippable atomic.Int64
	reg := NewRegistry()
	_ = reg.Register("OK", Descriptor{Action: ActionFunc(func(ctx context.Context, params map[string]any, ec *ExecutionContext) (StepOutput, error) {
		return StepOutput{"success": true}, nil
	})})
	_ = reg.Register("GUARDED", Descriptor{Action: countingAction(&skippable, StepOutput{"success": true})})
	h := newHarness(t, reg, nil)

	strat := &Strategy{
		Name: "conditional",
		Steps: []StepSpec{
			{Name: "first", Action: ActionSpec{Type: "OK"}},
			{Name: "guarded", Action: ActionSpec{Type: "GUARDED"}, Condition: "exists:never_set"},
			{Name: "last", Action: ActionSpec{Type: "OK"}},
		},
	}
	job := h.createJob(t, strat, store.JobOptions{})

	res, err := h.eng.ExecuteStrategy(context.Background(), job.ID, ExecuteOptions{})
	if err != nil || !res.Success {
		t.Fatalf("ExecuteStrategy: %v, %+v", err, res)
	}
	if skippable.Load() != 0 {
		t.Errorf("guarded action ran %d times", skippable.Load())
	}

	// Skipped steps still occupy their slot in the step sequence.
	steps, _ := h.st.GetSteps(context.Background(), job.ID)
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}
	if steps[1].OutputResults["skipped"] != true {
		t.Errorf("step 1 output = %v", steps[1].OutputResults)
	}
}

func TestExecuteStrategyUnknownActionFailsValidation(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("KNOWN", Descriptor{Action: noopAction()})
	h := newHarness(t, reg, nil)

	strat := &Strategy{
		Name: "broken",
		Steps: []StepSpec{
			{Name: "a", Action: ActionSpec{Type: "KNOWN"}},
			{Name: "b", Action: ActionSpec{Type: "UNREGISTERED"}},
		},
	}
	job := h.createJob(t, strat, store.JobOptions{})

	_, err := h.eng.ExecuteStrategy(context.Background(), job.ID, ExecuteOptions{})
	if KindOf(err) != KindUnknownAction {
		t.Fatalf("kind = %s, want unknown_action", KindOf(err))
	}
	final, _ := h.st.GetJob(context.Background(), job.ID)
	if final.Status != store.StatusFailed {
		t.Errorf("status = %s", final.Status)
	}

	steps, _ := h.st.GetSteps(context.Background(), job.ID)
	if len(steps) != 0 {
		t.Errorf("no step may run when validation fails, got %d", len(steps))
	}
}

type rejectingGate struct{ err error }

func (g rejectingGate) EnsureForStrategy(ctx context.Context, doc map[string]any) ([]string, error) {
	if g.err != nil {
		return nil, g.err
	}
	return []string{"qdrant"}, nil
}

func TestExecuteStrategyResourceGate(t *testing.T) {
	t.Run("unavailable resource fails the job", func(t *testing.T) {
		reg := NewRegistry()
		_ = reg.Register("OK", Descriptor{Action: noopAction()})
		reg.Freeze()
		st := store.NewMemStore(store.Options{})
		eng := New(Config{}, st, reg, WithResourceGate(rejectingGate{err: errors.New("qdrant down")}))

		strat := &Strategy{Name: "gated", Steps: []StepSpec{{Name: "a", Action: ActionSpec{Type: "OK"}}}}
		doc, _ := strat.Document()
		job, _ := st.CreateJob(context.Background(), store.CreateJobParams{StrategyName: strat.Name, StrategyDoc: doc})

		_, err := eng.ExecuteStrategy(context.Background(), job.ID, ExecuteOptions{})
		if KindOf(err) != KindResourceUnavailable {
			t.Fatalf("kind = %s, want resource_unavailable", KindOf(err))
		}
		final, _ := st.GetJob(context.Background(), job.ID)
		if final.Status != store.StatusFailed {
			t.Errorf("status = %s", final.Status)
		}
	})

	t.Run("degraded resource is a warning only", func(t *testing.T) {
		reg := NewRegistry()
		_ = reg.Register("OK", Descriptor{Action: noopAction()})
		reg.Freeze()
		st := store.NewMemStore(store.Options{})
		eng := New(Config{}, st, reg, WithResourceGate(rejectingGate{}))

		strat := &Strategy{Name: "gated", Steps: []StepSpec{{Name: "a", Action: ActionSpec{Type: "OK"}}}}
		doc, _ := strat.Document()
		job, _ := st.CreateJob(context.Background(), store.CreateJobParams{StrategyName: strat.Name, StrategyDoc: doc})

		res, err := eng.ExecuteStrategy(context.Background(), job.ID, ExecuteOptions{})
		if err != nil || !res.Success {
			t.Fatalf("degraded gate should not fail the job: %v", err)
		}
		logs, _ := st.GetLogs(context.Background(), job.ID, store.LogFilter{Level: emit.SeverityWarning})
		if len(logs) == 0 {
			t.Error("degraded resource warning not logged")
		}
	})
}
