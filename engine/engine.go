// Package engine orchestrates durable, resumable strategy executions for
// biomedical identifier mapping. A strategy is an ordered pipeline of
// actions; the engine runs each job in its own goroutine, persists every
// state change through the store, and supports pause, resume, cancel, and
// checkpoint-based recovery.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/biomapper/strategy-engine/engine/emit"
	"github.com/biomapper/strategy-engine/engine/store"
)

// ResourceGate verifies external dependencies before a job enters its step
// loop. Implemented by the resource manager.
type ResourceGate interface {
	// EnsureForStrategy brings every resource the strategy needs to
	// Healthy, auto-starting where configured. It returns the names left
	// Degraded (permitted, logged as warnings) and an error when a
	// required resource cannot be made available.
	EnsureForStrategy(ctx context.Context, strategyDoc map[string]any) (degraded []string, err error)
}

// Engine runs strategy jobs. One instance serves many concurrent jobs.
type Engine struct {
	cfg     Config
	st      store.Store
	reg     *Registry
	gate    ResourceGate
	metrics *Metrics

	mu   sync.Mutex
	jobs map[string]*jobTask

	shutdownCtx context.Context
	shutdown    context.CancelFunc
	wg          sync.WaitGroup
}

type jobTask struct {
	cancel context.CancelCauseFunc
}

// Interruption causes distinguished by the run loop.
var (
	errPauseRequested  = errors.New("pause requested")
	errCancelRequested = errors.New("cancel requested")
)

// Option configures an Engine.
type Option func(*Engine)

// WithResourceGate wires resource gating into job startup.
func WithResourceGate(gate ResourceGate) Option {
	return func(e *Engine) { e.gate = gate }
}

// WithMetrics replaces the default (unregistered) metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds an Engine over a store and a frozen action registry.
func New(cfg Config, st store.Store, reg *Registry, opts ...Option) *Engine {
	if cfg.MaxInlineBytes <= 0 {
		cfg.MaxInlineBytes = 64 * 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = DefaultMaxConcurrentBatches
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		st:          st,
		reg:         reg,
		jobs:        make(map[string]*jobTask),
		shutdownCtx: ctx,
		shutdown:    cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NopMetrics()
	}
	return e
}

// ExecuteOptions selects how a job (re)starts.
type ExecuteOptions struct {
	// ResumeFromCheckpoint restores a specific checkpoint id, or the
	// newest resumable one when set to "latest".
	ResumeFromCheckpoint string

	// ResumeFromStep starts at the given index, restoring the most recent
	// checkpoint strictly before it when one exists.
	ResumeFromStep *int

	// Context supplies a pre-built execution context instead of a fresh
	// or restored one.
	Context *ExecutionContext
}

// ExecuteResult is the outcome of one ExecuteStrategy invocation.
type ExecuteResult struct {
	Success bool
	Results map[string]any
	Err     error
	Context *ExecutionContext
}

// Launch runs ExecuteStrategy in its own goroutine, the way submitted jobs
// execute. The job's lifecycle is observable through the store and events.
func (e *Engine) Launch(jobID string, opts ExecuteOptions) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_, _ = e.ExecuteStrategy(context.Background(), jobID, opts)
	}()
}

// ExecuteStrategy is the main entry: it drives one job from its current
// state to a terminal state (or Paused). The returned error describes why
// the job did not complete; job state is already persisted either way.
func (e *Engine) ExecuteStrategy(ctx context.Context, jobID string, opts ExecuteOptions) (*ExecuteResult, error) {
	job, err := e.st.GetJob(ctx, jobID)
	if err != nil {
		return nil, WrapError(KindStorage, "load job", err)
	}

	strat, err := e.validate(ctx, job)
	if err != nil {
		return e.failJob(ctx, jobID, emit.NoStep, err), err
	}

	ec, startIndex, err := e.prepareContext(ctx, job, opts)
	if err != nil {
		return e.failJob(ctx, jobID, emit.NoStep, err), err
	}

	if e.gate != nil {
		degraded, err := e.gate.EnsureForStrategy(ctx, job.StrategyDoc)
		if err != nil {
			gerr := WrapError(KindResourceUnavailable, "required resource unavailable", err)
			return e.failJob(ctx, jobID, emit.NoStep, gerr), gerr
		}
		for _, name := range degraded {
			e.warn(ctx, jobID, emit.NoStep, fmt.Sprintf("resource %s is degraded", name), nil)
		}
	}

	if _, err := e.st.UpdateJobStatus(ctx, jobID, store.StatusRunning, store.JobUpdate{}); err != nil {
		return nil, WrapError(KindStorage, "transition to running", err)
	}
	e.metrics.RunningJobs.Inc()
	defer e.metrics.RunningJobs.Dec()

	runCtx, finish := e.register(ctx, jobID, job.Options.TimeoutSeconds)
	defer finish()

	return e.runSteps(ctx, runCtx, jobID, strat, ec, startIndex)
}

// validate parses the strategy document, moving the job through Validating
// when it is freshly submitted.
func (e *Engine) validate(ctx context.Context, job *store.Job) (*Strategy, error) {
	if job.Status == store.StatusPending {
		if _, err := e.st.UpdateJobStatus(ctx, job.ID, store.StatusValidating, store.JobUpdate{}); err != nil {
			return nil, WrapError(KindStorage, "transition to validating", err)
		}
	}
	strat, err := StrategyFromDocument(job.StrategyDoc)
	if err != nil {
		return nil, err
	}
	for _, step := range strat.Steps {
		if _, err := e.reg.Lookup(step.Action.Type); err != nil {
			return nil, err
		}
	}
	return strat, nil
}

// prepareContext builds the execution context and start index per the
// resume options.
func (e *Engine) prepareContext(ctx context.Context, job *store.Job, opts ExecuteOptions) (*ExecutionContext, int, error) {
	if opts.Context != nil {
		start := 0
		if opts.ResumeFromStep != nil {
			start = *opts.ResumeFromStep
		}
		return opts.Context, start, nil
	}

	if opts.ResumeFromCheckpoint != "" {
		rc, err := e.restoreCheckpoint(ctx, job.ID, opts.ResumeFromCheckpoint)
		if err != nil {
			return nil, 0, err
		}
		return RestoreExecutionContext(rc.Context), rc.StepIndex + 1, nil
	}

	if opts.ResumeFromStep != nil {
		target := *opts.ResumeFromStep
		cps, err := e.st.ListCheckpoints(ctx, job.ID, 0)
		if err != nil {
			return nil, 0, WrapError(KindStorage, "list checkpoints", err)
		}
		// Newest checkpoint strictly before the target step.
		for _, cp := range cps {
			if !cp.IsResumable || cp.StepIndex >= target {
				continue
			}
			rc, err := e.st.RestoreCheckpoint(ctx, cp.ID)
			if err != nil {
				e.warn(ctx, job.ID, cp.StepIndex, "checkpoint restore failed, trying older", map[string]any{"checkpoint_id": cp.ID, "error": err.Error()})
				continue
			}
			return RestoreExecutionContext(rc.Context), target, nil
		}
		return e.freshContext(job), target, nil
	}

	return e.freshContext(job), 0, nil
}

func (e *Engine) freshContext(job *store.Job) *ExecutionContext {
	cfg := ContextConfig{
		CacheEnabled:         true,
		BatchSize:            e.cfg.BatchSize,
		TimeoutSeconds:       job.Options.TimeoutSeconds,
		RetryAttempts:        e.cfg.RetryAttempts,
		MaxConcurrentBatches: e.cfg.MaxConcurrentBatches,
	}
	return NewExecutionContext(job.ID, job.StrategyName, cfg)
}

// restoreCheckpoint resolves "latest" and falls back to older resumable
// checkpoints when the newest one fails to restore.
func (e *Engine) restoreCheckpoint(ctx context.Context, jobID, checkpointID string) (*store.RestoredCheckpoint, error) {
	if checkpointID != "latest" {
		rc, err := e.st.RestoreCheckpoint(ctx, checkpointID)
		if err != nil {
			return nil, WrapError(KindResume, fmt.Sprintf("restore checkpoint %s", checkpointID), err)
		}
		return rc, nil
	}

	cps, err := e.st.ListCheckpoints(ctx, jobID, 0)
	if err != nil {
		return nil, WrapError(KindStorage, "list checkpoints", err)
	}
	var lastErr error
	for _, cp := range cps {
		if !cp.IsResumable {
			continue
		}
		rc, err := e.st.RestoreCheckpoint(ctx, cp.ID)
		if err != nil {
			lastErr = err
			e.warn(ctx, jobID, cp.StepIndex, "checkpoint restore failed, trying older", map[string]any{"checkpoint_id": cp.ID, "error": err.Error()})
			continue
		}
		return rc, nil
	}
	if lastErr != nil {
		return nil, WrapError(KindResume, "no checkpoint could be restored", lastErr)
	}
	return nil, NewError(KindResume, "no resumable checkpoint found")
}

// register wires the per-job cancellation token, the engine shutdown token,
// and the job timeout together.
func (e *Engine) register(ctx context.Context, jobID string, timeoutSeconds int) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)

	timeout := e.cfg.JobTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	var cancelTimeout context.CancelFunc
	if timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-e.shutdownCtx.Done():
			cancel(errCancelRequested)
		case <-stop:
		}
	}()

	e.mu.Lock()
	e.jobs[jobID] = &jobTask{cancel: cancel}
	e.mu.Unlock()

	return runCtx, func() {
		close(stop)
		if cancelTimeout != nil {
			cancelTimeout()
		}
		cancel(nil)
		e.mu.Lock()
		delete(e.jobs, jobID)
		e.mu.Unlock()
	}
}

// runSteps is the step loop. ctx is the caller's context for persistence
// writes; runCtx is the cancellable job context actions run under.
func (e *Engine) runSteps(ctx, runCtx context.Context, jobID string, strat *Strategy, ec *ExecutionContext, startIndex int) (*ExecuteResult, error) {
	total := len(strat.Steps)

	for i := startIndex; i < total; i++ {
		step := strat.Steps[i]

		// Honor out-of-band status changes and token cancellation before
		// starting the step.
		if res, done, err := e.checkInterruption(ctx, runCtx, jobID, i, ec); done {
			return res, err
		}

		if run, recognized := EvaluateCondition(step.Condition, ec); !recognized {
			e.warn(ctx, jobID, i, fmt.Sprintf("unrecognized condition %q on step %s, running anyway", step.Condition, step.Name), nil)
		} else if !run {
			if err := e.recordSkipped(ctx, jobID, i, step); err != nil {
				return e.failJob(ctx, jobID, i, err), err
			}
			continue
		}

		if strat.CheckpointPolicy.wantsBefore(step.Action.Type, step) {
			// Written at i-1: restoring resumes at step_index+1, re-running
			// this step.
			e.checkpoint(ctx, jobID, i-1, ec, store.CheckpointBeforeStep, "before "+step.Name)
		}

		stepErr := e.runStep(ctx, runCtx, jobID, i, step, ec)
		if stepErr != nil {
			if cause := interruptionCause(runCtx); cause != nil {
				return e.handleInterruption(ctx, jobID, i, ec, cause)
			}
			if step.Required() {
				e.checkpoint(ctx, jobID, i-1, ec, store.CheckpointPreError, "failure of "+step.Name)
				return e.failJob(ctx, jobID, i, stepErr), stepErr
			}
			e.warn(ctx, jobID, i, fmt.Sprintf("optional step %s failed, continuing", step.Name), map[string]any{"error": stepErr.Error()})
			continue
		}

		if strat.CheckpointPolicy.wantsAfter(step.Action.Type, step) {
			e.checkpoint(ctx, jobID, i, ec, store.CheckpointAfterStep, "after "+step.Name)
		}

		_, _ = e.st.EmitEvent(ctx, emit.Event{
			JobID:     jobID,
			Type:      emit.TypeProgress,
			StepIndex: i,
			StepName:  step.Name,
			Message:   fmt.Sprintf("completed step %d of %d", i+1, total),
			Data:      map[string]any{"current_step": i + 1, "total_steps": total},
		})
	}

	return e.completeJob(ctx, jobID, ec)
}

// runStep executes one step under its retry policy and records the outcome.
func (e *Engine) runStep(ctx, runCtx context.Context, jobID string, stepIndex int, step StepSpec, ec *ExecutionContext) error {
	desc, err := e.reg.Lookup(step.Action.Type)
	if err != nil {
		return err
	}
	if err := desc.Schema.Validate(step.Action.Params); err != nil {
		// Schema violations are permanent; record and bail without retry.
		if _, serr := e.st.RecordStepStart(ctx, jobID, stepIndex, step.Name, step.Action.Type, step.Action.Params); serr != nil {
			return WrapError(KindStorage, "record step start", serr)
		}
		_, _ = e.st.RecordStepFailure(ctx, jobID, stepIndex, err.Error(), "", 0, false)
		e.emitStepFailed(ctx, jobID, stepIndex, step.Name, err)
		return err
	}

	policy := resolveRetryPolicy(step)
	var lastErr error

	for attempt := 0; attempt < policy.maxAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.RetriesTotal.Inc()
			if err := sleepOrCancel(runCtx, policy.backoffFor(attempt)); err != nil {
				return err
			}
		}

		if _, err := e.st.RecordStepStart(ctx, jobID, stepIndex, step.Name, step.Action.Type, step.Action.Params); err != nil {
			return WrapError(KindStorage, "record step start", err)
		}
		_, _ = e.st.EmitEvent(ctx, emit.Event{
			JobID:     jobID,
			Type:      emit.TypeStepStarted,
			StepIndex: stepIndex,
			StepName:  step.Name,
			Message:   "step started",
			Data:      map[string]any{"action_type": step.Action.Type, "attempt": attempt + 1},
		})

		output, execErr := e.invoke(runCtx, desc, step, ec)
		if execErr == nil {
			return e.finishStep(ctx, jobID, stepIndex, step, ec, output)
		}

		lastErr = execErr
		canRetry := attempt+1 < policy.maxAttempts && !Permanent(execErr)
		// retry_count counts failed attempts; the store carries it across the
		// re-start, so a later success still reports it.
		_, _ = e.st.RecordStepFailure(ctx, jobID, stepIndex, execErr.Error(), "", attempt+1, canRetry)
		e.emitStepFailed(ctx, jobID, stepIndex, step.Name, execErr)

		if !canRetry {
			break
		}
		e.warn(ctx, jobID, stepIndex, fmt.Sprintf("step %s failed on attempt %d of %d, retrying", step.Name, attempt+1, policy.maxAttempts), map[string]any{"error": execErr.Error()})
	}

	e.metrics.StepsTotal.WithLabelValues(string(store.StatusFailed)).Inc()
	if KindOf(lastErr) == KindAction {
		return WrapError(KindAction, fmt.Sprintf("step %s failed", step.Name), lastErr)
	}
	return lastErr
}

// invoke runs the action body, capturing the step's memory delta and timing.
func (e *Engine) invoke(runCtx context.Context, desc Descriptor, step StepSpec, ec *ExecutionContext) (StepOutput, error) {
	started := time.Now()
	output, err := desc.Action.Execute(runCtx, step.Action.Params, ec)
	e.metrics.StepDurationMS.Observe(float64(time.Since(started).Milliseconds()))
	if err != nil {
		return nil, err
	}
	if output != nil && !output.Success() {
		msg, _ := output["error"].(string)
		if msg == "" {
			msg = "action reported failure"
		}
		return nil, NewError(KindAction, msg)
	}
	return output, nil
}

// finishStep attaches the output to the context (offloading oversize
// payloads to result storage) and records completion.
func (e *Engine) finishStep(ctx context.Context, jobID string, stepIndex int, step StepSpec, ec *ExecutionContext, output StepOutput) error {
	sanitized := sanitizeMap(map[string]any(output))

	contextValue := any(sanitized)
	if raw, err := json.Marshal(sanitized); err == nil && len(raw) > e.cfg.MaxInlineBytes {
		key := fmt.Sprintf("step_%d_output", stepIndex)
		if _, serr := e.st.StoreResult(ctx, jobID, stepIndex, key, raw, "application/json", 0); serr == nil {
			contextValue = map[string]any{
				"stored":     true,
				"result_key": key,
				"size_bytes": len(raw),
			}
		} else {
			e.warn(ctx, jobID, stepIndex, "oversize step output could not be offloaded, keeping inline", map[string]any{"error": serr.Error()})
		}
	}
	ec.Set(fmt.Sprintf("step_%d_output", stepIndex), contextValue)
	ec.RecordStepResult(step.Name, StepResult{
		Success:   true,
		Data:      sanitized,
		Timestamp: time.Now().UTC(),
	})

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	metrics := store.StepMetrics{
		RecordsProcessed: output.RecordsProcessed(),
		RecordsMatched:   output.RecordsMatched(),
		RecordsFailed:    output.RecordsFailed(),
		ConfidenceScore:  output.ConfidenceScore(),
		MemoryUsedMB:     float64(mem.HeapAlloc) / (1024 * 1024),
	}
	if _, err := e.st.RecordStepCompletion(ctx, jobID, stepIndex, sanitized, metrics); err != nil {
		return WrapError(KindStorage, "record step completion", err)
	}
	e.metrics.StepsTotal.WithLabelValues(string(store.StatusCompleted)).Inc()
	_, _ = e.st.EmitEvent(ctx, emit.Event{
		JobID:     jobID,
		Type:      emit.TypeStepCompleted,
		StepIndex: stepIndex,
		StepName:  step.Name,
		Message:   "step completed",
		Data: map[string]any{
			"records_processed": metrics.RecordsProcessed,
			"records_matched":   metrics.RecordsMatched,
		},
	})
	return nil
}

// recordSkipped writes a step row for a step whose condition evaluated
// false, keeping the recorded step sequence gap-free.
func (e *Engine) recordSkipped(ctx context.Context, jobID string, stepIndex int, step StepSpec) error {
	if _, err := e.st.RecordStepStart(ctx, jobID, stepIndex, step.Name, step.Action.Type, step.Action.Params); err != nil {
		return WrapError(KindStorage, "record step start", err)
	}
	if _, err := e.st.RecordStepCompletion(ctx, jobID, stepIndex, map[string]any{"success": true, "skipped": true}, store.StepMetrics{}); err != nil {
		return WrapError(KindStorage, "record step completion", err)
	}
	_, _ = e.st.EmitEvent(ctx, emit.Event{
		JobID:     jobID,
		Type:      emit.TypeStepCompleted,
		StepIndex: stepIndex,
		StepName:  step.Name,
		Message:   "step skipped by condition",
		Data:      map[string]any{"skipped": true, "condition": step.Condition},
	})
	return nil
}

// checkInterruption re-reads job status and inspects the run token before a
// step starts.
func (e *Engine) checkInterruption(ctx, runCtx context.Context, jobID string, stepIndex int, ec *ExecutionContext) (*ExecuteResult, bool, error) {
	if cause := interruptionCause(runCtx); cause != nil {
		res, err := e.handleInterruption(ctx, jobID, stepIndex, ec, cause)
		return res, true, err
	}

	job, err := e.st.GetJob(ctx, jobID)
	if err != nil {
		werr := WrapError(KindStorage, "re-read job", err)
		return e.failJob(ctx, jobID, stepIndex, werr), true, werr
	}
	switch job.Status {
	case store.StatusCancelled:
		cerr := NewError(KindCancelled, "job was cancelled")
		return &ExecuteResult{Err: cerr, Context: ec}, true, cerr
	case store.StatusPaused:
		e.checkpoint(ctx, jobID, stepIndex-1, ec, store.CheckpointPausePoint, "paused before step")
		perr := NewError(KindCancelled, "job was paused")
		return &ExecuteResult{Err: perr, Context: ec}, true, perr
	}
	return nil, false, nil
}

// interruptionCause maps run-token state to the engine's typed errors, nil
// when the token is live.
func interruptionCause(runCtx context.Context) error {
	if runCtx.Err() == nil {
		return nil
	}
	cause := context.Cause(runCtx)
	switch {
	case errors.Is(cause, errPauseRequested):
		return errPauseRequested
	case errors.Is(cause, errCancelRequested), errors.Is(cause, context.Canceled):
		return errCancelRequested
	case errors.Is(cause, context.DeadlineExceeded):
		return NewError(KindTimeout, "job timeout exceeded")
	default:
		return WrapError(KindCancelled, "job interrupted", cause)
	}
}

// handleInterruption finalizes the job after its token fired mid-loop.
func (e *Engine) handleInterruption(ctx context.Context, jobID string, stepIndex int, ec *ExecutionContext, cause error) (*ExecuteResult, error) {
	switch {
	case errors.Is(cause, errPauseRequested):
		// The interrupted step did not complete; index it one back so resume
		// re-runs it.
		e.checkpoint(ctx, jobID, stepIndex-1, ec, store.CheckpointPausePoint, "pause point")
		if _, err := e.st.UpdateJobStatus(ctx, jobID, store.StatusPaused, store.JobUpdate{}); err != nil {
			e.warn(ctx, jobID, stepIndex, "could not persist paused status", map[string]any{"error": err.Error()})
		}
		perr := NewError(KindCancelled, "job paused")
		return &ExecuteResult{Err: perr, Context: ec}, perr

	case KindOf(cause) == KindTimeout:
		return e.failJob(ctx, jobID, stepIndex, cause), cause

	default:
		msg := "job cancelled"
		if _, err := e.st.UpdateJobStatus(ctx, jobID, store.StatusCancelled, store.JobUpdate{ErrorMessage: &msg}); err != nil {
			e.warn(ctx, jobID, stepIndex, "could not persist cancelled status", map[string]any{"error": err.Error()})
		}
		cerr := NewError(KindCancelled, msg)
		return &ExecuteResult{Err: cerr, Context: ec}, cerr
	}
}

// completeJob transitions to Completed and stores final results.
func (e *Engine) completeJob(ctx context.Context, jobID string, ec *ExecutionContext) (*ExecuteResult, error) {
	// An out-of-band cancel or pause that landed after the last step wins.
	job, err := e.st.GetJob(ctx, jobID)
	if err != nil {
		return nil, WrapError(KindStorage, "re-read job", err)
	}
	if job.Status != store.StatusRunning {
		serr := NewError(KindCancelled, "job left running state before completion")
		return &ExecuteResult{Err: serr, Context: ec}, serr
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	peak := float64(mem.HeapAlloc) / (1024 * 1024)

	final := map[string]any{
		"success":       true,
		"final_context": ec.Snapshot(),
	}
	if _, err := e.st.UpdateJobStatus(ctx, jobID, store.StatusCompleted, store.JobUpdate{
		FinalResults: final,
		MemoryMBPeak: &peak,
	}); err != nil {
		return nil, WrapError(KindStorage, "transition to completed", err)
	}
	_, _ = e.st.EmitEvent(ctx, emit.Event{
		JobID:     jobID,
		Type:      emit.TypeComplete,
		StepIndex: emit.NoStep,
		Message:   "job completed",
	})
	return &ExecuteResult{Success: true, Results: final, Context: ec}, nil
}

// failJob transitions to Failed with the classified error.
func (e *Engine) failJob(ctx context.Context, jobID string, stepIndex int, cause error) *ExecuteResult {
	msg := cause.Error()
	details := map[string]any{"kind": string(KindOf(cause))}
	if _, err := e.st.UpdateJobStatus(ctx, jobID, store.StatusFailed, store.JobUpdate{
		ErrorMessage: &msg,
		ErrorDetails: details,
	}); err != nil {
		e.warn(ctx, jobID, stepIndex, "could not persist failed status", map[string]any{"error": err.Error()})
	}
	_, _ = e.st.EmitEvent(ctx, emit.Event{
		JobID:     jobID,
		Type:      emit.TypeError,
		Severity:  emit.SeverityError,
		StepIndex: stepIndex,
		Message:   msg,
		Data:      details,
	})
	return &ExecuteResult{Err: cause}
}

func (e *Engine) checkpoint(ctx context.Context, jobID string, stepIndex int, ec *ExecutionContext, cpType store.CheckpointType, description string) {
	if _, err := e.st.CreateCheckpoint(ctx, jobID, stepIndex, ec.Snapshot(), cpType, description); err != nil {
		e.warn(ctx, jobID, stepIndex, "checkpoint write failed", map[string]any{"error": err.Error()})
	}
}

func (e *Engine) emitStepFailed(ctx context.Context, jobID string, stepIndex int, stepName string, cause error) {
	_, _ = e.st.EmitEvent(ctx, emit.Event{
		JobID:     jobID,
		Type:      emit.TypeStepFailed,
		Severity:  emit.SeverityError,
		StepIndex: stepIndex,
		StepName:  stepName,
		Message:   cause.Error(),
		Data:      map[string]any{"kind": string(KindOf(cause))},
	})
}

// warn persists a warning log line; log persistence failures are not fatal.
func (e *Engine) warn(ctx context.Context, jobID string, stepIndex int, message string, details map[string]any) {
	_ = e.st.Log(ctx, store.LogEntry{
		JobID:     jobID,
		Level:     emit.SeverityWarning,
		Message:   message,
		StepIndex: stepIndex,
		Details:   details,
		Component: "engine",
	})
}

// PauseJob requests a pause of a running job. The job goroutine writes the
// pause-point checkpoint and persists the Paused status.
func (e *Engine) PauseJob(jobID string) bool {
	e.mu.Lock()
	task, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	task.cancel(errPauseRequested)
	return true
}

// ResumeJob relaunches a paused job from its latest resumable checkpoint.
func (e *Engine) ResumeJob(ctx context.Context, jobID string) bool {
	job, err := e.st.GetJob(ctx, jobID)
	if err != nil || job.Status != store.StatusPaused {
		return false
	}
	e.Launch(jobID, ExecuteOptions{ResumeFromCheckpoint: "latest"})
	return true
}

// CancelJob cancels a running or paused job.
func (e *Engine) CancelJob(ctx context.Context, jobID string) bool {
	e.mu.Lock()
	task, ok := e.jobs[jobID]
	e.mu.Unlock()
	if ok {
		task.cancel(errCancelRequested)
		return true
	}

	// Paused jobs have no live task; transition directly.
	job, err := e.st.GetJob(ctx, jobID)
	if err != nil || job.Status != store.StatusPaused {
		return false
	}
	msg := "job cancelled"
	_, err = e.st.UpdateJobStatus(ctx, jobID, store.StatusCancelled, store.JobUpdate{ErrorMessage: &msg})
	return err == nil
}

// StatusReport is the composed job view returned by GetJobStatus.
type StatusReport struct {
	Job          *store.Job
	Metrics      *store.JobMetrics
	RecentEvents []*store.EventRecord
}

// GetJobStatus composes the job row, aggregated metrics, and recent events.
func (e *Engine) GetJobStatus(ctx context.Context, jobID string) (*StatusReport, error) {
	job, err := e.st.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	metrics, err := e.st.GetJobMetrics(ctx, jobID)
	if err != nil {
		return nil, err
	}
	events, err := e.st.GetEvents(ctx, jobID, store.EventFilter{Limit: 50})
	if err != nil {
		return nil, err
	}
	return &StatusReport{Job: job, Metrics: metrics, RecentEvents: events}, nil
}

// Shutdown cancels all running jobs and waits for their goroutines, bounded
// by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdown()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
