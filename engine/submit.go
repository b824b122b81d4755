package engine

import (
	"context"
	"time"

	"github.com/biomapper/strategy-engine/engine/emit"
	"github.com/biomapper/strategy-engine/engine/store"
)

// Service is the job submission boundary, the only public surface the
// engine exposes directly. Transports (HTTP, gRPC) adapt to it.
type Service struct {
	engine *Engine
	st     store.Store
	bus    *emit.Bus
}

// NewService wires the submission facade. The bus must be the same one the
// store forwards events to, or live streaming will miss events.
func NewService(e *Engine, st store.Store, bus *emit.Bus) *Service {
	return &Service{engine: e, st: st, bus: bus}
}

// SubmitRequest describes a job submission.
type SubmitRequest struct {
	Strategy    *Strategy
	Parameters  map[string]any
	Options     store.JobOptions
	Owner       string
	SessionID   string
	Tags        []string
	Description string
}

// Submit validates the strategy, creates the job, and launches execution.
// Returns the job id.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Strategy == nil {
		return "", NewError(KindValidation, "strategy is required")
	}
	if err := req.Strategy.Validate(); err != nil {
		return "", err
	}
	doc, err := req.Strategy.Document()
	if err != nil {
		return "", err
	}

	job, err := s.st.CreateJob(ctx, store.CreateJobParams{
		StrategyName: req.Strategy.Name,
		StrategyDoc:  doc,
		Parameters:   req.Parameters,
		Options:      req.Options,
		Owner:        req.Owner,
		SessionID:    req.SessionID,
		Tags:         req.Tags,
		Description:  req.Description,
	})
	if err != nil {
		return "", WrapError(KindStorage, "create job", err)
	}

	s.engine.Launch(job.ID, ExecuteOptions{})
	return job.ID, nil
}

// Get returns the composed job view.
func (s *Service) Get(ctx context.Context, jobID string) (*StatusReport, error) {
	return s.engine.GetJobStatus(ctx, jobID)
}

// Pause requests a pause of a running job.
func (s *Service) Pause(jobID string) bool {
	return s.engine.PauseJob(jobID)
}

// Resume relaunches a paused job.
func (s *Service) Resume(ctx context.Context, jobID string) bool {
	return s.engine.ResumeJob(ctx, jobID)
}

// Cancel cancels a running or paused job.
func (s *Service) Cancel(ctx context.Context, jobID string) bool {
	return s.engine.CancelJob(ctx, jobID)
}

// Events streams a job's events: persisted history first (after the
// optional since watermark), then live deliveries until ctx is cancelled.
// The returned channel is closed when the stream ends.
func (s *Service) Events(ctx context.Context, jobID string, since *time.Time) (<-chan emit.Event, error) {
	// Subscribe before replaying so no live event falls in the gap;
	// duplicates across the seam are filtered by id.
	live, stop := s.bus.Subscribe(jobID, 64)

	history, err := s.st.GetEvents(ctx, jobID, store.EventFilter{Since: since})
	if err != nil {
		stop()
		return nil, WrapError(KindStorage, "replay events", err)
	}

	out := make(chan emit.Event, 64)
	go func() {
		defer close(out)
		defer stop()

		seen := make(map[string]bool, len(history))
		var delivered []string
		for _, rec := range history {
			seen[rec.Event.ID] = true
			select {
			case out <- rec.Event:
				delivered = append(delivered, rec.Event.ID)
			case <-ctx.Done():
				return
			}
		}
		if len(delivered) > 0 {
			_ = s.st.MarkEventsDelivered(context.Background(), delivered)
		}

		for {
			select {
			case event, ok := <-live:
				if !ok {
					return
				}
				if seen[event.ID] {
					continue
				}
				select {
				case out <- event:
					_ = s.st.MarkEventsDelivered(context.Background(), []string{event.ID})
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// StartCleanup runs CleanupOldData every interval until ctx is cancelled,
// purging terminal jobs older than retention along with their checkpoints,
// results, logs, and events, plus anything past its own expiry. The returned
// stop function cancels the loop and waits for it to exit.
func (s *Service) StartCleanup(ctx context.Context, interval, retention time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Hour
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_, _ = s.st.CleanupOldData(loopCtx, retention)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// JobResults is the terminal-state result view.
type JobResults struct {
	Job          *store.Job
	Steps        []*store.Step
	FinalContext map[string]any
	Metrics      *store.JobMetrics
}

// Results returns a terminal job's steps, final context, and metrics.
// Non-terminal jobs are rejected.
func (s *Service) Results(ctx context.Context, jobID string) (*JobResults, error) {
	job, err := s.st.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, NewError(KindValidation, "job is not in a terminal state")
	}
	steps, err := s.st.GetSteps(ctx, jobID)
	if err != nil {
		return nil, err
	}
	metrics, err := s.st.GetJobMetrics(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var finalContext map[string]any
	if fc, ok := job.FinalResults["final_context"].(map[string]any); ok {
		finalContext = fc
	}
	return &JobResults{Job: job, Steps: steps, FinalContext: finalContext, Metrics: metrics}, nil
}
