package mapping

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/biomapper/strategy-engine/engine"
)

// Default batching parameters.
const (
	DefaultBatchSize            = 250
	DefaultMaxConcurrentBatches = 5
)

// StepOutput is what a resource client returns for one input identifier.
type StepOutput struct {
	MappedIDs          []string
	SourceComponent    string
	ResolvedHistorical bool
}

// StepClient maps a working set of identifiers through one resource. The
// returned map is keyed by input identifier; absent keys mean no mapping.
type StepClient interface {
	MapIdentifiers(ctx context.Context, ids []string) (map[string]StepOutput, error)
}

// ClientRegistry resolves the client for a path step's resource.
type ClientRegistry interface {
	ClientFor(resource Resource) (StepClient, error)
}

// ClientMap is a ClientRegistry backed by a map keyed on resource name.
type ClientMap map[string]StepClient

// ClientFor implements ClientRegistry.
func (m ClientMap) ClientFor(resource Resource) (StepClient, error) {
	if c, ok := m[resource.Name]; ok {
		return c, nil
	}
	if c, ok := m[resource.ID]; ok {
		return c, nil
	}
	return nil, engine.NewError(engine.KindUnknownResource, fmt.Sprintf("no client for resource %q", resource.Name))
}

// Request describes one path execution.
type Request struct {
	Path       Path
	IDs        []string
	SourceType string
	TargetType string

	BatchSize            int
	MaxConcurrentBatches int

	// MaxHopCount, when set, skips paths longer than the bound without
	// attempting them.
	MaxHopCount *int

	// MinConfidence drops successes scoring below the bound; dropped ids
	// are counted as filtered.
	MinConfidence float64
}

// Executor runs mapping paths batch-concurrently.
type Executor struct {
	clients ClientRegistry
	metrics *engine.Metrics
}

// NewExecutor builds an Executor. Pass nil metrics to skip instrumentation.
func NewExecutor(clients ClientRegistry, metrics *engine.Metrics) *Executor {
	if metrics == nil {
		metrics = engine.NopMetrics()
	}
	return &Executor{clients: clients, metrics: metrics}
}

// Execute runs the path for the request's identifiers. Step errors never
// propagate: every input id always receives a result, error-shaped when
// necessary. The caller decides whether an execution error warrants a
// retry.
func (x *Executor) Execute(ctx context.Context, req Request) (map[string]*Result, PathMetrics) {
	started := time.Now()
	metrics := PathMetrics{}
	results := make(map[string]*Result, len(req.IDs))

	if req.MaxHopCount != nil && req.Path.HopCount() > *req.MaxHopCount {
		for _, id := range dedupe(req.IDs) {
			results[id] = &Result{
				SourceIdentifier: id,
				Status:           StatusSkipped,
				Message:          fmt.Sprintf("path %s exceeds max hop count %d", req.Path.Name, *req.MaxHopCount),
				HopCount:         req.Path.HopCount(),
				MappingDirection: req.Path.Direction(),
			}
		}
		metrics.TotalDuration = time.Since(started)
		return results, metrics
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	maxBatches := req.MaxConcurrentBatches
	if maxBatches <= 0 {
		maxBatches = DefaultMaxConcurrentBatches
	}

	ids := dedupe(req.IDs)
	batches := splitBatches(ids, batchSize)
	metrics.BatchCount = len(batches)

	sem := semaphore.NewWeighted(int64(maxBatches))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, batch := range batches {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			for _, id := range batch {
				results[id] = executionErrorResult(id, req.Path, err)
			}
			mu.Unlock()
			continue
		}
		wg.Add(1)
		x.metrics.InflightBatches.Inc()
		go func(batch []string) {
			defer wg.Done()
			defer sem.Release(1)
			defer x.metrics.InflightBatches.Dec()

			batchResults := x.runBatch(ctx, req, batch)
			mu.Lock()
			for id, r := range batchResults {
				results[id] = r
			}
			mu.Unlock()
		}(batch)
	}
	wg.Wait()

	// Apply the confidence filter and tally.
	for id, r := range results {
		switch r.Status {
		case StatusSuccess:
			if req.MinConfidence > 0 && r.ConfidenceScore < req.MinConfidence {
				delete(results, id)
				metrics.FilteredCount++
				continue
			}
			metrics.SuccessCount++
		case StatusExecutionError:
			metrics.ErrorCount++
		case StatusNoMappingFound:
			metrics.MissingIDs = append(metrics.MissingIDs, id)
		}
	}
	sort.Strings(metrics.MissingIDs)

	metrics.TotalDuration = time.Since(started)
	x.metrics.PathDurationMS.Observe(float64(metrics.TotalDuration.Milliseconds()))
	return results, metrics
}

// frontier tracks, per original input id, the working identifiers currently
// attributed to it. This is what lets a source id that fans out into
// multiple intermediates claim every final target those intermediates
// produce.
type frontier map[string][]string

// runBatch walks the path's steps sequentially for one batch.
func (x *Executor) runBatch(ctx context.Context, req Request, batch []string) map[string]*Result {
	steps := req.Path.Ordered()

	front := make(frontier, len(batch))
	for _, id := range batch {
		front[id] = []string{id}
	}
	provenance := make(map[string][]Provenance, len(batch))

	for _, step := range steps {
		client, err := x.clients.ClientFor(step.Resource)
		if err != nil {
			return batchError(batch, req.Path, err)
		}

		working := dedupe(flatten(front))
		stepStart := time.Now()
		outputs, err := client.MapIdentifiers(ctx, working)
		stepDuration := time.Since(stepStart)
		if err != nil {
			return batchError(batch, req.Path, err)
		}

		next := make(frontier, len(front))
		for orig, current := range front {
			var mapped []string
			var resolved bool
			for _, cur := range current {
				out, ok := outputs[cur]
				if !ok {
					continue
				}
				mapped = append(mapped, out.MappedIDs...)
				resolved = resolved || out.ResolvedHistorical
			}
			mapped = dedupe(mapped)
			next[orig] = mapped
			if len(current) > 0 {
				provenance[orig] = append(provenance[orig], Provenance{
					StepID:             step.ID,
					StepName:           step.Name,
					ResourceID:         step.Resource.ID,
					ResourceName:       step.Resource.Name,
					InputIDs:           current,
					OutputIDs:          mapped,
					ResolvedHistorical: resolved,
					Duration:           stepDuration,
				})
			}
		}
		front = next
	}

	results := make(map[string]*Result, len(batch))
	for _, id := range batch {
		finals := front[id]
		if len(finals) == 0 {
			results[id] = &Result{
				SourceIdentifier: id,
				Status:           StatusNoMappingFound,
				Message:          fmt.Sprintf("no mapping found via path %s", req.Path.Name),
				ConfidenceScore:  0.0,
				HopCount:         len(steps),
				MappingDirection: req.Path.Direction(),
				Provenance:       provenance[id],
			}
			continue
		}
		hops := len(steps)
		results[id] = &Result{
			SourceIdentifier:   id,
			TargetIdentifiers:  finals,
			MappedValue:        finals[0],
			Status:             StatusSuccess,
			ConfidenceScore:    DeriveConfidence(&hops, req.Path.IsReverse, req.Path.Steps),
			HopCount:           hops,
			MappingDirection:   req.Path.Direction(),
			MappingPathDetails: PathDetails(req.Path, nil),
			MappingSource:      SourceFor(req.Path.Steps),
			Provenance:         provenance[id],
		}
	}
	return results
}

// PathDetails renders the structured provenance blob stored alongside
// cached mappings.
func PathDetails(p Path, additional map[string]any) map[string]any {
	steps := make([]any, 0, len(p.Steps))
	for _, step := range p.Steps {
		steps = append(steps, map[string]any{
			"resource_name":        step.Resource.Name,
			"resource_type":        step.Resource.Type,
			"input_ontology_type":  step.InputType,
			"output_ontology_type": step.OutputType,
		})
	}
	details := map[string]any{
		"path_id":             p.ID,
		"path_name":           p.Name,
		"hop_count":           p.HopCount(),
		"direction":           p.Direction(),
		"steps":               steps,
		"execution_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if len(additional) > 0 {
		details["additional_metadata"] = additional
	}
	return details
}

func batchError(batch []string, p Path, err error) map[string]*Result {
	out := make(map[string]*Result, len(batch))
	for _, id := range batch {
		out[id] = executionErrorResult(id, p, err)
	}
	return out
}

func executionErrorResult(id string, p Path, err error) *Result {
	return &Result{
		SourceIdentifier: id,
		Status:           StatusExecutionError,
		Message:          fmt.Sprintf("path %s execution failed", p.Name),
		HopCount:         p.HopCount(),
		MappingDirection: p.Direction(),
		ErrorDetails:     err.Error(),
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func flatten(f frontier) []string {
	var out []string
	for _, ids := range f {
		out = append(out, ids...)
	}
	return out
}

func splitBatches(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
