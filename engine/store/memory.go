package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/biomapper/strategy-engine/engine/emit"
)

// MemStore is an in-memory Store for tests and throwaway runs. It applies
// the same inline/external and compression policy as the SQL backends so
// code paths exercised against it behave the same in production.
type MemStore struct {
	opts Options

	mu          sync.RWMutex
	jobs        map[string]*Job
	steps       map[string]map[int]*Step
	checkpoints map[string]*memCheckpoint
	logs        map[string][]*LogEntry
	events      map[string][]*EventRecord
	results     map[string]*memResult
	mappings    map[string]*EntityMapping
	pathLogs    []*PathExecutionLog
	metrics     map[string][]*SessionMetric
	closed      bool
}

type memCheckpoint struct {
	cp     Checkpoint
	inline []byte
}

type memResult struct {
	res    StoredResult
	inline []byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore(opts Options) *MemStore {
	return &MemStore{
		opts:        opts.withDefaults(),
		jobs:        make(map[string]*Job),
		steps:       make(map[string]map[int]*Step),
		checkpoints: make(map[string]*memCheckpoint),
		logs:        make(map[string][]*LogEntry),
		events:      make(map[string][]*EventRecord),
		results:     make(map[string]*memResult),
		mappings:    make(map[string]*EntityMapping),
		metrics:     make(map[string][]*SessionMetric),
	}
}

func (m *MemStore) checkOpen() error {
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// CreateJob implements Store.
func (m *MemStore) CreateJob(ctx context.Context, params CreateJobParams) (*Job, error) {
	if params.StrategyName == "" {
		return nil, fmt.Errorf("strategy name is required")
	}

	now := time.Now().UTC()
	job := &Job{
		ID:           uuid.NewString(),
		StrategyName: params.StrategyName,
		StrategyDoc:  params.StrategyDoc,
		Parameters:   params.Parameters,
		Options:      params.Options,
		Status:       StatusPending,
		TotalSteps:   totalStepsOf(params.StrategyDoc),
		CreatedAt:    now,
		LastUpdated:  now,
		Owner:        params.Owner,
		SessionID:    params.SessionID,
		Tags:         params.Tags,
		Description:  params.Description,
	}

	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.jobs[job.ID] = job
	m.mu.Unlock()

	_, _ = m.EmitEvent(ctx, emit.Event{
		JobID:     job.ID,
		Type:      emit.TypeJobCreated,
		StepIndex: emit.NoStep,
		Message:   "job created for strategy " + job.StrategyName,
		Data:      map[string]any{"strategy_name": job.StrategyName, "total_steps": job.TotalSteps},
	})
	jc := *job
	return &jc, nil
}

// UpdateJobStatus implements Store.
func (m *MemStore) UpdateJobStatus(ctx context.Context, jobID string, status Status, update JobUpdate) (*Job, error) {
	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if err := ValidateTransition(job.Status, status); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	now := time.Now().UTC()
	job.Status = status
	job.LastUpdated = now
	if status == StatusRunning && job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	if status.Terminal() {
		completed := now
		job.CompletedAt = &completed
		if job.StartedAt != nil {
			job.ExecutionTimeMS = completed.Sub(*job.StartedAt).Milliseconds()
		}
	}
	if status == StatusCompleted {
		job.CurrentStepIndex = job.TotalSteps
		job.ProgressPercentage = 100
	}
	if update.CurrentStepIndex != nil {
		job.CurrentStepIndex = *update.CurrentStepIndex
	}
	if update.ProgressPercentage != nil {
		job.ProgressPercentage = *update.ProgressPercentage
	}
	if update.ErrorMessage != nil {
		job.ErrorMessage = *update.ErrorMessage
	}
	if update.ErrorDetails != nil {
		job.ErrorDetails = update.ErrorDetails
	}
	if update.FinalResults != nil {
		job.FinalResults = update.FinalResults
	}
	if update.MemoryMBPeak != nil && *update.MemoryMBPeak > job.MemoryMBPeak {
		job.MemoryMBPeak = *update.MemoryMBPeak
	}
	if update.RetryCount != nil {
		job.RetryCount = *update.RetryCount
	}
	jc := *job
	m.mu.Unlock()

	data := map[string]any{"status": string(status)}
	if jc.ErrorMessage != "" {
		data["error"] = jc.ErrorMessage
	}
	severity := emit.SeverityInfo
	if status == StatusFailed {
		severity = emit.SeverityError
	}
	_, _ = m.EmitEvent(ctx, emit.Event{
		JobID:     jobID,
		Type:      emit.TypeStatusChange,
		Severity:  severity,
		StepIndex: emit.NoStep,
		Message:   "job status changed to " + string(status),
		Data:      data,
	})
	return &jc, nil
}

// GetJob implements Store.
func (m *MemStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	jc := *job
	return &jc, nil
}

// ListJobs implements Store.
func (m *MemStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var jobs []*Job
	for _, job := range m.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.StrategyName != "" && job.StrategyName != filter.StrategyName {
			continue
		}
		if filter.Owner != "" && job.Owner != filter.Owner {
			continue
		}
		jc := *job
		jobs = append(jobs, &jc)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if filter.Offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[filter.Offset:]
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// RecordStepStart implements Store.
func (m *MemStore) RecordStepStart(ctx context.Context, jobID string, stepIndex int, name, actionType string, params map[string]any) (*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	step := &Step{
		JobID:       jobID,
		StepIndex:   stepIndex,
		StepName:    name,
		ActionType:  actionType,
		InputParams: params,
		Status:      StatusRunning,
		StartedAt:   &now,
	}
	if m.steps[jobID] == nil {
		m.steps[jobID] = make(map[int]*Step)
	}
	// The retry count survives re-running the step, so a step that completes
	// after failures still reports its attempts.
	if prev, ok := m.steps[jobID][stepIndex]; ok {
		step.RetryCount = prev.RetryCount
	}
	m.steps[jobID][stepIndex] = step

	job.CurrentStepIndex = stepIndex
	job.ProgressPercentage = progressFor(stepIndex, job.TotalSteps)
	job.LastUpdated = now

	sc := *step
	return &sc, nil
}

// RecordStepCompletion implements Store.
func (m *MemStore) RecordStepCompletion(ctx context.Context, jobID string, stepIndex int, output map[string]any, metrics StepMetrics) (*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	step, ok := m.steps[jobID][stepIndex]
	if !ok {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	step.Status = StatusCompleted
	step.CompletedAt = &now
	if step.StartedAt != nil {
		step.DurationMS = now.Sub(*step.StartedAt).Milliseconds()
	}
	step.OutputResults = output
	step.Metrics = metrics

	if job, ok := m.jobs[jobID]; ok {
		job.CurrentStepIndex = stepIndex + 1
		job.ProgressPercentage = progressFor(stepIndex+1, job.TotalSteps)
		job.LastUpdated = now
	}
	sc := *step
	return &sc, nil
}

// RecordStepFailure implements Store.
func (m *MemStore) RecordStepFailure(ctx context.Context, jobID string, stepIndex int, errorMessage, errorTraceback string, retryCount int, canRetry bool) (*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	step, ok := m.steps[jobID][stepIndex]
	if !ok {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	step.Status = StatusFailed
	step.CompletedAt = &now
	if step.StartedAt != nil {
		step.DurationMS = now.Sub(*step.StartedAt).Milliseconds()
	}
	step.RetryCount = retryCount
	step.CanRetry = canRetry
	step.ErrorMessage = errorMessage
	step.ErrorTraceback = errorTraceback

	sc := *step
	return &sc, nil
}

// GetSteps implements Store.
func (m *MemStore) GetSteps(ctx context.Context, jobID string) ([]*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var steps []*Step
	for _, step := range m.steps[jobID] {
		sc := *step
		steps = append(steps, &sc)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })
	return steps, nil
}

// CreateCheckpoint implements Store.
func (m *MemStore) CreateCheckpoint(ctx context.Context, jobID string, stepIndex int, contextData map[string]any, cpType CheckpointType, description string) (*Checkpoint, error) {
	encoded, compressed, err := encodeContext(contextData, m.opts.CompressThreshold)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cp := Checkpoint{
		ID:          uuid.NewString(),
		JobID:       jobID,
		StepIndex:   stepIndex,
		Type:        cpType,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.opts.Retention),
		SizeBytes:   int64(len(encoded)),
		Compressed:  compressed,
		IsResumable: true,
		Description: description,
	}

	inline := []byte(nil)
	if len(encoded) <= m.opts.MaxInlineBytes {
		inline = encoded
	} else {
		if m.opts.Blobs == nil {
			return nil, fmt.Errorf("checkpoint exceeds inline limit and no blob backend is configured")
		}
		cp.StoragePath, err = m.opts.Blobs.StoreCheckpoint(ctx, jobID, cp.ID, stepIndex, encoded)
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.checkpoints[cp.ID] = &memCheckpoint{cp: cp, inline: inline}
	m.mu.Unlock()

	_, _ = m.EmitEvent(ctx, emit.Event{
		JobID:     jobID,
		Type:      emit.TypeCheckpointCreated,
		StepIndex: stepIndex,
		Message:   "checkpoint created (" + string(cpType) + ")",
		Data: map[string]any{
			"checkpoint_id":   cp.ID,
			"checkpoint_type": string(cpType),
			"size_bytes":      cp.SizeBytes,
			"compressed":      cp.Compressed,
		},
	})
	cc := cp
	return &cc, nil
}

// RestoreCheckpoint implements Store.
func (m *MemStore) RestoreCheckpoint(ctx context.Context, checkpointID string) (*RestoredCheckpoint, error) {
	m.mu.RLock()
	mc, ok := m.checkpoints[checkpointID]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrNotFound
	}
	cp := mc.cp
	inline := mc.inline
	m.mu.RUnlock()

	if !cp.IsResumable {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, ErrNotResumable)
	}
	if time.Now().UTC().After(cp.ExpiresAt) {
		return nil, fmt.Errorf("checkpoint %s expired at %s: %w", checkpointID, cp.ExpiresAt.Format(time.RFC3339), ErrNotResumable)
	}

	encoded := inline
	if cp.StoragePath != "" {
		if m.opts.Blobs == nil {
			return nil, fmt.Errorf("checkpoint %s is stored externally and no blob backend is configured", checkpointID)
		}
		var err error
		encoded, err = m.opts.Blobs.RetrieveCheckpoint(ctx, cp.StoragePath)
		if err != nil {
			return nil, err
		}
	}
	contextData, err := decodeContext(encoded, cp.Compressed)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, err)
	}
	return &RestoredCheckpoint{JobID: cp.JobID, StepIndex: cp.StepIndex, Context: contextData}, nil
}

// ListCheckpoints implements Store.
func (m *MemStore) ListCheckpoints(ctx context.Context, jobID string, limit int) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var cps []*Checkpoint
	for _, mc := range m.checkpoints {
		if mc.cp.JobID != jobID {
			continue
		}
		cc := mc.cp
		cps = append(cps, &cc)
	}
	sort.Slice(cps, func(i, j int) bool {
		if cps[i].CreatedAt.Equal(cps[j].CreatedAt) {
			return cps[i].StepIndex > cps[j].StepIndex
		}
		return cps[i].CreatedAt.After(cps[j].CreatedAt)
	})
	if len(cps) > limit {
		cps = cps[:limit]
	}
	return cps, nil
}

// GetLatestCheckpoint implements Store.
func (m *MemStore) GetLatestCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	cps, err := m.ListCheckpoints(ctx, jobID, 0)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, cp := range cps {
		if cp.IsResumable && cp.ExpiresAt.After(now) {
			return cp, nil
		}
	}
	return nil, ErrNotFound
}

// StoreResult implements Store.
func (m *MemStore) StoreResult(ctx context.Context, jobID string, stepIndex int, key string, data []byte, contentType string, ttlDays int) (*StoredResult, error) {
	if key == "" {
		return nil, fmt.Errorf("result key is required")
	}

	now := time.Now().UTC()
	res := StoredResult{
		JobID:       jobID,
		StepIndex:   stepIndex,
		Key:         key,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		CreatedAt:   now,
	}
	if ttlDays > 0 {
		exp := now.Add(time.Duration(ttlDays) * 24 * time.Hour)
		res.ExpiresAt = &exp
	}

	inline := []byte(nil)
	if len(data) <= m.opts.MaxInlineBytes {
		inline = append([]byte(nil), data...)
	} else {
		if m.opts.Blobs == nil {
			return nil, fmt.Errorf("result exceeds inline limit and no blob backend is configured")
		}
		var err error
		res.StoragePath, err = m.opts.Blobs.StoreResult(ctx, jobID, stepIndex, key, data)
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	m.results[resultKey(jobID, stepIndex, key)] = &memResult{res: res, inline: inline}
	rc := res
	return &rc, nil
}

// RetrieveResult implements Store.
func (m *MemStore) RetrieveResult(ctx context.Context, jobID string, stepIndex int, key string) ([]byte, string, error) {
	m.mu.Lock()
	mr, ok := m.results[resultKey(jobID, stepIndex, key)]
	if !ok {
		m.mu.Unlock()
		return nil, "", ErrNotFound
	}
	if mr.res.ExpiresAt != nil && time.Now().UTC().After(*mr.res.ExpiresAt) {
		m.mu.Unlock()
		return nil, "", ErrNotFound
	}
	mr.res.AccessedCount++
	accessed := time.Now().UTC()
	mr.res.LastAccessed = &accessed
	contentType := mr.res.ContentType
	storagePath := mr.res.StoragePath
	inline := mr.inline
	m.mu.Unlock()

	if storagePath != "" {
		data, err := m.opts.Blobs.RetrieveResult(ctx, storagePath)
		if err != nil {
			return nil, "", err
		}
		return data, contentType, nil
	}
	return append([]byte(nil), inline...), contentType, nil
}

func resultKey(jobID string, stepIndex int, key string) string {
	return fmt.Sprintf("%s/%d/%s", jobID, stepIndex, key)
}

// Log implements Store.
func (m *MemStore) Log(ctx context.Context, entry LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = emit.SeverityInfo
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	ec := entry
	m.logs[entry.JobID] = append(m.logs[entry.JobID], &ec)
	return nil
}

// GetLogs implements Store.
func (m *MemStore) GetLogs(ctx context.Context, jobID string, filter LogFilter) ([]*LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var out []*LogEntry
	for _, entry := range m.logs[jobID] {
		if filter.Level != "" && entry.Level != filter.Level {
			continue
		}
		if filter.StepIndex != nil && entry.StepIndex != *filter.StepIndex {
			continue
		}
		ec := *entry
		out = append(out, &ec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// EmitEvent implements Store.
func (m *MemStore) EmitEvent(ctx context.Context, event emit.Event) (*EventRecord, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = emit.SeverityInfo
	}

	m.mu.Lock()
	if err := m.checkOpen(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	rec := &EventRecord{Event: event}
	m.events[event.JobID] = append(m.events[event.JobID], rec)
	m.mu.Unlock()

	if m.opts.Emitter != nil {
		m.opts.Emitter.Emit(event)
	}
	rc := *rec
	return &rc, nil
}

// GetEvents implements Store.
func (m *MemStore) GetEvents(ctx context.Context, jobID string, filter EventFilter) ([]*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var out []*EventRecord
	for _, rec := range m.events[jobID] {
		if filter.Since != nil && !rec.Event.Timestamp.After(*filter.Since) {
			continue
		}
		if filter.Type != "" && rec.Event.Type != filter.Type {
			continue
		}
		rc := *rec
		out = append(out, &rc)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// MarkEventsDelivered implements Store.
func (m *MemStore) MarkEventsDelivered(ctx context.Context, eventIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	ids := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		ids[id] = true
	}
	for _, recs := range m.events {
		for _, rec := range recs {
			if ids[rec.Event.ID] {
				rec.Delivered = true
				rec.DeliveryAttempts++
			}
		}
	}
	return nil
}

// UpsertEntityMappings implements Store.
func (m *MemStore) UpsertEntityMappings(ctx context.Context, mappings []EntityMapping) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	written := 0
	for _, em := range mappings {
		if em.SourceID == "" || em.TargetID == "" {
			return written, fmt.Errorf("mapping source and target ids are required")
		}
		key := strings.Join([]string{em.SourceID, em.SourceType, em.TargetID, em.TargetType}, "\x00")
		if _, exists := m.mappings[key]; exists {
			continue
		}
		if em.LastUpdated.IsZero() {
			em.LastUpdated = time.Now().UTC()
		}
		ec := em
		m.mappings[key] = &ec
		written++
	}
	return written, nil
}

// QueryEntityMappings implements Store.
func (m *MemStore) QueryEntityMappings(ctx context.Context, query MappingQuery) ([]*EntityMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if len(query.SourceIDs) == 0 {
		return nil, nil
	}
	wanted := make(map[string]bool, len(query.SourceIDs))
	for _, id := range query.SourceIDs {
		wanted[id] = true
	}

	var out []*EntityMapping
	for _, em := range m.mappings {
		if !wanted[em.SourceID] {
			continue
		}
		if query.SourceType != "" && em.SourceType != query.SourceType {
			continue
		}
		if query.TargetType != "" && em.TargetType != query.TargetType {
			continue
		}
		if query.UpdatedSince != nil && em.LastUpdated.Before(*query.UpdatedSince) {
			continue
		}
		ec := *em
		out = append(out, &ec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID == out[j].SourceID {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out, nil
}

// InsertPathExecutionLog implements Store.
func (m *MemStore) InsertPathExecutionLog(ctx context.Context, entry *PathExecutionLog) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	ec := *entry
	m.pathLogs = append(m.pathLogs, &ec)
	return entry.ID, nil
}

// PathExecutionLogs returns all recorded path attempts, oldest first. Test
// helper; the SQL backends expose this data through their own tooling.
func (m *MemStore) PathExecutionLogs() []*PathExecutionLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PathExecutionLog, 0, len(m.pathLogs))
	for _, entry := range m.pathLogs {
		ec := *entry
		out = append(out, &ec)
	}
	return out
}

// RecordSessionMetric implements Store.
func (m *MemStore) RecordSessionMetric(ctx context.Context, metric SessionMetric) error {
	if metric.SessionID == "" || metric.Name == "" {
		return fmt.Errorf("session id and metric name are required")
	}
	if metric.RecordedAt.IsZero() {
		metric.RecordedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	mc := metric
	m.metrics[metric.SessionID] = append(m.metrics[metric.SessionID], &mc)
	return nil
}

// GetSessionMetrics implements Store.
func (m *MemStore) GetSessionMetrics(ctx context.Context, sessionID string) ([]*SessionMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]*SessionMetric, 0, len(m.metrics[sessionID]))
	for _, metric := range m.metrics[sessionID] {
		mc := *metric
		out = append(out, &mc)
	}
	return out, nil
}

// GetJobMetrics implements Store.
func (m *MemStore) GetJobMetrics(ctx context.Context, jobID string) (*JobMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if _, ok := m.jobs[jobID]; !ok {
		return nil, ErrNotFound
	}

	metrics := &JobMetrics{JobID: jobID}
	for _, step := range m.steps[jobID] {
		metrics.TotalSteps++
		switch step.Status {
		case StatusCompleted:
			metrics.CompletedSteps++
		case StatusFailed:
			metrics.FailedSteps++
		}
		metrics.TotalDurationMS += step.DurationMS
		metrics.RecordsProcessed += step.Metrics.RecordsProcessed
		metrics.RecordsMatched += step.Metrics.RecordsMatched
		metrics.RecordsFailed += step.Metrics.RecordsFailed
		if step.Metrics.MemoryUsedMB > metrics.PeakMemoryMB {
			metrics.PeakMemoryMB = step.Metrics.MemoryUsedMB
		}
	}
	if metrics.TotalSteps > 0 {
		metrics.AvgStepDurationMS = float64(metrics.TotalDurationMS) / float64(metrics.TotalSteps)
	}
	return metrics, nil
}

// CleanupOldData implements Store.
func (m *MemStore) CleanupOldData(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	var report CleanupReport
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return report, err
	}

	for id, job := range m.jobs {
		if !job.Status.Terminal() || job.CompletedAt == nil || !job.CompletedAt.Before(cutoff) {
			continue
		}
		delete(m.jobs, id)
		delete(m.steps, id)
		delete(m.logs, id)
		delete(m.events, id)
		for cpID, mc := range m.checkpoints {
			if mc.cp.JobID == id {
				m.deleteBlob(ctx, mc.cp.StoragePath)
				delete(m.checkpoints, cpID)
			}
		}
		for key, mr := range m.results {
			if mr.res.JobID == id {
				m.deleteBlob(ctx, mr.res.StoragePath)
				delete(m.results, key)
			}
		}
		report.JobsDeleted++
	}

	for cpID, mc := range m.checkpoints {
		if mc.cp.ExpiresAt.Before(now) {
			m.deleteBlob(ctx, mc.cp.StoragePath)
			delete(m.checkpoints, cpID)
			report.CheckpointsDeleted++
		}
	}
	for key, mr := range m.results {
		if mr.res.ExpiresAt != nil && mr.res.ExpiresAt.Before(now) {
			m.deleteBlob(ctx, mr.res.StoragePath)
			delete(m.results, key)
			report.ResultsDeleted++
		}
	}
	for key, em := range m.mappings {
		if em.ExpiresAt != nil && em.ExpiresAt.Before(now) {
			delete(m.mappings, key)
			report.MappingsDeleted++
		}
	}
	return report, nil
}

func (m *MemStore) deleteBlob(ctx context.Context, location string) {
	if location == "" || m.opts.Blobs == nil {
		return
	}
	_, _ = m.opts.Blobs.Delete(ctx, location)
}
