package emit

import (
	"sync"
	"time"
)

// BufferedEmitter implements Emitter by capturing events in memory.
//
// Events are organized by job id for efficient retrieval and filtering.
// Intended for tests, debugging, and small dashboards; everything is held in
// memory, so long-lived production deployments should rely on the persisted
// event log instead.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // job id -> events in emission order
}

// HistoryFilter selects a subset of a job's captured events. All set fields
// must match (AND logic); zero values disable the corresponding filter.
type HistoryFilter struct {
	Type     Type
	Severity Severity
	StepName string
	Since    time.Time
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.JobID] = append(b.events[event.JobID], event)
}

// History returns a copy of all captured events for a job, in emission order.
func (b *BufferedEmitter) History(jobID string) []Event {
	return b.HistoryWithFilter(jobID, HistoryFilter{})
}

// HistoryWithFilter returns the captured events for a job matching the
// filter, in emission order. Returns an empty slice when nothing matches.
func (b *BufferedEmitter) HistoryWithFilter(jobID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Event, 0, len(b.events[jobID]))
	for _, event := range b.events[jobID] {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.Type != "" && event.Type != filter.Type {
		return false
	}
	if filter.Severity != "" && event.Severity != filter.Severity {
		return false
	}
	if filter.StepName != "" && event.StepName != filter.StepName {
		return false
	}
	if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
		return false
	}
	return true
}

// Clear removes captured events for a job, or all events when jobID is empty.
func (b *BufferedEmitter) Clear(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if jobID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, jobID)
}
