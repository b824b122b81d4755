package emit

// Emitter receives job events from the engine and its collaborators.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files (LogEmitter)
//   - Distributed tracing: OpenTelemetry (OTelEmitter)
//   - In-memory capture for tests and dashboards (BufferedEmitter)
//   - Live fan-out to streaming subscribers (Bus)
//
// Implementations must be:
//   - Non-blocking: never stall job execution
//   - Thread-safe: Emit may be called concurrently from many job tasks
//   - Resilient: a failing backend must not crash the caller
type Emitter interface {
	// Emit delivers one event. Emit must not panic and must not block on
	// slow backends; buffer or drop instead.
	Emit(event Event)
}

// Multi fans a single event out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
