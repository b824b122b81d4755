package emit

// NullEmitter implements Emitter by discarding all events.
//
// Useful for benchmarks and for engine construction sites that have no
// observability backend configured.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
