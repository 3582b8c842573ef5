package emit

// Emitter receives observability events from process execution.
//
// Implementations should be:
//   - Non-blocking: never slow down token processing
//   - Thread-safe: the engine emits from multiple workers concurrently
//   - Resilient: a failing backend must not crash execution
//
// Common patterns are buffering (collect and flush in batches),
// filtering (errors only), and fan-out to multiple backends.
type Emitter interface {
	// Emit sends one event to the configured backend.
	//
	// Emit must not panic and must not return an error: delivery
	// problems are handled internally (buffer, drop, log).
	Emit(event Event)
}

// MultiEmitter fans every event out to each wrapped emitter in order.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
