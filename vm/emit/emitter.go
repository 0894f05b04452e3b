package emit

// Emitter receives and processes observability events from guest execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry, Jaeger, Zipkin
//   - In-memory capture for tests and debugging
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down the interpreter loop
//   - Thread-safe: May be called concurrently from multiple instances
//   - Resilient: Handle failures gracefully (never crash a call)
//
// Common patterns:
//   - Buffering: Collect events and flush in batches
//   - Filtering: Only emit events matching criteria (e.g., errors only)
//   - Multi-emit: Fan out to multiple backends
//   - Sampling: Emit only a fraction of trace events for hot loops
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Implementations should not block guest execution. If the backend
	// is unavailable or slow, events should be:
	//   - Buffered for later delivery
	//   - Dropped with error logging
	//   - Sent asynchronously
	//
	// Emit should not panic. Errors should be logged internally.
	Emit(event Event)
}
