package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: event.Msg (e.g., "call_start", "syscall")
//   - Attributes: runID, step, pc, and all event.Meta fields
//   - Timestamps: Derived from span creation
//   - Status: Set to error if event.Meta["error"] exists
//
// Supports distributed tracing by:
//   - Creating spans for call lifecycle and syscall boundaries
//   - Propagating trace context across service boundaries
//   - Recording gas consumption as span attributes
//   - Capturing traps with error status
//
// Usage:
//
//	// Create tracer from OpenTelemetry provider
//	tracer := otel.Tracer("riscv-go")
//	emitter := emit.NewOTelEmitter(tracer)
//
//	// Emit events that become spans
//	emitter.Emit(Event{
//	    RunID: "inst-000001/1",
//	    Step: 42,
//	    PC: 0x38,
//	    Msg: "syscall",
//	})
//
// Integration with OpenTelemetry:
//
//	// Setup OpenTelemetry provider (application code)
//	import (
//	    "go.opentelemetry.io/otel"
//	    sdktrace "go.opentelemetry.io/otel/sdk/trace"
//	)
//
//	// Create trace provider with exporter (Jaeger, Zipkin, etc.)
//	tp := sdktrace.NewTracerProvider(
//	    sdktrace.WithBatcher(exporter),
//	)
//	otel.SetTracerProvider(tp)
//
//	// Create emitter
//	tracer := otel.Tracer("riscv-go")
//	emitter := emit.NewOTelEmitter(tracer)
//
//	// Use in engine
//	engine := vm.New(
//	    vm.WithEmitter(emitter),
//	)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates a new OTelEmitter.
//
// Parameters:
//   - tracer: OpenTelemetry tracer from otel.Tracer("service-name")
//
// Returns an OTelEmitter that creates spans for each event.
//
// Example:
//
//	tracer := otel.Tracer("riscv-go")
//	emitter := emit.NewOTelEmitter(tracer)
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{
		tracer: tracer,
	}
}

// Emit creates an OpenTelemetry span for the event.
//
// The span includes:
//   - Name: event.Msg (e.g., "call_start", "call_end")
//   - Attributes: All event fields and metadata
//   - Status: Error if event contains error metadata
//
// For performance, the span is immediately ended (not left open).
// This is appropriate for events representing points in time rather
// than durations.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	o.addStandardAttributes(span, event)
	o.addMetadataAttributes(span, event.Meta)
	o.addIdentityAttributes(span, event.Meta)

	// Set error status if present
	if err, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, err)
		span.RecordError(fmt.Errorf("%s", err))
	}
}

// EmitBatch creates multiple spans efficiently.
//
// Batching provides performance benefits by:
//   - Amortizing tracer overhead across multiple spans
//   - Enabling span processor batch optimizations
//   - Maintaining temporal locality for related events
//
// All spans are created and ended immediately. They are recorded in the
// OpenTelemetry batch span processor for efficient export.
//
// Parameters:
//   - ctx: Context for cancellation and trace propagation
//   - events: Events to emit as spans
//
// Returns error if span creation fails (rare, usually indicates misconfiguration).
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)

		o.addStandardAttributes(span, event)
		o.addMetadataAttributes(span, event.Meta)
		o.addIdentityAttributes(span, event.Meta)

		if err, ok := event.Meta["error"].(string); ok {
			span.SetStatus(codes.Error, err)
			span.RecordError(fmt.Errorf("%s", err))
		}

		// End span immediately (event is a point in time)
		span.End()
	}

	return nil
}

// Flush forces export of all pending spans.
//
// This method:
//   - Calls ForceFlush on the tracer provider if available
//   - Blocks until all spans are exported or timeout occurs
//   - Should be called before application shutdown
//   - Respects context cancellation and deadlines
//
// OpenTelemetry typically buffers spans in a batch span processor for
// efficiency. Flush ensures these buffered spans are sent to the backend
// (Jaeger, Zipkin, etc.) before the application exits.
//
// Usage:
//
//	defer func() {
//	    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	    defer cancel()
//	    if err := emitter.Flush(ctx); err != nil {
//	        log.Printf("failed to flush spans: %v", err)
//	    }
//	}()
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	// Check if provider supports flushing (SDK tracer provider)
	type flusher interface {
		ForceFlush(context.Context) error
	}

	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}

	// Provider doesn't support flushing (e.g., noop provider)
	return nil
}

// addStandardAttributes adds core event fields as span attributes.
func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("riscv.run_id", event.RunID),
		attribute.Int64("riscv.step", int64(event.Step)),
		attribute.String("riscv.pc", fmt.Sprintf("0x%08x", event.PC)),
	)
}

// addMetadataAttributes converts event metadata to span attributes.
//
// Handles common types:
//   - string, int, int64, uint32, uint64, float64, bool: Direct conversion
//   - time.Duration: Convert to milliseconds
//   - Other types: Convert to string representation
//
// Gas accounting attributes:
//   - gas, gas_used: Remaining and consumed gas (integer attributes)
//   - result: Call result value
//   - a7: Syscall number
func (o *OTelEmitter) addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	if meta == nil {
		return
	}

	for key, value := range meta {
		// Skip identity attributes (handled separately)
		if key == "instance_id" || key == "module_hash" || key == "receipt_id" {
			continue
		}

		// Map well-known keys to namespaced attribute names
		attrKey := key
		switch key {
		case "gas":
			attrKey = "riscv.gas.remaining"
		case "gas_used":
			attrKey = "riscv.gas.used"
		case "result":
			attrKey = "riscv.call.result"
		case "a7":
			attrKey = "riscv.syscall.number"
		case "instruction":
			attrKey = "riscv.instruction"
		case "latency_ms":
			attrKey = "riscv.call.latency_ms"
		}

		// Convert value to appropriate attribute type
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case uint32:
			span.SetAttributes(attribute.Int64(attrKey, int64(v)))
		case uint64:
			span.SetAttributes(attribute.Int64(attrKey, int64(v)))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			// Convert duration to milliseconds
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			// Fallback to string representation
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}

// addIdentityAttributes adds instance and module identity span attributes.
//
// Adds attributes correlating spans to the guest that produced them:
//   - riscv.instance_id: Instance identifier
//   - riscv.module_hash: Content hash of the loaded module
//   - riscv.receipt_id: Receipt identifier once the call settles
//
// These attributes enable:
//   - Correlating spans from the same instance across calls
//   - Grouping spans by module regardless of instance
//   - Joining trace data with persisted receipts
func (o *OTelEmitter) addIdentityAttributes(span trace.Span, meta map[string]interface{}) {
	if meta == nil {
		return
	}

	if instanceID, ok := meta["instance_id"].(string); ok {
		span.SetAttributes(attribute.String("riscv.instance_id", instanceID))
	}

	if moduleHash, ok := meta["module_hash"].(string); ok {
		span.SetAttributes(attribute.String("riscv.module_hash", moduleHash))
	}

	if receiptID, ok := meta["receipt_id"].(string); ok {
		span.SetAttributes(attribute.String("riscv.receipt_id", receiptID))
	}
}
