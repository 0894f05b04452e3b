package emit

import "testing"

// TestNullEmitter_DiscardsEvents verifies NullEmitter silently accepts events.
func TestNullEmitter_DiscardsEvents(t *testing.T) {
	emitter := NewNullEmitter()

	// Emitting must not panic, even with nil meta or zero values.
	emitter.Emit(Event{})
	emitter.Emit(Event{
		RunID: "inst-000001/1",
		Step:  1,
		PC:    4,
		Msg:   "trace",
		Meta:  map[string]interface{}{"instruction": "addi x1, x0, 1"},
	})
}

// TestNullEmitter_InterfaceContract verifies NullEmitter implements Emitter.
func TestNullEmitter_InterfaceContract(t *testing.T) {
	var _ Emitter = NewNullEmitter()
}
