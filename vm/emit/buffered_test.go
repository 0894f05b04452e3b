package emit

import (
	"fmt"
	"sync"
	"testing"
)

// TestBufferedEmitter_CapturesEvents verifies events are stored and retrievable by runID.
func TestBufferedEmitter_CapturesEvents(t *testing.T) {
	emitter := NewBufferedEmitter()

	events := []Event{
		{RunID: "inst-000001/1", Step: 0, PC: 0x00, Msg: "call_start"},
		{RunID: "inst-000001/1", Step: 5, PC: 0x14, Msg: "syscall", Meta: map[string]interface{}{"a7": 64}},
		{RunID: "inst-000001/1", Step: 9, PC: 0x24, Msg: "call_end"},
		{RunID: "inst-000002/1", Step: 0, PC: 0x00, Msg: "call_start"},
	}
	for _, ev := range events {
		emitter.Emit(ev)
	}

	got := emitter.GetHistory("inst-000001/1")
	if len(got) != 3 {
		t.Fatalf("expected 3 events for inst-000001/1, got %d", len(got))
	}
	if got[0].Msg != "call_start" || got[1].Msg != "syscall" || got[2].Msg != "call_end" {
		t.Errorf("events out of order: %v, %v, %v", got[0].Msg, got[1].Msg, got[2].Msg)
	}

	other := emitter.GetHistory("inst-000002/1")
	if len(other) != 1 {
		t.Errorf("expected 1 event for inst-000002/1, got %d", len(other))
	}

	// Unknown run returns empty slice, not nil.
	empty := emitter.GetHistory("inst-999999/1")
	if empty == nil {
		t.Error("expected empty slice for unknown runID, got nil")
	}
	if len(empty) != 0 {
		t.Errorf("expected 0 events for unknown runID, got %d", len(empty))
	}
}

// TestBufferedEmitter_Filtering verifies filter criteria apply with AND logic.
func TestBufferedEmitter_Filtering(t *testing.T) {
	emitter := NewBufferedEmitter()

	pc := uint32(0x14)
	for i := uint64(0); i < 10; i++ {
		msg := "trace"
		if i%3 == 0 {
			msg = "syscall"
		}
		emitter.Emit(Event{RunID: "run", Step: i, PC: uint32(i * 4), Msg: msg})
	}
	emitter.Emit(Event{RunID: "run", Step: 20, PC: pc, Msg: "syscall"})

	t.Run("filter by msg", func(t *testing.T) {
		got := emitter.GetHistoryWithFilter("run", HistoryFilter{Msg: "syscall"})
		if len(got) != 5 {
			t.Errorf("expected 5 syscall events, got %d", len(got))
		}
	})

	t.Run("filter by pc", func(t *testing.T) {
		got := emitter.GetHistoryWithFilter("run", HistoryFilter{PC: &pc})
		if len(got) != 2 {
			t.Errorf("expected 2 events at pc=0x14, got %d", len(got))
		}
	})

	t.Run("filter by step range", func(t *testing.T) {
		minStep, maxStep := uint64(2), uint64(5)
		got := emitter.GetHistoryWithFilter("run", HistoryFilter{MinStep: &minStep, MaxStep: &maxStep})
		if len(got) != 4 {
			t.Errorf("expected 4 events in steps 2-5, got %d", len(got))
		}
	})

	t.Run("combined filters use AND logic", func(t *testing.T) {
		minStep := uint64(10)
		got := emitter.GetHistoryWithFilter("run", HistoryFilter{Msg: "syscall", MinStep: &minStep})
		if len(got) != 1 {
			t.Errorf("expected 1 syscall event at step >= 10, got %d", len(got))
		}
	})

	t.Run("empty filter returns everything", func(t *testing.T) {
		got := emitter.GetHistoryWithFilter("run", HistoryFilter{})
		if len(got) != 11 {
			t.Errorf("expected all 11 events, got %d", len(got))
		}
	})

	t.Run("no matches returns empty slice", func(t *testing.T) {
		got := emitter.GetHistoryWithFilter("run", HistoryFilter{Msg: "breakpoint"})
		if got == nil {
			t.Error("expected empty slice, got nil")
		}
		if len(got) != 0 {
			t.Errorf("expected 0 events, got %d", len(got))
		}
	})
}

// TestBufferedEmitter_Clear verifies clearing by runID and clearing everything.
func TestBufferedEmitter_Clear(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{RunID: "run-a", Msg: "call_start"})
	emitter.Emit(Event{RunID: "run-b", Msg: "call_start"})

	emitter.Clear("run-a")
	if len(emitter.GetHistory("run-a")) != 0 {
		t.Error("expected run-a events cleared")
	}
	if len(emitter.GetHistory("run-b")) != 1 {
		t.Error("expected run-b events to survive")
	}

	emitter.Clear("")
	if len(emitter.GetHistory("run-b")) != 0 {
		t.Error("expected all events cleared")
	}
}

// TestBufferedEmitter_ConcurrentAccess verifies thread safety under concurrent emit and query.
func TestBufferedEmitter_ConcurrentAccess(t *testing.T) {
	emitter := NewBufferedEmitter()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			runID := fmt.Sprintf("run-%d", g)
			for i := uint64(0); i < 100; i++ {
				emitter.Emit(Event{RunID: runID, Step: i, Msg: "trace"})
				_ = emitter.GetHistory(runID)
			}
		}(g)
	}
	wg.Wait()

	for g := 0; g < 8; g++ {
		runID := fmt.Sprintf("run-%d", g)
		if got := len(emitter.GetHistory(runID)); got != 100 {
			t.Errorf("%s: expected 100 events, got %d", runID, got)
		}
	}
}

// TestBufferedEmitter_ReturnsCopies verifies mutation of returned slices does not corrupt the buffer.
func TestBufferedEmitter_ReturnsCopies(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{RunID: "run", Msg: "call_start"})

	got := emitter.GetHistory("run")
	got[0].Msg = "mutated"

	again := emitter.GetHistory("run")
	if again[0].Msg != "call_start" {
		t.Errorf("buffer was mutated through returned slice: got %q", again[0].Msg)
	}
}

// TestBufferedEmitter_InterfaceContract verifies BufferedEmitter implements Emitter.
func TestBufferedEmitter_InterfaceContract(t *testing.T) {
	var _ Emitter = NewBufferedEmitter()
}
