package vm

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/riscv-go/vm/store"
)

func testPool(t *testing.T, opts ...Option) (*Pool, *Engine) {
	t.Helper()
	engine := testEngine(t, opts...)
	mod, err := engine.NewModule(counterProgram())
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}
	pool, err := NewPool(engine, mod, 2)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool, engine
}

func TestPool_Validation(t *testing.T) {
	engine := testEngine(t)
	mod, err := engine.NewModule(program(ret()))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("zero capacity", func(t *testing.T) {
		_, err := NewPool(engine, mod, 0)
		var cerr *ConfigError
		if !errors.As(err, &cerr) {
			t.Errorf("got %v, want *ConfigError", err)
		}
	})

	t.Run("nil module", func(t *testing.T) {
		if _, err := NewPool(engine, nil, 1); !errors.Is(err, ErrEngineMismatch) {
			t.Errorf("got %v, want ErrEngineMismatch", err)
		}
	})

	t.Run("foreign module", func(t *testing.T) {
		stranger := testEngine(t)
		if _, err := NewPool(stranger, mod, 1); !errors.Is(err, ErrEngineMismatch) {
			t.Errorf("got %v, want ErrEngineMismatch", err)
		}
	})
}

func TestPool_ReusesInstances(t *testing.T) {
	pool, _ := testPool(t)
	defer pool.Close()
	ctx := context.Background()

	first, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	mustCall(t, first, 0, 0)

	if err := pool.Put(ctx, first); err != nil {
		t.Fatal(err)
	}
	if pool.Idle() != 1 {
		t.Fatalf("Idle = %d, want 1", pool.Idle())
	}

	second, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Error("expected the shelved instance back")
	}
	if pool.Idle() != 0 {
		t.Errorf("Idle = %d, want 0", pool.Idle())
	}
}

func TestPool_PutResetsState(t *testing.T) {
	pool, _ := testPool(t)
	defer pool.Close()
	ctx := context.Background()

	inst, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	// Dirty the counter, then recycle.
	mustCall(t, inst, 0, 0)
	mustCall(t, inst, 0, 0)
	if err := pool.Put(ctx, inst); err != nil {
		t.Fatal(err)
	}

	again, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	if !again.Fresh() {
		t.Error("recycled instance should be fresh")
	}
	if got := mustCall(t, again, 0, 0); got != 1 {
		t.Errorf("counter = %d, want 1 on a reset instance", got)
	}
}

func TestPool_CapacityOverflowCloses(t *testing.T) {
	pool, _ := testPool(t) // capacity 2
	defer pool.Close()
	ctx := context.Background()

	var out []*Instance
	for range 3 {
		inst, err := pool.Get()
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, inst)
	}
	for _, inst := range out {
		if err := pool.Put(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}
	if pool.Idle() != 2 {
		t.Fatalf("Idle = %d, want 2", pool.Idle())
	}

	// The overflow instance was closed, not shelved.
	if _, err := out[2].Call(ctx, 0, 0); !errors.Is(err, ErrInstanceClosed) {
		t.Errorf("got %v, want ErrInstanceClosed", err)
	}
}

func TestPool_RejectsForeignInstances(t *testing.T) {
	pool, engine := testPool(t)
	defer pool.Close()
	ctx := context.Background()

	otherMod, err := engine.NewModule(program(ret()))
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := engine.NewInstance(otherMod)
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Put(ctx, foreign); !errors.Is(err, ErrEngineMismatch) {
		t.Errorf("got %v, want ErrEngineMismatch", err)
	}

	if err := pool.Put(ctx, nil); err != nil {
		t.Errorf("Put(nil) = %v, want nil", err)
	}
}

func TestPool_PutSettlesPausedCall(t *testing.T) {
	st := store.NewMemStore()
	engine := testEngine(t, WithStore(st))
	mod, err := engine.NewModule(program(wordEbreak, ret()))
	if err != nil {
		t.Fatal(err)
	}
	pool, err := NewPool(engine, mod, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	ctx := context.Background()

	inst, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Call(ctx, 0, 0); !errors.Is(err, ErrBreakpoint) {
		t.Fatal(err)
	}

	// Returning a paused instance settles the call into a receipt.
	if err := pool.Put(ctx, inst); err != nil {
		t.Fatal(err)
	}
	recs, err := st.ListReceipts(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Status != "breakpoint" {
		t.Fatalf("receipts = %+v", recs)
	}

	again, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	if again.Paused() {
		t.Error("recycled instance should not be paused")
	}
}

func TestPool_Close(t *testing.T) {
	pool, _ := testPool(t)
	ctx := context.Background()

	shelved, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	checkedOut, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Put(ctx, shelved); err != nil {
		t.Fatal(err)
	}

	pool.Close()
	pool.Close() // idempotent

	if _, err := pool.Get(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Get after close: got %v, want ErrPoolClosed", err)
	}
	if _, err := shelved.Call(ctx, 0, 0); !errors.Is(err, ErrInstanceClosed) {
		t.Errorf("shelved instance: got %v, want ErrInstanceClosed", err)
	}

	// A checkout returned after close is closed on the way in.
	if err := pool.Put(ctx, checkedOut); err != nil {
		t.Fatal(err)
	}
	if _, err := checkedOut.Call(ctx, 0, 0); !errors.Is(err, ErrInstanceClosed) {
		t.Errorf("late return: got %v, want ErrInstanceClosed", err)
	}
}
