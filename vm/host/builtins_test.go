package host

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dshills/riscv-go/vm"
)

func TestWriteCall(t *testing.T) {
	newWriteGuest := func(t *testing.T, stdout, stderr *bytes.Buffer, fd, ptr, n int32) *vm.Instance {
		t.Helper()
		registry := NewRegistry(nil)
		if err := registry.Register(NumWrite, NewWriteCall(stdout, stderr)); err != nil {
			t.Fatal(err)
		}
		return newGuest(t, registry, asm(
			addiWord(17, 0, int32(NumWrite)),
			addiWord(10, 0, fd),
			addiWord(11, 0, ptr),
			addiWord(12, 0, n),
			ecallWord,
			retWord,
		))
	}

	msg := "hello, guest\n"

	t.Run("stdout", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		inst := newWriteGuest(t, &stdout, &stderr, 1, 64, int32(len(msg)))
		if err := inst.Memory().WriteBytes(64, []byte(msg)); err != nil {
			t.Fatal(err)
		}

		got, err := inst.Call(context.Background(), 0, 0)
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		if got != uint32(len(msg)) {
			t.Errorf("result = %d, want byte count %d", got, len(msg))
		}
		if stdout.String() != msg {
			t.Errorf("stdout = %q, want %q", stdout.String(), msg)
		}
		if stderr.Len() != 0 {
			t.Errorf("stderr = %q, want empty", stderr.String())
		}
	})

	t.Run("stderr", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		inst := newWriteGuest(t, &stdout, &stderr, 2, 64, int32(len(msg)))
		if err := inst.Memory().WriteBytes(64, []byte(msg)); err != nil {
			t.Fatal(err)
		}

		if _, err := inst.Call(context.Background(), 0, 0); err != nil {
			t.Fatal(err)
		}
		if stderr.String() != msg {
			t.Errorf("stderr = %q, want %q", stderr.String(), msg)
		}
		if stdout.Len() != 0 {
			t.Errorf("stdout = %q, want empty", stdout.String())
		}
	})

	t.Run("bad file descriptor", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		inst := newWriteGuest(t, &stdout, &stderr, 3, 64, 4)

		_, err := inst.Call(context.Background(), 0, 0)
		if !errors.Is(err, vm.ErrSyscallFailed) {
			t.Fatalf("got %v, want ErrSyscallFailed", err)
		}
		if !strings.Contains(err.Error(), "bad file descriptor") {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("out of bounds read", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		// ptr -4 wraps to 0xFFFFFFFC, past the end of guest memory.
		inst := newWriteGuest(t, &stdout, &stderr, 1, -4, 4)

		_, err := inst.Call(context.Background(), 0, 0)
		if !errors.Is(err, vm.ErrMemoryOutOfBounds) {
			t.Errorf("got %v, want ErrMemoryOutOfBounds", err)
		}
	})
}

func TestExitCall(t *testing.T) {
	registry := NewRegistry(nil)
	if err := registry.Register(NumExit, ExitCall{}); err != nil {
		t.Fatal(err)
	}

	inst := newGuest(t, registry, asm(
		addiWord(17, 0, int32(NumExit)),
		addiWord(10, 0, 5),
		ecallWord,
		addiWord(10, 0, 1), // must never run
		retWord,
	))

	got, err := inst.Call(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != 5 {
		t.Errorf("result = %d, want exit code 5", got)
	}
}

func randGuest(t *testing.T, seed uint64, ptr, n int32) *vm.Instance {
	t.Helper()
	registry := NewRegistry(nil)
	if err := registry.Register(NumRand, NewRandCall(seed)); err != nil {
		t.Fatal(err)
	}
	return newGuest(t, registry, asm(
		addiWord(17, 0, int32(NumRand)),
		addiWord(10, 0, ptr),
		addiWord(11, 0, n),
		ecallWord,
		retWord,
	))
}

func TestRandCall(t *testing.T) {
	t.Run("fills memory deterministically", func(t *testing.T) {
		a := randGuest(t, 1, 32, 8)
		b := randGuest(t, 1, 32, 8)

		gotA, err := a.Call(context.Background(), 0, 0)
		if err != nil || gotA != 8 {
			t.Fatalf("Call = %d, %v", gotA, err)
		}
		if _, err := b.Call(context.Background(), 0, 0); err != nil {
			t.Fatal(err)
		}

		bufA, _ := a.Memory().ReadBytes(32, 8)
		bufB, _ := b.Memory().ReadBytes(32, 8)
		if !bytes.Equal(bufA, bufB) {
			t.Errorf("same seed diverged: %x vs %x", bufA, bufB)
		}
		if bytes.Equal(bufA, make([]byte, 8)) {
			t.Error("memory was not filled")
		}
	})

	t.Run("different seeds differ", func(t *testing.T) {
		a := randGuest(t, 1, 0, 8)
		b := randGuest(t, 2, 0, 8)
		a.Call(context.Background(), 0, 0)
		b.Call(context.Background(), 0, 0)

		bufA, _ := a.Memory().ReadBytes(0, 8)
		bufB, _ := b.Memory().ReadBytes(0, 8)
		if bytes.Equal(bufA, bufB) {
			t.Errorf("seeds 1 and 2 produced identical bytes %x", bufA)
		}
	})

	t.Run("partial tail", func(t *testing.T) {
		inst := randGuest(t, 1, 16, 5)
		got, err := inst.Call(context.Background(), 0, 0)
		if err != nil || got != 5 {
			t.Fatalf("Call = %d, %v", got, err)
		}
		after, _ := inst.Memory().ReadBytes(21, 3)
		if !bytes.Equal(after, []byte{0, 0, 0}) {
			t.Errorf("bytes past the fill were touched: %x", after)
		}
	})

	t.Run("oversize request", func(t *testing.T) {
		// len -1 wraps to 0xFFFFFFFF, larger than any guest memory.
		inst := randGuest(t, 1, 0, -1)
		_, err := inst.Call(context.Background(), 0, 0)
		if !errors.Is(err, vm.ErrSyscallFailed) {
			t.Fatalf("got %v, want ErrSyscallFailed", err)
		}
		if !strings.Contains(err.Error(), "exceeds guest memory") {
			t.Errorf("error = %v", err)
		}
	})
}

func TestClockCall(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 12, 30, 45, 987654321, time.UTC)
	registry := NewRegistry(nil)
	if err := registry.Register(NumClock, &ClockCall{Now: func() time.Time { return fixed }}); err != nil {
		t.Fatal(err)
	}

	inst := newGuest(t, registry, asm(
		addiWord(17, 0, int32(NumClock)),
		addiWord(10, 0, 0),   // clockid, ignored
		addiWord(11, 0, 128), // timespec pointer
		ecallWord,
		retWord,
	))

	got, err := inst.Call(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != 0 {
		t.Errorf("result = %d, want 0", got)
	}

	sec, err := inst.Memory().ReadUint32(128)
	if err != nil {
		t.Fatal(err)
	}
	secHi, _ := inst.Memory().ReadUint32(132)
	nsec, _ := inst.Memory().ReadUint32(136)
	if int64(sec) != fixed.Unix() || secHi != 0 {
		t.Errorf("seconds = %d (hi %d), want %d", sec, secHi, fixed.Unix())
	}
	if int(nsec) != fixed.Nanosecond() {
		t.Errorf("nanoseconds = %d, want %d", nsec, fixed.Nanosecond())
	}
}

func TestDefaultRegistry(t *testing.T) {
	var out bytes.Buffer
	registry, err := DefaultRegistry(&out, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		num  uint32
		name string
	}{
		{NumWrite, "write"},
		{NumExit, "exit"},
		{NumRand, "getrandom"},
		{NumClock, "clock_gettime"},
	} {
		call, ok := registry.Lookup(tt.num)
		if !ok {
			t.Errorf("syscall %d not registered", tt.num)
			continue
		}
		if call.Name() != tt.name {
			t.Errorf("syscall %d = %q, want %q", tt.num, call.Name(), tt.name)
		}
	}

	// End to end: print a byte and exit with its length.
	inst := newGuest(t, registry, asm(
		addiWord(5, 0, '!'),  // t0 = the byte
		0x00500023,           // sb t0, 0(x0)
		addiWord(17, 0, int32(NumWrite)),
		addiWord(10, 0, 1),
		addiWord(11, 0, 0),
		addiWord(12, 0, 1),
		ecallWord,
		addiWord(17, 0, int32(NumExit)),
		ecallWord, // exit with a0 = write's result
		retWord,
	))
	got, err := inst.Call(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != 1 {
		t.Errorf("exit code = %d, want 1", got)
	}
	if out.String() != "!" {
		t.Errorf("stdout = %q, want %q", out.String(), "!")
	}
}
