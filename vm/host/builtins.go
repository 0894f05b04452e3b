package host

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/riscv-go/vm"
)

// Builtin syscall numbers, matching the Linux riscv ABI so guests built
// against a minimal runtime work unmodified.
const (
	NumWrite uint32 = 64  // write(fd, ptr, len)
	NumExit  uint32 = 93  // exit(code)
	NumRand  uint32 = 278 // getrandom(ptr, len, flags)
	NumClock uint32 = 403 // clock_gettime64(clockid, ptr)
)

// DefaultRegistry builds a registry with the full builtin set: write to
// the given streams, exit, a deterministically seeded getrandom, and a
// real-time clock.
//
// The fixed getrandom seed keeps single-process runs reproducible; the
// real clock does not. Replace individual calls for stricter determinism.
func DefaultRegistry(stdout, stderr io.Writer, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	for num, call := range map[uint32]Call{
		NumWrite: NewWriteCall(stdout, stderr),
		NumExit:  ExitCall{},
		NumRand:  NewRandCall(1),
		NumClock: NewClockCall(),
	} {
		if err := r.Register(num, call); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// WriteCall services write(fd, ptr, len): it copies len bytes of guest
// memory at ptr to the stream selected by fd and returns the byte count.
//
// Only fd 1 (stdout) and fd 2 (stderr) are valid; other descriptors fail
// the syscall. Out-of-bounds reads fail it with the guest's memory error.
type WriteCall struct {
	stdout io.Writer
	stderr io.Writer
}

// NewWriteCall creates a write service for the two standard streams.
// nil writers discard their stream.
func NewWriteCall(stdout, stderr io.Writer) *WriteCall {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return &WriteCall{stdout: stdout, stderr: stderr}
}

// Name returns the call identifier.
func (c *WriteCall) Name() string { return "write" }

// Invoke copies guest bytes to the selected stream.
func (c *WriteCall) Invoke(_ context.Context, call *vm.SyscallContext) (uint32, error) {
	fd, ptr, n := call.Arg(0), call.Arg(1), call.Arg(2)

	var w io.Writer
	switch fd {
	case 1:
		w = c.stdout
	case 2:
		w = c.stderr
	default:
		return 0, fmt.Errorf("write: bad file descriptor %d", fd)
	}

	buf, err := call.Memory().ReadBytes(ptr, n)
	if err != nil {
		return 0, err
	}
	written, err := w.Write(buf)
	if err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	return uint32(written), nil
}

// ExitCall services exit(code): it settles the guest call successfully
// with a0 as the exit code. The instruction after the ECALL never runs.
type ExitCall struct{}

// Name returns the call identifier.
func (ExitCall) Name() string { return "exit" }

// Invoke ends the call by returning *vm.ExitError.
func (ExitCall) Invoke(_ context.Context, call *vm.SyscallContext) (uint32, error) {
	return 0, &vm.ExitError{Code: call.Arg(0)}
}

// RandCall services getrandom(ptr, len, flags): it fills len bytes of
// guest memory at ptr from a seeded PRNG and returns len. flags is
// accepted and ignored.
//
// The PRNG is seeded once at construction, so a given seed produces the
// same byte stream across runs. This keeps guests that consume randomness
// replayable; it is not cryptographic randomness.
type RandCall struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandCall creates a getrandom service seeded with seed.
func NewRandCall(seed uint64) *RandCall {
	return &RandCall{rng: rand.New(rand.NewPCG(seed, seed))}
}

// Name returns the call identifier.
func (c *RandCall) Name() string { return "getrandom" }

// Invoke fills guest memory with PRNG bytes.
func (c *RandCall) Invoke(_ context.Context, call *vm.SyscallContext) (uint32, error) {
	ptr, n := call.Arg(0), call.Arg(1)
	// Bound the fill buffer before allocating it; WriteBytes re-checks
	// ptr against the same limit.
	if n > call.Memory().Len() {
		return 0, fmt.Errorf("getrandom: %d bytes exceeds guest memory", n)
	}

	buf := make([]byte, n)
	c.mu.Lock()
	i := 0
	for ; i+8 <= len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], c.rng.Uint64())
	}
	if i < len(buf) {
		var tail [8]byte
		binary.LittleEndian.PutUint64(tail[:], c.rng.Uint64())
		copy(buf[i:], tail[:])
	}
	c.mu.Unlock()

	if err := call.Memory().WriteBytes(ptr, buf); err != nil {
		return 0, err
	}
	return n, nil
}

// ClockCall services clock_gettime64(clockid, ptr): it writes a
// __kernel_timespec (8-byte seconds, 8-byte nanoseconds, little-endian)
// to guest memory at ptr and returns 0. clockid is accepted and ignored.
//
// The default real clock makes calls that read time unreplayable; pin Now
// to a fixed instant when receipts must verify.
type ClockCall struct {
	// Now supplies the current time. nil means time.Now.
	Now func() time.Time
}

// NewClockCall creates a clock service backed by the real clock.
func NewClockCall() *ClockCall {
	return &ClockCall{Now: time.Now}
}

// Name returns the call identifier.
func (c *ClockCall) Name() string { return "clock_gettime" }

// Invoke writes the current time into guest memory as a timespec.
func (c *ClockCall) Invoke(_ context.Context, call *vm.SyscallContext) (uint32, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	t := now()

	var ts [16]byte
	binary.LittleEndian.PutUint64(ts[0:], uint64(t.Unix()))
	binary.LittleEndian.PutUint64(ts[8:], uint64(t.Nanosecond()))
	if err := call.Memory().WriteBytes(call.Arg(1), ts[:]); err != nil {
		return 0, err
	}
	return 0, nil
}
