// Package host implements syscall dispatch for guest programs.
//
// Guests request host services with the ECALL instruction: a7 carries the
// syscall number and a0-a5 carry arguments, following the RISC-V Linux
// convention. A Registry maps numbers to Call implementations and adapts
// the whole table to a vm.SyscallHandler.
//
// The builtin set mirrors the Linux riscv syscall numbers guests compiled
// against a minimal runtime expect: write (64), exit (93), getrandom (278),
// and clock_gettime64 (403).
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/riscv-go/vm"
)

// ErrUnknownSyscall is returned when a guest requests a syscall number
// with no registered Call.
var ErrUnknownSyscall = errors.New("unknown syscall")

// Call is one host service a guest can request via ECALL.
//
// Implementations should:
//   - Validate arguments read from the SyscallContext
//   - Respect context cancellation on blocking work
//   - Touch guest memory only through SyscallContext.Memory
//   - Return *vm.ExitError to end the call with an exit code
//
// Example implementation:
//
//	type PutcharCall struct{ W io.Writer }
//
//	func (c *PutcharCall) Name() string { return "putchar" }
//
//	func (c *PutcharCall) Invoke(ctx context.Context, call *vm.SyscallContext) (uint32, error) {
//	    _, err := c.W.Write([]byte{byte(call.Arg(0))})
//	    return 0, err
//	}
type Call interface {
	// Name returns a short identifier used in logs ("write", "exit").
	Name() string

	// Invoke services one syscall. The returned value is written to the
	// guest's a0. A returned error traps the call unless it is a
	// *vm.ExitError, which settles the call with the exit code.
	Invoke(ctx context.Context, call *vm.SyscallContext) (uint32, error)
}

// Registry maps syscall numbers to Call implementations.
//
// Register the services a guest may use, then hand Handler() to the
// engine:
//
//	registry := host.NewRegistry(logger)
//	registry.Register(host.NumWrite, host.NewWriteCall(os.Stdout))
//	registry.Register(host.NumExit, host.ExitCall{})
//
//	engine, err := vm.New(vm.WithSyscall(registry.Handler()))
//
// Registry is safe for concurrent use; Invoke implementations must be
// thread-safe themselves when instances run in parallel.
type Registry struct {
	mu    sync.RWMutex
	calls map[uint32]Call
	log   *zap.Logger
}

// NewRegistry creates an empty syscall registry.
//
// Parameters:
//   - logger: Destination for per-syscall debug logs and failure warnings.
//     nil disables logging.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		calls: make(map[uint32]Call),
		log:   logger,
	}
}

// Register binds a syscall number to a Call.
//
// Numbers must be unique; registering a number twice returns an error so
// misconfigured hosts fail at setup rather than dispatch time.
func (r *Registry) Register(num uint32, call Call) error {
	if call == nil {
		return fmt.Errorf("register syscall %d: nil call", num)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.calls[num]; ok {
		return fmt.Errorf("register syscall %d: already bound to %q", num, existing.Name())
	}
	r.calls[num] = call
	return nil
}

// Lookup returns the Call bound to a syscall number.
func (r *Registry) Lookup(num uint32) (Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	call, ok := r.calls[num]
	return call, ok
}

// Numbers returns the registered syscall numbers, unordered.
func (r *Registry) Numbers() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nums := make([]uint32, 0, len(r.calls))
	for num := range r.calls {
		nums = append(nums, num)
	}
	return nums
}

// Handler adapts the registry to a vm.SyscallHandler for vm.WithSyscall.
//
// Dispatch behavior:
//   - Unknown numbers return ErrUnknownSyscall, trapping the guest.
//   - A successful Invoke writes its result to the guest's a0.
//   - *vm.ExitError passes through untouched so the engine settles the
//     call with the exit code.
//   - Other Invoke errors are logged and trap the call.
func (r *Registry) Handler() vm.SyscallHandler {
	return func(ctx context.Context, call *vm.SyscallContext) error {
		num := call.Number()
		c, ok := r.Lookup(num)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownSyscall, num)
		}

		result, err := c.Invoke(ctx, call)
		if err != nil {
			var exit *vm.ExitError
			if errors.As(err, &exit) {
				r.log.Debug("guest exit",
					zap.String("instance", call.InstanceID()),
					zap.Uint32("code", exit.Code),
				)
				return err
			}
			r.log.Warn("syscall failed",
				zap.String("instance", call.InstanceID()),
				zap.String("call", c.Name()),
				zap.Uint32("number", num),
				zap.Error(err),
			)
			return err
		}

		call.SetResult(result)
		r.log.Debug("syscall",
			zap.String("instance", call.InstanceID()),
			zap.String("call", c.Name()),
			zap.Uint32("number", num),
			zap.Uint32("result", result),
		)
		return nil
	}
}
