package vm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dshills/riscv-go/vm/emit"
	"github.com/dshills/riscv-go/vm/store"
)

// SyscallHandler services guest ECALL instructions.
//
// The guest places a syscall number in a7 and arguments in a0-a5, then
// executes ECALL. The engine suspends the guest and invokes the handler
// with a SyscallContext scoped to the calling instance. The handler reads
// arguments, optionally touches guest memory, and writes results back to
// a0/a1 before returning.
//
// Return values:
//   - nil: the syscall succeeded; execution continues after the ECALL.
//   - *ExitError: the guest requested termination; the call settles with
//     the exit code as its result.
//   - any other error: the call fails with ErrSyscallFailed wrapping the
//     handler error.
//
// The handler runs on the goroutine that called Call or Resume. The ctx is
// the caller's context; honor its cancellation in handlers that block.
type SyscallHandler func(ctx context.Context, call *SyscallContext) error

// Engine is the root configuration object for building and running guest
// modules. It is cheap to create, safe for concurrent use, and intended to
// be shared: typical applications create one Engine at startup and use it
// for every module and instance.
//
// The embedding workflow:
//
//	engine, err := vm.New(vm.WithDefaultGas(100_000))
//	module, err := engine.NewModule(codeBytes)   // validate + predecode once
//	instance, err := engine.NewInstance(module)  // private registers + memory
//	result, err := instance.Call(ctx, entryPC, arg)
//
// Modules are immutable and shareable across goroutines; instances are
// single-goroutine execution containers. Create one instance per concurrent
// call, or use a Pool to recycle them.
type Engine struct {
	cfg engineConfig

	// instanceSeq numbers instances created by this engine.
	instanceSeq atomic.Uint64
}

// New creates an Engine from functional options.
//
// Parameters:
//   - opts: Configuration options (see WithMaxMemory, WithDefaultGas,
//     WithSyscall, WithStore, WithEmitter, WithMetrics, WithGasCosts,
//     WithTrace, WithMaxCodeSize).
//
// Returns:
//   - *Engine: Ready-to-use engine.
//   - error: *ConfigError if any option carries an invalid value.
//
// With no options the engine runs unmetered with 1 MiB instance memory,
// a 64 KiB code limit, no persistence, and no syscall handler.
//
// Example:
//
//	engine, err := vm.New(
//	    vm.WithMaxMemory(256<<10),
//	    vm.WithDefaultGas(1_000_000),
//	    vm.WithStore(st),
//	    vm.WithEmitter(emit.NewLogEmitter(os.Stderr, false)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
func New(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Engine{cfg: cfg}, nil
}

// NewModule validates a RISC-V code image and prepares it for execution.
//
// Parameters:
//   - code: Raw RV32IM machine code, little-endian, 4-byte aligned length.
//
// Returns:
//   - *Module: Immutable, pre-decoded module keyed by content hash.
//   - error: ErrEmptyCode, ErrCodeMisaligned, or ErrCodeTooLarge.
//
// Validation is structural only: the image must be non-empty, a multiple
// of 4 bytes, and within the engine's code size limit. Unknown words are
// accepted here and trap as ErrInvalidInstruction only if executed, so
// images may carry data pools between functions.
func (e *Engine) NewModule(code []byte) (*Module, error) {
	return newModule(e, code)
}

// NewInstance creates an execution container for a module.
//
// Parameters:
//   - module: A module built by this engine's NewModule.
//
// Returns:
//   - *Instance: Fresh instance with zeroed registers, zeroed memory, and
//     a gas tank holding the engine's default gas.
//   - error: ErrEngineMismatch if the module came from a different engine.
//
// Instances are not safe for concurrent use. Each instance owns its
// registers and linear memory; instances of the same module share the
// module's code and decode cache.
func (e *Engine) NewInstance(module *Module) (*Instance, error) {
	if module == nil || module.engine != e {
		return nil, ErrEngineMismatch
	}
	inst := &Instance{
		engine:  e,
		module:  module,
		id:      fmt.Sprintf("inst-%06d", e.instanceSeq.Add(1)),
		mem:     newMemory(e.cfg.maxMemory),
		gas:     e.cfg.defaultGas,
		metered: e.cfg.defaultGas > 0,
		fresh:   true,
	}
	if e.cfg.metrics != nil {
		e.cfg.metrics.InstanceCreated()
	}
	return inst, nil
}

// Store returns the configured receipt store, or nil when persistence is
// disabled.
func (e *Engine) Store() store.Store {
	return e.cfg.store
}

// Emitter returns the configured event emitter (never nil).
func (e *Engine) Emitter() emit.Emitter {
	return e.cfg.emitter
}

// Metrics returns the configured Prometheus collector, or nil when metrics
// are disabled.
func (e *Engine) Metrics() *PrometheusMetrics {
	return e.cfg.metrics
}

// MaxMemory returns the data memory size, in bytes, of instances created
// by this engine.
func (e *Engine) MaxMemory() uint32 {
	return e.cfg.maxMemory
}

// MaxCodeSize returns the largest code image, in bytes, NewModule accepts.
func (e *Engine) MaxCodeSize() uint32 {
	return e.cfg.maxCodeSize
}

// DefaultGas returns the gas budget loaded into new instances. Zero means
// unmetered execution.
func (e *Engine) DefaultGas() uint64 {
	return e.cfg.defaultGas
}

// Costs returns a copy of the engine's gas cost table.
func (e *Engine) Costs() CostTable {
	return e.cfg.costs
}
