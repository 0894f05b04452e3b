package vm

import (
	"github.com/dshills/riscv-go/vm/emit"
	"github.com/dshills/riscv-go/vm/store"
)

// Option is a functional option for configuring an Engine.
//
// Functional options provide a clean, extensible API for engine configuration:
//   - Chainable: engine, err := New(WithMaxMemory(1<<20), WithDefaultGas(100_000))
//   - Self-documenting: Option names clearly describe their purpose.
//   - Optional: Only specify the configuration you need.
//
// Example:
//
//	engine, err := vm.New(
//	    vm.WithMaxMemory(1<<20),
//	    vm.WithDefaultGas(1_000_000),
//	    vm.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
//	)
type Option func(*engineConfig) error

// engineConfig is an internal struct used to collect options before applying
// them to an Engine. This indirection allows validation and composition of
// options.
type engineConfig struct {
	maxMemory   uint32
	maxCodeSize uint32
	defaultGas  uint64
	costs       CostTable
	syscall     SyscallHandler
	store       store.Store
	emitter     emit.Emitter
	metrics     *PrometheusMetrics
	trace       bool
}

// Default engine limits. Both can be raised per engine with WithMaxMemory
// and WithMaxCodeSize.
const (
	// DefaultMaxMemory is the default guest data memory size in bytes (1 MiB).
	DefaultMaxMemory = 1 << 20

	// DefaultMaxCodeSize is the default code segment limit in bytes (64 KiB).
	DefaultMaxCodeSize = 1 << 16

	// maxMemoryLimit caps configurable guest memory at 1 GiB. Larger guests
	// should map data in through syscalls instead of linear memory.
	maxMemoryLimit = 1 << 30
)

// defaultConfig returns the engine configuration used when no options are given.
func defaultConfig() engineConfig {
	return engineConfig{
		maxMemory:   DefaultMaxMemory,
		maxCodeSize: DefaultMaxCodeSize,
		defaultGas:  0, // unmetered
		costs:       DefaultCosts(),
		emitter:     emit.NewNullEmitter(),
	}
}

// WithMaxMemory sets the data memory size in bytes for instances created by
// this engine.
//
// Default: DefaultMaxMemory (1 MiB). Maximum: 1 GiB.
//
// Every instance owns a private linear memory of exactly this size, zeroed
// at instantiation. Guests address it from 0 to size-1; any access past the
// end traps with ErrMemoryOutOfBounds.
//
// Sizing guidance:
//   - Pure compute guests (checksums, codecs): 64 KiB is plenty.
//   - Guests that parse or build buffers: size for peak working set.
//   - Pooled instances: memory is allocated per instance, so total
//     footprint is size × pool capacity.
//
// Example:
//
//	engine, err := vm.New(
//	    vm.WithMaxMemory(256 << 10), // 256 KiB per instance
//	)
func WithMaxMemory(n uint32) Option {
	return func(cfg *engineConfig) error {
		if n == 0 {
			return &ConfigError{Option: "WithMaxMemory", Reason: "must be greater than zero"}
		}
		if n > maxMemoryLimit {
			return &ConfigError{Option: "WithMaxMemory", Reason: "exceeds 1 GiB limit"}
		}
		cfg.maxMemory = n
		return nil
	}
}

// WithMaxCodeSize sets the maximum accepted code segment size in bytes.
//
// Default: DefaultMaxCodeSize (64 KiB).
//
// NewModule rejects images larger than this with ErrCodeTooLarge. The limit
// bounds both the pre-decoded instruction cache and the blast radius of a
// hostile image.
//
// Example:
//
//	engine, err := vm.New(
//	    vm.WithMaxCodeSize(1 << 20), // accept images up to 1 MiB
//	)
func WithMaxCodeSize(n uint32) Option {
	return func(cfg *engineConfig) error {
		if n == 0 {
			return &ConfigError{Option: "WithMaxCodeSize", Reason: "must be greater than zero"}
		}
		cfg.maxCodeSize = n
		return nil
	}
}

// WithDefaultGas sets the gas budget loaded into each new instance's tank.
//
// Default: 0 (unmetered - instances execute without gas accounting).
//
// When non-zero, every instruction deducts its cost before executing. A
// call that exhausts the tank pauses with an out_of_gas result; top up with
// Instance.SetGas and continue with Resume. The tank persists across calls
// on the same instance.
//
// Recommended values:
//   - Untrusted third-party code: 10_000-100_000 per call, topped up per request.
//   - Trusted plugins with loop bugs possible: 1_000_000-10_000_000.
//   - Fully trusted code: 0 (unmetered) and rely on context cancellation.
//
// Example:
//
//	engine, err := vm.New(
//	    vm.WithDefaultGas(100_000),
//	)
func WithDefaultGas(n uint64) Option {
	return func(cfg *engineConfig) error {
		cfg.defaultGas = n
		return nil
	}
}

// WithGasCosts overrides the per-instruction gas cost table.
//
// Default: DefaultCosts() (ALU 1, memory 2, multiply 4, divide 16, ecall 32).
//
// Use this to re-weight instruction classes for your billing model, or to
// make every instruction cost 1 for simple step counting.
//
// Example:
//
//	costs := vm.DefaultCosts()
//	costs[vm.OpEcall] = 1000 // make host calls expensive
//	engine, err := vm.New(
//	    vm.WithDefaultGas(1_000_000),
//	    vm.WithGasCosts(costs),
//	)
func WithGasCosts(costs CostTable) Option {
	return func(cfg *engineConfig) error {
		cfg.costs = costs
		return nil
	}
}

// WithSyscall installs the host syscall handler invoked on every guest ECALL.
//
// Default: nil (any ECALL traps with ErrNoSyscallHandler).
//
// The handler receives a SyscallContext exposing the calling instance's
// registers and memory. Handler errors fail the call with ErrSyscallFailed
// unless the error is an *ExitError, which settles the call cleanly with
// the exit code as the result.
//
// For a ready-made dispatcher with write/exit/rand/time services, see the
// host package:
//
//	registry, err := host.DefaultRegistry(os.Stdout, os.Stderr, logger)
//	engine, err := vm.New(
//	    vm.WithSyscall(registry.Handler()),
//	)
func WithSyscall(handler SyscallHandler) Option {
	return func(cfg *engineConfig) error {
		cfg.syscall = handler
		return nil
	}
}

// WithStore enables receipt and snapshot persistence.
//
// Default: nil (no persistence - calls still work, nothing is recorded).
//
// When set, every settled call writes a store.Receipt and Instance.Snapshot
// persists through the store. Use store.NewMemStore for tests,
// store.NewSQLiteStore for single-node durability, or store.NewMySQLStore
// for shared deployments.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./receipts.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//	engine, err := vm.New(
//	    vm.WithStore(st),
//	)
func WithStore(st store.Store) Option {
	return func(cfg *engineConfig) error {
		cfg.store = st
		return nil
	}
}

// WithEmitter sets the event emitter for execution observability.
//
// Default: emit.NewNullEmitter() (no-op).
//
// The engine emits call_start, call_end, call_error, syscall, breakpoint,
// and resume events, plus per-instruction trace events when WithTrace is
// enabled. See the emit package for log, buffered, and OpenTelemetry
// emitters.
//
// Example:
//
//	engine, err := vm.New(
//	    vm.WithEmitter(emit.NewLogEmitter(os.Stdout, true)), // JSON lines
//	)
func WithEmitter(emitter emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if emitter == nil {
			return &ConfigError{Option: "WithEmitter", Reason: "emitter must not be nil"}
		}
		cfg.emitter = emitter
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Metrics enable production monitoring with 8 key metrics:
//   - calls_total: Settled calls by status
//   - call_gas_used: Gas consumption distribution
//   - call_steps: Instructions retired per call
//   - call_latency_ms: Call duration histogram
//   - instructions_total: Retired instructions by mnemonic
//   - syscalls_total: Host syscalls by number
//   - traps_total: Fatal traps by kind
//   - instances_active: Live instance gauge
//
// All metrics are automatically updated during execution.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := vm.NewPrometheusMetrics(registry)
//	engine, err := vm.New(
//	    vm.WithMetrics(metrics),
//	)
//
//	// Expose metrics endpoint
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithTrace enables per-instruction trace events.
//
// Default: false.
//
// When enabled, the interpreter emits a trace event for every retired
// instruction with the disassembly in Meta["instruction"]. This is
// invaluable for debugging guest code and unbearably chatty for anything
// else; expect a 10-50x slowdown with a real emitter attached.
//
// Example:
//
//	buf := emit.NewBufferedEmitter()
//	engine, err := vm.New(
//	    vm.WithEmitter(buf),
//	    vm.WithTrace(true),
//	)
func WithTrace(enabled bool) Option {
	return func(cfg *engineConfig) error {
		cfg.trace = enabled
		return nil
	}
}
