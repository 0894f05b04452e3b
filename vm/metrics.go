package vm

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics collection for
// guest execution monitoring in production environments.
//
// Metrics exposed (all namespaced with "riscv_"):
//
// 1. calls_total (counter): Settled guest calls.
// Labels: status.
// Use: Track call volume and failure mix.
//
// 2. call_gas_used (histogram): Gas consumed per call.
// Buckets: powers of 4 from 1 to ~1M.
// Use: Size gas budgets from observed consumption.
//
// 3. call_steps (histogram): Instructions retired per call.
// Buckets: powers of 4 from 1 to ~1M.
// Use: Spot runaway guests and estimate capacity.
//
// 4. call_latency_ms (histogram): Wall-clock call duration in milliseconds.
// Labels: status.
// Buckets: [1, 5, 10, 50, 100, 500, 1000, 5000, 10000].
// Use: P50/P95/P99 latency analysis.
//
// 5. instructions_total (counter): Instructions retired by mnemonic.
// Labels: mnemonic.
// Use: Workload profiling (ALU vs memory vs divide mix).
//
// 6. syscalls_total (counter): Syscalls dispatched to the host.
// Labels: number.
// Use: Track which host services guests exercise.
//
// 7. traps_total (counter): Fatal traps by kind.
// Labels: kind (invalid_instruction, memory_out_of_bounds, ...).
// Use: Alert on misbehaving guest code.
//
// 8. instances_active (gauge): Instances currently alive.
// Use: Monitor instance churn and pool sizing.
//
// Usage:
//
//	// Create metrics with custom registry.
//	registry := prometheus.NewRegistry()
//	metrics := vm.NewPrometheusMetrics(registry)
//
//	// Integrate with engine.
//	engine := vm.New(
//	    vm.WithMetrics(metrics),
//	)
//
//	// Metrics automatically update during execution.
//	// Expose via HTTP for Prometheus scraping:
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: All methods delegate to thread-safe Prometheus collectors.
type PrometheusMetrics struct {
	// Counter metrics (cumulative totals).
	calls        *prometheus.CounterVec
	instructions *prometheus.CounterVec
	syscalls     *prometheus.CounterVec
	traps        *prometheus.CounterVec

	// Histogram metrics (distribution observations).
	callGasUsed prometheus.Histogram
	callSteps   prometheus.Histogram
	callLatency *prometheus.HistogramVec

	// Gauge metrics (current value observations).
	instancesActive prometheus.Gauge

	// Registry holds all registered metrics.
	registry prometheus.Registerer

	// Mutex protects enabled toggling.
	mu sync.RWMutex

	// enabled controls whether metrics are recorded.
	enabled bool
}

// NewPrometheusMetrics creates and registers all guest execution metrics
// with the provided Prometheus registry.
//
// Parameters:
//   - registry: Prometheus registry to register metrics with (nil uses
//     prometheus.DefaultRegisterer).
//
// Returns:
//   - *PrometheusMetrics: Fully initialized metrics collector.
//
// All metrics are registered with namespace "riscv". Histograms use
// buckets sized for short interpreter calls (single instructions up to
// million-step loops).
//
// Example:
//
//	// Use custom registry (recommended for isolation).
//	registry := prometheus.NewRegistry()
//	metrics := vm.NewPrometheusMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.calls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riscv",
		Name:      "calls_total",
		Help:      "Settled guest calls by outcome status",
	}, []string{"status"}) // status: ok, out_of_gas, breakpoint, invalid_instruction, ...

	pm.callGasUsed = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "riscv",
		Name:      "call_gas_used",
		Help:      "Gas consumed per settled call",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 11), // 1 to ~1M
	})

	pm.callSteps = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "riscv",
		Name:      "call_steps",
		Help:      "Instructions retired per settled call",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 11), // 1 to ~1M
	})

	pm.callLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "riscv",
		Name:      "call_latency_ms",
		Help:      "Wall-clock call duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}, // 1ms to 10s
	}, []string{"status"})

	pm.instructions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riscv",
		Name:      "instructions_total",
		Help:      "Instructions retired by mnemonic",
	}, []string{"mnemonic"})

	pm.syscalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riscv",
		Name:      "syscalls_total",
		Help:      "Syscalls dispatched to the host by syscall number",
	}, []string{"number"})

	pm.traps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riscv",
		Name:      "traps_total",
		Help:      "Fatal traps by kind",
	}, []string{"kind"}) // kind: invalid_instruction, memory_out_of_bounds, pc_out_of_range, ...

	pm.instancesActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "riscv",
		Name:      "instances_active",
		Help:      "Instances currently alive",
	})

	return pm
}

// RecordCall records a settled call outcome.
//
// This updates calls_total, call_gas_used, call_steps, and
// call_latency_ms. Called once per Call or Resume return that settles
// the call.
//
// Parameters:
//   - status: Outcome status ("ok", "out_of_gas", ...).
//   - gasUsed: Total gas the call consumed.
//   - steps: Instructions the call retired.
//   - latency: Wall-clock call duration.
func (pm *PrometheusMetrics) RecordCall(status string, gasUsed, steps uint64, latency time.Duration) {
	if !pm.enabled {
		return
	}

	pm.calls.WithLabelValues(status).Inc()
	pm.callGasUsed.Observe(float64(gasUsed))
	pm.callSteps.Observe(float64(steps))
	pm.callLatency.WithLabelValues(status).Observe(float64(latency.Milliseconds()))
}

// RecordInstructions adds per-mnemonic retire counts.
//
// The interpreter accumulates counts in a local table during a call and
// flushes them here when the call settles, so the hot loop never touches
// a Prometheus collector.
//
// Parameters:
//   - mnemonic: Instruction mnemonic ("addi", "lw", ...).
//   - count: Number of retirements to add.
func (pm *PrometheusMetrics) RecordInstructions(mnemonic string, count uint64) {
	if !pm.enabled || count == 0 {
		return
	}

	pm.instructions.WithLabelValues(mnemonic).Add(float64(count))
}

// RecordSyscall increments the syscall counter for a syscall number.
//
// Parameters:
//   - number: Syscall number from register a7, formatted as decimal.
func (pm *PrometheusMetrics) RecordSyscall(number string) {
	if !pm.enabled {
		return
	}

	pm.syscalls.WithLabelValues(number).Inc()
}

// RecordTrap increments the trap counter for a trap kind.
//
// Parameters:
//   - kind: Trap kind ("invalid_instruction", "memory_out_of_bounds", ...).
func (pm *PrometheusMetrics) RecordTrap(kind string) {
	if !pm.enabled {
		return
	}

	pm.traps.WithLabelValues(kind).Inc()
}

// InstanceCreated increments the active instance gauge.
func (pm *PrometheusMetrics) InstanceCreated() {
	if !pm.enabled {
		return
	}

	pm.instancesActive.Inc()
}

// InstanceClosed decrements the active instance gauge.
func (pm *PrometheusMetrics) InstanceClosed() {
	if !pm.enabled {
		return
	}

	pm.instancesActive.Dec()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears gauge values (useful for testing).
// This does not unregister metrics from the registry.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.instancesActive.Set(0)
	// Note: Counters cannot be reset in Prometheus (cumulative by design).
	// Histograms also maintain cumulative observations.
}
