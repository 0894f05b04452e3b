package emit

// Event represents an observability event emitted during guest execution.
//
// Events provide detailed insight into virtual machine behavior:
//   - Call start/complete
//   - Syscalls crossing into the host
//   - Breakpoints, traps, and resumes
//   - Per-instruction traces when tracing is enabled
//   - Snapshot and replay operations
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Buffer in memory for inspection
type Event struct {
	// RunID identifies the call that emitted this event. Run IDs are
	// formed as "<instance-id>/<call-seq>".
	RunID string

	// Step is the number of instructions retired in the call when the
	// event was emitted. Zero for call-level events emitted before the
	// first instruction.
	Step uint64

	// PC is the guest program counter at the time of the event.
	PC uint32

	// Msg is a short machine-matchable event name such as "call_start",
	// "call_end", "call_error", "syscall", "breakpoint", "out_of_gas",
	// "resume", or "trace".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "gas": Remaining gas
	//   - "gas_used": Gas consumed by the call so far
	//   - "result": Call result value
	//   - "error": Error details
	//   - "instruction": Disassembled instruction text
	//   - "a7": Syscall number
	//   - "instance_id": Instance identifier
	//   - "module_hash": Module content hash
	Meta map[string]interface{}
}
