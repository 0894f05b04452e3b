package vm

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the virtual machine. Callers should match
// them with errors.Is; execution faults arrive wrapped in a *Trap that
// carries the faulting pc, word, and step.
var (
	// ErrInvalidInstruction indicates the program reached a word that is
	// not a supported RV32IM instruction.
	ErrInvalidInstruction = errors.New("invalid instruction")

	// ErrOutOfGas indicates the instance's gas tank ran dry. The call can
	// be resumed after SetGas.
	ErrOutOfGas = errors.New("out of gas")

	// ErrMemoryOutOfBounds indicates a load or store outside the
	// instance's linear memory.
	ErrMemoryOutOfBounds = errors.New("memory access out of bounds")

	// ErrPCOutOfRange indicates the program counter left the code region
	// without landing on the return sentinel.
	ErrPCOutOfRange = errors.New("program counter out of range")

	// ErrPCMisaligned indicates a jump or branch produced a program
	// counter that is not 4-byte aligned.
	ErrPCMisaligned = errors.New("program counter misaligned")

	// ErrEngineMismatch indicates a module and an instance were created
	// by different engines.
	ErrEngineMismatch = errors.New("module and instance belong to different engines")

	// ErrEmptyCode indicates a module was built from zero bytes of code.
	ErrEmptyCode = errors.New("code is empty")

	// ErrCodeTooLarge indicates the code exceeds the engine's configured
	// maximum code size.
	ErrCodeTooLarge = errors.New("code exceeds maximum size")

	// ErrCodeMisaligned indicates the code length is not a multiple of 4.
	ErrCodeMisaligned = errors.New("code length not a multiple of 4")

	// ErrNoSyscallHandler indicates the program executed ECALL but the
	// engine has no syscall handler configured.
	ErrNoSyscallHandler = errors.New("no syscall handler configured")

	// ErrSyscallFailed wraps an error returned by the host syscall
	// handler.
	ErrSyscallFailed = errors.New("syscall failed")

	// ErrBreakpoint indicates the program executed EBREAK. The call is
	// paused and can be continued with Resume.
	ErrBreakpoint = errors.New("breakpoint")

	// ErrCallInProgress indicates an operation that requires a settled
	// instance was attempted while a call is paused.
	ErrCallInProgress = errors.New("call in progress")

	// ErrNoCall indicates Resume was invoked with no paused call.
	ErrNoCall = errors.New("no call to resume")

	// ErrSnapshotMismatch indicates a snapshot was restored into an
	// instance whose module or memory shape does not match.
	ErrSnapshotMismatch = errors.New("snapshot does not match instance")

	// ErrReplayUnsupported indicates the receipt cannot be replayed
	// because its call did not start from fresh memory.
	ErrReplayUnsupported = errors.New("receipt not eligible for replay")

	// ErrPoolClosed indicates the instance pool has been closed.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrInstanceClosed indicates an operation on a closed instance.
	ErrInstanceClosed = errors.New("instance is closed")

	// ErrModuleMismatch indicates an operation was given a module whose
	// content hash does not match the receipt or snapshot it must serve.
	ErrModuleMismatch = errors.New("module hash mismatch")

	// ErrNoStore indicates an operation that requires persistence was
	// invoked on an engine configured without a store.
	ErrNoStore = errors.New("no store configured")
)

// ConfigError reports an invalid engine option.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid option %s: %s", e.Option, e.Reason)
}

// MemoryError reports an out-of-bounds memory access. It wraps
// ErrMemoryOutOfBounds so errors.Is matching works.
type MemoryError struct {
	Op   string // "read" or "write"
	Addr uint32 // requested address
	Size uint32 // access width in bytes
	Len  uint32 // memory length
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("memory %s of %d bytes at 0x%08x out of bounds (memory is %d bytes)",
		e.Op, e.Size, e.Addr, e.Len)
}

func (e *MemoryError) Unwrap() error { return ErrMemoryOutOfBounds }

// Trap describes a fault raised during execution. PC and Word identify the
// faulting instruction, Step is the number of instructions retired in the
// call when the fault occurred, and Err is the underlying sentinel.
type Trap struct {
	PC   uint32
	Word uint32
	Step uint64
	Err  error
}

func (t *Trap) Error() string {
	return fmt.Sprintf("trap at pc=0x%08x step=%d (%s): %v", t.PC, t.Step, Decode(t.Word), t.Err)
}

func (t *Trap) Unwrap() error { return t.Err }

// ExitError is returned by a syscall handler to end the current call.
// The call completes normally and Code becomes the call result.
type ExitError struct {
	Code uint32
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("guest exit with code %d", e.Code)
}
