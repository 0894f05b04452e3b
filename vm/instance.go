package vm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/riscv-go/vm/emit"
	"github.com/dshills/riscv-go/vm/store"
)

// ABI register indices. The call convention follows the RISC-V standard
// calling convention for the registers it touches.
const (
	regRA = 1  // x1: return address
	regSP = 2  // x2: stack pointer
	regA0 = 10 // x10: first argument / result
	regA1 = 11 // x11: second argument / second result
	regA7 = 17 // x17: syscall number
)

// Call outcome statuses recorded in receipts and metrics.
const (
	statusOK                 = "ok"
	statusOutOfGas           = "out_of_gas"
	statusBreakpoint         = "breakpoint"
	statusInvalidInstruction = "invalid_instruction"
	statusMemoryOutOfBounds  = "memory_out_of_bounds"
	statusPCOutOfRange       = "pc_out_of_range"
	statusPCMisaligned       = "pc_misaligned"
	statusSyscallFailed      = "syscall_failed"
	statusNoSyscallHandler   = "no_syscall_handler"
	statusCanceled           = "canceled"
)

// statusFromTrap maps a trap error to its receipt status.
func statusFromTrap(err error) string {
	switch {
	case errors.Is(err, ErrMemoryOutOfBounds):
		return statusMemoryOutOfBounds
	case errors.Is(err, ErrPCOutOfRange):
		return statusPCOutOfRange
	case errors.Is(err, ErrPCMisaligned):
		return statusPCMisaligned
	case errors.Is(err, ErrNoSyscallHandler):
		return statusNoSyscallHandler
	case errors.Is(err, ErrSyscallFailed):
		return statusSyscallFailed
	default:
		return statusInvalidInstruction
	}
}

// CallStatus maps the error returned by Call or Resume to the status string
// recorded in the call's receipt: "ok" for nil, "out_of_gas" or "breakpoint"
// for pauses, the trap kind for fatal guest faults, and "canceled" for
// context cancellation. Errors that do not correspond to a call outcome
// (ErrCallInProgress, ErrInstanceClosed, store failures) map to "".
func CallStatus(err error) string {
	var t *Trap
	switch {
	case err == nil:
		return statusOK
	case errors.As(err, &t):
		return statusFromTrap(err)
	case errors.Is(err, ErrOutOfGas):
		return statusOutOfGas
	case errors.Is(err, ErrBreakpoint):
		return statusBreakpoint
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return statusCanceled
	default:
		return ""
	}
}

// Instance is a single execution container: one set of registers, one
// program counter, one private linear memory, and one gas tank, bound to
// an immutable Module.
//
// Instances are NOT safe for concurrent use. Run one call at a time per
// instance; create multiple instances (or use a Pool) for parallelism.
//
// State persists across calls: registers, memory, and the gas tank carry
// over, so guests can keep counters or caches in memory between calls.
// Use Reset for a pristine instance without paying instantiation cost.
type Instance struct {
	engine  *Engine
	module  *Module
	id      string
	regs    [32]uint32
	pc      uint32
	mem     *Memory
	gas     uint64
	metered bool
	fresh   bool
	closed  bool
	callSeq uint64
	call    *callState

	// lastSteps, lastGasUsed, and lastReceiptID describe the most recently
	// settled call: its retired instruction count, total gas cost, and the
	// receipt recorded for it ("" when the engine has no store).
	lastSteps     uint64
	lastGasUsed   uint64
	lastReceiptID string

	// ephemeral instances (replay runs) skip receipts and metrics so
	// verification does not pollute the record it is checking.
	ephemeral bool
}

// callState tracks one in-flight (possibly paused) call.
type callState struct {
	runID    string
	entryPC  uint32
	arg      uint32
	sentinel uint32
	start    time.Time
	steps    uint64
	gasUsed  uint64
	fresh    bool
	paused   string
	opCounts [opCount]uint64
}

// SyscallContext exposes the calling instance to a SyscallHandler.
//
// All accessors operate on live instance state: SetResult is immediately
// visible to the guest when execution continues, and Memory() aliases the
// guest's linear memory.
type SyscallContext struct {
	inst   *Instance
	number uint32
}

// Number returns the syscall number the guest placed in a7.
func (c *SyscallContext) Number() uint32 {
	return c.number
}

// Arg returns syscall argument n (0-5), read from registers a0-a5.
// Out-of-range indices return 0.
func (c *SyscallContext) Arg(n int) uint32 {
	if n < 0 || n > 5 {
		return 0
	}
	return c.inst.regs[regA0+n]
}

// SetResult writes the primary syscall result to a0.
func (c *SyscallContext) SetResult(v uint32) {
	c.inst.regs[regA0] = v
}

// SetResult2 writes the secondary syscall result to a1.
func (c *SyscallContext) SetResult2(v uint32) {
	c.inst.regs[regA1] = v
}

// Memory returns the calling instance's linear memory.
func (c *SyscallContext) Memory() *Memory {
	return c.inst.mem
}

// PC returns the address of the ECALL instruction being serviced.
func (c *SyscallContext) PC() uint32 {
	return c.inst.pc
}

// Gas returns the instance's remaining gas.
func (c *SyscallContext) Gas() uint64 {
	return c.inst.gas
}

// InstanceID returns the calling instance's identifier.
func (c *SyscallContext) InstanceID() string {
	return c.inst.id
}

// ID returns the instance identifier, unique within its engine.
func (i *Instance) ID() string {
	return i.id
}

// Module returns the module this instance executes.
func (i *Instance) Module() *Module {
	return i.module
}

// Memory returns the instance's linear memory.
//
// The handle is live: host writes through it are visible to the guest.
// Taking the handle marks the instance as no longer fresh, since the
// engine cannot tell whether the host mutated memory through it.
func (i *Instance) Memory() *Memory {
	i.fresh = false
	return i.mem
}

// Reg returns the value of register r. Register 0 always reads as 0.
// r must be in [0, 31].
func (i *Instance) Reg(r int) uint32 {
	return i.regs[r]
}

// SetReg writes register r. Writes to register 0 are ignored, preserving
// the hardwired zero. r must be in [0, 31]. Marks the instance as no
// longer fresh.
func (i *Instance) SetReg(r int, v uint32) {
	if r == 0 {
		return
	}
	i.regs[r] = v
	i.fresh = false
}

// PC returns the current program counter.
func (i *Instance) PC() uint32 {
	return i.pc
}

// SetPC moves the program counter. Marks the instance as no longer fresh.
func (i *Instance) SetPC(pc uint32) {
	i.pc = pc
	i.fresh = false
}

// Gas returns the remaining gas in the tank.
func (i *Instance) Gas() uint64 {
	return i.gas
}

// SetGas sets the gas tank to n. Used to top up a call paused on
// ErrOutOfGas before Resume. Has no effect on execution when the engine
// was built unmetered.
func (i *Instance) SetGas(n uint64) {
	i.gas = n
}

// Metered reports whether this instance deducts gas per instruction.
func (i *Instance) Metered() bool {
	return i.metered
}

// Fresh reports whether the instance is in its pristine post-instantiation
// (or post-Reset) state with no calls run and no host mutation. Receipts
// record this flag, and only calls made on fresh instances are eligible
// for replay verification.
func (i *Instance) Fresh() bool {
	return i.fresh
}

// Paused reports whether a call is suspended on this instance awaiting
// Resume or Reset.
func (i *Instance) Paused() bool {
	return i.call != nil
}

// LastSteps returns the retired instruction count of the most recently
// settled call, or 0 before any call settles.
func (i *Instance) LastSteps() uint64 {
	return i.lastSteps
}

// LastGasUsed returns the total gas cost of the most recently settled
// call's retired instructions. The cost accrues on unmetered instances
// too; only the tank deduction depends on metering.
func (i *Instance) LastGasUsed() uint64 {
	return i.lastGasUsed
}

// LastReceiptID returns the ID of the receipt written for the most
// recently settled call. Empty when the engine has no store or before
// any call settles.
func (i *Instance) LastReceiptID() string {
	return i.lastReceiptID
}

// Close releases the instance for metrics purposes. Idempotent. A paused
// call is abandoned without a receipt; Reset first to settle it.
func (i *Instance) Close() {
	if i.closed {
		return
	}
	i.closed = true
	if m := i.engine.cfg.metrics; m != nil {
		m.InstanceClosed()
	}
}

// Call runs the guest function at entryPC with a single argument.
//
// The call convention:
//   - a0 (x10) receives arg.
//   - sp (x2) is set to the top of memory (memory length).
//   - ra (x1) is set to the return sentinel, the address one past the end
//     of the code segment.
//   - pc jumps to entryPC.
//
// The guest returns by jumping to ra (a standard `ret`); the value left
// in a0 becomes the call result. Other registers and all of memory carry
// whatever state earlier calls or host writes left behind.
//
// Parameters:
//   - ctx: Cancellation context, checked every 1024 instructions. A
//     canceled context settles the call with status "canceled".
//   - entryPC: Entry offset into the code segment (4-byte aligned).
//   - arg: Value delivered in a0.
//
// Returns:
//   - uint32: The guest's a0 at return, or the exit code when the guest
//     settled through an exit syscall.
//   - error: nil on success. ErrOutOfGas and ErrBreakpoint indicate a
//     resumable pause: the call stays in place and Resume continues it.
//     *Trap wraps fatal guest faults. ErrCallInProgress, ErrPCOutOfRange,
//     ErrPCMisaligned, and ErrInstanceClosed reject the call before it
//     starts.
//
// Every settled call (success, fatal trap, or cancellation) writes a
// receipt when the engine has a store. Pauses write no receipt; the call
// is still in flight.
//
// Example:
//
//	result, err := inst.Call(ctx, 0, 41)
//	for errors.Is(err, vm.ErrOutOfGas) {
//	    inst.SetGas(100_000)
//	    result, err = inst.Resume(ctx)
//	}
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result)
func (i *Instance) Call(ctx context.Context, entryPC, arg uint32) (uint32, error) {
	if i.closed {
		return 0, ErrInstanceClosed
	}
	if i.call != nil {
		return 0, ErrCallInProgress
	}
	if entryPC >= i.module.Size() {
		return 0, fmt.Errorf("%w: entry pc 0x%08x outside %d byte code segment", ErrPCOutOfRange, entryPC, i.module.Size())
	}
	if entryPC&3 != 0 {
		return 0, fmt.Errorf("%w: entry pc 0x%08x", ErrPCMisaligned, entryPC)
	}

	i.callSeq++
	cs := &callState{
		runID:    fmt.Sprintf("%s/%d", i.id, i.callSeq),
		entryPC:  entryPC,
		arg:      arg,
		sentinel: i.module.Size(),
		start:    time.Now(),
		fresh:    i.fresh,
	}
	i.call = cs
	i.fresh = false

	i.regs[regRA] = cs.sentinel
	i.regs[regSP] = i.mem.Len()
	i.regs[regA0] = arg
	i.pc = entryPC

	meta := map[string]interface{}{
		"instance_id": i.id,
		"module_hash": i.module.hash,
		"arg":         arg,
	}
	if i.metered {
		meta["gas"] = i.gas
	}
	i.emit(cs, entryPC, "call_start", meta)

	return i.run(ctx)
}

// Resume continues a call paused on ErrOutOfGas or ErrBreakpoint.
//
// Top up the tank with SetGas before resuming a gas pause, or the call
// pauses again on the same instruction. Resuming a breakpoint continues
// with the instruction after the EBREAK.
//
// Returns the same way Call does: result on settle, pause sentinel errors
// on another pause, ErrNoCall when nothing is suspended.
func (i *Instance) Resume(ctx context.Context) (uint32, error) {
	if i.closed {
		return 0, ErrInstanceClosed
	}
	if i.call == nil {
		return 0, ErrNoCall
	}
	cs := i.call
	cs.paused = ""

	meta := map[string]interface{}{"instance_id": i.id}
	if i.metered {
		meta["gas"] = i.gas
	}
	i.emit(cs, i.pc, "resume", meta)

	return i.run(ctx)
}

// Reset returns the instance to its pristine state: registers and memory
// zeroed, pc 0, freshness restored. The gas tank is left as-is.
//
// A paused call is settled first with its pause status ("out_of_gas" or
// "breakpoint"), writing a receipt when the engine has a store. The ctx
// covers that receipt write.
func (i *Instance) Reset(ctx context.Context) error {
	if i.closed {
		return ErrInstanceClosed
	}
	if cs := i.call; cs != nil {
		if _, err := i.settle(ctx, cs.paused, 0, nil); err != nil {
			return err
		}
	}
	i.regs = [32]uint32{}
	i.pc = 0
	i.mem.zero()
	i.fresh = true
	return nil
}

// StateHash returns a deterministic digest of the instance's architectural
// state: all 32 registers, the pc, and every byte of memory, in the form
// "sha256:<hex>". Receipts record the hash at settle time; replay
// verification recomputes and compares it.
func (i *Instance) StateHash() string {
	h := sha256.New()
	var buf [4]byte
	for _, r := range i.regs {
		binary.LittleEndian.PutUint32(buf[:], r)
		h.Write(buf[:])
	}
	binary.LittleEndian.PutUint32(buf[:], i.pc)
	h.Write(buf[:])
	h.Write(i.mem.data)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// run drives the fetch/decode/execute loop until the call settles or
// pauses. The decode step is a table lookup: the module predecoded every
// word at build time.
func (i *Instance) run(ctx context.Context) (uint32, error) {
	cs := i.call
	size := i.module.Size()

	for {
		if cs.steps&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return i.settle(ctx, statusCanceled, 0, fmt.Errorf("canceled after %d steps: %w", cs.steps, err))
			}
		}

		pc := i.pc
		if pc == cs.sentinel {
			return i.settle(ctx, statusOK, i.regs[regA0], nil)
		}
		if pc >= size {
			return i.settle(ctx, statusPCOutOfRange, 0, i.trap(pc, 0, fmt.Errorf("%w: pc outside %d byte code segment", ErrPCOutOfRange, size)))
		}
		if pc&3 != 0 {
			return i.settle(ctx, statusPCMisaligned, 0, i.trap(pc, 0, ErrPCMisaligned))
		}

		insn := i.module.instruction(pc)
		if insn.Op == OpUnsupported {
			return i.settle(ctx, statusInvalidInstruction, 0, i.trap(pc, insn.Word, ErrInvalidInstruction))
		}

		// Gas is charged before the instruction executes. On an empty
		// tank the pause leaves pc, registers, and the tank untouched so
		// Resume retries the same instruction. The cost accrues into the
		// call's gas-used total even unmetered, so receipts and replay
		// reports carry it regardless of the engine's budget.
		cost := i.engine.cfg.costs.Cost(insn.Op)
		if i.metered {
			if i.gas < cost {
				cs.paused = statusOutOfGas
				i.emit(cs, pc, "out_of_gas", map[string]interface{}{
					"instance_id": i.id,
					"gas":         i.gas,
					"gas_used":    cs.gasUsed,
					"needed":      cost,
				})
				return 0, fmt.Errorf("%w: need %d gas at pc=0x%08x, %d remaining", ErrOutOfGas, cost, pc, i.gas)
			}
			i.gas -= cost
		}
		cs.gasUsed += cost

		switch insn.Op {
		case OpEcall:
			if err := i.syscall(ctx, cs, pc); err != nil {
				var exit *ExitError
				if errors.As(err, &exit) {
					cs.steps++
					cs.opCounts[OpEcall]++
					i.pc = pc + 4
					return i.settle(ctx, statusOK, exit.Code, nil)
				}
				status := statusSyscallFailed
				if errors.Is(err, ErrNoSyscallHandler) {
					status = statusNoSyscallHandler
				}
				return i.settle(ctx, status, 0, i.trap(pc, insn.Word, err))
			}
			i.pc = pc + 4
		case OpEbreak:
			i.pc = pc + 4
		default:
			next, err := i.exec(insn, pc)
			if err != nil {
				return i.settle(ctx, statusFromTrap(err), 0, i.trap(pc, insn.Word, err))
			}
			i.pc = next
		}

		cs.steps++
		cs.opCounts[insn.Op]++

		if i.engine.cfg.trace {
			i.emit(cs, pc, "trace", map[string]interface{}{"instruction": insn.String()})
		}

		// EBREAK retires before pausing, so Resume continues with the
		// following instruction.
		if insn.Op == OpEbreak {
			cs.paused = statusBreakpoint
			i.emit(cs, pc, "breakpoint", map[string]interface{}{"instance_id": i.id})
			return 0, fmt.Errorf("%w at pc=0x%08x", ErrBreakpoint, pc)
		}
	}
}

// syscall dispatches an ECALL to the engine's handler.
func (i *Instance) syscall(ctx context.Context, cs *callState, pc uint32) error {
	num := i.regs[regA7]

	i.emit(cs, pc, "syscall", map[string]interface{}{
		"instance_id": i.id,
		"a7":          num,
		"a0":          i.regs[regA0],
	})
	if m := i.engine.cfg.metrics; m != nil && !i.ephemeral {
		m.RecordSyscall(strconv.FormatUint(uint64(num), 10))
	}

	handler := i.engine.cfg.syscall
	if handler == nil {
		return fmt.Errorf("%w: syscall %d", ErrNoSyscallHandler, num)
	}
	if err := handler(ctx, &SyscallContext{inst: i, number: num}); err != nil {
		var exit *ExitError
		if errors.As(err, &exit) {
			return err
		}
		return fmt.Errorf("%w: syscall %d: %w", ErrSyscallFailed, num, err)
	}
	return nil
}

// trap builds the fatal trap error for the faulting instruction.
func (i *Instance) trap(pc, word uint32, err error) error {
	return &Trap{PC: pc, Word: word, Step: i.call.steps, Err: err}
}

// settle finishes the in-flight call: flushes metrics, emits the terminal
// event, writes the receipt, and clears the call slot. callErr of nil
// means a clean settle (including pause settles through Reset).
func (i *Instance) settle(ctx context.Context, status string, result uint32, callErr error) (uint32, error) {
	cs := i.call
	i.call = nil
	i.lastSteps = cs.steps
	i.lastGasUsed = cs.gasUsed
	i.lastReceiptID = ""
	latency := time.Since(cs.start)

	if m := i.engine.cfg.metrics; m != nil && !i.ephemeral {
		m.RecordCall(status, cs.gasUsed, cs.steps, latency)
		for op, n := range cs.opCounts {
			if n > 0 {
				m.RecordInstructions(Op(op).String(), n)
			}
		}
		var t *Trap
		if errors.As(callErr, &t) {
			m.RecordTrap(status)
		}
	}

	var receiptID string
	if st := i.engine.cfg.store; st != nil && !i.ephemeral {
		rec := store.Receipt{
			ID:          uuid.NewString(),
			InstanceID:  i.id,
			ModuleHash:  i.module.hash,
			EntryPC:     cs.entryPC,
			Arg:         cs.arg,
			Result:      result,
			Status:      status,
			GasUsed:     cs.gasUsed,
			Steps:       cs.steps,
			FreshMemory: cs.fresh,
			StateHash:   i.StateHash(),
			CreatedAt:   time.Now().UTC(),
		}
		receiptID = rec.ID
		// The receipt must outlive the caller's deadline: a canceled call
		// still settles durably.
		if err := st.SaveReceipt(context.WithoutCancel(ctx), rec); err != nil {
			saveErr := fmt.Errorf("save receipt %s: %w", rec.ID, err)
			if callErr != nil {
				return result, errors.Join(callErr, saveErr)
			}
			return result, saveErr
		}
		i.lastReceiptID = rec.ID
	}

	meta := map[string]interface{}{
		"instance_id": i.id,
		"module_hash": i.module.hash,
		"status":      status,
		"steps":       cs.steps,
		"gas_used":    cs.gasUsed,
		"latency_ms":  float64(latency) / float64(time.Millisecond),
	}
	if receiptID != "" {
		meta["receipt_id"] = receiptID
	}
	if callErr != nil {
		meta["error"] = callErr.Error()
		i.emit(cs, i.pc, "call_error", meta)
	} else {
		meta["result"] = result
		i.emit(cs, i.pc, "call_end", meta)
	}

	return result, callErr
}

// emit sends an event for the current call.
func (i *Instance) emit(cs *callState, pc uint32, msg string, meta map[string]interface{}) {
	i.engine.cfg.emitter.Emit(emit.Event{
		RunID: cs.runID,
		Step:  cs.steps,
		PC:    pc,
		Msg:   msg,
		Meta:  meta,
	})
}
