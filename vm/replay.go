package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/riscv-go/vm/store"
)

// ReplayReport is the outcome of re-executing a receipt's call.
//
// Match is true only when the replay reproduced the original outcome
// exactly: same status, same result, same gas used, same step count, and
// same final state hash. The paired fields carry the per-field divergence
// when it does not.
type ReplayReport struct {
	ReceiptID string

	// Match reports whether the replay reproduced the receipt.
	Match bool

	// Replayed outcome.
	Status    string
	Result    uint32
	StateHash string
	GasUsed   uint64
	Steps     uint64

	// Expected outcome copied from the receipt.
	ExpectedStatus    string
	ExpectedResult    uint32
	ExpectedStateHash string
	ExpectedGasUsed   uint64
	ExpectedSteps     uint64
}

// Replay re-executes a receipt's call on a throwaway instance and compares
// the outcome against the record.
//
// Eligibility: the receipt must record FreshMemory (the original call ran
// on a pristine instance) and a deterministic terminal status. Receipts
// for paused calls settled by Reset ("out_of_gas", "breakpoint") and for
// canceled calls depend on where execution stopped and return
// ErrReplayUnsupported.
//
// The replay instance runs without a gas budget (its gas-used total still
// accrues for comparison), writes no receipts, and records no metrics. It
// uses the engine's current memory size and cost table, so replay an old
// receipt on an engine configured like the one that produced it. Syscalls
// run against the engine's current handler; hosts backed by wall clocks or
// unseeded randomness will produce honest mismatches.
//
// Parameters:
//   - ctx: Cancellation context for the re-execution.
//   - module: The module the receipt was recorded against. Its hash must
//     equal the receipt's ModuleHash.
//   - rec: The receipt to verify.
//
// Returns:
//   - *ReplayReport: Comparison of replayed and recorded outcomes.
//   - error: ErrModuleMismatch, ErrReplayUnsupported, ErrEngineMismatch,
//     or a context error when the replay itself was canceled.
//
// Example:
//
//	rec, err := st.LoadReceipt(ctx, receiptID)
//	report, err := engine.Replay(ctx, module, rec)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !report.Match {
//	    log.Printf("receipt %s does not reproduce: %+v", rec.ID, report)
//	}
func (e *Engine) Replay(ctx context.Context, module *Module, rec store.Receipt) (*ReplayReport, error) {
	if module == nil || module.engine != e {
		return nil, ErrEngineMismatch
	}
	if module.Hash() != rec.ModuleHash {
		return nil, fmt.Errorf("%w: module %s, receipt recorded %s", ErrModuleMismatch, module.Hash(), rec.ModuleHash)
	}
	if !rec.FreshMemory {
		return nil, fmt.Errorf("%w: call did not start from fresh memory", ErrReplayUnsupported)
	}
	switch rec.Status {
	case statusOutOfGas, statusBreakpoint, statusCanceled:
		return nil, fmt.Errorf("%w: status %q is not deterministic", ErrReplayUnsupported, rec.Status)
	}

	inst := &Instance{
		engine:    e,
		module:    module,
		id:        "replay-" + rec.ID,
		mem:       newMemory(e.cfg.maxMemory),
		fresh:     true,
		ephemeral: true,
	}

	result, err := inst.Call(ctx, rec.EntryPC, rec.Arg)
	for errors.Is(err, ErrBreakpoint) {
		result, err = inst.Resume(ctx)
	}

	status := statusOK
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("replay canceled: %w", err)
		}
		var t *Trap
		if !errors.As(err, &t) {
			return nil, err
		}
		status = statusFromTrap(err)
	}

	report := &ReplayReport{
		ReceiptID:         rec.ID,
		Status:            status,
		Result:            result,
		StateHash:         inst.StateHash(),
		GasUsed:           inst.lastGasUsed,
		Steps:             inst.lastSteps,
		ExpectedStatus:    rec.Status,
		ExpectedResult:    rec.Result,
		ExpectedStateHash: rec.StateHash,
		ExpectedGasUsed:   rec.GasUsed,
		ExpectedSteps:     rec.Steps,
	}
	report.Match = report.Status == rec.Status &&
		report.Result == rec.Result &&
		report.StateHash == rec.StateHash &&
		report.GasUsed == rec.GasUsed &&
		report.Steps == rec.Steps
	return report, nil
}

// VerifyReplay re-executes a receipt's call and reports whether the
// recorded outcome reproduces. It is Replay reduced to its verdict.
func (e *Engine) VerifyReplay(ctx context.Context, module *Module, rec store.Receipt) (bool, error) {
	report, err := e.Replay(ctx, module, rec)
	if err != nil {
		return false, err
	}
	return report.Match, nil
}
