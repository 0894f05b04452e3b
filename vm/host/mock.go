package host

import (
	"context"
	"sync"

	"github.com/dshills/riscv-go/vm"
)

// MockCall is a test implementation of Call.
//
// Use MockCall in tests to verify guest/host interaction without real
// host logic. It provides:
//   - Configurable call name
//   - Configurable result sequences
//   - Invocation history with captured arguments
//   - Error injection
//   - Thread-safe operation
//
// Example usage:
//
//	mock := &host.MockCall{
//	    CallName: "write",
//	    Results:  []uint32{4, 0},
//	}
//	registry.Register(64, mock)
//	// First guest write returns 4 in a0, later ones return 0.
//
// Example with error injection:
//
//	mock := &host.MockCall{
//	    CallName: "flaky",
//	    Err:      errors.New("device unavailable"),
//	}
//	// Every invocation traps the guest with ErrSyscallFailed.
type MockCall struct {
	// CallName is the identifier returned by Name().
	CallName string

	// Results contains the sequence of a0 values to return.
	// Each invocation returns the next result in order.
	// If all results are consumed, the last result repeats.
	Results []uint32

	// Err, if set, is returned by Invoke() instead of a result.
	Err error

	// Invocations tracks the history of all Invoke() calls.
	Invocations []MockInvocation

	mu         sync.Mutex // Protects Invocations and the result index
	resultNext int        // Tracks which result to return next
}

// MockInvocation records a single Invoke() with the guest arguments it saw.
type MockInvocation struct {
	Number uint32
	Args   [6]uint32
}

// Name implements the Call interface.
func (m *MockCall) Name() string {
	return m.CallName
}

// Invoke implements the Call interface.
//
// Returns:
//   - The next result from Results (or repeats the last result)
//   - Or Err if configured
//
// Always records the invocation regardless of success/failure.
func (m *MockCall) Invoke(ctx context.Context, call *vm.SyscallContext) (uint32, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inv := MockInvocation{Number: call.Number()}
	for i := range inv.Args {
		inv.Args[i] = call.Arg(i)
	}
	m.Invocations = append(m.Invocations, inv)

	if m.Err != nil {
		return 0, m.Err
	}

	if len(m.Results) == 0 {
		return 0, nil
	}

	idx := m.resultNext
	if idx >= len(m.Results) {
		idx = len(m.Results) - 1 // Repeat last result
	} else {
		m.resultNext++
	}
	return m.Results[idx], nil
}

// Reset clears the invocation history and rewinds the result sequence.
func (m *MockCall) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Invocations = nil
	m.resultNext = 0
}

// InvokeCount returns the number of times Invoke() has been called.
func (m *MockCall) InvokeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Invocations)
}
