// Package store provides persistence for call receipts and instance snapshots.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested receipt ID or snapshot ID does not exist.
var ErrNotFound = errors.New("not found")

// ErrStoreClosed is returned by every operation on a closed store.
var ErrStoreClosed = errors.New("store is closed")

// Receipt records the settled outcome of one guest call.
//
// A receipt is written after a call settles (returns, traps, or is
// canceled) and captures everything needed to audit the call and, when
// the call started from fresh memory, to replay it deterministically.
type Receipt struct {
	// ID uniquely identifies the receipt. The vm package assigns a random
	// UUID so receipts from different processes never collide in a shared
	// store.
	ID string `json:"id"`

	// InstanceID identifies the instance that executed the call.
	InstanceID string `json:"instance_id"`

	// ModuleHash is the content hash of the module that was executed,
	// in "sha256:<hex>" form.
	ModuleHash string `json:"module_hash"`

	// EntryPC is the program counter the call started at.
	EntryPC uint32 `json:"entry_pc"`

	// Arg is the argument passed in register a0.
	Arg uint32 `json:"arg"`

	// Result is the value returned in a0. Zero when Status is not "ok".
	Result uint32 `json:"result"`

	// Status describes how the call settled: "ok", "out_of_gas",
	// "breakpoint", "invalid_instruction", "memory_out_of_bounds",
	// "pc_out_of_range", "pc_misaligned", "syscall_failed",
	// "no_syscall_handler", or "canceled".
	Status string `json:"status"`

	// GasUsed is the total gas cost of the instructions the call retired.
	// It accrues whether or not the call ran under a gas budget.
	GasUsed uint64 `json:"gas_used"`

	// Steps is the number of instructions retired.
	Steps uint64 `json:"steps"`

	// FreshMemory is true when the call started on zeroed memory and
	// registers. Only fresh calls are eligible for replay verification.
	FreshMemory bool `json:"fresh_memory"`

	// StateHash is the hash of registers and memory after the call
	// settled, in "sha256:<hex>" form.
	StateHash string `json:"state_hash"`

	// CreatedAt is when the receipt was written. Set by the store when
	// left zero.
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is a persisted instance snapshot keyed by a user-chosen ID.
//
// Data holds the JSON encoding produced by the vm package's snapshot
// support. The store treats it as opaque bytes.
type Snapshot struct {
	// ID is the unique snapshot identifier (user-defined).
	ID string `json:"id"`

	// ModuleHash is the content hash of the module the snapshot belongs to.
	ModuleHash string `json:"module_hash"`

	// Data is the serialized snapshot.
	Data []byte `json:"data"`

	// CreatedAt is when the snapshot was written. Set by the store when
	// left zero.
	CreatedAt time.Time `json:"created_at"`
}

// Store provides persistence for call receipts and instance snapshots.
//
// It enables:
//   - An audit trail of every call an engine executed
//   - Deterministic replay verification against stored receipts
//   - Saving and restoring instance snapshots by name
//
// Implementations can use:
//   - In-memory storage (for testing, see memory.go)
//   - SQLite for single-process deployments (see sqlite.go)
//   - MySQL/MariaDB for shared deployments (see mysql.go)
type Store interface {
	// SaveReceipt persists a call receipt. Saving a receipt with an
	// existing ID replaces it.
	SaveReceipt(ctx context.Context, receipt Receipt) error

	// LoadReceipt retrieves a receipt by ID.
	// Returns ErrNotFound if the ID doesn't exist.
	LoadReceipt(ctx context.Context, id string) (Receipt, error)

	// ListReceipts retrieves receipts ordered newest first.
	//
	// Parameters:
	//   - moduleHash: Restrict to one module ("" = all modules)
	//   - limit: Maximum number of receipts to return (<= 0 = no limit)
	//
	// An empty result is not an error.
	ListReceipts(ctx context.Context, moduleHash string, limit int) ([]Receipt, error)

	// SaveSnapshot persists an instance snapshot. Saving a snapshot with
	// an existing ID replaces it.
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error

	// LoadSnapshot retrieves a snapshot by ID.
	// Returns ErrNotFound if the ID doesn't exist.
	LoadSnapshot(ctx context.Context, id string) (Snapshot, error)

	// Close releases resources held by the store. Close is idempotent;
	// every other operation on a closed store returns ErrStoreClosed.
	Close() error
}
