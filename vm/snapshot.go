package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/riscv-go/vm/store"
)

// snapshotVersion guards the serialized layout. Bump when snapshotState
// changes shape.
const snapshotVersion = 1

// snapshotState is the serialized architectural state of an instance.
// Memory rides as base64 through encoding/json's []byte handling.
type snapshotState struct {
	Version    int        `json:"version"`
	ModuleHash string     `json:"moduleHash"`
	Regs       [32]uint32 `json:"regs"`
	PC         uint32     `json:"pc"`
	Gas        uint64     `json:"gas"`
	Memory     []byte     `json:"memory"`
}

// Snapshot captures the instance's full architectural state: registers,
// pc, gas tank, and every byte of memory.
//
// The snapshot is tied to the module by content hash and can only be
// restored into an instance of the same module with the same memory size.
// When the engine has a store, the snapshot is persisted before returning;
// otherwise it is only returned to the caller.
//
// Snapshotting a paused call is not supported: settle or Reset first.
//
// Example:
//
//	snap, err := inst.Snapshot(ctx)
//	// ... later, possibly in another process ...
//	inst2, _ := engine.NewInstance(module)
//	err = inst2.Restore(snap)
func (i *Instance) Snapshot(ctx context.Context) (store.Snapshot, error) {
	if i.closed {
		return store.Snapshot{}, ErrInstanceClosed
	}
	if i.call != nil {
		return store.Snapshot{}, ErrCallInProgress
	}

	state := snapshotState{
		Version:    snapshotVersion,
		ModuleHash: i.module.hash,
		Regs:       i.regs,
		PC:         i.pc,
		Gas:        i.gas,
		Memory:     i.mem.data,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}

	snap := store.Snapshot{
		ID:         uuid.NewString(),
		ModuleHash: i.module.hash,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}
	if st := i.engine.cfg.store; st != nil {
		if err := st.SaveSnapshot(ctx, snap); err != nil {
			return store.Snapshot{}, fmt.Errorf("save snapshot %s: %w", snap.ID, err)
		}
	}
	return snap, nil
}

// Restore replaces the instance's architectural state with a snapshot.
//
// The snapshot must come from an instance of the same module (by content
// hash) with the same memory size; anything else returns
// ErrSnapshotMismatch. The gas tank is restored along with registers, pc,
// and memory. A restored instance is not fresh: calls made on it are not
// eligible for replay verification.
func (i *Instance) Restore(snap store.Snapshot) error {
	if i.closed {
		return ErrInstanceClosed
	}
	if i.call != nil {
		return ErrCallInProgress
	}

	var state snapshotState
	if err := json.Unmarshal(snap.Data, &state); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", snap.ID, err)
	}
	if state.Version != snapshotVersion {
		return fmt.Errorf("%w: snapshot version %d, want %d", ErrSnapshotMismatch, state.Version, snapshotVersion)
	}
	if state.ModuleHash != i.module.hash {
		return fmt.Errorf("%w: snapshot module %s, instance module %s", ErrSnapshotMismatch, state.ModuleHash, i.module.hash)
	}
	if uint32(len(state.Memory)) != i.mem.Len() {
		return fmt.Errorf("%w: snapshot memory %d bytes, instance memory %d bytes", ErrSnapshotMismatch, len(state.Memory), i.mem.Len())
	}

	i.regs = state.Regs
	i.pc = state.PC
	i.gas = state.Gas
	copy(i.mem.data, state.Memory)
	i.fresh = false
	return nil
}

// RestoreByID loads a snapshot from the engine's store and restores it.
// Returns ErrNoStore when the engine has no store, store.ErrNotFound when
// the id is unknown, and ErrSnapshotMismatch on module or shape mismatch.
func (i *Instance) RestoreByID(ctx context.Context, id string) error {
	st := i.engine.cfg.store
	if st == nil {
		return ErrNoStore
	}
	snap, err := st.LoadSnapshot(ctx, id)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", id, err)
	}
	return i.Restore(snap)
}
