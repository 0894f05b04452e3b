package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// It keeps receipts and snapshots in maps. Designed for:
//   - Testing and development
//   - Single-process embedders that don't need persistence
//   - Short-lived tools where an audit trail is only inspected in-process
//
// MemStore is thread-safe and supports concurrent access.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Not suitable for sharing across processes
//   - Memory usage grows with call volume
//
// For durable storage use SQLiteStore or MySQLStore.
type MemStore struct {
	mu        sync.RWMutex
	closed    bool
	receipts  map[string]Receipt  // receipt ID -> receipt
	order     []string            // receipt IDs in insertion order
	snapshots map[string]Snapshot // snapshot ID -> snapshot
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore()
//	engine := vm.New(vm.WithStore(st))
func NewMemStore() *MemStore {
	return &MemStore{
		receipts:  make(map[string]Receipt),
		snapshots: make(map[string]Snapshot),
	}
}

// SaveReceipt persists a call receipt.
//
// Receipts are indexed by ID; re-saving an ID replaces the prior receipt
// without changing its position in insertion order. Thread-safe.
func (m *MemStore) SaveReceipt(_ context.Context, receipt Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}

	if _, exists := m.receipts[receipt.ID]; !exists {
		m.order = append(m.order, receipt.ID)
	}
	m.receipts[receipt.ID] = receipt
	return nil
}

// LoadReceipt retrieves a receipt by ID.
//
// Returns ErrNotFound if the ID doesn't exist.
func (m *MemStore) LoadReceipt(_ context.Context, id string) (Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Receipt{}, ErrStoreClosed
	}
	receipt, exists := m.receipts[id]
	if !exists {
		return Receipt{}, ErrNotFound
	}
	return receipt, nil
}

// ListReceipts retrieves receipts ordered newest first.
//
// Filters by module hash when moduleHash is non-empty and truncates the
// result to limit entries when limit is positive.
func (m *MemStore) ListReceipts(_ context.Context, moduleHash string, limit int) ([]Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	result := make([]Receipt, 0, len(m.order))
	for _, id := range m.order {
		receipt := m.receipts[id]
		if moduleHash != "" && receipt.ModuleHash != moduleHash {
			continue
		}
		result = append(result, receipt)
	}

	// Newest first. Insertion order breaks timestamp ties.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// SaveSnapshot persists an instance snapshot.
//
// If a snapshot with the same ID exists, it is overwritten. The stored
// snapshot keeps its own copy of Data so later mutation of the caller's
// slice cannot corrupt it.
func (m *MemStore) SaveSnapshot(_ context.Context, snapshot Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	data := make([]byte, len(snapshot.Data))
	copy(data, snapshot.Data)
	snapshot.Data = data

	m.snapshots[snapshot.ID] = snapshot
	return nil
}

// LoadSnapshot retrieves a snapshot by ID.
//
// Returns ErrNotFound if the ID doesn't exist. The returned Data is a
// copy; callers may modify it freely.
func (m *MemStore) LoadSnapshot(_ context.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Snapshot{}, ErrStoreClosed
	}
	snapshot, exists := m.snapshots[id]
	if !exists {
		return Snapshot{}, ErrNotFound
	}

	data := make([]byte, len(snapshot.Data))
	copy(data, snapshot.Data)
	snapshot.Data = data
	return snapshot, nil
}

// Close marks the store closed. Further operations return ErrStoreClosed.
// Idempotent.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
