package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestMemStore_ConcurrentAccess verifies thread safety under concurrent
// receipt writes and reads.
func TestMemStore_ConcurrentAccess(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("inst-%06d/%d", g, i)
				receipt := Receipt{
					ID:         id,
					InstanceID: fmt.Sprintf("inst-%06d", g),
					ModuleHash: "sha256:aaaa",
					Status:     "ok",
				}
				if err := st.SaveReceipt(ctx, receipt); err != nil {
					t.Errorf("SaveReceipt failed: %v", err)
					return
				}
				if _, err := st.LoadReceipt(ctx, id); err != nil {
					t.Errorf("LoadReceipt failed: %v", err)
					return
				}
				if _, err := st.ListReceipts(ctx, "", 10); err != nil {
					t.Errorf("ListReceipts failed: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	all, err := st.ListReceipts(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListReceipts failed: %v", err)
	}
	if len(all) != 8*50 {
		t.Errorf("expected %d receipts, got %d", 8*50, len(all))
	}
}

// TestMemStore_SnapshotDataIsolation verifies stored snapshot bytes are
// isolated from the caller's slice in both directions.
func TestMemStore_SnapshotDataIsolation(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()

	data := []byte("original")
	snap := Snapshot{ID: "snap-1", ModuleHash: "sha256:aaaa", Data: data}
	if err := st.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	// Mutating the caller's slice must not affect the stored copy.
	data[0] = 'X'

	got, err := st.LoadSnapshot(ctx, "snap-1")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if string(got.Data) != "original" {
		t.Errorf("stored snapshot mutated: %s", got.Data)
	}

	// Mutating the loaded slice must not affect the stored copy either.
	got.Data[0] = 'Y'
	again, err := st.LoadSnapshot(ctx, "snap-1")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if string(again.Data) != "original" {
		t.Errorf("stored snapshot mutated through loaded copy: %s", again.Data)
	}
}

// TestMemStore_ListOrderBreaksTies verifies receipts sharing a timestamp
// keep insertion order in listings.
func TestMemStore_ListOrderBreaksTies(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		receipt := Receipt{
			ID:        fmt.Sprintf("inst-000001/%d", i+1),
			Status:    "ok",
			CreatedAt: at,
		}
		if err := st.SaveReceipt(ctx, receipt); err != nil {
			t.Fatalf("SaveReceipt failed: %v", err)
		}
	}

	got, err := st.ListReceipts(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListReceipts failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 receipts, got %d", len(got))
	}
	for i := 0; i < 3; i++ {
		want := fmt.Sprintf("inst-000001/%d", i+1)
		if got[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, want)
		}
	}
}

// TestMemStore_SetsCreatedAt verifies a zero CreatedAt is populated on save.
func TestMemStore_SetsCreatedAt(t *testing.T) {
	st := NewMemStore()
	ctx := context.Background()

	if err := st.SaveReceipt(ctx, Receipt{ID: "inst-000001/1", Status: "ok"}); err != nil {
		t.Fatalf("SaveReceipt failed: %v", err)
	}
	got, err := st.LoadReceipt(ctx, "inst-000001/1")
	if err != nil {
		t.Fatalf("LoadReceipt failed: %v", err)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

// TestMemStore_InterfaceContract verifies MemStore implements Store.
func TestMemStore_InterfaceContract(t *testing.T) {
	var _ Store = NewMemStore()
}
