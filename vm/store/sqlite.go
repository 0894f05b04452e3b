package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It stores call receipts and instance snapshots in a single-file
// database. Designed for:
//   - Development and testing with zero setup
//   - Single-process embedders
//   - Local audit trails that survive restarts
//   - Prototyping before migrating to a shared database
//
// SQLiteStore uses WAL mode for concurrent reads and proper transactions.
//
// Features:
//   - Single file database (e.g., "./receipts.db")
//   - Auto-migration on first use
//   - WAL mode for concurrent reads
//
// Schema:
//   - vm_receipts: Settled call outcomes
//   - vm_snapshots: Named instance snapshots
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./receipts.db" - file in current directory
//   - "/var/lib/rvnode/receipts.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically:
//   - Creates the database file if it doesn't exist
//   - Creates required tables
//   - Enables WAL mode for concurrent reads
//   - Configures appropriate timeouts
//
// Example:
//
//	st, err := store.NewSQLiteStore("./receipts.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Open database connection
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(1)    // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)    // Keep connection open
	db.SetConnMaxLifetime(0) // No max lifetime for SQLite

	// Enable WAL mode for better concurrency
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close() // Ignore close error when returning pragma error
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout (wait up to 5 seconds for locks)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close() // Ignore close error when returning pragma error
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		closed: false,
		path:   path,
	}

	// Create tables if they don't exist
	if err := store.createTables(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning table creation error
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// createTables creates the required database schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	// vm_receipts table: settled call outcomes
	receiptsTable := `
		CREATE TABLE IF NOT EXISTS vm_receipts (
			id TEXT NOT NULL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			module_hash TEXT NOT NULL,
			entry_pc INTEGER NOT NULL,
			arg INTEGER NOT NULL,
			result INTEGER NOT NULL,
			status TEXT NOT NULL,
			gas_used INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			fresh_memory INTEGER NOT NULL,
			state_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, receiptsTable); err != nil {
		return fmt.Errorf("failed to create vm_receipts table: %w", err)
	}

	// Create indexes for vm_receipts
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_receipts_module ON vm_receipts(module_hash, created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_receipts_module: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_receipts_instance ON vm_receipts(instance_id)"); err != nil {
		return fmt.Errorf("failed to create idx_receipts_instance: %w", err)
	}

	// vm_snapshots table: named instance snapshots
	snapshotsTable := `
		CREATE TABLE IF NOT EXISTS vm_snapshots (
			id TEXT NOT NULL PRIMARY KEY,
			module_hash TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, snapshotsTable); err != nil {
		return fmt.Errorf("failed to create vm_snapshots table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_snapshots_module ON vm_snapshots(module_hash)"); err != nil {
		return fmt.Errorf("failed to create idx_snapshots_module: %w", err)
	}

	return nil
}

// SaveReceipt persists a call receipt (implements Store interface).
//
// If a receipt with the same ID already exists, it is replaced.
// Thread-safe for concurrent writes.
func (s *SQLiteStore) SaveReceipt(ctx context.Context, receipt Receipt) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO vm_receipts (id, instance_id, module_hash, entry_pc, arg, result, status, gas_used, steps, fresh_memory, state_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			instance_id = excluded.instance_id,
			module_hash = excluded.module_hash,
			entry_pc = excluded.entry_pc,
			arg = excluded.arg,
			result = excluded.result,
			status = excluded.status,
			gas_used = excluded.gas_used,
			steps = excluded.steps,
			fresh_memory = excluded.fresh_memory,
			state_hash = excluded.state_hash,
			created_at = excluded.created_at
	`

	_, err := s.db.ExecContext(ctx, query,
		receipt.ID, receipt.InstanceID, receipt.ModuleHash,
		int64(receipt.EntryPC), int64(receipt.Arg), int64(receipt.Result),
		receipt.Status, int64(receipt.GasUsed), int64(receipt.Steps),
		boolToInt(receipt.FreshMemory), receipt.StateHash,
		receipt.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save receipt: %w", err)
	}

	return nil
}

// LoadReceipt retrieves a receipt by ID (implements Store interface).
//
// Returns ErrNotFound if the ID doesn't exist.
func (s *SQLiteStore) LoadReceipt(ctx context.Context, id string) (Receipt, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return Receipt{}, ErrStoreClosed
	}
	s.mu.RUnlock()

	query := `
		SELECT id, instance_id, module_hash, entry_pc, arg, result, status, gas_used, steps, fresh_memory, state_hash, created_at
		FROM vm_receipts
		WHERE id = ?
	`

	receipt, err := scanReceipt(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return Receipt{}, ErrNotFound
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to load receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts retrieves receipts ordered newest first (implements Store interface).
func (s *SQLiteStore) ListReceipts(ctx context.Context, moduleHash string, limit int) ([]Receipt, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	query := `
		SELECT id, instance_id, module_hash, entry_pc, arg, result, status, gas_used, steps, fresh_memory, state_hash, created_at
		FROM vm_receipts
	`
	args := make([]interface{}, 0, 2)
	if moduleHash != "" {
		query += " WHERE module_hash = ?"
		args = append(args, moduleHash)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer rows.Close()

	receipts := make([]Receipt, 0)
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipts: %w", err)
	}

	return receipts, nil
}

// SaveSnapshot persists an instance snapshot (implements Store interface).
//
// If a snapshot with the same ID exists, it is replaced.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO vm_snapshots (id, module_hash, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			module_hash = excluded.module_hash,
			data = excluded.data,
			created_at = excluded.created_at
	`

	_, err := s.db.ExecContext(ctx, query,
		snapshot.ID, snapshot.ModuleHash, snapshot.Data,
		snapshot.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	return nil
}

// LoadSnapshot retrieves a snapshot by ID (implements Store interface).
//
// Returns ErrNotFound if the ID doesn't exist.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, id string) (Snapshot, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return Snapshot{}, ErrStoreClosed
	}
	s.mu.RUnlock()

	query := `
		SELECT id, module_hash, data, created_at
		FROM vm_snapshots
		WHERE id = ?
	`

	var snapshot Snapshot
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&snapshot.ID, &snapshot.ModuleHash, &snapshot.Data, &createdAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	snapshot.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse snapshot timestamp: %w", err)
	}

	return snapshot, nil
}

// Close closes the database connection.
//
// After Close, all store operations return ErrStoreClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(row scanner) (Receipt, error) {
	var receipt Receipt
	var entryPC, arg, result, gasUsed, steps, freshMemory int64
	var createdAt string

	err := row.Scan(&receipt.ID, &receipt.InstanceID, &receipt.ModuleHash,
		&entryPC, &arg, &result, &receipt.Status, &gasUsed, &steps,
		&freshMemory, &receipt.StateHash, &createdAt)
	if err != nil {
		return Receipt{}, err
	}

	receipt.EntryPC = uint32(entryPC)
	receipt.Arg = uint32(arg)
	receipt.Result = uint32(result)
	receipt.GasUsed = uint64(gasUsed)
	receipt.Steps = uint64(steps)
	receipt.FreshMemory = freshMemory != 0

	receipt.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to parse receipt timestamp: %w", err)
	}

	return receipt, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
