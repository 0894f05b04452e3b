package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// It stores call receipts and instance snapshots in a relational
// database. Designed for:
//   - Production deployments requiring persistence
//   - Multiple nodes sharing one audit trail
//   - Long-lived audit trails that survive process restarts
//   - Compliance requirements around executed guest code
//
// MySQLStore uses connection pooling for reliability.
//
// Schema:
//   - vm_receipts: Settled call outcomes
//   - vm_snapshots: Named instance snapshots
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/riscv
//	user:password@tcp(127.0.0.1:3306)/riscv?timeout=5s
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment variables:
//	    dsn := os.Getenv("MYSQL_DSN")
//	    if dsn == "" {
//	        log.Fatal("MYSQL_DSN environment variable not set")
//	    }
//	    st, err := store.NewMySQLStore(dsn)
//
// The store automatically:
//   - Creates required tables if they don't exist
//   - Configures connection pooling
//   - Sets appropriate timeouts
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	// Open database connection
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)                  // Maximum open connections
	db.SetMaxIdleConns(5)                   // Keep idle connections for reuse
	db.SetConnMaxLifetime(5 * time.Minute)  // Max connection lifetime (prevent stale connections)
	db.SetConnMaxIdleTime(10 * time.Minute) // Max idle time before closing

	// Verify connection
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	store := &MySQLStore{
		db:     db,
		closed: false,
	}

	// Create tables if they don't exist
	if err := store.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// createTables creates the required database schema if it doesn't exist.
func (m *MySQLStore) createTables(ctx context.Context) error {
	// vm_receipts table: settled call outcomes
	receiptsTable := `
		CREATE TABLE IF NOT EXISTS vm_receipts (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			instance_id VARCHAR(255) NOT NULL,
			module_hash VARCHAR(80) NOT NULL,
			entry_pc BIGINT NOT NULL,
			arg BIGINT NOT NULL,
			result BIGINT NOT NULL,
			status VARCHAR(40) NOT NULL,
			gas_used BIGINT NOT NULL,
			steps BIGINT NOT NULL,
			fresh_memory TINYINT NOT NULL,
			state_hash VARCHAR(80) NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			INDEX idx_receipts_module (module_hash, created_at),
			INDEX idx_receipts_instance (instance_id)
		)
	`
	if _, err := m.db.ExecContext(ctx, receiptsTable); err != nil {
		return fmt.Errorf("failed to create vm_receipts table: %w", err)
	}

	// vm_snapshots table: named instance snapshots
	snapshotsTable := `
		CREATE TABLE IF NOT EXISTS vm_snapshots (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			module_hash VARCHAR(80) NOT NULL,
			data MEDIUMBLOB NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			INDEX idx_snapshots_module (module_hash)
		)
	`
	if _, err := m.db.ExecContext(ctx, snapshotsTable); err != nil {
		return fmt.Errorf("failed to create vm_snapshots table: %w", err)
	}

	return nil
}

// SaveReceipt persists a call receipt (implements Store interface).
//
// If a receipt with the same ID already exists, it is replaced.
// Thread-safe for concurrent writes.
func (m *MySQLStore) SaveReceipt(ctx context.Context, receipt Receipt) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStoreClosed
	}
	m.mu.RUnlock()

	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO vm_receipts (id, instance_id, module_hash, entry_pc, arg, result, status, gas_used, steps, fresh_memory, state_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			instance_id = VALUES(instance_id),
			module_hash = VALUES(module_hash),
			entry_pc = VALUES(entry_pc),
			arg = VALUES(arg),
			result = VALUES(result),
			status = VALUES(status),
			gas_used = VALUES(gas_used),
			steps = VALUES(steps),
			fresh_memory = VALUES(fresh_memory),
			state_hash = VALUES(state_hash),
			created_at = VALUES(created_at)
	`

	_, err := m.db.ExecContext(ctx, query,
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
func (m *MySQLStore) LoadReceipt(ctx context.Context, id string) (Receipt, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return Receipt{}, ErrStoreClosed
	}
	m.mu.RUnlock()

	query := `
		SELECT id, instance_id, module_hash, entry_pc, arg, result, status, gas_used, steps, fresh_memory, state_hash, created_at
		FROM vm_receipts
		WHERE id = ?
	`

	receipt, err := scanReceipt(m.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return Receipt{}, ErrNotFound
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to load receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts retrieves receipts ordered newest first (implements Store interface).
func (m *MySQLStore) ListReceipts(ctx context.Context, moduleHash string, limit int) ([]Receipt, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	m.mu.RUnlock()

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

	rows, err := m.db.QueryContext(ctx, query, args...)
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
func (m *MySQLStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStoreClosed
	}
	m.mu.RUnlock()

	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO vm_snapshots (id, module_hash, data, created_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			module_hash = VALUES(module_hash),
			data = VALUES(data),
			created_at = VALUES(created_at)
	`

	_, err := m.db.ExecContext(ctx, query,
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
func (m *MySQLStore) LoadSnapshot(ctx context.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return Snapshot{}, ErrStoreClosed
	}
	m.mu.RUnlock()

	query := `
		SELECT id, module_hash, data, created_at
		FROM vm_snapshots
		WHERE id = ?
	`

	var snapshot Snapshot
	var createdAt string
	err := m.db.QueryRowContext(ctx, query, id).Scan(
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
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
