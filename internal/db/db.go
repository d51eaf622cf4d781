// Package db provides the embedded SQLite database shared by the sync
// engine's stores.
//
// The database runs in embedded mode with WAL enabled so concurrent
// sessions can read the change log while another session commits.
//
// Layout:
//   - change_log: append-only ledger keyed by global sequence number,
//     with a secondary index by (entity_type, record_id, seq)
//   - record_state: materialized current value per record reference
//   - client_cursor: one row per client id holding its acknowledged seq
//   - applied_mutation: idempotency markers with age-based retention
//   - device: device-token to client-id registry
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection shared by the sync engine stores.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema to create
// the tables.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	database, err := db.Open(".syncd/sync.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// WAL keeps ReadSince lock-free against concurrent appends.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Append-only ledger. seq is assigned by SQLite at commit time and is
	-- never reused; entries are never updated or deleted.
	CREATE TABLE IF NOT EXISTS change_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		record_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		logical_clock INTEGER NOT NULL DEFAULT 0,
		op TEXT NOT NULL,
		fields TEXT NOT NULL,  -- JSON object of changed fields
		committed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_change_log_record
	    ON change_log(entity_type, record_id, seq);
	CREATE INDEX IF NOT EXISTS idx_change_log_client
	    ON change_log(client_id);

	-- Materialized fold of the ledger per record reference.
	CREATE TABLE IF NOT EXISTS record_state (
		entity_type TEXT NOT NULL,
		record_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		payload TEXT NOT NULL,  -- JSON object of current field values
		deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (entity_type, record_id)
	);

	-- Highest seq each client has fully received and acknowledged.
	CREATE TABLE IF NOT EXISTS client_cursor (
		client_id TEXT PRIMARY KEY,
		acked_seq INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Idempotency markers for replayed pushes.
	CREATE TABLE IF NOT EXISTS applied_mutation (
		mutation_id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_applied_mutation_age
	    ON applied_mutation(recorded_at);

	-- Device token registry (identity collaborator).
	CREATE TABLE IF NOT EXISTS device (
		token TEXT PRIMARY KEY,
		client_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		registered_at TEXT NOT NULL
	);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
