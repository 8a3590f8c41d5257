// Package store provides the durable SQLite substrate for the offline
// cache, the mutation queue, and the sync metadata.
//
// The database runs embedded with WAL mode so the daemon and the CLI can
// read concurrently while a drain is writing. Three independent
// namespaces live in one file:
//   - entities: the local entity cache
//   - mutations: the durable queue of unacknowledged writes
//   - sync_meta: string key/value sync metadata (last sync time, auth state)
//
// Durability contract: every write in this package is committed before
// the call returns, so a crash immediately after a Put or Enqueue loses
// nothing.
package store

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

// DB wraps the SQLite connection shared by the cache and queue layers.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created along with the schema.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	db, err := store.Open(".rollcall/rollcall.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

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
// This is useful for integrating with other libraries that expect *sql.DB.
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
//
// This creates the entities, mutations, and sync_meta tables along with
// the indexes the queue scan needs. Idempotent - safe to call multiple
// times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Local entity cache
	CREATE TABLE IF NOT EXISTS entities (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON
		version INTEGER NOT NULL DEFAULT 0,
		sync_state TEXT NOT NULL DEFAULT 'clean',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	);

	-- Durable mutation queue
	CREATE TABLE IF NOT EXISTS mutations (
		id TEXT PRIMARY KEY,  -- client-generated, doubles as idempotency key
		op_kind TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT,  -- JSON, null for deletes
		state TEXT NOT NULL DEFAULT 'pending',
		enqueued_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT,
		last_error TEXT
	);

	-- One outstanding mutation per entity (coalescing invariant)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_mutations_entity
	    ON mutations(entity_kind, entity_id);

	CREATE INDEX IF NOT EXISTS idx_mutations_state ON mutations(state);
	CREATE INDEX IF NOT EXISTS idx_mutations_ready
	    ON mutations(state, enqueued_at);

	CREATE INDEX IF NOT EXISTS idx_entities_state ON entities(sync_state);

	-- Sync metadata key/value namespace
	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
