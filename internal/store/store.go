// Package store provides the embedded SQLite database backing the
// fieldproof sync core.
//
// The database runs in WAL mode for concurrent reads during sync passes.
// All durable state lives here: application entities (batches, photos),
// the sync task queue, conflict records, device registrations, licenses,
// and the audit log.
//
// The schema carries a monotonic version; migrations are additive and are
// applied once at Open, before any queue processing begins.
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

// DefaultQueryTimeout bounds every store query. A timeout is treated as a
// transient error by the sync orchestrator.
const DefaultQueryTimeout = 30 * time.Second

// DB wraps the SQLite connection with fieldproof-specific schema handling.
type DB struct {
	conn    *sql.DB
	path    string
	timeout time.Duration
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist, it is created and migrated to the current schema
// version. The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
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
		conn:    conn,
		path:    path,
		timeout: DefaultQueryTimeout,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// SetQueryTimeout overrides the per-query timeout. Zero restores the default.
func (db *DB) SetQueryTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultQueryTimeout
	}
	db.timeout = d
}

// Conn returns the underlying sql.DB connection.
// This is useful for integrating with other libraries that expect *sql.DB.
func (db *DB) Conn() *sql.DB {
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

// WithTimeout derives a context bounded by the store query timeout.
func (db *DB) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.timeout)
}

// Tx runs fn inside a single transaction. The transaction is rolled back
// if fn returns an error, committed otherwise. Multi-step mutations
// (e.g. delete a batch and its photos) must go through here so a crash
// never leaves partial state behind.
func (db *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
