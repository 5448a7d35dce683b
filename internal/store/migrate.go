package store

import (
	"context"
	"fmt"
)

// migrations is the ordered list of schema upgrades. Entry i migrates the
// database from version i to version i+1. Migrations are additive only:
// released versions never drop or rewrite columns.
var migrations = []string{
	// v1: core entity tables and the sync task queue.
	`
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		sync_state TEXT NOT NULL DEFAULT 'pending',
		version INTEGER NOT NULL DEFAULT 0,
		annotations TEXT NOT NULL DEFAULT '[]',  -- JSON array
		metadata TEXT NOT NULL DEFAULT '{}',     -- JSON object
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS photos (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'captured',
		sync_state TEXT NOT NULL DEFAULT 'pending',
		version INTEGER NOT NULL DEFAULT 0,
		annotations TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (batch_id) REFERENCES batches(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sync_tasks (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'queued',
		priority INTEGER NOT NULL DEFAULT 2,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		last_error TEXT,
		created_at TEXT NOT NULL,
		last_attempted_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_batches_tenant ON batches(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_photos_tenant ON photos(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_photos_batch ON photos(batch_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON sync_tasks(status);

	-- One live task per (kind, entity, operation): duplicate enqueues are
	-- rejected while the first is still queued or processing.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idempotency
	    ON sync_tasks(kind, entity_id, operation)
	    WHERE status IN ('queued', 'processing');

	-- Dequeue ordering: priority band first, oldest created within band.
	CREATE INDEX IF NOT EXISTS idx_tasks_ready
	    ON sync_tasks(status, priority, created_at);
	`,

	// v2: conflict records, licensing, device registry.
	`
	CREATE TABLE IF NOT EXISTS conflict_records (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		local_snapshot TEXT NOT NULL,
		remote_snapshot TEXT NOT NULL,
		conflicting_fields TEXT NOT NULL DEFAULT '[]',
		detected_at TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		strategy_used TEXT,
		resolved_at TEXT
	);

	-- At most one unresolved record per entity.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_unresolved
	    ON conflict_records(entity_type, entity_id)
	    WHERE resolved = 0;

	CREATE TABLE IF NOT EXISTS licenses (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'standard',
		status TEXT NOT NULL DEFAULT 'active',
		max_devices INTEGER NOT NULL DEFAULT 1,
		expires_at TEXT,
		features TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_licenses_owner ON licenses(owner_id);

	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT 'unknown',
		registered_at TEXT NOT NULL,
		last_active_at TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		UNIQUE (user_id, device_id)
	);

	CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_id);
	`,

	// v3: append-only audit trail for tenant-scoped mutations.
	`
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		resource TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_log(tenant_id, created_at);
	`,
}

// SchemaVersion is the version a fully migrated database reports.
var SchemaVersion = len(migrations)

// Migrate applies pending schema upgrades inside a single transaction per
// step. Safe to call on every startup; already-applied steps are skipped.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_info (
			version INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create schema_info: %w", err)
	}

	current, err := db.schemaVersion(ctx)
	if err != nil {
		return err
	}

	return db.applyFrom(ctx, current)
}

func (db *DB) applyFrom(ctx context.Context, current int) error {
	for v := current; v < len(migrations); v++ {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_info`); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to reset schema version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_info (version) VALUES (?)`, v+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record schema version %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", v+1, err)
		}
	}
	return nil
}

func (db *DB) schemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_info`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
