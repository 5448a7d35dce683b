package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// TestOpen_Success tests database creation and migration at open
func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}

	tables := []string{"batches", "photos", "sync_tasks", "conflict_records", "licenses", "devices", "audit_log"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := db.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

// TestOpen_Reopen tests that reopening an existing database is a no-op
// migration-wise
func TestOpen_Reopen(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer db.Close()

	version, err := db.schemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schemaVersion() failed: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("schema version = %d, want %d", version, SchemaVersion)
	}
}

// TestTx_RollbackOnError tests that a failing function rolls everything back
func TestTx_RollbackOnError(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	err = db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO batches (id, tenant_id, owner_id, name, status, sync_state, version, created_at, updated_at)
			VALUES ('b1', 't1', 'u1', 'test', 'open', 'pending', 0, ?, ?)`,
			FormatTime(time.Now()), FormatTime(time.Now())); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatal("Tx() should have returned the inner error")
	}

	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM batches`).Scan(&count); err != nil {
		t.Fatalf("Failed to count batches: %v", err)
	}
	if count != 0 {
		t.Errorf("batches count = %d after rollback, want 0", count)
	}
}

// TestTx_Commit tests that a successful function commits
func TestTx_Commit(t *testing.T) {
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	err = db.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO batches (id, tenant_id, owner_id, name, status, sync_state, version, created_at, updated_at)
			VALUES ('b1', 't1', 'u1', 'test', 'open', 'pending', 0, ?, ?)`,
			FormatTime(time.Now()), FormatTime(time.Now()))
		return err
	})
	if err != nil {
		t.Fatalf("Tx() failed: %v", err)
	}

	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM batches`).Scan(&count); err != nil {
		t.Fatalf("Failed to count batches: %v", err)
	}
	if count != 1 {
		t.Errorf("batches count = %d, want 1", count)
	}
}

// TestTimeRoundTrip tests the store time format helpers
func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 26, 535897000, time.UTC)
	s := FormatTime(now)

	parsed := ParseTime(s)
	if parsed.IsZero() {
		t.Fatalf("ParseTime(%q) returned zero time", s)
	}
	if !parsed.Equal(now) {
		t.Errorf("round trip = %v, want %v", parsed, now)
	}
}
