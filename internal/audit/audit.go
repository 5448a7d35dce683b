// Package audit provides the append-only audit trail for tenant-scoped
// mutations.
//
// Audit writes are best-effort: a failed write is logged and swallowed so
// it never aborts the primary operation.
package audit

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/fieldproof/fieldproof/internal/store"
)

// Entry is one audit log row. Entries are never updated or deleted.
type Entry struct {
	ID         string
	Operation  string // e.g. "batch.create", "device.revoke"
	Resource   string // table or logical resource name
	ResourceID string
	TenantID   string
	UserID     string
	CreatedAt  time.Time
}

// Logger persists audit entries to the store.
type Logger struct {
	db     *store.DB
	logger *log.Logger
}

// NewLogger returns an audit logger writing to db.
// If logger is nil, a default logger writing to stderr is used.
func NewLogger(db *store.DB, logger *log.Logger) *Logger {
	if logger == nil {
		logger = log.New(os.Stderr, "[audit] ", log.LstdFlags)
	}
	return &Logger{db: db, logger: logger}
}

// Record appends one audit entry. Best-effort: errors are logged, not
// returned, so audit failures cannot abort the mutation being audited.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if l == nil || l.db == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := l.db.WithTimeout(ctx)
	defer cancel()

	_, err := l.db.Conn().ExecContext(ctx, `
		INSERT INTO audit_log (id, operation, resource, resource_id, tenant_id, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Operation, e.Resource, e.ResourceID, e.TenantID, e.UserID,
		store.FormatTime(e.CreatedAt),
	)
	if err != nil {
		l.logger.Printf("failed to record %s on %s/%s: %v", e.Operation, e.Resource, e.ResourceID, err)
	}
}

// List returns the newest entries for a tenant, most recent first.
func (l *Logger) List(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	ctx, cancel := l.db.WithTimeout(ctx)
	defer cancel()

	rows, err := l.db.Conn().QueryContext(ctx, `
		SELECT id, operation, resource, resource_id, tenant_id, user_id, created_at
		FROM audit_log
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Operation, &e.Resource, &e.ResourceID, &e.TenantID, &e.UserID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.CreatedAt = store.ParseTime(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// Count returns the number of entries recorded for a tenant.
func (l *Logger) Count(ctx context.Context, tenantID string) (int, error) {
	ctx, cancel := l.db.WithTimeout(ctx)
	defer cancel()

	var n int
	err := l.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE tenant_id = ?`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}
