package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/fieldproof/fieldproof/internal/store"
	"github.com/fieldproof/fieldproof/internal/tenant"
)

// ErrNotFound is returned when an entity does not exist within the
// caller's tenant scope. A row owned by another tenant is reported as
// not found, never leaked.
var ErrNotFound = errors.New("entity not found")

// Repo is the only path to the batches and photos tables. Every call takes
// an explicit tenant.Context and builds its SQL through the Guard's scoped
// query builder, so a caller cannot read or write across tenants.
type Repo struct {
	db     *store.DB
	guard  *tenant.Guard
	logger *log.Logger
}

// NewRepo creates a Repo. If logger is nil, a default stderr logger is used.
func NewRepo(db *store.DB, guard *tenant.Guard, logger *log.Logger) *Repo {
	if logger == nil {
		logger = log.New(os.Stderr, "[entity] ", log.LstdFlags)
	}
	return &Repo{db: db, guard: guard, logger: logger}
}

// CreateBatch persists a new batch owned by the context's tenant.
func (r *Repo) CreateBatch(ctx context.Context, tc tenant.Context, b *Batch) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.TenantID == "" {
		b.TenantID = tc.TenantID
	}
	if b.SyncState == "" {
		b.SyncState = SyncPending
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	if err := r.guard.AssertAccess(tc, b.TenantID); err != nil {
		return err
	}
	if err := r.guard.CheckPermission(tc, "batch_create"); err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	annotations, metadata, err := marshalExtras(b.Annotations, b.Metadata)
	if err != nil {
		return err
	}

	qctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	_, err = r.db.Conn().ExecContext(qctx, `
		INSERT INTO batches (id, tenant_id, owner_id, name, status, sync_state,
			version, annotations, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TenantID, b.OwnerID, b.Name, defaultString(b.Status, "open"),
		string(b.SyncState), b.Version, annotations, metadata,
		store.FormatTime(b.CreatedAt), store.FormatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	r.guard.Audit(ctx, tc, "batch.create", "batches", b.ID)
	return nil
}

// GetBatch loads one batch within the tenant scope.
func (r *Repo) GetBatch(ctx context.Context, tc tenant.Context, id string) (*Batch, error) {
	q, err := r.guard.Scope(tc, "batches")
	if err != nil {
		return nil, err
	}
	query, args := q.Where("id = ?", id).SelectSQL(batchColumns...)

	qctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	b, err := scanBatch(r.db.Conn().QueryRowContext(qctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", id, err)
	}
	return b, nil
}

// ListBatches returns the tenant's batches, optionally filtered by sync state.
func (r *Repo) ListBatches(ctx context.Context, tc tenant.Context, state SyncState, limit int) ([]*Batch, error) {
	q, err := r.guard.Scope(tc, "batches")
	if err != nil {
		return nil, err
	}
	if state != "" {
		q.Where("sync_state = ?", string(state))
	}
	query, args := q.OrderBy("created_at ASC").Limit(limit).SelectSQL(batchColumns...)

	qctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	rows, err := r.db.Conn().QueryContext(qctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}
	return batches, nil
}

// UpdateBatch rewrites a batch's mutable fields and bumps updated_at.
func (r *Repo) UpdateBatch(ctx context.Context, tc tenant.Context, b *Batch) error {
	if err := r.guard.AssertAccess(tc, b.TenantID); err != nil {
		return err
	}
	if err := r.guard.CheckPermission(tc, "batch_update"); err != nil {
		return err
	}
	b.UpdatedAt = time.Now().UTC()

	annotations, metadata, err := marshalExtras(b.Annotations, b.Metadata)
	if err != nil {
		return err
	}

	q, err := r.guard.Scope(tc, "batches")
	if err != nil {
		return err
	}
	query, args := q.Where("id = ?", b.ID).UpdateSQL(
		`name = ?, status = ?, sync_state = ?, version = ?, annotations = ?, metadata = ?, updated_at = ?`,
		b.Name, b.Status, string(b.SyncState), b.Version, annotations, metadata,
		store.FormatTime(b.UpdatedAt),
	)

	qctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	res, err := r.db.Conn().ExecContext(qctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update batch %s: %w", b.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	r.guard.Audit(ctx, tc, "batch.update", "batches", b.ID)
	return nil
}

// SetBatchSyncState updates only the sync mirror, bumping the server
// version when the backend acknowledged one.
func (r *Repo) SetBatchSyncState(ctx context.Context, tc tenant.Context, id string, state SyncState, serverVersion int64) error {
	q, err := r.guard.Scope(tc, "batches")
	if err != nil {
		return err
	}
	set := `sync_state = ?, updated_at = ?`
	args := []any{string(state), store.FormatTime(time.Now().UTC())}
	if serverVersion > 0 {
		set += `, version = ?`
		args = append(args, serverVersion)
	}
	query, qargs := q.Where("id = ?", id).UpdateSQL(set, args...)

	qctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	res, err := r.db.Conn().ExecContext(qctx, query, qargs...)
	if err != nil {
		return fmt.Errorf("failed to set batch sync state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBatch removes a batch and its photos in one transaction, then
// best-effort deletes the photo files. A failed file delete is logged and
// does not roll anything back.
func (r *Repo) DeleteBatch(ctx context.Context, tc tenant.Context, id string) error {
	if err := r.guard.CheckPermission(tc, "batch_delete"); err != nil {
		return err
	}

	photoQ, err := r.guard.Scope(tc, "photos")
	if err != nil {
		return err
	}
	photoQuery, photoArgs := photoQ.Where("batch_id = ?", id).SelectSQL("file_path")

	var filePaths []string
	err = r.db.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, photoQuery, photoArgs...)
		if err != nil {
			return fmt.Errorf("failed to list photo files: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return fmt.Errorf("failed to scan photo path: %w", err)
			}
			filePaths = append(filePaths, p)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		delPhotos, delPhotoArgs := mustScope(r.guard, tc, "photos").Where("batch_id = ?", id).DeleteSQL()
		if _, err := tx.ExecContext(ctx, delPhotos, delPhotoArgs...); err != nil {
			return fmt.Errorf("failed to delete photos: %w", err)
		}

		delBatch, delBatchArgs := mustScope(r.guard, tc, "batches").Where("id = ?", id).DeleteSQL()
		res, err := tx.ExecContext(ctx, delBatch, delBatchArgs...)
		if err != nil {
			return fmt.Errorf("failed to delete batch: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	// File cleanup happens outside the transaction and is best-effort.
	for _, p := range filePaths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			r.logger.Printf("Warning: failed to remove photo file %s: %v", p, err)
		}
	}

	r.guard.Audit(ctx, tc, "batch.delete", "batches", id)
	return nil
}

// mustScope is used inside transactions after the context has already been
// validated once in the same call.
func mustScope(g *tenant.Guard, tc tenant.Context, table string) *tenant.ScopedQuery {
	q, err := g.Scope(tc, table)
	if err != nil {
		panic(err)
	}
	return q
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func marshalExtras(annotations []Annotation, metadata map[string]string) (string, string, error) {
	if annotations == nil {
		annotations = []Annotation{}
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	a, err := json.Marshal(annotations)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal annotations: %w", err)
	}
	m, err := json.Marshal(metadata)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(a), string(m), nil
}

var batchColumns = []string{
	"id", "tenant_id", "owner_id", "name", "status", "sync_state",
	"version", "annotations", "metadata", "created_at", "updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*Batch, error) {
	var b Batch
	var syncState, annotations, metadata, createdAt, updatedAt string
	err := row.Scan(&b.ID, &b.TenantID, &b.OwnerID, &b.Name, &b.Status,
		&syncState, &b.Version, &annotations, &metadata, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.SyncState = SyncState(syncState)
	b.CreatedAt = store.ParseTime(createdAt)
	b.UpdatedAt = store.ParseTime(updatedAt)
	if err := json.Unmarshal([]byte(annotations), &b.Annotations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal annotations: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &b.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &b, nil
}
