package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldproof/fieldproof/internal/store"
	"github.com/fieldproof/fieldproof/internal/tenant"
)

// CreatePhoto persists a new photo under an existing batch.
func (r *Repo) CreatePhoto(ctx context.Context, tc tenant.Context, p *Photo) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.TenantID == "" {
		p.TenantID = tc.TenantID
	}
	if p.SyncState == "" {
		p.SyncState = SyncPending
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	if err := r.guard.AssertAccess(tc, p.TenantID); err != nil {
		return err
	}
	if err := r.guard.CheckPermission(tc, "photo_create"); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid photo: %w", err)
	}

	// The owning batch must exist within the same tenant scope.
	if _, err := r.GetBatch(ctx, tc, p.BatchID); err != nil {
		return fmt.Errorf("batch %s: %w", p.BatchID, err)
	}

	annotations, metadata, err := marshalExtras(p.Annotations, p.Metadata)
	if err != nil {
		return err
	}

	qctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	_, err = r.db.Conn().ExecContext(qctx, `
		INSERT INTO photos (id, batch_id, tenant_id, owner_id, file_path, status,
			sync_state, version, annotations, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.BatchID, p.TenantID, p.OwnerID, p.FilePath,
		defaultString(p.Status, "captured"), string(p.SyncState), p.Version,
		annotations, metadata,
		store.FormatTime(p.CreatedAt), store.FormatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert photo: %w", err)
	}

	r.guard.Audit(ctx, tc, "photo.create", "photos", p.ID)
	return nil
}

// GetPhoto loads one photo within the tenant scope.
func (r *Repo) GetPhoto(ctx context.Context, tc tenant.Context, id string) (*Photo, error) {
	q, err := r.guard.Scope(tc, "photos")
	if err != nil {
		return nil, err
	}
	query, args := q.Where("id = ?", id).SelectSQL(photoColumns...)

	qctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	p, err := scanPhoto(r.db.Conn().QueryRowContext(qctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load photo %s: %w", id, err)
	}
	return p, nil
}

// ListPhotos returns a batch's photos in capture order.
func (r *Repo) ListPhotos(ctx context.Context, tc tenant.Context, batchID string) ([]*Photo, error) {
	q, err := r.guard.Scope(tc, "photos")
	if err != nil {
		return nil, err
	}
	query, args := q.Where("batch_id = ?", batchID).OrderBy("created_at ASC").SelectSQL(photoColumns...)

	qctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	rows, err := r.db.Conn().QueryContext(qctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list photos: %w", err)
	}
	defer rows.Close()

	var photos []*Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan photo: %w", err)
		}
		photos = append(photos, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating photos: %w", err)
	}
	return photos, nil
}

// UpdatePhoto rewrites a photo's mutable fields and bumps updated_at.
func (r *Repo) UpdatePhoto(ctx context.Context, tc tenant.Context, p *Photo) error {
	if err := r.guard.AssertAccess(tc, p.TenantID); err != nil {
		return err
	}
	if err := r.guard.CheckPermission(tc, "photo_update"); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	annotations, metadata, err := marshalExtras(p.Annotations, p.Metadata)
	if err != nil {
		return err
	}

	q, err := r.guard.Scope(tc, "photos")
	if err != nil {
		return err
	}
	query, args := q.Where("id = ?", p.ID).UpdateSQL(
		`file_path = ?, status = ?, sync_state = ?, version = ?, annotations = ?, metadata = ?, updated_at = ?`,
		p.FilePath, p.Status, string(p.SyncState), p.Version, annotations, metadata,
		store.FormatTime(p.UpdatedAt),
	)

	qctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	res, err := r.db.Conn().ExecContext(qctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update photo %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	r.guard.Audit(ctx, tc, "photo.update", "photos", p.ID)
	return nil
}

// SetPhotoSyncState updates only the sync mirror.
func (r *Repo) SetPhotoSyncState(ctx context.Context, tc tenant.Context, id string, state SyncState, serverVersion int64) error {
	q, err := r.guard.Scope(tc, "photos")
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
		return fmt.Errorf("failed to set photo sync state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var photoColumns = []string{
	"id", "batch_id", "tenant_id", "owner_id", "file_path", "status",
	"sync_state", "version", "annotations", "metadata", "created_at", "updated_at",
}

func scanPhoto(row rowScanner) (*Photo, error) {
	var p Photo
	var syncState, annotations, metadata, createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.BatchID, &p.TenantID, &p.OwnerID, &p.FilePath,
		&p.Status, &syncState, &p.Version, &annotations, &metadata, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.SyncState = SyncState(syncState)
	p.CreatedAt = store.ParseTime(createdAt)
	p.UpdatedAt = store.ParseTime(updatedAt)
	if err := json.Unmarshal([]byte(annotations), &p.Annotations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal annotations: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &p.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &p, nil
}
