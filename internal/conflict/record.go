package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldproof/fieldproof/internal/entity"
	"github.com/fieldproof/fieldproof/internal/store"
)

// ErrRecordNotFound is returned when a conflict record id is unknown.
var ErrRecordNotFound = errors.New("conflict record not found")

// ErrAlreadyResolved is returned when resolving a record twice.
var ErrAlreadyResolved = errors.New("conflict already resolved")

// Record is a persisted description of a detected divergence awaiting
// (or documenting) resolution. At most one unresolved record exists per
// (entity type, entity id); the partial unique index enforces it.
type Record struct {
	ID                string          `json:"id"`
	EntityType        entity.Type     `json:"entity_type"`
	EntityID          string          `json:"entity_id"`
	TenantID          string          `json:"tenant_id"`
	LocalSnapshot     json.RawMessage `json:"local_snapshot"`
	RemoteSnapshot    json.RawMessage `json:"remote_snapshot"`
	ConflictingFields []string        `json:"conflicting_fields"`
	DetectedAt        time.Time       `json:"detected_at"`
	Resolved          bool            `json:"resolved"`
	StrategyUsed      Strategy        `json:"strategy_used,omitempty"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
}

// Records persists conflict records in the local store.
type Records struct {
	db *store.DB
}

// NewRecords creates the record store.
func NewRecords(db *store.DB) *Records {
	return &Records{db: db}
}

// Create persists a new unresolved record. If an unresolved record already
// exists for the same entity, the call is a no-op returning the existing
// record.
func (r *Records) Create(ctx context.Context, rec *Record) (*Record, error) {
	if existing, err := r.Unresolved(ctx, rec.EntityType, rec.EntityID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.DetectedAt.IsZero() {
		rec.DetectedAt = time.Now().UTC()
	}
	fields, err := json.Marshal(rec.ConflictingFields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conflicting fields: %w", err)
	}

	qctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	_, err = r.db.Conn().ExecContext(qctx, `
		INSERT INTO conflict_records (id, entity_type, entity_id, tenant_id,
			local_snapshot, remote_snapshot, conflicting_fields, detected_at, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.ID, string(rec.EntityType), rec.EntityID, rec.TenantID,
		string(rec.LocalSnapshot), string(rec.RemoteSnapshot), string(fields),
		store.FormatTime(rec.DetectedAt),
	)
	if err != nil {
		// Lost a race to a concurrent detection of the same entity.
		if existing, uerr := r.Unresolved(ctx, rec.EntityType, rec.EntityID); uerr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create conflict record: %w", err)
	}
	return rec, nil
}

// Unresolved returns the open record for an entity, or nil.
func (r *Records) Unresolved(ctx context.Context, et entity.Type, entityID string) (*Record, error) {
	qctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	rec, err := scanRecord(r.db.Conn().QueryRowContext(qctx, `
		SELECT `+recordColumns+`
		FROM conflict_records
		WHERE entity_type = ? AND entity_id = ? AND resolved = 0`,
		string(et), entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load unresolved conflict: %w", err)
	}
	return rec, nil
}

// Get loads a record by id.
func (r *Records) Get(ctx context.Context, id string) (*Record, error) {
	qctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	rec, err := scanRecord(r.db.Conn().QueryRowContext(qctx, `
		SELECT `+recordColumns+` FROM conflict_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict record %s: %w", id, err)
	}
	return rec, nil
}

// List returns records for a tenant, unresolved first, newest first.
func (r *Records) List(ctx context.Context, tenantID string, includeResolved bool, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recordColumns + ` FROM conflict_records WHERE tenant_id = ?`
	args := []any{tenantID}
	if !includeResolved {
		query += ` AND resolved = 0`
	}
	query += ` ORDER BY resolved ASC, detected_at DESC LIMIT ?`
	args = append(args, limit)

	qctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	rows, err := r.db.Conn().QueryContext(qctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflict records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflict records: %w", err)
	}
	return records, nil
}

// markResolved stamps the record resolved with the strategy that won.
func (r *Records) markResolved(ctx context.Context, id string, strategy Strategy) error {
	qctx, cancel := r.db.WithTimeout(ctx)
	defer cancel()

	res, err := r.db.Conn().ExecContext(qctx, `
		UPDATE conflict_records
		SET resolved = 1, strategy_used = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0`,
		string(strategy), store.FormatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict record %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

const recordColumns = `id, entity_type, entity_id, tenant_id, local_snapshot,
	remote_snapshot, conflicting_fields, detected_at, resolved, strategy_used, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var entityType, local, remote, fields, detectedAt string
	var resolved int
	var strategy, resolvedAt sql.NullString

	err := row.Scan(&rec.ID, &entityType, &rec.EntityID, &rec.TenantID,
		&local, &remote, &fields, &detectedAt, &resolved, &strategy, &resolvedAt)
	if err != nil {
		return nil, err
	}

	rec.EntityType = entity.Type(entityType)
	rec.LocalSnapshot = json.RawMessage(local)
	rec.RemoteSnapshot = json.RawMessage(remote)
	rec.DetectedAt = store.ParseTime(detectedAt)
	rec.Resolved = resolved != 0
	if strategy.Valid {
		rec.StrategyUsed = Strategy(strategy.String)
	}
	rec.ResolvedAt = store.NullToTime(resolvedAt)
	if err := json.Unmarshal([]byte(fields), &rec.ConflictingFields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conflicting fields: %w", err)
	}
	return &rec, nil
}
