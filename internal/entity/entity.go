// Package entity defines the application entities the sync core moves:
// capture batches and the photos they own.
package entity

import (
	"fmt"
	"time"
)

// Type names tenant-scoped entity kinds, used by conflict detection and
// the remote adapter.
type Type string

const (
	TypeBatch   Type = "batch"
	TypePhoto   Type = "photo"
	TypeProfile Type = "profile"
)

// SyncState mirrors where an entity stands relative to the backend.
type SyncState string

const (
	SyncPending  SyncState = "pending"
	SyncSynced   SyncState = "synced"
	SyncError    SyncState = "error"
	SyncConflict SyncState = "conflict"
)

// Annotation is a reviewer note attached to a batch or photo. Annotations
// merge by unique id during conflict resolution.
type Annotation struct {
	ID        string    `json:"id"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Batch is a group of QC photos captured for one inspection run.
type Batch struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	OwnerID     string            `json:"owner_id"`
	Name        string            `json:"name"`
	Status      string            `json:"status"` // open, completed, rejected
	SyncState   SyncState         `json:"sync_state"`
	Version     int64             `json:"version"`
	Annotations []Annotation      `json:"annotations,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Validate checks required fields before persistence.
func (b *Batch) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("id is required")
	}
	if b.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if b.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Photo is a single captured image belonging to a batch. The image bytes
// live on disk at FilePath; only metadata is synchronized here.
type Photo struct {
	ID          string            `json:"id"`
	BatchID     string            `json:"batch_id"`
	TenantID    string            `json:"tenant_id"`
	OwnerID     string            `json:"owner_id"`
	FilePath    string            `json:"file_path"`
	Status      string            `json:"status"` // captured, approved, rejected
	SyncState   SyncState         `json:"sync_state"`
	Version     int64             `json:"version"`
	Annotations []Annotation      `json:"annotations,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Validate checks required fields before persistence.
func (p *Photo) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.BatchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	if p.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if p.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	return nil
}
