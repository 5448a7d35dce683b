// Package queue provides the durable synchronization task queue.
//
// Tasks are persisted in SQLite and survive process restarts. Every state
// change is written synchronously before the orchestrator proceeds, so a
// crash mid-sync leaves the queue recoverable: tasks stuck in processing
// are swept back to queued on the next startup.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of outbound work a task carries. The kind
// selects the payload schema decoded at dequeue time.
type Kind string

const (
	KindBatchUpload   Kind = "batch-upload"
	KindPhotoUpload   Kind = "photo-upload"
	KindProfileUpdate Kind = "profile-update"
	KindBatchDelete   Kind = "batch-delete"
)

// Valid reports whether k is a known task kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBatchUpload, KindPhotoUpload, KindProfileUpdate, KindBatchDelete:
		return true
	}
	return false
}

// Status is the task state machine. Transitions form a DAG:
//
//	queued → processing → {completed | failed | conflict}
//	processing → queued          (transient error, attempts remaining; or recovery sweep)
//	failed → queued              (manual/periodic reset while attempts remain)
//	conflict → queued            (re-sync after manual resolution)
//
// completed is absorbing, and failed is absorbing once attempts are
// exhausted (the reset path checks attempts before moving the task).
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusConflict   Status = "conflict"
)

var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusConflict, StatusQueued},
	StatusFailed:     {StatusQueued},
	StatusConflict:   {StatusQueued},
	StatusCompleted:  {},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Priority bands. Lower value is more urgent, matching the capture flow:
// a live inspection's batch beats a background profile update.
const (
	PriorityHigh   = 0
	PriorityNormal = 2
	PriorityLow    = 4
)

// Task is one queued unit of outbound synchronization work. Owned
// exclusively by the queue; mutated only through its methods.
type Task struct {
	ID          string          `json:"task_id"`
	Kind        Kind            `json:"kind"`
	EntityID    string          `json:"entity_id"`
	TenantID    string          `json:"tenant_id"`
	Operation   string          `json:"operation"` // create, update, delete
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the fields callers control at enqueue time.
func (t *Task) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
	if t.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if t.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if t.Operation == "" {
		return fmt.Errorf("operation is required")
	}
	if t.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1 (got %d)", t.MaxAttempts)
	}
	return nil
}

// BatchUploadPayload is the payload for KindBatchUpload and KindBatchDelete.
type BatchUploadPayload struct {
	BatchID    string `json:"batch_id"`
	PhotoCount int    `json:"photo_count,omitempty"`
}

// PhotoUploadPayload is the payload for KindPhotoUpload.
type PhotoUploadPayload struct {
	PhotoID  string `json:"photo_id"`
	BatchID  string `json:"batch_id"`
	FilePath string `json:"file_path,omitempty"`
}

// ProfileUpdatePayload is the payload for KindProfileUpdate.
type ProfileUpdatePayload struct {
	UserID string            `json:"user_id"`
	Fields map[string]string `json:"fields"`
}

// DecodePayload decodes the payload into the kind's schema. The payload is
// decoded exactly once, at dequeue time, so malformed payloads surface as
// permanent errors before any remote call happens.
func (t *Task) DecodePayload() (any, error) {
	raw := t.Payload
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch t.Kind {
	case KindBatchUpload, KindBatchDelete:
		var p BatchUploadPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", t.Kind, err)
		}
		if p.BatchID == "" {
			p.BatchID = t.EntityID
		}
		return &p, nil
	case KindPhotoUpload:
		var p PhotoUploadPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", t.Kind, err)
		}
		if p.PhotoID == "" {
			p.PhotoID = t.EntityID
		}
		return &p, nil
	case KindProfileUpdate:
		var p ProfileUpdatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", t.Kind, err)
		}
		if p.UserID == "" {
			p.UserID = t.EntityID
		}
		return &p, nil
	}
	return nil, fmt.Errorf("unknown task kind %q", t.Kind)
}

// IdempotencyKey returns the tuple that makes duplicate enqueues no-ops
// while an identical task is still live.
func (t *Task) IdempotencyKey() string {
	return fmt.Sprintf("%s/%s/%s", t.Kind, t.EntityID, t.Operation)
}
