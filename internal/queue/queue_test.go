package queue

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldproof/fieldproof/internal/store"
)

func setupTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, log.New(io.Discard, "", 0))
}

func testTask(kind Kind, entityID string) *Task {
	return &Task{
		Kind:        kind,
		EntityID:    entityID,
		TenantID:    "t1",
		Operation:   "create",
		Priority:    PriorityNormal,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// TestEnqueue_Dequeue tests the basic enqueue/lease round trip
func TestEnqueue_Dequeue(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	task := testTask(KindBatchUpload, "b1")
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if task.ID == "" {
		t.Fatal("Enqueue() did not assign an id")
	}

	leased, err := q.DequeueNext(ctx)
	if err != nil {
		t.Fatalf("DequeueNext() failed: %v", err)
	}
	if leased.ID != task.ID {
		t.Errorf("leased id = %s, want %s", leased.ID, task.ID)
	}
	if leased.Status != StatusProcessing {
		t.Errorf("leased status = %s, want processing", leased.Status)
	}
	if leased.Attempts != 0 {
		t.Errorf("attempts = %d at lease time, want 0", leased.Attempts)
	}
}

// TestEnqueue_Idempotent tests that an identical live task is rejected
// with the original's id
func TestEnqueue_Idempotent(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	first := testTask(KindBatchUpload, "b1")
	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("First Enqueue() failed: %v", err)
	}

	second := testTask(KindBatchUpload, "b1")
	err := q.Enqueue(ctx, second)
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("Second Enqueue() = %v, want duplicate error", err)
	}
	var dup *DuplicateError
	if !errors.As(err, &dup) || dup.ExistingID != first.ID {
		t.Errorf("duplicate should carry original id %s, got %+v", first.ID, err)
	}

	// A different operation on the same entity is a separate task.
	update := testTask(KindBatchUpload, "b1")
	update.Operation = "update"
	if err := q.Enqueue(ctx, update); err != nil {
		t.Errorf("Enqueue() with different operation failed: %v", err)
	}
}

// TestEnqueue_AfterCompletion tests that completion frees the idempotency key
func TestEnqueue_AfterCompletion(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	task := testTask(KindPhotoUpload, "p1")
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatalf("DequeueNext() failed: %v", err)
	}
	if err := q.MarkCompleted(ctx, task.ID); err != nil {
		t.Fatalf("MarkCompleted() failed: %v", err)
	}

	again := testTask(KindPhotoUpload, "p1")
	if err := q.Enqueue(ctx, again); err != nil {
		t.Errorf("Enqueue() after completion failed: %v", err)
	}
}

// TestDequeueNext_PriorityOrder tests band-then-age ordering
func TestDequeueNext_PriorityOrder(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	low := testTask(KindProfileUpdate, "u1")
	low.Priority = PriorityLow
	if err := q.Enqueue(ctx, low); err != nil {
		t.Fatalf("Enqueue(low) failed: %v", err)
	}

	high := testTask(KindBatchDelete, "b1")
	high.Priority = PriorityHigh
	high.Operation = "delete"
	if err := q.Enqueue(ctx, high); err != nil {
		t.Fatalf("Enqueue(high) failed: %v", err)
	}

	leased, err := q.DequeueNext(ctx)
	if err != nil {
		t.Fatalf("DequeueNext() failed: %v", err)
	}
	if leased.ID != high.ID {
		t.Errorf("leased %s first, want high-priority %s", leased.ID, high.ID)
	}
}

// TestDequeueNext_SingleLease tests that a processing task is not leased twice
func TestDequeueNext_SingleLease(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	task := testTask(KindBatchUpload, "b1")
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatalf("First DequeueNext() failed: %v", err)
	}

	if _, err := q.DequeueNext(ctx); !errors.Is(err, ErrNoTasks) {
		t.Errorf("Second DequeueNext() = %v, want ErrNoTasks", err)
	}
}

// TestRequeueTransient_ExhaustsToFailed tests the attempt ceiling
func TestRequeueTransient_ExhaustsToFailed(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	task := testTask(KindBatchUpload, "b1")
	task.MaxAttempts = 2
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	// Attempt 1: transient failure, goes back to queued.
	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatalf("DequeueNext() failed: %v", err)
	}
	status, err := q.RequeueTransient(ctx, task.ID, "network timeout")
	if err != nil {
		t.Fatalf("RequeueTransient() failed: %v", err)
	}
	if status != StatusQueued {
		t.Errorf("status after attempt 1 = %s, want queued", status)
	}

	// Attempt 2: ceiling reached, task fails for good.
	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatalf("DequeueNext() failed: %v", err)
	}
	status, err = q.RequeueTransient(ctx, task.ID, "network timeout")
	if err != nil {
		t.Fatalf("RequeueTransient() failed: %v", err)
	}
	if status != StatusFailed {
		t.Errorf("status after attempt 2 = %s, want failed", status)
	}

	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
	if got.LastError != "network timeout" {
		t.Errorf("last error = %q, want the recorded cause", got.LastError)
	}
	if _, err := q.DequeueNext(ctx); !errors.Is(err, ErrNoTasks) {
		t.Errorf("failed task should not be leased, got %v", err)
	}
}

// TestTerminalMarks_CountAttempt tests that every settled dispatch counts:
// two transient failures followed by a success end with attempts = 3
func TestTerminalMarks_CountAttempt(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	task := testTask(KindBatchUpload, "b1")
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := q.DequeueNext(ctx); err != nil {
			t.Fatalf("DequeueNext() failed: %v", err)
		}
		if _, err := q.RequeueTransient(ctx, task.ID, "network timeout"); err != nil {
			t.Fatalf("RequeueTransient() failed: %v", err)
		}
	}
	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatalf("DequeueNext() failed: %v", err)
	}
	if err := q.MarkCompleted(ctx, task.ID); err != nil {
		t.Fatalf("MarkCompleted() failed: %v", err)
	}

	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}

	// Permanent rejection counts the attempt too.
	other := testTask(KindPhotoUpload, "p1")
	if err := q.Enqueue(ctx, other); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatalf("DequeueNext() failed: %v", err)
	}
	if err := q.MarkFailed(ctx, other.ID, "schema rejected"); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}
	gotOther, err := q.Get(ctx, other.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if gotOther.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", gotOther.Attempts)
	}
}

// TestTransition_Illegal tests that state transitions are enforced
func TestTransition_Illegal(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	task := testTask(KindBatchUpload, "b1")
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	// queued -> completed skips processing and must be rejected.
	if err := q.MarkCompleted(ctx, task.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("MarkCompleted() on queued task = %v, want ErrIllegalTransition", err)
	}

	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatalf("DequeueNext() failed: %v", err)
	}
	if err := q.MarkCompleted(ctx, task.ID); err != nil {
		t.Fatalf("MarkCompleted() failed: %v", err)
	}

	// completed is absorbing.
	if err := q.MarkFailed(ctx, task.ID, "late"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("MarkFailed() on completed task = %v, want ErrIllegalTransition", err)
	}
}

// TestResetFailed tests operator retry of failed and conflicted tasks
func TestResetFailed(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	task := testTask(KindBatchUpload, "b1")
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatalf("DequeueNext() failed: %v", err)
	}
	if err := q.MarkConflict(ctx, task.ID); err != nil {
		t.Fatalf("MarkConflict() failed: %v", err)
	}

	if err := q.ResetFailed(ctx, task.ID); err != nil {
		t.Fatalf("ResetFailed() failed: %v", err)
	}
	got, err := q.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("status = %s after reset, want queued", got.Status)
	}
}

// TestRecoverStale tests the startup sweep for interrupted tasks
func TestRecoverStale(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"b1", "b2"} {
		task := testTask(KindBatchUpload, id)
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}
	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatalf("DequeueNext() failed: %v", err)
	}

	n, err := q.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d tasks, want 1", n)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Queued != 2 || stats.Processing != 0 {
		t.Errorf("stats = %+v, want 2 queued and 0 processing", stats)
	}
}

// TestPurgeCompleted tests retention cleanup
func TestPurgeCompleted(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()

	task := testTask(KindBatchUpload, "b1")
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if _, err := q.DequeueNext(ctx); err != nil {
		t.Fatalf("DequeueNext() failed: %v", err)
	}
	if err := q.MarkCompleted(ctx, task.ID); err != nil {
		t.Fatalf("MarkCompleted() failed: %v", err)
	}

	// Cutoff in the past keeps the fresh task.
	n, err := q.PurgeCompleted(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PurgeCompleted() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("purged %d with old cutoff, want 0", n)
	}

	// Cutoff in the future removes it.
	n, err = q.PurgeCompleted(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeCompleted() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d with future cutoff, want 1", n)
	}

	if _, err := q.Get(ctx, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Get() after purge = %v, want ErrTaskNotFound", err)
	}
}

// TestDecodePayload_DefaultsFromEntityID tests the tagged payload decode
func TestDecodePayload_DefaultsFromEntityID(t *testing.T) {
	task := testTask(KindBatchUpload, "b1")

	payload, err := task.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload() failed: %v", err)
	}
	bp, ok := payload.(*BatchUploadPayload)
	if !ok {
		t.Fatalf("payload type = %T, want *BatchUploadPayload", payload)
	}
	if bp.BatchID != "b1" {
		t.Errorf("batch id = %q, want entity id fallback", bp.BatchID)
	}
}
