package entity

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/fieldproof/fieldproof/internal/store"
	"github.com/fieldproof/fieldproof/internal/tenant"
)

func setupTestRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	guard := tenant.NewGuard(nil, log.New(io.Discard, "", 0))
	return NewRepo(db, guard, log.New(io.Discard, "", 0))
}

func adminContext(tenantID string) tenant.Context {
	return tenant.Context{UserID: "u1", TenantID: tenantID, Role: tenant.RoleAdmin}
}

func testBatch(id, tenantID string) *Batch {
	return &Batch{
		ID:       id,
		TenantID: tenantID,
		OwnerID:  "u1",
		Name:     "line 3 inspection",
	}
}

// Created batches come back with defaults applied.
func TestCreateBatch_Defaults(t *testing.T) {
	r := setupTestRepo(t)
	ctx := context.Background()
	tc := adminContext("t1")

	b := testBatch("b1", "t1")
	if err := r.CreateBatch(ctx, tc, b); err != nil {
		t.Fatalf("CreateBatch() failed: %v", err)
	}

	got, err := r.GetBatch(ctx, tc, "b1")
	if err != nil {
		t.Fatalf("GetBatch() failed: %v", err)
	}
	if got.Status != "open" {
		t.Errorf("Status = %q, want open", got.Status)
	}
	if got.SyncState != SyncPending {
		t.Errorf("SyncState = %q, want pending", got.SyncState)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

// A batch missing its ID gets a generated one.
func TestCreateBatch_GeneratesID(t *testing.T) {
	r := setupTestRepo(t)
	tc := adminContext("t1")

	b := testBatch("", "t1")
	if err := r.CreateBatch(context.Background(), tc, b); err != nil {
		t.Fatalf("CreateBatch() failed: %v", err)
	}
	if b.ID == "" {
		t.Fatal("expected generated ID")
	}
}

// An invalid batch is rejected before it touches the database.
func TestCreateBatch_Invalid(t *testing.T) {
	r := setupTestRepo(t)
	tc := adminContext("t1")

	b := testBatch("b1", "t1")
	b.Name = ""
	if err := r.CreateBatch(context.Background(), tc, b); err == nil {
		t.Fatal("expected validation error for missing name")
	}
}

// A row owned by another tenant reads as not found, never leaked.
func TestGetBatch_CrossTenant(t *testing.T) {
	r := setupTestRepo(t)
	ctx := context.Background()

	if err := r.CreateBatch(ctx, adminContext("t1"), testBatch("b1", "t1")); err != nil {
		t.Fatalf("CreateBatch() failed: %v", err)
	}

	_, err := r.GetBatch(ctx, adminContext("t2"), "b1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant GetBatch() = %v, want ErrNotFound", err)
	}
}

// Writing a batch into another tenant's scope is denied.
func TestCreateBatch_CrossTenantDenied(t *testing.T) {
	r := setupTestRepo(t)

	b := testBatch("b1", "t2")
	err := r.CreateBatch(context.Background(), adminContext("t1"), b)
	if !errors.Is(err, tenant.ErrAccessDenied) {
		t.Fatalf("CreateBatch() = %v, want ErrAccessDenied", err)
	}
}

// Members without batch permissions cannot create or delete.
func TestBatch_PermissionDenied(t *testing.T) {
	r := setupTestRepo(t)
	ctx := context.Background()
	viewer := tenant.Context{
		UserID:      "u2",
		TenantID:    "t1",
		Role:        tenant.RoleMember,
		Permissions: []string{"photo_*"},
	}

	err := r.CreateBatch(ctx, viewer, testBatch("b1", "t1"))
	if !errors.Is(err, tenant.ErrPermissionDenied) {
		t.Fatalf("CreateBatch() = %v, want ErrPermissionDenied", err)
	}

	if err := r.CreateBatch(ctx, adminContext("t1"), testBatch("b1", "t1")); err != nil {
		t.Fatalf("admin CreateBatch() failed: %v", err)
	}
	err = r.DeleteBatch(ctx, viewer, "b1")
	if !errors.Is(err, tenant.ErrPermissionDenied) {
		t.Fatalf("DeleteBatch() = %v, want ErrPermissionDenied", err)
	}
}

// ListBatches filters by sync state and stays inside the tenant.
func TestListBatches_Filter(t *testing.T) {
	r := setupTestRepo(t)
	ctx := context.Background()
	tc := adminContext("t1")

	for _, id := range []string{"b1", "b2"} {
		if err := r.CreateBatch(ctx, tc, testBatch(id, "t1")); err != nil {
			t.Fatalf("CreateBatch(%s) failed: %v", id, err)
		}
	}
	if err := r.CreateBatch(ctx, adminContext("t2"), testBatch("b3", "t2")); err != nil {
		t.Fatalf("CreateBatch(b3) failed: %v", err)
	}
	if err := r.SetBatchSyncState(ctx, tc, "b2", SyncSynced, 0); err != nil {
		t.Fatalf("SetBatchSyncState() failed: %v", err)
	}

	all, err := r.ListBatches(ctx, tc, "", 0)
	if err != nil {
		t.Fatalf("ListBatches() failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}

	pending, err := r.ListBatches(ctx, tc, SyncPending, 0)
	if err != nil {
		t.Fatalf("ListBatches(pending) failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "b1" {
		t.Fatalf("pending = %+v, want just b1", pending)
	}
}

// UpdateBatch persists annotations and metadata round-trip.
func TestUpdateBatch_Extras(t *testing.T) {
	r := setupTestRepo(t)
	ctx := context.Background()
	tc := adminContext("t1")

	b := testBatch("b1", "t1")
	if err := r.CreateBatch(ctx, tc, b); err != nil {
		t.Fatalf("CreateBatch() failed: %v", err)
	}

	b.Status = "completed"
	b.Annotations = []Annotation{{ID: "a1", Author: "u1", Text: "scratch on housing"}}
	b.Metadata = map[string]string{"shift": "early"}
	if err := r.UpdateBatch(ctx, tc, b); err != nil {
		t.Fatalf("UpdateBatch() failed: %v", err)
	}

	got, err := r.GetBatch(ctx, tc, "b1")
	if err != nil {
		t.Fatalf("GetBatch() failed: %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if len(got.Annotations) != 1 || got.Annotations[0].Text != "scratch on housing" {
		t.Errorf("Annotations = %+v", got.Annotations)
	}
	if got.Metadata["shift"] != "early" {
		t.Errorf("Metadata = %+v", got.Metadata)
	}
}

// Updating a batch that does not exist in the tenant reports not found.
func TestUpdateBatch_NotFound(t *testing.T) {
	r := setupTestRepo(t)

	b := testBatch("missing", "t1")
	err := r.UpdateBatch(context.Background(), adminContext("t1"), b)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateBatch() = %v, want ErrNotFound", err)
	}
}

// Acknowledged server versions bump the local version on state change.
func TestSetBatchSyncState_VersionBump(t *testing.T) {
	r := setupTestRepo(t)
	ctx := context.Background()
	tc := adminContext("t1")

	if err := r.CreateBatch(ctx, tc, testBatch("b1", "t1")); err != nil {
		t.Fatalf("CreateBatch() failed: %v", err)
	}

	if err := r.SetBatchSyncState(ctx, tc, "b1", SyncSynced, 7); err != nil {
		t.Fatalf("SetBatchSyncState() failed: %v", err)
	}
	got, err := r.GetBatch(ctx, tc, "b1")
	if err != nil {
		t.Fatalf("GetBatch() failed: %v", err)
	}
	if got.SyncState != SyncSynced || got.Version != 7 {
		t.Fatalf("state=%q version=%d, want synced/7", got.SyncState, got.Version)
	}

	// Zero server version leaves the stored version alone.
	if err := r.SetBatchSyncState(ctx, tc, "b1", SyncError, 0); err != nil {
		t.Fatalf("SetBatchSyncState() failed: %v", err)
	}
	got, err = r.GetBatch(ctx, tc, "b1")
	if err != nil {
		t.Fatalf("GetBatch() failed: %v", err)
	}
	if got.Version != 7 {
		t.Fatalf("Version = %d, want 7", got.Version)
	}
}

// Deleting a batch removes its photos and best-effort deletes their files.
func TestDeleteBatch_Cascade(t *testing.T) {
	r := setupTestRepo(t)
	ctx := context.Background()
	tc := adminContext("t1")

	if err := r.CreateBatch(ctx, tc, testBatch("b1", "t1")); err != nil {
		t.Fatalf("CreateBatch() failed: %v", err)
	}

	photoFile := filepath.Join(t.TempDir(), "frame-001.jpg")
	if err := os.WriteFile(photoFile, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	p := &Photo{ID: "p1", BatchID: "b1", TenantID: "t1", OwnerID: "u1", FilePath: photoFile}
	if err := r.CreatePhoto(ctx, tc, p); err != nil {
		t.Fatalf("CreatePhoto() failed: %v", err)
	}

	if err := r.DeleteBatch(ctx, tc, "b1"); err != nil {
		t.Fatalf("DeleteBatch() failed: %v", err)
	}

	if _, err := r.GetBatch(ctx, tc, "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetBatch() after delete = %v, want ErrNotFound", err)
	}
	if _, err := r.GetPhoto(ctx, tc, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPhoto() after delete = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(photoFile); !os.IsNotExist(err) {
		t.Fatalf("photo file still present: %v", err)
	}
}

// Deleting a batch in another tenant's scope reports not found.
func TestDeleteBatch_CrossTenant(t *testing.T) {
	r := setupTestRepo(t)
	ctx := context.Background()

	if err := r.CreateBatch(ctx, adminContext("t1"), testBatch("b1", "t1")); err != nil {
		t.Fatalf("CreateBatch() failed: %v", err)
	}
	err := r.DeleteBatch(ctx, adminContext("t2"), "b1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteBatch() = %v, want ErrNotFound", err)
	}
	if _, err := r.GetBatch(ctx, adminContext("t1"), "b1"); err != nil {
		t.Fatalf("batch should survive cross-tenant delete: %v", err)
	}
}

// Photos require an existing batch in the same tenant.
func TestCreatePhoto_MissingBatch(t *testing.T) {
	r := setupTestRepo(t)
	tc := adminContext("t1")

	p := &Photo{ID: "p1", BatchID: "missing", TenantID: "t1", OwnerID: "u1"}
	err := r.CreatePhoto(context.Background(), tc, p)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("CreatePhoto() = %v, want ErrNotFound", err)
	}
}

// Photo lifecycle: create, list in capture order, update status.
func TestPhoto_Lifecycle(t *testing.T) {
	r := setupTestRepo(t)
	ctx := context.Background()
	tc := adminContext("t1")

	if err := r.CreateBatch(ctx, tc, testBatch("b1", "t1")); err != nil {
		t.Fatalf("CreateBatch() failed: %v", err)
	}
	for _, id := range []string{"p1", "p2"} {
		p := &Photo{ID: id, BatchID: "b1", TenantID: "t1", OwnerID: "u1", FilePath: "/tmp/" + id + ".jpg"}
		if err := r.CreatePhoto(ctx, tc, p); err != nil {
			t.Fatalf("CreatePhoto(%s) failed: %v", id, err)
		}
	}

	photos, err := r.ListPhotos(ctx, tc, "b1")
	if err != nil {
		t.Fatalf("ListPhotos() failed: %v", err)
	}
	if len(photos) != 2 {
		t.Fatalf("len(photos) = %d, want 2", len(photos))
	}
	if photos[0].Status != "captured" {
		t.Errorf("Status = %q, want captured", photos[0].Status)
	}

	p := photos[0]
	p.Status = "approved"
	if err := r.UpdatePhoto(ctx, tc, p); err != nil {
		t.Fatalf("UpdatePhoto() failed: %v", err)
	}
	got, err := r.GetPhoto(ctx, tc, p.ID)
	if err != nil {
		t.Fatalf("GetPhoto() failed: %v", err)
	}
	if got.Status != "approved" {
		t.Errorf("Status = %q, want approved", got.Status)
	}
}

// Photo sync state mirrors update independently of content writes.
func TestSetPhotoSyncState(t *testing.T) {
	r := setupTestRepo(t)
	ctx := context.Background()
	tc := adminContext("t1")

	if err := r.CreateBatch(ctx, tc, testBatch("b1", "t1")); err != nil {
		t.Fatalf("CreateBatch() failed: %v", err)
	}
	p := &Photo{ID: "p1", BatchID: "b1", TenantID: "t1", OwnerID: "u1"}
	if err := r.CreatePhoto(ctx, tc, p); err != nil {
		t.Fatalf("CreatePhoto() failed: %v", err)
	}

	if err := r.SetPhotoSyncState(ctx, tc, "p1", SyncSynced, 3); err != nil {
		t.Fatalf("SetPhotoSyncState() failed: %v", err)
	}
	got, err := r.GetPhoto(ctx, tc, "p1")
	if err != nil {
		t.Fatalf("GetPhoto() failed: %v", err)
	}
	if got.SyncState != SyncSynced || got.Version != 3 {
		t.Fatalf("state=%q version=%d, want synced/3", got.SyncState, got.Version)
	}

	if err := r.SetPhotoSyncState(ctx, tc, "missing", SyncSynced, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetPhotoSyncState(missing) = %v, want ErrNotFound", err)
	}
}
