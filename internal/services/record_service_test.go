package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"fintrack/internal/core"
	"fintrack/internal/storage"
)

func newService(t *testing.T) (*RecordService, *storage.SQLiteRepository) {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(
		filepath.Join(t.TempDir(), "test.db"), storage.DefaultCleanupPolicy())
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return NewRecordService(repo, 1), repo
}

func validInput() CreateInput {
	return CreateInput{
		Description: "Coffee",
		Amount:      "500.00",
		Date:        "2024-01-15",
	}
}

func TestCreateRecord(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	rec, err := svc.CreateRecord(ctx, validInput())
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if rec.LocalID == "" || rec.ServerID != "" {
		t.Errorf("new record should have a local id and no server id: %+v", rec)
	}
	if rec.SyncStatus != core.StatusPending {
		t.Errorf("sync status = %q, want pending", rec.SyncStatus)
	}
	if rec.OwnerID != 1 {
		t.Errorf("owner = %d, want 1", rec.OwnerID)
	}

	stored, err := repo.GetRecord(ctx, rec.LocalID)
	if err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	if stored.Description != "Coffee" {
		t.Errorf("stored description = %q", stored.Description)
	}

	ops, err := repo.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(ops) != 1 || ops[0].Kind != core.OpCreate {
		t.Fatalf("expected one queued create, got %+v", ops)
	}
	if ops[0].Payload.LocalID != rec.LocalID {
		t.Error("queued snapshot should carry the record's local id")
	}
}

func TestCreateRecord_Invalid(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateInput
		want  error
	}{
		{"empty description", CreateInput{Amount: "1.00", Date: "2024-01-15"}, core.ErrEmptyDescription},
		{"bad amount", CreateInput{Description: "x", Amount: "abc", Date: "2024-01-15"}, core.ErrInvalidAmount},
		{"bad date", CreateInput{Description: "x", Amount: "1.00", Date: "undefined"}, core.ErrInvalidDate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateRecord(ctx, tc.input); !errors.Is(err, tc.want) {
				t.Errorf("error = %v, want %v", err, tc.want)
			}
		})
	}

	if n, _ := repo.CountPending(ctx); n != 0 {
		t.Errorf("invalid input must not enqueue anything, pending = %d", n)
	}
}

func TestUpdateRecord_MergesChangedFields(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	rec, err := svc.CreateRecord(ctx, validInput())
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	amount := "750.50"
	updated, err := svc.UpdateRecord(ctx, rec.LocalID, UpdateInput{Amount: &amount})
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if updated.Amount != "750.50" {
		t.Errorf("amount = %q, want 750.50", updated.Amount)
	}
	if updated.Description != "Coffee" {
		t.Error("untouched fields must survive the merge")
	}
	if updated.LastModified < rec.LastModified {
		t.Error("modification timestamp should move forward")
	}

	ops, err := repo.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(ops) != 2 || ops[1].Kind != core.OpUpdate {
		t.Fatalf("expected create then update queued, got %+v", ops)
	}
	if ops[1].Payload.Amount != "750.50" {
		t.Error("update snapshot should carry the merged record")
	}
}

func TestUpdateRecord_ByServerIdentity(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	rec, err := svc.CreateRecord(ctx, validInput())
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	rec.ServerID = "42"
	rec.SyncStatus = core.StatusSynced
	if err := repo.PutRecord(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	desc := "Espresso"
	updated, err := svc.UpdateRecord(ctx, "42", UpdateInput{Description: &desc})
	if err != nil {
		t.Fatalf("UpdateRecord by server id: %v", err)
	}
	if updated.LocalID != rec.LocalID || updated.Description != "Espresso" {
		t.Errorf("unexpected record: %+v", updated)
	}
}

func TestUpdateRecord_NotFound(t *testing.T) {
	svc, _ := newService(t)

	desc := "x"
	_, err := svc.UpdateRecord(context.Background(), "missing", UpdateInput{Description: &desc})
	if !errors.Is(err, core.ErrRecordNotFound) {
		t.Errorf("error = %v, want ErrRecordNotFound", err)
	}
}

func TestDeleteRecord(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	t.Run("unsynced record queues nothing", func(t *testing.T) {
		rec, err := svc.CreateRecord(ctx, validInput())
		if err != nil {
			t.Fatalf("CreateRecord: %v", err)
		}
		if err := repo.ClearOperations(ctx); err != nil {
			t.Fatalf("clear: %v", err)
		}

		if err := svc.DeleteRecord(ctx, rec.LocalID); err != nil {
			t.Fatalf("DeleteRecord: %v", err)
		}
		if _, err := repo.GetRecord(ctx, rec.LocalID); !errors.Is(err, core.ErrRecordNotFound) {
			t.Error("record should be gone locally")
		}
		if n, _ := repo.CountPending(ctx); n != 0 {
			t.Errorf("nothing to delete remotely, pending = %d", n)
		}
	})

	t.Run("synced record queues a delete", func(t *testing.T) {
		rec, err := svc.CreateRecord(ctx, validInput())
		if err != nil {
			t.Fatalf("CreateRecord: %v", err)
		}
		rec.ServerID = "42"
		rec.SyncStatus = core.StatusSynced
		if err := repo.PutRecord(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := repo.ClearOperations(ctx); err != nil {
			t.Fatalf("clear: %v", err)
		}

		if err := svc.DeleteRecord(ctx, rec.LocalID); err != nil {
			t.Fatalf("DeleteRecord: %v", err)
		}
		ops, err := repo.Drain(ctx)
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if len(ops) != 1 || ops[0].Kind != core.OpDelete || ops[0].Payload.ServerID != "42" {
			t.Errorf("expected one queued delete for 42, got %+v", ops)
		}
	})
}

func TestBulkDelete_CollectsErrors(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.CreateRecord(ctx, validInput())
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	second, err := svc.CreateRecord(ctx, validInput())
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	deleted, err := svc.BulkDelete(ctx, []string{first.LocalID, "missing", second.LocalID})
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	if !errors.Is(err, core.ErrRecordNotFound) {
		t.Errorf("expected the missing id's error to be reported, got %v", err)
	}
}

func TestCountsAndReset(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.CreateRecord(ctx, validInput()); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	records, pending, err := svc.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if records != 1 || pending != 1 {
		t.Errorf("counts = %d/%d, want 1/1", records, pending)
	}
	if unsynced, _ := svc.HasUnsynced(ctx); !unsynced {
		t.Error("HasUnsynced should report true")
	}

	if err := svc.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	records, pending, err = svc.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if records != 0 || pending != 0 {
		t.Errorf("counts after reset = %d/%d, want 0/0", records, pending)
	}
	if unsynced, _ := svc.HasUnsynced(ctx); unsynced {
		t.Error("HasUnsynced should report false after reset")
	}
}
