package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/storage"
)

// RecordService is the write API in front of the local store: it records
// user intent and leaves delivery to the sync engine.
type RecordService struct {
	storage *storage.SQLiteRepository
	ownerID int64
}

func NewRecordService(storage *storage.SQLiteRepository, ownerID int64) *RecordService {
	return &RecordService{
		storage: storage,
		ownerID: ownerID,
	}
}

// CreateInput is what the user supplies for a new record.
type CreateInput struct {
	Description string
	Amount      string
	Date        string
	CategoryID  *int64
}

// UpdateInput carries only the fields the user changed.
type UpdateInput struct {
	Description *string
	Amount      *string
	Date        *string
	CategoryID  *int64
}

// CreateRecord stores the record locally and queues a create in one
// transaction, so intent survives a crash between the two writes.
func (s *RecordService) CreateRecord(ctx context.Context, input CreateInput) (core.Record, error) {
	now := time.Now()
	rec := core.Record{
		LocalID:      core.NewLocalID(),
		Description:  input.Description,
		Amount:       input.Amount,
		Date:         input.Date,
		CategoryID:   input.CategoryID,
		OwnerID:      s.ownerID,
		CreatedAt:    now,
		UpdatedAt:    now,
		SyncStatus:   core.StatusPending,
		LastModified: now.UnixMilli(),
	}
	if err := rec.Validate(); err != nil {
		return core.Record{}, err
	}

	if _, err := s.storage.SaveRecordWithOperation(ctx, rec, core.OpCreate); err != nil {
		return core.Record{}, fmt.Errorf("create record: %w", err)
	}

	slog.InfoContext(ctx, "Record created locally",
		"local_id", rec.LocalID, "amount", rec.Amount)
	return rec, nil
}

// UpdateRecord merges the changed fields into the stored record and
// queues an update carrying the full new snapshot.
func (s *RecordService) UpdateRecord(ctx context.Context, id string, input UpdateInput) (core.Record, error) {
	rec, err := s.FindRecord(ctx, id)
	if err != nil {
		return core.Record{}, err
	}

	if input.Description != nil {
		rec.Description = *input.Description
	}
	if input.Amount != nil {
		rec.Amount = *input.Amount
	}
	if input.Date != nil {
		rec.Date = *input.Date
	}
	if input.CategoryID != nil {
		rec.CategoryID = input.CategoryID
	}

	now := time.Now()
	rec.UpdatedAt = now
	rec.LastModified = now.UnixMilli()
	rec.SyncStatus = core.StatusPending

	if err := rec.Validate(); err != nil {
		return core.Record{}, err
	}

	if _, err := s.storage.SaveRecordWithOperation(ctx, rec, core.OpUpdate); err != nil {
		return core.Record{}, fmt.Errorf("update record: %w", err)
	}

	slog.InfoContext(ctx, "Record updated locally", "local_id", rec.LocalID)
	return rec, nil
}

// DeleteRecord removes the record locally and, for server-known records,
// queues the remote delete in the same transaction.
func (s *RecordService) DeleteRecord(ctx context.Context, id string) error {
	rec, err := s.FindRecord(ctx, id)
	if err != nil {
		return err
	}

	enqueued, err := s.storage.DeleteRecordWithOperation(ctx, rec)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}

	slog.InfoContext(ctx, "Record deleted locally",
		"local_id", rec.LocalID, "remote_delete_queued", enqueued)
	return nil
}

// BulkDelete deletes several records, collecting per-record errors so one
// bad identifier does not abort the rest.
func (s *RecordService) BulkDelete(ctx context.Context, ids []string) (int, error) {
	var errs []error
	deleted := 0
	for _, id := range ids {
		if err := s.DeleteRecord(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		deleted++
	}

	if len(errs) > 0 {
		slog.WarnContext(ctx, "Bulk delete partially failed",
			"deleted", deleted, "failed", len(errs))
		return deleted, errors.Join(errs...)
	}
	return deleted, nil
}

// FindRecord resolves a record by its local identifier first, then by its
// server-assigned one.
func (s *RecordService) FindRecord(ctx context.Context, id string) (core.Record, error) {
	rec, err := s.storage.GetRecord(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, core.ErrRecordNotFound) {
		return core.Record{}, err
	}
	return s.storage.FindByServerID(ctx, id)
}

// ListRecords returns all locally held records, newest first.
func (s *RecordService) ListRecords(ctx context.Context) ([]core.Record, error) {
	return s.storage.ListRecords(ctx)
}

// Counts reports the store and queue sizes for display.
func (s *RecordService) Counts(ctx context.Context) (records, pending int64, err error) {
	records, err = s.storage.CountRecords(ctx)
	if err != nil {
		return 0, 0, err
	}
	pending, err = s.storage.CountPending(ctx)
	if err != nil {
		return 0, 0, err
	}
	return records, pending, nil
}

// HasUnsynced reports whether anything still waits for the server.
func (s *RecordService) HasUnsynced(ctx context.Context) (bool, error) {
	pending, err := s.storage.CountPending(ctx)
	if err != nil {
		return false, err
	}
	return pending > 0, nil
}

// Reset wipes records, queue and settings. Meant for support and tests.
func (s *RecordService) Reset(ctx context.Context) error {
	return s.storage.Reset(ctx)
}
