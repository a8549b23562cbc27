package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"fintrack/internal/core"
)

// CleanupPolicy bounds queue growth from operations whose underlying
// record disappeared through another code path. Delete operations use a
// two-tier rule: stale after the grace window once they have failed at
// least once, gone unconditionally after the hard window.
type CleanupPolicy struct {
	// MaxAttempts is the abandonment threshold; operations that failed
	// more often than this are purged instead of retried.
	MaxAttempts int

	// StaleDeleteAfter is the grace window for delete operations with at
	// least one failed attempt.
	StaleDeleteAfter time.Duration

	// HardPurgeAfter removes delete operations regardless of attempts.
	HardPurgeAfter time.Duration
}

// DefaultCleanupPolicy returns the thresholds the queue ships with.
func DefaultCleanupPolicy() CleanupPolicy {
	return CleanupPolicy{
		MaxAttempts:      5,
		StaleDeleteAfter: 2 * time.Minute,
		HardPurgeAfter:   10 * time.Minute,
	}
}

// Enqueue appends a new pending operation carrying a full snapshot of the
// record, with zero attempts and the current timestamp as ordering key.
func (r *SQLiteRepository) Enqueue(ctx context.Context, kind core.OperationKind, snapshot core.Record) (core.Operation, error) {
	op := core.Operation{
		ID:         core.NewOperationID(),
		Kind:       kind,
		Payload:    snapshot,
		EnqueuedAt: time.Now().UnixMilli(),
		Attempts:   0,
	}
	if err := insertOperation(ctx, r.db, op); err != nil {
		return core.Operation{}, err
	}
	return op, nil
}

func insertOperation(ctx context.Context, db execer, op core.Operation) error {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return fmt.Errorf("marshal operation payload: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO pending_operations (id, kind, payload, enqueued_at, attempts)
		VALUES (?, ?, ?, ?, ?)`,
		op.ID, string(op.Kind), string(payload), op.EnqueuedAt, op.Attempts)
	if err != nil {
		return fmt.Errorf("enqueue operation: %w", err)
	}
	return nil
}

// Drain returns every pending operation in FIFO order. The rowid breaks
// ties between operations enqueued in the same millisecond.
func (r *SQLiteRepository) Drain(ctx context.Context) ([]core.Operation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, payload, enqueued_at, attempts
		FROM pending_operations
		ORDER BY enqueued_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("drain queue: %w", err)
	}
	defer rows.Close()

	var ops []core.Operation
	for rows.Next() {
		var (
			op      core.Operation
			kind    string
			payload string
		)
		if err := rows.Scan(&op.ID, &kind, &payload, &op.EnqueuedAt, &op.Attempts); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Kind = core.OperationKind(kind)
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal operation payload: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return ops, nil
}

// RemoveOperation deletes one queue entry; removing an absent id is not
// an error.
func (r *SQLiteRepository) RemoveOperation(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove operation: %w", err)
	}
	return nil
}

// BumpOperation increments the attempt counter and re-stamps the entry so
// a retried operation moves behind newer operations already queued.
func (r *SQLiteRepository) BumpOperation(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET attempts = attempts + 1, enqueued_at = ?
		WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("bump operation: %w", err)
	}
	return nil
}

// CountPending returns the queue depth.
func (r *SQLiteRepository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_operations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending operations: %w", err)
	}
	return n, nil
}

// PurgeInvalidOperations applies the startup validation discipline to the
// queue: structurally wrong operations, operations past the abandonment
// threshold and stale delete operations are removed and logged, never
// silently retried forever.
func (r *SQLiteRepository) PurgeInvalidOperations(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, payload, enqueued_at, attempts
		FROM pending_operations
		ORDER BY enqueued_at ASC, rowid ASC`)
	if err != nil {
		return fmt.Errorf("load queue for validation: %w", err)
	}

	type candidate struct {
		id     string
		reason string
	}
	var drop []candidate
	now := time.Now().UnixMilli()

	for rows.Next() {
		var (
			op      core.Operation
			kind    string
			payload string
		)
		if err := rows.Scan(&op.ID, &kind, &payload, &op.EnqueuedAt, &op.Attempts); err != nil {
			rows.Close()
			return fmt.Errorf("scan operation: %w", err)
		}
		op.Kind = core.OperationKind(kind)

		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			drop = append(drop, candidate{op.ID, "unreadable payload"})
			continue
		}
		if reason := r.invalidReason(op, now); reason != "" {
			drop = append(drop, candidate{op.ID, reason})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate queue: %w", err)
	}
	rows.Close()

	for _, c := range drop {
		if err := r.RemoveOperation(ctx, c.id); err != nil {
			return err
		}
		slog.WarnContext(ctx, "Removed invalid pending operation",
			"operation_id", c.id, "reason", c.reason)
	}
	if len(drop) > 0 {
		slog.InfoContext(ctx, "Purged invalid pending operations", "count", len(drop))
	}
	return nil
}

// invalidReason returns a non-empty reason when the operation must be
// purged rather than dispatched.
func (r *SQLiteRepository) invalidReason(op core.Operation, nowMillis int64) string {
	if err := op.Validate(); err != nil {
		return err.Error()
	}
	if op.Attempts > r.policy.MaxAttempts {
		return "too many failed attempts"
	}
	if op.Kind == core.OpDelete && op.Payload.ServerID != "" {
		age := time.Duration(nowMillis-op.EnqueuedAt) * time.Millisecond
		// A delete that is old and has already failed likely targets a
		// record removed through the bulk-delete path.
		if age > r.policy.HardPurgeAfter {
			return "very old delete operation, likely already processed"
		}
		if age > r.policy.StaleDeleteAfter && op.Attempts > 0 {
			return "stale delete operation with failed attempts"
		}
	}
	return ""
}

// SaveRecordWithOperation writes the record and enqueues the matching
// operation in a single durable transaction, so user intent is never
// recorded half-way.
func (r *SQLiteRepository) SaveRecordWithOperation(ctx context.Context, rec core.Record, kind core.OperationKind) (core.Operation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Operation{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := putRecord(ctx, tx, rec); err != nil {
		return core.Operation{}, err
	}

	op := core.Operation{
		ID:         core.NewOperationID(),
		Kind:       kind,
		Payload:    rec,
		EnqueuedAt: time.Now().UnixMilli(),
		Attempts:   0,
	}
	if err := insertOperation(ctx, tx, op); err != nil {
		return core.Operation{}, err
	}

	if err := tx.Commit(); err != nil {
		return core.Operation{}, fmt.Errorf("commit transaction: %w", err)
	}
	return op, nil
}

// DeleteRecordWithOperation removes the record and, when the record is
// server-known, enqueues the delete in the same transaction. A record
// that never reached the server has nothing to delete remotely, so no
// operation is queued. Returns whether an operation was enqueued.
func (r *SQLiteRepository) DeleteRecordWithOperation(ctx context.Context, rec core.Record) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE local_id = ?`, rec.LocalID); err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}

	enqueued := false
	if rec.Synced() {
		op := core.Operation{
			ID:         core.NewOperationID(),
			Kind:       core.OpDelete,
			Payload:    rec,
			EnqueuedAt: time.Now().UnixMilli(),
			Attempts:   0,
		}
		if err := insertOperation(ctx, tx, op); err != nil {
			return false, err
		}
		enqueued = true
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return enqueued, nil
}
