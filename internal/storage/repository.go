package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"fintrack/internal/core"

	_ "modernc.org/sqlite"
)

// settingsKey is the single row the settings collection holds.
const settingsKey = "app"

// Settings captures the durable per-client state outside the record and
// operation collections.
type Settings struct {
	LastSyncAt int64 // unix milliseconds, zero when never synced
	OwnerID    int64
}

// SQLiteRepository is the durable local side of the tracker: the record
// store, the pending-operation queue and the settings collection, all in
// one database file so a record write and its operation enqueue can share
// a transaction.
type SQLiteRepository struct {
	db     *sql.DB
	policy CleanupPolicy
}

func NewSQLiteRepository(dbPath string, policy CleanupPolicy) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	repo := &SQLiteRepository{
		db:     db,
		policy: policy,
	}

	// Corrupt rows must not propagate into the UI or the sync queue
	if err := repo.ValidateAndPurge(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("validate persisted state: %w", err)
	}

	return repo, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// ValidateAndPurge applies the load-time validation discipline to both
// durable collections, removing rows that would otherwise be retried or
// displayed forever.
func (r *SQLiteRepository) ValidateAndPurge(ctx context.Context) error {
	if err := r.purgeInvalidRecords(ctx); err != nil {
		return fmt.Errorf("purge invalid records: %w", err)
	}
	if err := r.PurgeInvalidOperations(ctx); err != nil {
		return fmt.Errorf("purge invalid operations: %w", err)
	}
	return nil
}

const recordColumns = `local_id, server_id, description, amount, date, category_id, owner_id, created_at, updated_at, sync_status, last_modified`

// PutRecord upserts a record by its local identifier.
func (r *SQLiteRepository) PutRecord(ctx context.Context, rec core.Record) error {
	return putRecord(ctx, r.db, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putRecord(ctx context.Context, db execer, rec core.Record) error {
	var category sql.NullInt64
	if rec.CategoryID != nil {
		category = sql.NullInt64{Int64: *rec.CategoryID, Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			server_id = excluded.server_id,
			description = excluded.description,
			amount = excluded.amount,
			date = excluded.date,
			category_id = excluded.category_id,
			owner_id = excluded.owner_id,
			updated_at = excluded.updated_at,
			sync_status = excluded.sync_status,
			last_modified = excluded.last_modified`,
		rec.LocalID, rec.ServerID, rec.Description, rec.Amount, rec.Date,
		category, rec.OwnerID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(rec.SyncStatus), rec.LastModified)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// GetRecord returns the record stored under localID, or
// core.ErrRecordNotFound.
func (r *SQLiteRepository) GetRecord(ctx context.Context, localID string) (core.Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE local_id = ?`, localID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Record{}, core.ErrRecordNotFound
	}
	if err != nil {
		return core.Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// FindByServerID resolves a record by its server-assigned identity.
func (r *SQLiteRepository) FindByServerID(ctx context.Context, serverID string) (core.Record, error) {
	if serverID == "" {
		return core.Record{}, core.ErrRecordNotFound
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE server_id = ? LIMIT 1`, serverID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Record{}, core.ErrRecordNotFound
	}
	if err != nil {
		return core.Record{}, fmt.Errorf("find record by server id: %w", err)
	}
	return rec, nil
}

// DeleteRecord removes a record. Deleting an absent key is not an error.
func (r *SQLiteRepository) DeleteRecord(ctx context.Context, localID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// ListRecords returns all records newest-date first, for display.
func (r *SQLiteRepository) ListRecords(ctx context.Context) ([]core.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records ORDER BY date DESC, last_modified DESC`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []core.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// CountRecords returns the number of locally held records.
func (r *SQLiteRepository) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (core.Record, error) {
	var (
		rec        core.Record
		category   sql.NullInt64
		createdAt  string
		updatedAt  string
		syncStatus string
	)
	err := row.Scan(&rec.LocalID, &rec.ServerID, &rec.Description, &rec.Amount,
		&rec.Date, &category, &rec.OwnerID, &createdAt, &updatedAt,
		&syncStatus, &rec.LastModified)
	if err != nil {
		return core.Record{}, err
	}
	if category.Valid {
		rec.CategoryID = &category.Int64
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	rec.SyncStatus = core.SyncStatus(syncStatus)
	return rec, nil
}

// purgeInvalidRecords removes persisted records failing basic shape
// validation (missing description, missing amount, missing or literal
// "undefined" date).
func (r *SQLiteRepository) purgeInvalidRecords(ctx context.Context) error {
	records, err := r.ListRecords(ctx)
	if err != nil {
		return err
	}

	dropped := 0
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			if delErr := r.DeleteRecord(ctx, rec.LocalID); delErr != nil {
				return delErr
			}
			slog.WarnContext(ctx, "Removed invalid record from local store",
				"local_id", rec.LocalID, "reason", err)
			dropped++
		}
	}

	if dropped > 0 {
		slog.InfoContext(ctx, "Purged invalid records on load", "count", dropped)
	}
	return nil
}

// Settings returns the single settings row; a zero Settings when none was
// ever written.
func (r *SQLiteRepository) Settings(ctx context.Context) (Settings, error) {
	var s Settings
	err := r.db.QueryRowContext(ctx,
		`SELECT last_sync_at, owner_id FROM settings WHERE key = ?`, settingsKey).
		Scan(&s.LastSyncAt, &s.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return s, nil
}

// SaveSettings upserts the single settings row.
func (r *SQLiteRepository) SaveSettings(ctx context.Context, s Settings) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, last_sync_at, owner_id) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			owner_id = excluded.owner_id`,
		settingsKey, s.LastSyncAt, s.OwnerID)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// ClearRecords empties the record store.
func (r *SQLiteRepository) ClearRecords(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	return nil
}

// ClearOperations empties the pending-operation queue.
func (r *SQLiteRepository) ClearOperations(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_operations`); err != nil {
		return fmt.Errorf("clear pending operations: %w", err)
	}
	return nil
}

// ClearSettings removes the settings row.
func (r *SQLiteRepository) ClearSettings(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM settings`); err != nil {
		return fmt.Errorf("clear settings: %w", err)
	}
	return nil
}

// Reset clears all three durable collections, for testing and support.
func (r *SQLiteRepository) Reset(ctx context.Context) error {
	if err := r.ClearRecords(ctx); err != nil {
		return err
	}
	if err := r.ClearOperations(ctx); err != nil {
		return err
	}
	if err := r.ClearSettings(ctx); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Cleared all offline data")
	return nil
}
