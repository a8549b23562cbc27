package core

import (
	"errors"
	"strings"
	"time"
)

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

type (
	SyncStatus string

	OperationKind string

	// Record is a user-entered financial entry subject to offline creation
	// and later synchronization. LocalID is the primary key of the local
	// store; ServerID stays empty until the remote endpoint confirms a
	// create for this record.
	Record struct {
		LocalID      string     `json:"localId"`
		ServerID     string     `json:"id"`
		Description  string     `json:"description"`
		Amount       string     `json:"amount"` // decimal-as-string, never a float
		Date         string     `json:"date"`   // YYYY-MM-DD
		CategoryID   *int64     `json:"category_id,omitempty"`
		OwnerID      int64      `json:"user_id"`
		CreatedAt    time.Time  `json:"created_at"`
		UpdatedAt    time.Time  `json:"updated_at"`
		SyncStatus   SyncStatus `json:"syncStatus"`
		LastModified int64      `json:"lastModified"` // unix milliseconds, staleness decisions
	}

	// Operation is one queued mutation waiting for server confirmation.
	// Payload is a full snapshot of the record at enqueue time, not a diff.
	Operation struct {
		ID         string
		Kind       OperationKind
		Payload    Record
		EnqueuedAt int64 // unix milliseconds, the queue's FIFO ordering key
		Attempts   int
	}
)

var (
	ErrEmptyDescription = errors.New("empty description")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidDate      = errors.New("invalid date")
	ErrMissingServerID  = errors.New("operation requires a server id")
	ErrUnknownOperation = errors.New("unknown operation kind")
	ErrRecordNotFound   = errors.New("record not found")
)

// Synced reports whether the record is known to the remote endpoint.
func (r Record) Synced() bool {
	return r.ServerID != ""
}

// Validate checks the shape of the business payload. Persisted rows
// failing this check are purged at load time instead of propagating into
// the UI or the sync queue.
func (r Record) Validate() error {
	if len(strings.TrimSpace(r.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(r.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if _, err := ParseAmount(r.Amount); err != nil {
		return err
	}
	if err := ValidateDate(r.Date); err != nil {
		return err
	}
	return nil
}

// ValidateDate rejects missing dates and the literal "undefined" string
// that corrupt client payloads have been observed to carry.
func ValidateDate(date string) error {
	if date == "" || date == "undefined" {
		return ErrInvalidDate
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return ErrInvalidDate
	}
	return nil
}

// Validate checks that an operation is dispatchable at all. An update or
// delete without a server id is structurally wrong and can never succeed,
// so it fails validation here rather than being retried forever.
func (op Operation) Validate() error {
	switch op.Kind {
	case OpCreate:
	case OpUpdate, OpDelete:
		if op.Payload.ServerID == "" {
			return ErrMissingServerID
		}
	default:
		return ErrUnknownOperation
	}
	return op.Payload.Validate()
}
