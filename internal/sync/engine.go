// Package sync reconciles the pending-operation queue against the remote
// endpoint. One drain processes the queue strictly in enqueue order,
// retires confirmed operations and requeues failed ones, and gives up
// early when the remote looks systemically down.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"fintrack/internal/connectivity"
	"fintrack/internal/core"
	"fintrack/internal/log"
	"fintrack/internal/storage"
)

// Store is the durable local state the engine mutates: the queue it
// drains and the record shadows it retires once the server confirms.
type Store interface {
	Drain(ctx context.Context) ([]core.Operation, error)
	RemoveOperation(ctx context.Context, id string) error
	BumpOperation(ctx context.Context, id string) error
	CountPending(ctx context.Context) (int64, error)
	DeleteRecord(ctx context.Context, localID string) error
	Settings(ctx context.Context) (storage.Settings, error)
	SaveSettings(ctx context.Context, s storage.Settings) error
}

// Remote is the server's record CRUD contract.
type Remote interface {
	CreateRecord(ctx context.Context, rec core.Record) (string, error)
	UpdateRecord(ctx context.Context, serverID string, rec core.Record) error
	DeleteRecord(ctx context.Context, serverID string) error
}

// Config holds engine tuning.
type Config struct {
	// FailureLimit aborts a drain once this many operations failed in it,
	// so a systemic outage does not hammer the server once per queued item.
	FailureLimit int

	// DispatchDelay is inserted between consecutive dispatches.
	DispatchDelay time.Duration

	// ReconnectDebounce lets the connection stabilize before the drain
	// triggered by an online transition starts issuing requests.
	ReconnectDebounce time.Duration

	// SyncInterval is the cadence of periodic drains while online.
	SyncInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		FailureLimit:      3,
		DispatchDelay:     100 * time.Millisecond,
		ReconnectDebounce: time.Second,
		SyncInterval:      30 * time.Second,
	}
}

// Status is the in-memory sync state a UI may poll.
type Status struct {
	IsSyncing  bool
	Online     bool
	LastSync   time.Time
	ErrorCount int
	Pending    int64
}

// Engine drains the queue whenever connectivity allows.
type Engine struct {
	store   Store
	remote  Remote
	monitor *connectivity.Monitor
	config  Config
	logger  *log.Logger

	mu         stdsync.Mutex
	syncing    bool
	lastSync   time.Time
	errorCount int

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewEngine(store Store, remote Remote, monitor *connectivity.Monitor, config Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.DefaultConfig()).WithComponent(log.ComponentSync)
	}
	return &Engine{
		store:   store,
		remote:  remote,
		monitor: monitor,
		config:  config,
		logger:  logger,
	}
}

// IsSyncing reports whether a drain is currently in flight.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// Status snapshots the observable sync state.
func (e *Engine) Status(ctx context.Context) Status {
	pending, err := e.store.CountPending(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "Could not count pending operations", log.FieldError, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		IsSyncing:  e.syncing,
		Online:     e.monitor.Online(),
		LastSync:   e.lastSync,
		ErrorCount: e.errorCount,
		Pending:    pending,
	}
}

// Sync runs one drain and reports whether it was fully successful (zero
// failures). Requesting a sync while offline or while another drain is in
// flight is a no-op. Sync never panics or returns an error to the caller;
// per-operation failures end up in the attempt counters.
func (e *Engine) Sync(ctx context.Context) bool {
	if !e.monitor.Online() {
		e.logger.DebugContext(ctx, "Sync skipped, offline")
		return false
	}

	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		e.logger.DebugContext(ctx, "Sync already in progress")
		return false
	}
	e.syncing = true
	e.mu.Unlock()

	failures := 0
	// The syncing flag is released on every path, including panics in a
	// dispatch, so the engine can never wedge in the syncing state.
	defer func() {
		recovered := recover()

		e.mu.Lock()
		e.syncing = false
		e.lastSync = time.Now()
		e.errorCount = failures
		e.mu.Unlock()

		e.recordSyncTime(ctx)
		if recovered != nil {
			e.logger.ErrorContext(ctx, "Drain aborted by panic", log.FieldError, recovered)
		}
	}()

	ops, err := e.store.Drain(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "Could not read pending operations", log.FieldError, err)
		failures++
		return false
	}
	if len(ops) == 0 {
		return true
	}

	e.logger.InfoContext(ctx, "Draining pending operations", log.FieldCount, len(ops))

	dispatched := 0
	for _, op := range ops {
		if dispatched > 0 && !e.pause(ctx) {
			e.logger.WarnContext(ctx, "Drain cancelled", log.FieldError, ctx.Err())
			failures++
			break
		}
		dispatched++

		err := e.dispatch(ctx, op)
		if err == nil {
			if rmErr := e.store.RemoveOperation(ctx, op.ID); rmErr != nil {
				e.logger.ErrorContext(ctx, "Could not retire confirmed operation",
					log.FieldOperationID, op.ID, log.FieldError, rmErr)
			}
			e.logger.InfoContext(ctx, "Operation confirmed",
				log.FieldOperationID, op.ID,
				log.FieldKind, string(op.Kind),
				log.FieldLocalID, op.Payload.LocalID)
			continue
		}

		if !retryable(err) {
			// Retrying cannot fix a structurally wrong payload
			if rmErr := e.store.RemoveOperation(ctx, op.ID); rmErr != nil {
				e.logger.ErrorContext(ctx, "Could not drop invalid operation",
					log.FieldOperationID, op.ID, log.FieldError, rmErr)
			}
			e.logger.WarnContext(ctx, "Dropped non-retryable operation",
				log.FieldOperationID, op.ID,
				log.FieldKind, string(op.Kind),
				log.FieldReason, err)
			continue
		}

		failures++
		if bumpErr := e.store.BumpOperation(ctx, op.ID); bumpErr != nil {
			e.logger.ErrorContext(ctx, "Could not requeue failed operation",
				log.FieldOperationID, op.ID, log.FieldError, bumpErr)
		}
		e.logger.WarnContext(ctx, "Operation failed, requeued",
			log.FieldOperationID, op.ID,
			log.FieldKind, string(op.Kind),
			log.FieldAttempts, op.Attempts+1,
			log.FieldError, err)

		if failures >= e.config.FailureLimit {
			e.logger.WarnContext(ctx, "Too many failures in one drain, stopping",
				log.FieldCount, failures)
			break
		}
	}

	e.logger.InfoContext(ctx, "Drain completed",
		log.FieldCount, len(ops),
		log.FieldSuccess, failures == 0)
	return failures == 0
}

// dispatch applies one operation against the remote endpoint and retires
// the local shadow once the server is authoritative for the record.
func (e *Engine) dispatch(ctx context.Context, op core.Operation) error {
	switch op.Kind {
	case core.OpCreate:
		serverID, err := e.remote.CreateRecord(ctx, op.Payload)
		if err != nil {
			return fmt.Errorf("create record: %w", err)
		}
		e.logger.InfoContext(ctx, "Record created on server",
			log.FieldLocalID, op.Payload.LocalID, log.FieldServerID, serverID)
		e.retireShadow(ctx, op.Payload.LocalID)
		return nil

	case core.OpUpdate:
		if op.Payload.ServerID == "" {
			return core.ErrMissingServerID
		}
		if err := e.remote.UpdateRecord(ctx, op.Payload.ServerID, op.Payload); err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		e.retireShadow(ctx, op.Payload.LocalID)
		return nil

	case core.OpDelete:
		if op.Payload.ServerID == "" {
			return core.ErrMissingServerID
		}
		if err := e.remote.DeleteRecord(ctx, op.Payload.ServerID); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		// The record was already removed locally when the user deleted
		// it; clearing again covers shadows left by older code paths.
		e.retireShadow(ctx, op.Payload.LocalID)
		return nil

	default:
		return fmt.Errorf("%w: %s", core.ErrUnknownOperation, op.Kind)
	}
}

// retireShadow deletes the local copy of a server-confirmed record; the
// server is now the source of truth and this client keeps no synced cache.
func (e *Engine) retireShadow(ctx context.Context, localID string) {
	if err := e.store.DeleteRecord(ctx, localID); err != nil {
		// The server already holds the record, so failing the operation
		// here would only risk a duplicate create on retry.
		e.logger.ErrorContext(ctx, "Could not remove local shadow",
			log.FieldLocalID, localID, log.FieldError, err)
	}
}

// retryable classifies an operation failure. Network and server errors
// are worth another attempt; structurally wrong payloads are not.
func retryable(err error) bool {
	for _, logical := range []error{
		core.ErrMissingServerID,
		core.ErrUnknownOperation,
		core.ErrInvalidAmount,
		core.ErrInvalidDate,
		core.ErrEmptyDescription,
	} {
		if errors.Is(err, logical) {
			return false
		}
	}
	return true
}

// pause waits the configured inter-dispatch delay; returns false when the
// context ended first.
func (e *Engine) pause(ctx context.Context) bool {
	if e.config.DispatchDelay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(e.config.DispatchDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

// Start launches the background loop that drains on reconnect and on a
// periodic ticker. Returns an error if already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("sync engine is already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	go e.runLoop(ctx)

	e.logger.InfoContext(ctx, "Sync engine started",
		"sync_interval", e.config.SyncInterval,
		"reconnect_debounce", e.config.ReconnectDebounce)
	return nil
}

// Stop gracefully stops the engine and waits for completion.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	close(e.stopCh)

	select {
	case <-e.doneCh:
		e.logger.InfoContext(ctx, "Sync engine stopped")
	case <-ctx.Done():
		e.logger.WarnContext(ctx, "Sync engine stop timed out")
		return ctx.Err()
	}

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	return nil
}

// IsRunning reports whether the background loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) runLoop(ctx context.Context) {
	defer close(e.doneCh)

	events, unsubscribe := e.monitor.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return

		case ev := <-events:
			if !ev.Online {
				continue
			}
			// Flapping links settle within the debounce window; syncing
			// into a half-up connection just burns attempt counters.
			if !e.debounce(ctx) {
				return
			}
			e.logger.InfoContext(ctx, "Back online, draining queue")
			e.Sync(ctx)

		case <-ticker.C:
			if e.monitor.Online() {
				e.Sync(ctx)
			}
		}
	}
}

// debounce waits the reconnect settle window; returns false when the
// engine is shutting down.
func (e *Engine) debounce(ctx context.Context) bool {
	if e.config.ReconnectDebounce <= 0 {
		return true
	}
	select {
	case <-time.After(e.config.ReconnectDebounce):
		return true
	case <-e.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) recordSyncTime(ctx context.Context) {
	settings, err := e.store.Settings(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "Could not read settings", log.FieldError, err)
		return
	}
	settings.LastSyncAt = time.Now().UnixMilli()
	if err := e.store.SaveSettings(ctx, settings); err != nil {
		e.logger.WarnContext(ctx, "Could not persist sync time", log.FieldError, err)
	}
}
