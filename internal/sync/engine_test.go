package sync

import (
	"context"
	"net/http"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"fintrack/internal/connectivity"
	"fintrack/internal/core"
	"fintrack/internal/remote"
	"fintrack/internal/storage"
)

// fakeRemote records every dispatch and can be told to fail.
type fakeRemote struct {
	mu       stdsync.Mutex
	failNext int  // calls left that fail with a 500
	failAll  bool // every call fails with a 500

	created []core.Record
	updated []string
	deleted []string

	// when set, CreateRecord blocks until the channel is closed
	createGate chan struct{}
}

func (f *fakeRemote) fail() error {
	return &remote.StatusError{StatusCode: http.StatusInternalServerError}
}

func (f *fakeRemote) shouldFail() bool {
	if f.failAll {
		return true
	}
	if f.failNext > 0 {
		f.failNext--
		return true
	}
	return false
}

func (f *fakeRemote) CreateRecord(ctx context.Context, rec core.Record) (string, error) {
	f.mu.Lock()
	gate := f.createGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail() {
		return "", f.fail()
	}
	f.created = append(f.created, rec)
	return "42", nil
}

func (f *fakeRemote) UpdateRecord(ctx context.Context, serverID string, rec core.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail() {
		return f.fail()
	}
	f.updated = append(f.updated, serverID)
	return nil
}

func (f *fakeRemote) DeleteRecord(ctx context.Context, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail() {
		return f.fail()
	}
	f.deleted = append(f.deleted, serverID)
	return nil
}

func (f *fakeRemote) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created) + len(f.updated) + len(f.deleted)
}

// testHarness wires a real repository, a controllable monitor and a fake
// remote into one engine.
type testHarness struct {
	repo    *storage.SQLiteRepository
	remote  *fakeRemote
	monitor *connectivity.Monitor
	engine  *Engine
	online  atomic.Bool
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	repo, err := storage.NewSQLiteRepository(
		filepath.Join(t.TempDir(), "test.db"), storage.DefaultCleanupPolicy())
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	h := &testHarness{
		repo:   repo,
		remote: &fakeRemote{},
	}
	h.monitor = connectivity.NewMonitor(func(ctx context.Context) bool {
		return h.online.Load()
	}, time.Hour)

	config := DefaultConfig()
	config.DispatchDelay = time.Millisecond
	config.ReconnectDebounce = 10 * time.Millisecond
	config.SyncInterval = 100 * time.Millisecond
	h.engine = NewEngine(repo, h.remote, h.monitor, config, nil)
	return h
}

func (h *testHarness) goOnline(t *testing.T) {
	t.Helper()
	h.online.Store(true)
	h.monitor.Check(context.Background())
}

func testRecord(description string) core.Record {
	now := time.Now()
	return core.Record{
		LocalID:      core.NewLocalID(),
		Description:  description,
		Amount:       "500.00",
		Date:         "2024-01-15",
		OwnerID:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
		SyncStatus:   core.StatusPending,
		LastModified: now.UnixMilli(),
	}
}

func TestSync_OfflineIsNoOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.repo.SaveRecordWithOperation(ctx, testRecord("Coffee"), core.OpCreate); err != nil {
		t.Fatalf("save: %v", err)
	}

	if h.engine.Sync(ctx) {
		t.Error("offline sync should report failure")
	}
	if h.remote.calls() != 0 {
		t.Error("offline sync must not touch the remote")
	}
	if n, _ := h.repo.CountPending(ctx); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestSync_OfflineCreateThenReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := testRecord("Coffee")
	if _, err := h.repo.SaveRecordWithOperation(ctx, rec, core.OpCreate); err != nil {
		t.Fatalf("save: %v", err)
	}

	h.goOnline(t)
	if !h.engine.Sync(ctx) {
		t.Fatal("sync should succeed")
	}

	if len(h.remote.created) != 1 {
		t.Fatalf("remote saw %d creates, want 1", len(h.remote.created))
	}
	sent := h.remote.created[0]
	if sent.Description != "Coffee" || sent.Amount != "500.00" || sent.Date != "2024-01-15" {
		t.Errorf("unexpected payload: %+v", sent)
	}

	if n, _ := h.repo.CountPending(ctx); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	// The server owns the record now, no local shadow remains
	if _, err := h.repo.GetRecord(ctx, rec.LocalID); err != core.ErrRecordNotFound {
		t.Errorf("local shadow should be gone, got %v", err)
	}
}

func TestSync_FailedOperationIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := testRecord("Coffee")
	rec.ServerID = "42"
	if _, err := h.repo.Enqueue(ctx, core.OpUpdate, rec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.remote.failNext = 1
	h.goOnline(t)

	// First drain hits a 500, the operation is requeued with one attempt
	if h.engine.Sync(ctx) {
		t.Error("drain with a failure should not report success")
	}
	ops, err := h.repo.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(ops) != 1 || ops[0].Attempts != 1 {
		t.Fatalf("expected one operation with attempts 1, got %+v", ops)
	}

	// The server recovered, the next drain succeeds
	if !h.engine.Sync(ctx) {
		t.Error("retry drain should succeed")
	}
	if n, _ := h.repo.CountPending(ctx); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if len(h.remote.updated) != 1 || h.remote.updated[0] != "42" {
		t.Errorf("remote updates = %v, want [42]", h.remote.updated)
	}
}

func TestSync_CircuitBreaker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := testRecord("Coffee")
		if _, err := h.repo.SaveRecordWithOperation(ctx, rec, core.OpCreate); err != nil {
			t.Fatalf("save: %v", err)
		}
		time.Sleep(2 * time.Millisecond) // distinct enqueue timestamps
	}
	h.remote.failAll = true
	h.goOnline(t)

	if h.engine.Sync(ctx) {
		t.Error("drain against a dead server should report failure")
	}

	ops, err := h.repo.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(ops) != 5 {
		t.Fatalf("all 5 operations should still be queued, got %d", len(ops))
	}
	bumped, untouched := 0, 0
	for _, op := range ops {
		switch op.Attempts {
		case 1:
			bumped++
		case 0:
			untouched++
		default:
			t.Errorf("unexpected attempts %d", op.Attempts)
		}
	}
	if bumped != 3 || untouched != 2 {
		t.Errorf("bumped = %d, untouched = %d; breaker should stop after 3 failures", bumped, untouched)
	}
}

func TestSync_DropsDeleteWithoutServerIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := testRecord("Coffee") // never synced, no server id
	if _, err := h.repo.Enqueue(ctx, core.OpDelete, rec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.goOnline(t)

	if !h.engine.Sync(ctx) {
		t.Error("dropping an undeliverable operation is not a drain failure")
	}
	if len(h.remote.deleted) != 0 {
		t.Error("delete without a server identity must never reach the remote")
	}
	if n, _ := h.repo.CountPending(ctx); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestSync_DeleteConfirmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := testRecord("Coffee")
	rec.ServerID = "42"
	rec.SyncStatus = core.StatusSynced
	if err := h.repo.PutRecord(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	enqueued, err := h.repo.DeleteRecordWithOperation(ctx, rec)
	if err != nil || !enqueued {
		t.Fatalf("delete with operation: enqueued=%v err=%v", enqueued, err)
	}
	h.goOnline(t)

	if !h.engine.Sync(ctx) {
		t.Fatal("sync should succeed")
	}
	if len(h.remote.deleted) != 1 || h.remote.deleted[0] != "42" {
		t.Errorf("remote deletes = %v, want [42]", h.remote.deleted)
	}
	if n, _ := h.repo.CountPending(ctx); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestSync_PreservesQueueOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := testRecord("First")
	second := testRecord("Second")
	second.ServerID = "7"
	if _, err := h.repo.Enqueue(ctx, core.OpCreate, first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := h.repo.Enqueue(ctx, core.OpUpdate, second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.goOnline(t)

	if !h.engine.Sync(ctx) {
		t.Fatal("sync should succeed")
	}
	if len(h.remote.created) != 1 || len(h.remote.updated) != 1 {
		t.Fatalf("expected one create and one update, got %d/%d",
			len(h.remote.created), len(h.remote.updated))
	}
	if h.remote.created[0].Description != "First" {
		t.Error("create should be dispatched before the later update")
	}
}

func TestSync_SingleDrainAtATime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.repo.SaveRecordWithOperation(ctx, testRecord("Coffee"), core.OpCreate); err != nil {
		t.Fatalf("save: %v", err)
	}
	gate := make(chan struct{})
	h.remote.createGate = gate
	h.goOnline(t)

	done := make(chan bool, 1)
	go func() { done <- h.engine.Sync(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !h.engine.IsSyncing() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !h.engine.IsSyncing() {
		t.Fatal("first drain never started")
	}

	if h.engine.Sync(ctx) {
		t.Error("second concurrent sync should be a no-op")
	}

	close(gate)
	if ok := <-done; !ok {
		t.Error("first drain should succeed once unblocked")
	}
	if len(h.remote.created) != 1 {
		t.Errorf("remote saw %d creates, want 1", len(h.remote.created))
	}
}

func TestSync_RecordsSyncTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOnline(t)

	before := time.Now()
	if !h.engine.Sync(ctx) {
		t.Fatal("empty drain should succeed")
	}

	status := h.engine.Status(ctx)
	if status.LastSync.Before(before) {
		t.Error("status should carry the drain completion time")
	}
	if status.IsSyncing || !status.Online || status.ErrorCount != 0 || status.Pending != 0 {
		t.Errorf("unexpected status: %+v", status)
	}

	settings, err := h.repo.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if settings.LastSyncAt == 0 {
		t.Error("sync time should be persisted")
	}
}

func TestEngine_ReconnectTriggersDrain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.repo.SaveRecordWithOperation(ctx, testRecord("Coffee"), core.OpCreate); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.engine.Start(ctx); err == nil {
		t.Error("second Start should fail while running")
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := h.engine.Stop(stopCtx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	h.goOnline(t)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := h.repo.CountPending(ctx); n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("reconnect did not trigger a drain")
}
