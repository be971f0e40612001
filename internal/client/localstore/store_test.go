package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/guardianlink/project/internal/contracts"
)

func openStoreForTests(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleTask(id, status string) contracts.Task {
	return contracts.Task{
		ID:          id,
		Title:       "Take medicine",
		Date:        "2025-01-01",
		Time:        "09:00",
		Status:      status,
		GuardianID:  "guard-1",
		DependentID: "dep-1",
		CreatedAt:   time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
		LastUpdated: time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openStoreForTests(t)
	ctx := context.Background()

	want := sampleTask("t1", contracts.StatusPending)
	if err := store.PutTask(ctx, want); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	got, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != want.Title || !got.LastUpdated.Equal(want.LastUpdated) {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Put again with a new status overwrites in place.
	want.Status = contracts.StatusCompleted
	if err := store.PutTask(ctx, want); err != nil {
		t.Fatalf("second PutTask: %v", err)
	}
	got, err = store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask after upsert: %v", err)
	}
	if got.Status != contracts.StatusCompleted {
		t.Fatalf("upsert did not apply: %+v", got)
	}

	if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTasksFiltered(t *testing.T) {
	store := openStoreForTests(t)
	ctx := context.Background()

	a := sampleTask("t1", contracts.StatusPending)
	b := sampleTask("t2", contracts.StatusCompleted)
	c := sampleTask("t3", contracts.StatusPending)
	c.DependentID = "dep-2"
	for _, task := range []contracts.Task{a, b, c} {
		if err := store.PutTask(ctx, task); err != nil {
			t.Fatalf("PutTask %s: %v", task.ID, err)
		}
	}

	byDependent, err := store.ListTasks(ctx, Filter{DependentID: "dep-1"})
	if err != nil {
		t.Fatalf("ListTasks by dependent: %v", err)
	}
	if len(byDependent) != 2 {
		t.Fatalf("expected 2 tasks for dep-1, got %d", len(byDependent))
	}

	pending, err := store.ListTasks(ctx, Filter{DependentID: "dep-1", Status: contracts.StatusPending})
	if err != nil {
		t.Fatalf("ListTasks by status: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "t1" {
		t.Fatalf("unexpected filtered result: %+v", pending)
	}
}

func TestPendingQueueFIFO(t *testing.T) {
	store := openStoreForTests(t)
	ctx := context.Background()
	captured := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)

	seqA, err := store.EnqueueChange(ctx, contracts.ChangeCreate, sampleTask("t1", contracts.StatusPending), captured)
	if err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	seqB, err := store.EnqueueChange(ctx, contracts.ChangeStatusUpdate, sampleTask("t1", contracts.StatusCompleted), captured.Add(time.Minute))
	if err != nil {
		t.Fatalf("enqueue B: %v", err)
	}
	if seqB <= seqA {
		t.Fatalf("sequence ids not increasing: %d then %d", seqA, seqB)
	}

	changes, err := store.ListPendingChanges(ctx)
	if err != nil {
		t.Fatalf("ListPendingChanges: %v", err)
	}
	if len(changes) != 2 || changes[0].SequenceID != seqA || changes[1].SequenceID != seqB {
		t.Fatalf("queue not FIFO: %+v", changes)
	}
	if changes[0].Kind != contracts.ChangeCreate || changes[0].Task.Status != contracts.StatusPending {
		t.Fatalf("unexpected first change: %+v", changes[0])
	}
	if !changes[1].CapturedAt.Equal(captured.Add(time.Minute)) {
		t.Fatalf("captured_at not preserved: %v", changes[1].CapturedAt)
	}

	if err := store.RemoveChange(ctx, seqA); err != nil {
		t.Fatalf("RemoveChange: %v", err)
	}
	n, err := store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pending change after removal, got %d", n)
	}
}

func TestClearPendingChanges(t *testing.T) {
	store := openStoreForTests(t)
	ctx := context.Background()
	captured := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)

	for i, status := range []string{contracts.StatusPending, contracts.StatusCompleted} {
		if _, err := store.EnqueueChange(ctx, contracts.ChangeStatusUpdate, sampleTask("t1", status), captured.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	if err := store.ClearPendingChanges(ctx); err != nil {
		t.Fatalf("ClearPendingChanges: %v", err)
	}

	n, err := store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty queue after clear, got %d", n)
	}
	changes, err := store.ListPendingChanges(ctx)
	if err != nil {
		t.Fatalf("ListPendingChanges: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no pending changes after clear, got %+v", changes)
	}

	// Clearing an already empty queue is fine.
	if err := store.ClearPendingChanges(ctx); err != nil {
		t.Fatalf("ClearPendingChanges on empty queue: %v", err)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.db")
	ctx := context.Background()

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.PutTask(ctx, sampleTask("t1", contracts.StatusPending)); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	if _, err := store.EnqueueChange(ctx, contracts.ChangeCreate, sampleTask("t1", contracts.StatusPending), time.Now()); err != nil {
		t.Fatalf("EnqueueChange: %v", err)
	}
	store.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetTask(ctx, "t1"); err != nil {
		t.Fatalf("task lost across reopen: %v", err)
	}
	n, err := reopened.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("pending queue lost across reopen: %d", n)
	}
}
