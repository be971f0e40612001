package syncengine

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/guardianlink/project/internal/app/taskauthority"
	"github.com/guardianlink/project/internal/client/localstore"
	"github.com/guardianlink/project/internal/contracts"
)

// fakeAuthority mimics the server's put-semantics create and stale-claim
// conflict checks in memory.
type fakeAuthority struct {
	mu    sync.Mutex
	tasks map[string]contracts.Task
	now   time.Time

	// unreachable makes every call fail like a dropped connection.
	unreachable bool
	// failUpdates makes status updates fail with a non-conflict error.
	failUpdates bool

	calls []string
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		tasks: map[string]contracts.Task{},
		now:   time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeAuthority) transportErr() error {
	return &url.Error{Op: "Post", URL: "http://server", Err: errors.New("connection refused")}
}

func (f *fakeAuthority) Tasks(ctx context.Context, role string) ([]contracts.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return nil, f.transportErr()
	}
	out := []contracts.Task{}
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeAuthority) CreateTask(ctx context.Context, req taskauthority.CreateTaskRequest) (contracts.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create "+req.ID)
	if f.unreachable {
		return contracts.Task{}, f.transportErr()
	}
	if existing, ok := f.tasks[req.ID]; ok {
		return existing, nil
	}
	task := contracts.Task{
		ID: req.ID, Title: req.Title, Description: req.Description,
		Date: req.Date, Time: req.Time, Status: contracts.StatusPending,
		GuardianID: "guard-1", DependentID: req.DependentID,
		CreatedAt: f.now, LastUpdated: f.now,
	}
	f.tasks[req.ID] = task
	return task, nil
}

func (f *fakeAuthority) UpdateStatus(ctx context.Context, taskID string, req taskauthority.StatusUpdateRequest) (contracts.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "update "+taskID)
	if f.unreachable {
		return contracts.Task{}, f.transportErr()
	}
	if f.failUpdates {
		return contracts.Task{}, errors.New("server returned 500: boom")
	}
	task, ok := f.tasks[taskID]
	if !ok {
		return contracts.Task{}, errors.New("not found")
	}
	if !req.Force && req.LastUpdated != nil && req.LastUpdated.Before(task.LastUpdated) {
		return contracts.Task{}, &taskauthority.ConflictError{
			CurrentStatus:  task.Status,
			CurrentVersion: task.LastUpdated,
		}
	}
	task.Status = req.Status
	task.LastUpdated = f.now
	f.tasks[taskID] = task
	return task, nil
}

func (f *fakeAuthority) DeleteTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete "+taskID)
	if f.unreachable {
		return f.transportErr()
	}
	delete(f.tasks, taskID)
	return nil
}

func newEngineForTests(t *testing.T) (*Engine, *fakeAuthority, *onlineFlag) {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	authority := newFakeAuthority()
	online := &onlineFlag{value: true}
	engine := New(store, authority, online.get, "guard-1", "guardian")
	engine.Now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }
	next := 0
	engine.NewID = func() string {
		next++
		return []string{"t1", "t2", "t3", "t4"}[next-1]
	}
	return engine, authority, online
}

type onlineFlag struct {
	mu    sync.Mutex
	value bool
}

func (o *onlineFlag) get() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

func (o *onlineFlag) set(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = v
}

func TestCreateOnlineReachesAuthorityAndCache(t *testing.T) {
	engine, authority, _ := newEngineForTests(t)
	ctx := context.Background()

	task, err := engine.CreateTask(ctx, CreateTaskInput{Title: "Take medicine", DependentID: "dep-1"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, ok := authority.tasks[task.ID]; !ok {
		t.Fatal("task never reached the authority")
	}
	if n, _ := engine.PendingCount(ctx); n != 0 {
		t.Fatalf("online create left %d pending changes", n)
	}
	if _, err := engine.Store.GetTask(ctx, task.ID); err != nil {
		t.Fatalf("task missing from local cache: %v", err)
	}
}

func TestOfflineCreateQueuesAndReplays(t *testing.T) {
	engine, authority, online := newEngineForTests(t)
	ctx := context.Background()

	online.set(false)
	task, err := engine.CreateTask(ctx, CreateTaskInput{Title: "Take medicine", DependentID: "dep-1"})
	if err != nil {
		t.Fatalf("offline CreateTask: %v", err)
	}
	if len(authority.tasks) != 0 {
		t.Fatal("offline create reached the authority")
	}
	// Instant local feedback.
	if _, err := engine.Store.GetTask(ctx, task.ID); err != nil {
		t.Fatalf("offline create not in local cache: %v", err)
	}
	if n, _ := engine.PendingCount(ctx); n != 1 {
		t.Fatalf("expected 1 pending change, got %d", n)
	}

	online.set(true)
	if err := engine.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok := authority.tasks[task.ID]; !ok {
		t.Fatal("replay did not deliver the create")
	}
	if n, _ := engine.PendingCount(ctx); n != 0 {
		t.Fatalf("queue not empty after replay: %d", n)
	}
}

func TestReplayedCreateIsIdempotent(t *testing.T) {
	engine, authority, online := newEngineForTests(t)
	ctx := context.Background()

	online.set(false)
	task, err := engine.CreateTask(ctx, CreateTaskInput{Title: "Take medicine", DependentID: "dep-1"})
	if err != nil {
		t.Fatalf("offline CreateTask: %v", err)
	}
	// The change survives a crash between send and ack: queue it twice.
	if _, err := engine.Store.EnqueueChange(ctx, contracts.ChangeCreate, task, engine.Now()); err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}

	online.set(true)
	if err := engine.Replay(ctx); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(authority.tasks) != 1 {
		t.Fatalf("replayed create duplicated the task: %d stored", len(authority.tasks))
	}
}

func TestFetchMergePrefersLocalStatus(t *testing.T) {
	engine, authority, _ := newEngineForTests(t)
	ctx := context.Background()

	serverVersion := time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)
	authority.tasks["t9"] = contracts.Task{
		ID: "t9", Title: "Walk", Status: contracts.StatusPending,
		GuardianID: "guard-1", DependentID: "dep-1",
		CreatedAt: serverVersion, LastUpdated: serverVersion,
	}
	// Local cache holds an optimistic completed edit of the same task.
	local := authority.tasks["t9"]
	local.Status = contracts.StatusCompleted
	if err := engine.Store.PutTask(ctx, local); err != nil {
		t.Fatalf("seed local cache: %v", err)
	}

	if err := engine.Fetch(ctx); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	merged, err := engine.Store.GetTask(ctx, "t9")
	if err != nil {
		t.Fatalf("GetTask after merge: %v", err)
	}
	if merged.Status != contracts.StatusCompleted {
		t.Fatalf("stale server snapshot clobbered local status: %+v", merged)
	}
	if merged.Title != "Walk" {
		t.Fatalf("server fields not taken: %+v", merged)
	}
}

func TestReplayHaltsOnNonConflictFailure(t *testing.T) {
	engine, authority, online := newEngineForTests(t)
	ctx := context.Background()

	task, err := engine.CreateTask(ctx, CreateTaskInput{Title: "A", DependentID: "dep-1"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	online.set(false)
	if _, err := engine.UpdateStatus(ctx, task.ID, contracts.StatusInProgress); err != nil {
		t.Fatalf("offline update A: %v", err)
	}
	if _, err := engine.UpdateStatus(ctx, task.ID, contracts.StatusCompleted); err != nil {
		t.Fatalf("offline update B: %v", err)
	}

	online.set(true)
	authority.failUpdates = true
	if err := engine.Replay(ctx); err == nil {
		t.Fatal("Replay succeeded despite failing updates")
	}

	// Only the first change was attempted; both remain queued in order.
	authority.mu.Lock()
	updates := 0
	for _, call := range authority.calls {
		if call == "update "+task.ID {
			updates++
		}
	}
	authority.mu.Unlock()
	if updates != 1 {
		t.Fatalf("expected replay to stop after the first failure, saw %d update calls", updates)
	}
	if n, _ := engine.PendingCount(ctx); n != 2 {
		t.Fatalf("queue should be untouched after halt, has %d", n)
	}

	// Once the authority recovers, the queue drains in order.
	authority.failUpdates = false
	if err := engine.Replay(ctx); err != nil {
		t.Fatalf("second Replay: %v", err)
	}
	if n, _ := engine.PendingCount(ctx); n != 0 {
		t.Fatalf("queue not drained: %d", n)
	}
	if got := authority.tasks[task.ID].Status; got != contracts.StatusCompleted {
		t.Fatalf("final replayed status = %s, want completed", got)
	}
}

func TestConflictResolvedByAcceptingAuthority(t *testing.T) {
	engine, authority, _ := newEngineForTests(t)
	ctx := context.Background()

	authorityVersion := time.Date(2026, 8, 30, 13, 0, 0, 0, time.UTC) // newer than engine.Now
	authority.tasks["t9"] = contracts.Task{
		ID: "t9", Status: contracts.StatusCancelled,
		GuardianID: "guard-1", DependentID: "dep-1", LastUpdated: authorityVersion,
	}
	stale := authority.tasks["t9"]
	stale.Status = contracts.StatusPending
	stale.LastUpdated = authorityVersion.Add(-time.Hour)
	if err := engine.Store.PutTask(ctx, stale); err != nil {
		t.Fatalf("seed local cache: %v", err)
	}

	asked := false
	engine.Resolve = ResolverFunc(func(task contracts.Task, conflict *taskauthority.ConflictError) bool {
		asked = true
		if conflict.CurrentStatus != contracts.StatusCancelled {
			t.Fatalf("conflict does not carry authority status: %+v", conflict)
		}
		return false // accept the authority's value
	})

	got, err := engine.UpdateStatus(ctx, "t9", contracts.StatusCompleted)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if !asked {
		t.Fatal("resolver was never consulted")
	}
	if got.Status != contracts.StatusCancelled {
		t.Fatalf("cache not reconciled to authority: %+v", got)
	}
	if authority.tasks["t9"].Status != contracts.StatusCancelled {
		t.Fatalf("authority changed despite accept: %+v", authority.tasks["t9"])
	}
}

func TestConflictResolvedByForcing(t *testing.T) {
	engine, authority, _ := newEngineForTests(t)
	ctx := context.Background()

	authorityVersion := time.Date(2026, 8, 30, 13, 0, 0, 0, time.UTC)
	authority.tasks["t9"] = contracts.Task{
		ID: "t9", Status: contracts.StatusCancelled,
		GuardianID: "guard-1", DependentID: "dep-1", LastUpdated: authorityVersion,
	}
	stale := authority.tasks["t9"]
	stale.LastUpdated = authorityVersion.Add(-time.Hour)
	if err := engine.Store.PutTask(ctx, stale); err != nil {
		t.Fatalf("seed local cache: %v", err)
	}

	engine.Resolve = ResolverFunc(func(contracts.Task, *taskauthority.ConflictError) bool {
		return true // force the local value through
	})

	got, err := engine.UpdateStatus(ctx, "t9", contracts.StatusCompleted)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if got.Status != contracts.StatusCompleted {
		t.Fatalf("forced value not applied: %+v", got)
	}
	if authority.tasks["t9"].Status != contracts.StatusCompleted {
		t.Fatalf("authority did not take the forced value: %+v", authority.tasks["t9"])
	}
}

func TestUnreachableServerFallsBackToQueue(t *testing.T) {
	engine, authority, _ := newEngineForTests(t)
	ctx := context.Background()

	authority.unreachable = true
	task, err := engine.CreateTask(ctx, CreateTaskInput{Title: "A", DependentID: "dep-1"})
	if err != nil {
		t.Fatalf("CreateTask with unreachable server: %v", err)
	}
	if n, _ := engine.PendingCount(ctx); n != 1 {
		t.Fatalf("transport failure did not queue the create: %d pending", n)
	}
	if _, err := engine.Store.GetTask(ctx, task.ID); err != nil {
		t.Fatalf("local write lost: %v", err)
	}
}

func TestApplyEvent(t *testing.T) {
	engine, _, _ := newEngineForTests(t)
	ctx := context.Background()

	seed := contracts.Task{
		ID: "t9", Title: "Walk", Status: contracts.StatusPending,
		GuardianID: "guard-1", DependentID: "dep-1",
		CreatedAt: engine.Now(), LastUpdated: engine.Now(),
	}
	if err := engine.Store.PutTask(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	stamp := engine.Now().Add(time.Minute)
	err := engine.ApplyEvent(ctx, contracts.Message{
		Kind: contracts.KindTaskStatusChanged, TaskID: "t9",
		NewStatus: contracts.StatusCompleted, Timestamp: stamp,
	})
	if err != nil {
		t.Fatalf("ApplyEvent status change: %v", err)
	}
	got, _ := engine.Store.GetTask(ctx, "t9")
	if got.Status != contracts.StatusCompleted || !got.LastUpdated.Equal(stamp) {
		t.Fatalf("status event not applied: %+v", got)
	}

	// Unknown kinds are no-ops.
	if err := engine.ApplyEvent(ctx, contracts.Message{Kind: "shiny_new_thing", TaskID: "t9"}); err != nil {
		t.Fatalf("unknown kind errored: %v", err)
	}

	if err := engine.ApplyEvent(ctx, contracts.Message{Kind: contracts.KindTaskDeleted, TaskID: "t9"}); err != nil {
		t.Fatalf("ApplyEvent delete: %v", err)
	}
	if _, err := engine.Store.GetTask(ctx, "t9"); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("delete event not applied: %v", err)
	}
}
