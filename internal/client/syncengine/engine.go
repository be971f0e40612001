package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nuid"

	"github.com/guardianlink/project/internal/app/taskauthority"
	clientapi "github.com/guardianlink/project/internal/client/api"
	"github.com/guardianlink/project/internal/client/localstore"
	"github.com/guardianlink/project/internal/contracts"
	"github.com/guardianlink/project/internal/platform/metrics"
)

var replayOutcomes = metrics.NewCounter(
	"sync_replay_changes_total",
	"Queued changes replayed against the authority, by outcome.",
	"outcome",
)

func init() {
	metrics.Default.MustRegister(replayOutcomes)
}

// Authority is the remote mutation surface the engine writes through and
// replays against. Satisfied by the REST client.
type Authority interface {
	Tasks(ctx context.Context, role string) ([]contracts.Task, error)
	CreateTask(ctx context.Context, req taskauthority.CreateTaskRequest) (contracts.Task, error)
	UpdateStatus(ctx context.Context, taskID string, req taskauthority.StatusUpdateRequest) (contracts.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
}

// Resolver is asked what to do when the authority rejects a status update as
// stale. Returning true forces the local value through; returning false
// accepts the authority's current state into the local cache. The human is
// the tie-breaker; there is no automatic merge.
type Resolver interface {
	Resolve(task contracts.Task, conflict *taskauthority.ConflictError) bool
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(task contracts.Task, conflict *taskauthority.ConflictError) bool

func (f ResolverFunc) Resolve(task contracts.Task, conflict *taskauthority.ConflictError) bool {
	return f(task, conflict)
}

// Engine is the client's local-first write path. Every mutation lands in the
// durable store immediately; when offline it is additionally queued and
// replayed, in capture order, on the next online transition. The server list
// is merged in by union on id, preferring the local cache's status so an
// optimistic edit is not clobbered by a stale snapshot.
type Engine struct {
	Store     *localstore.Store
	Authority Authority
	Resolve   Resolver

	// Online reads the connectivity monitor's flag.
	Online func() bool

	UserID string
	Role   string
	Now    func() time.Time
	NewID  func() string
}

func New(store *localstore.Store, authority Authority, online func() bool, userID, role string) *Engine {
	return &Engine{
		Store:     store,
		Authority: authority,
		Online:    online,
		UserID:    userID,
		Role:      role,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     nuid.Next,
	}
}

type CreateTaskInput struct {
	Title       string
	Description string
	Date        string
	Time        string
	DependentID string
}

// CreateTask applies the new task locally and either sends it now or queues
// it. The id is assigned here, on the client, so a replayed create is a
// put-semantics no-op at the authority.
func (e *Engine) CreateTask(ctx context.Context, input CreateTaskInput) (contracts.Task, error) {
	now := e.Now()
	task := contracts.Task{
		ID:          e.NewID(),
		Title:       input.Title,
		Description: input.Description,
		Date:        input.Date,
		Time:        input.Time,
		Status:      contracts.StatusPending,
		GuardianID:  e.UserID,
		DependentID: input.DependentID,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := e.Store.PutTask(ctx, task); err != nil {
		return contracts.Task{}, err
	}

	if !e.Online() {
		if _, err := e.Store.EnqueueChange(ctx, contracts.ChangeCreate, task, now); err != nil {
			return contracts.Task{}, err
		}
		return task, nil
	}

	stored, err := e.Authority.CreateTask(ctx, createRequest(task))
	if err != nil {
		if clientapi.IsUnavailable(err) {
			if _, qerr := e.Store.EnqueueChange(ctx, contracts.ChangeCreate, task, now); qerr != nil {
				return contracts.Task{}, qerr
			}
			return task, nil
		}
		return contracts.Task{}, err
	}
	if err := e.Store.PutTask(ctx, stored); err != nil {
		return contracts.Task{}, err
	}
	return stored, nil
}

// UpdateStatus applies the status locally first. Online, the request carries
// the client's belief of last_updated so the authority can detect staleness;
// a conflict goes to the resolver. Offline, the change is queued with its
// capture timestamp as the claim to be made at replay time.
func (e *Engine) UpdateStatus(ctx context.Context, taskID, status string) (contracts.Task, error) {
	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return contracts.Task{}, err
	}
	believed := task.LastUpdated
	now := e.Now()

	task.Status = status
	if err := e.Store.PutTask(ctx, task); err != nil {
		return contracts.Task{}, err
	}

	if !e.Online() {
		if _, err := e.Store.EnqueueChange(ctx, contracts.ChangeStatusUpdate, task, now); err != nil {
			return contracts.Task{}, err
		}
		return task, nil
	}

	stored, err := e.sendStatusUpdate(ctx, task, status, believed)
	if err != nil {
		if clientapi.IsUnavailable(err) {
			if _, qerr := e.Store.EnqueueChange(ctx, contracts.ChangeStatusUpdate, task, now); qerr != nil {
				return contracts.Task{}, qerr
			}
			return task, nil
		}
		return contracts.Task{}, err
	}
	return stored, nil
}

// DeleteTask removes the task locally and either tells the authority now or
// queues the delete.
func (e *Engine) DeleteTask(ctx context.Context, taskID string) error {
	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.Store.DeleteTask(ctx, taskID); err != nil {
		return err
	}

	if !e.Online() {
		_, err := e.Store.EnqueueChange(ctx, contracts.ChangeDelete, task, e.Now())
		return err
	}

	err = e.Authority.DeleteTask(ctx, taskID)
	switch {
	case err == nil, errors.Is(err, clientapi.ErrNotFound):
		return nil
	case clientapi.IsUnavailable(err):
		_, qerr := e.Store.EnqueueChange(ctx, contracts.ChangeDelete, task, e.Now())
		return qerr
	default:
		return err
	}
}

// Sync is the full reconnect path: replay the pending queue first so locally
// captured mutations reach the authority before the fetch snapshot lands,
// then merge the server's list into the cache.
func (e *Engine) Sync(ctx context.Context) error {
	if err := e.Replay(ctx); err != nil {
		return err
	}
	return e.Fetch(ctx)
}

// Replay sends the pending queue strictly in sequence order, awaiting each
// acknowledgment before the next send. A conflict is resolved through the
// Resolver and replay continues; any other failure leaves the change in the
// queue and halts, so later changes are never reordered past a gap.
func (e *Engine) Replay(ctx context.Context) error {
	changes, err := e.Store.ListPendingChanges(ctx)
	if err != nil {
		return err
	}
	for _, change := range changes {
		if err := e.replayOne(ctx, change); err != nil {
			replayOutcomes.Inc("halted")
			return fmt.Errorf("replay halted at change %d: %w", change.SequenceID, err)
		}
		replayOutcomes.Inc("acked")
		if err := e.Store.RemoveChange(ctx, change.SequenceID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) replayOne(ctx context.Context, change contracts.PendingChange) error {
	switch change.Kind {
	case contracts.ChangeCreate:
		stored, err := e.Authority.CreateTask(ctx, createRequest(change.Task))
		if err != nil {
			return err
		}
		return e.Store.PutTask(ctx, stored)

	case contracts.ChangeStatusUpdate:
		// The capture timestamp is the claimed last_updated for a queued
		// change: it says "this is when I decided, knowing what I knew".
		_, err := e.sendStatusUpdate(ctx, change.Task, change.Task.Status, change.CapturedAt)
		return err

	case contracts.ChangeDelete:
		err := e.Authority.DeleteTask(ctx, change.Task.ID)
		if err != nil && !errors.Is(err, clientapi.ErrNotFound) {
			return err
		}
		return nil

	default:
		// Unknown kinds are dropped rather than wedging the queue forever.
		log.Printf("syncengine: dropping pending change %d with unknown kind %q", change.SequenceID, change.Kind)
		return nil
	}
}

// sendStatusUpdate issues the update with the given last_updated claim and
// runs the conflict protocol on a 409: ask the resolver, then either force
// the local value through or reconcile the cache to the authority's state.
func (e *Engine) sendStatusUpdate(ctx context.Context, task contracts.Task, status string, claim time.Time) (contracts.Task, error) {
	req := taskauthority.StatusUpdateRequest{Status: status}
	if !claim.IsZero() {
		req.LastUpdated = &claim
	}
	stored, err := e.Authority.UpdateStatus(ctx, task.ID, req)
	if err == nil {
		return stored, e.Store.PutTask(ctx, stored)
	}

	var conflict *taskauthority.ConflictError
	if !errors.As(err, &conflict) {
		return contracts.Task{}, err
	}

	if e.Resolve != nil && e.Resolve.Resolve(task, conflict) {
		req.Force = true
		stored, err = e.Authority.UpdateStatus(ctx, task.ID, req)
		if err != nil {
			return contracts.Task{}, err
		}
		return stored, e.Store.PutTask(ctx, stored)
	}

	// Accept the authority's value into the cache.
	task.Status = conflict.CurrentStatus
	task.LastUpdated = conflict.CurrentVersion
	if err := e.Store.PutTask(ctx, task); err != nil {
		return contracts.Task{}, err
	}
	return task, nil
}

// Fetch merges the server's task list into the local cache: union on id,
// server fields win except status, which is kept from the local cache when
// present. Tasks only known locally (queued creates) are left alone.
func (e *Engine) Fetch(ctx context.Context) error {
	serverTasks, err := e.Authority.Tasks(ctx, e.Role)
	if err != nil {
		return err
	}
	local, err := e.Store.ListTasks(ctx, localstore.Filter{})
	if err != nil {
		return err
	}
	localByID := make(map[string]contracts.Task, len(local))
	for _, t := range local {
		localByID[t.ID] = t
	}

	for _, server := range serverTasks {
		merged := server
		if cached, ok := localByID[server.ID]; ok {
			merged.Status = cached.Status
		}
		if err := e.Store.PutTask(ctx, merged); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEvent folds an inbound notification into the local cache. Unknown
// kinds are no-ops.
func (e *Engine) ApplyEvent(ctx context.Context, msg contracts.Message) error {
	switch msg.Kind {
	case contracts.KindTaskStatusChanged:
		task, err := e.Store.GetTask(ctx, msg.TaskID)
		if errors.Is(err, localstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		task.Status = msg.NewStatus
		task.LastUpdated = msg.Timestamp
		return e.Store.PutTask(ctx, task)

	case contracts.KindTaskDeleted:
		return e.Store.DeleteTask(ctx, msg.TaskID)

	case contracts.KindNewTask:
		// The event is a poke, not the payload; fetch the real row.
		if e.Online() {
			return e.Fetch(ctx)
		}
		return nil

	default:
		return nil
	}
}

// PendingCount exposes the queue depth for offline indicators.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.Store.PendingCount(ctx)
}

func createRequest(task contracts.Task) taskauthority.CreateTaskRequest {
	return taskauthority.CreateTaskRequest{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		Date:        task.Date,
		Time:        task.Time,
		DependentID: task.DependentID,
	}
}
