package taskauthority

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guardianlink/project/internal/contracts"
	"github.com/nats-io/nuid"
)

var (
	ErrTitleRequired     = errors.New("title is required")
	ErrDependentRequired = errors.New("dependent_id is required")
	ErrInvalidStatus     = errors.New("invalid task status")
	ErrNotLinked         = errors.New("dependent is not linked to this guardian")
	ErrForbidden         = errors.New("no access to this task")
	ErrGuardianOnly      = errors.New("only the guardian may perform this action")
	ErrNotFound          = errors.New("task not found")
)

// ConflictError signals a stale status update: the client's claimed
// last_updated predates the stored version. Carries the authority's current
// state so the client can surface it and let the human decide.
type ConflictError struct {
	CurrentStatus  string
	CurrentVersion time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task was changed by the other party (current status %s)", e.CurrentStatus)
}

// Links answers whether a dependent is linked to a guardian. Satisfied by
// the identity service.
type Links interface {
	IsLinked(ctx context.Context, guardianID, dependentID string) (bool, error)
}

// Notifier pushes a message toward a user's notification channel.
// Delivery is best-effort; senders never block on it.
type Notifier interface {
	Send(userID string, msg contracts.Message)
}

type Actor struct {
	UserID string
	Role   string
}

type CreateTaskRequest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	DependentID string `json:"dependent_id"`
}

type StatusUpdateRequest struct {
	Status      string     `json:"status"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
	Force       bool       `json:"force,omitempty"`
}

// Service is the single write path for task rows. Every accepted mutation
// stamps a fresh last_updated; clients never set it themselves.
type Service struct {
	Repo   Repository
	Links  Links
	Notify Notifier
	Now    func() time.Time
	NewID  func() string
}

func NewService(repo Repository, links Links, notify Notifier) *Service {
	return &Service{
		Repo:   repo,
		Links:  links,
		Notify: notify,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  nuid.Next,
	}
}

// Create inserts a task with put-semantics: a replayed create with an id the
// authority already stored is a no-op returning the stored row, so retrying
// a create whose acknowledgment was lost never duplicates the task.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateTaskRequest) (contracts.Task, error) {
	if actor.Role != "guardian" {
		return contracts.Task{}, ErrGuardianOnly
	}
	if strings.TrimSpace(req.Title) == "" {
		return contracts.Task{}, ErrTitleRequired
	}
	dependentID := strings.TrimSpace(req.DependentID)
	if dependentID == "" {
		return contracts.Task{}, ErrDependentRequired
	}

	linked, err := s.Links.IsLinked(ctx, actor.UserID, dependentID)
	if err != nil {
		return contracts.Task{}, err
	}
	if !linked {
		return contracts.Task{}, ErrNotLinked
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = s.NewID()
	}
	now := s.Now()
	task := contracts.Task{
		ID:          id,
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		Date:        strings.TrimSpace(req.Date),
		Time:        strings.TrimSpace(req.Time),
		Status:      contracts.StatusPending,
		GuardianID:  actor.UserID,
		DependentID: dependentID,
		CreatedAt:   now,
		LastUpdated: now,
	}

	inserted, err := s.Repo.InsertTaskIfAbsent(ctx, task)
	if err != nil {
		return contracts.Task{}, err
	}
	if !inserted {
		// Replayed create; hand back what the authority already holds.
		return s.Repo.GetTask(ctx, id)
	}

	if s.Notify != nil {
		s.Notify.Send(dependentID, contracts.Message{
			Kind:      contracts.KindNewTask,
			TaskID:    task.ID,
			Title:     "New task",
			Body:      newTaskBody(task),
			Timestamp: now,
		})
	}
	return task, nil
}

// UpdateStatus arbitrates last-write-wins with an explicit human override.
// A request with no last_updated claim is accepted unconditionally; a claim
// older than the stored version conflicts unless force is set.
func (s *Service) UpdateStatus(ctx context.Context, actor Actor, taskID string, req StatusUpdateRequest) (contracts.Task, error) {
	if !contracts.IsValidStatus(req.Status) {
		return contracts.Task{}, ErrInvalidStatus
	}

	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return contracts.Task{}, err
	}
	if task.GuardianID != actor.UserID && task.DependentID != actor.UserID {
		return contracts.Task{}, ErrForbidden
	}

	if !req.Force && req.LastUpdated != nil && req.LastUpdated.Before(task.LastUpdated) {
		return contracts.Task{}, &ConflictError{
			CurrentStatus:  task.Status,
			CurrentVersion: task.LastUpdated,
		}
	}

	stamp := s.Now()
	if stamp.Before(task.LastUpdated) {
		// last_updated is monotonically non-decreasing.
		stamp = task.LastUpdated
	}
	if err := s.Repo.UpdateTaskStatus(ctx, taskID, req.Status, stamp); err != nil {
		return contracts.Task{}, err
	}
	task.Status = req.Status
	task.LastUpdated = stamp

	if s.Notify != nil {
		msg := contracts.Message{
			Kind:      contracts.KindTaskStatusChanged,
			TaskID:    task.ID,
			NewStatus: task.Status,
			Timestamp: stamp,
		}
		s.Notify.Send(task.GuardianID, msg)
		s.Notify.Send(task.DependentID, msg)
	}
	return task, nil
}

// Delete removes a task. Guardian-only, and only for tasks the guardian owns;
// a task owned by another guardian reads as not found.
func (s *Service) Delete(ctx context.Context, actor Actor, taskID string) error {
	if actor.Role != "guardian" {
		return ErrGuardianOnly
	}

	task, err := s.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.GuardianID != actor.UserID {
		return ErrNotFound
	}

	if err := s.Repo.DeleteTask(ctx, taskID); err != nil {
		return err
	}

	if s.Notify != nil {
		s.Notify.Send(task.DependentID, contracts.Message{
			Kind:      contracts.KindTaskDeleted,
			TaskID:    task.ID,
			Title:     "Task removed",
			Body:      fmt.Sprintf("The task %q was removed by your guardian", task.Title),
			Timestamp: s.Now(),
		})
	}
	return nil
}

func (s *Service) ListForGuardian(ctx context.Context, guardianID string) ([]contracts.Task, error) {
	return s.Repo.ListByGuardian(ctx, guardianID)
}

func (s *Service) ListForDependent(ctx context.Context, dependentID string) ([]contracts.Task, error) {
	return s.Repo.ListByDependent(ctx, dependentID)
}

func newTaskBody(task contracts.Task) string {
	body := "You have a new task: " + task.Title
	if task.Description != "" {
		body += "\n" + task.Description
	}
	if task.Date != "" {
		body += "\nDue " + task.Date
		if task.Time != "" {
			body += " at " + task.Time
		}
	}
	return body
}
