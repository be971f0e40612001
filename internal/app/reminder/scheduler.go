package reminder

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/guardianlink/project/internal/app/notify"
	"github.com/guardianlink/project/internal/contracts"
	"github.com/guardianlink/project/internal/platform/metrics"
)

var scans = metrics.NewCounter(
	"reminder_scans_total",
	"Reminder scans over the lookahead window, by outcome.",
	"outcome",
)

func init() {
	metrics.Default.MustRegister(scans)
}

// TaskSource is the slice of the task store the scheduler reads. Tasks are
// due when their combined date+time falls inside [from, to] and they are
// not completed.
type TaskSource interface {
	ListDueBetween(ctx context.Context, from, to time.Time) ([]contracts.Task, error)
}

// Scheduler scans for imminent tasks on a fixed period and pushes
// task_reminder messages to whichever parties are connected. There is no
// durable reminder log: a party offline for the whole lookahead window
// misses that occurrence.
type Scheduler struct {
	Tasks  TaskSource
	Notify notify.Registry

	Interval  time.Duration
	Lookahead time.Duration
	Now       func() time.Time

	inFlight atomic.Bool
}

func New(tasks TaskSource, registry notify.Registry) *Scheduler {
	return &Scheduler{
		Tasks:     tasks,
		Notify:    registry,
		Interval:  time.Minute,
		Lookahead: 30 * time.Minute,
		Now:       time.Now,
	}
}

// Run scans immediately, then on every tick until ctx is done. A tick that
// arrives while the previous scan is still running is skipped; the timer
// itself is never delayed by a slow scan.
func (s *Scheduler) Run(ctx context.Context) {
	s.tick(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		log.Printf("reminder: previous scan still running, skipping tick")
		return
	}
	go func() {
		defer s.inFlight.Store(false)
		if err := s.Scan(ctx); err != nil {
			log.Printf("reminder: scan: %v", err)
		}
	}()
}

// Scan performs a single pass over the lookahead window.
func (s *Scheduler) Scan(ctx context.Context) error {
	now := s.Now()
	tasks, err := s.Tasks.ListDueBetween(ctx, now, now.Add(s.Lookahead))
	if err != nil {
		scans.Inc("error")
		return fmt.Errorf("list due tasks: %w", err)
	}
	scans.Inc("ok")

	for _, task := range tasks {
		msg := contracts.Message{
			Kind:      contracts.KindTaskReminder,
			TaskID:    task.ID,
			Title:     "Task reminder",
			Body:      reminderBody(task),
			Timestamp: now,
		}
		for _, userID := range []string{task.GuardianID, task.DependentID} {
			if s.Notify.Connected(userID) {
				s.Notify.Send(userID, msg)
			}
		}
	}
	return nil
}

func reminderBody(task contracts.Task) string {
	body := fmt.Sprintf("Coming up soon:\n%s", task.Title)
	if task.Description != "" {
		body += fmt.Sprintf("\nDescription: %s", task.Description)
	}
	return body + fmt.Sprintf("\nTime: %s", task.Time)
}
