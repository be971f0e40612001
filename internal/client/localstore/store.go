package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/guardianlink/project/internal/contracts"
)

var ErrNotFound = errors.New("task not found in local store")

// Store is the client-side durable mirror of the task list plus the
// append-only queue of mutations captured while offline. Reads are served
// from here first; the server is reconciled in later.
type Store struct {
	db *sql.DB
}

// Open opens (creating if missing) the sqlite file at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			title          TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			due_date       TEXT NOT NULL DEFAULT '',
			due_time       TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			guardian_id    TEXT NOT NULL,
			dependent_id   TEXT NOT NULL,
			guardian_name  TEXT NOT NULL DEFAULT '',
			dependent_name TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			last_updated   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_dependent ON tasks (dependent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
		`CREATE TABLE IF NOT EXISTS pending_changes (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind        TEXT NOT NULL,
			task_json   TEXT NOT NULL,
			captured_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure local schema: %w", err)
		}
	}
	return nil
}

// PutTask upserts a task into the mirror.
func (s *Store) PutTask(ctx context.Context, task contracts.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, due_date, due_time, status,
			guardian_id, dependent_id, guardian_name, dependent_name, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			due_date = excluded.due_date,
			due_time = excluded.due_time,
			status = excluded.status,
			guardian_id = excluded.guardian_id,
			dependent_id = excluded.dependent_id,
			guardian_name = excluded.guardian_name,
			dependent_name = excluded.dependent_name,
			created_at = excluded.created_at,
			last_updated = excluded.last_updated`,
		task.ID, task.Title, task.Description, task.Date, task.Time, task.Status,
		task.GuardianID, task.DependentID, task.GuardianName, task.DependentName,
		task.CreatedAt.UTC().Format(time.RFC3339Nano), task.LastUpdated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (contracts.Task, error) {
	row := s.db.QueryRowContext(ctx, selectTaskSQL+` WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Task{}, ErrNotFound
	}
	return task, err
}

// Filter narrows ListTasks by the mirror's secondary indexes. Zero values
// match everything.
type Filter struct {
	DependentID string
	Status      string
}

func (s *Store) ListTasks(ctx context.Context, filter Filter) ([]contracts.Task, error) {
	query := selectTaskSQL + ` WHERE 1=1`
	args := []any{}
	if filter.DependentID != "" {
		query += ` AND dependent_id = ?`
		args = append(args, filter.DependentID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []contracts.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// EnqueueChange appends a mutation to the replay queue and returns its
// sequence id. The enqueue is complete only once sqlite confirms the write;
// callers must treat an error as the mutation not being captured.
func (s *Store) EnqueueChange(ctx context.Context, kind string, task contracts.Task, capturedAt time.Time) (int64, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return 0, fmt.Errorf("marshal pending change: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_changes (kind, task_json, captured_at) VALUES (?, ?, ?)`,
		kind, string(payload), capturedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue change id: %w", err)
	}
	return seq, nil
}

// ListPendingChanges returns the queue in FIFO order.
func (s *Store) ListPendingChanges(ctx context.Context) ([]contracts.PendingChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, task_json, captured_at FROM pending_changes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}
	defer rows.Close()

	changes := []contracts.PendingChange{}
	for rows.Next() {
		var (
			change   contracts.PendingChange
			taskJSON string
			captured string
		)
		if err := rows.Scan(&change.SequenceID, &change.Kind, &taskJSON, &captured); err != nil {
			return nil, fmt.Errorf("scan pending change: %w", err)
		}
		if err := json.Unmarshal([]byte(taskJSON), &change.Task); err != nil {
			return nil, fmt.Errorf("decode pending change %d: %w", change.SequenceID, err)
		}
		change.CapturedAt, err = time.Parse(time.RFC3339Nano, captured)
		if err != nil {
			return nil, fmt.Errorf("parse captured_at of change %d: %w", change.SequenceID, err)
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

// RemoveChange drops one replayed entry from the queue.
func (s *Store) RemoveChange(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("remove change %d: %w", seq, err)
	}
	return nil
}

// ClearPendingChanges empties the replay queue, abandoning every captured
// mutation. Used when the local queue is known to be stale, e.g. after
// re-authenticating as a different user against the same file.
func (s *Store) ClearPendingChanges(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_changes`)
	if err != nil {
		return fmt.Errorf("clear pending changes: %w", err)
	}
	return nil
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_changes`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending changes: %w", err)
	}
	return n, nil
}

const selectTaskSQL = `
	SELECT id, title, description, due_date, due_time, status,
		guardian_id, dependent_id, guardian_name, dependent_name,
		created_at, last_updated
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (contracts.Task, error) {
	var (
		task        contracts.Task
		createdAt   string
		lastUpdated string
	)
	err := row.Scan(
		&task.ID, &task.Title, &task.Description, &task.Date, &task.Time, &task.Status,
		&task.GuardianID, &task.DependentID, &task.GuardianName, &task.DependentName,
		&createdAt, &lastUpdated,
	)
	if err != nil {
		return contracts.Task{}, err
	}
	if task.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return contracts.Task{}, fmt.Errorf("parse created_at of task %s: %w", task.ID, err)
	}
	if task.LastUpdated, err = time.Parse(time.RFC3339Nano, lastUpdated); err != nil {
		return contracts.Task{}, fmt.Errorf("parse last_updated of task %s: %w", task.ID, err)
	}
	return task, nil
}
