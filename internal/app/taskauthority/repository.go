package taskauthority

import (
	"context"
	"errors"
	"time"

	"github.com/guardianlink/project/internal/contracts"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	EnsureSchema(ctx context.Context) error
	InsertTaskIfAbsent(ctx context.Context, task contracts.Task) (bool, error)
	GetTask(ctx context.Context, taskID string) (contracts.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID, status string, lastUpdated time.Time) error
	DeleteTask(ctx context.Context, taskID string) error
	ListByGuardian(ctx context.Context, guardianID string) ([]contracts.Task, error)
	ListByDependent(ctx context.Context, dependentID string) ([]contracts.Task, error)
	ListDueBetween(ctx context.Context, from, to time.Time) ([]contracts.Task, error)
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createTasksSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  id text PRIMARY KEY,
  title text NOT NULL,
  description text NOT NULL DEFAULT '',
  due_date text NOT NULL DEFAULT '',
  due_time text NOT NULL DEFAULT '',
  status text NOT NULL DEFAULT 'pending',
  guardian_id text NOT NULL REFERENCES users(id),
  dependent_id text NOT NULL REFERENCES users(id),
  created_at timestamptz NOT NULL,
  last_updated timestamptz NOT NULL
)`

const createTasksGuardianIdxSQL = `
CREATE INDEX IF NOT EXISTS tasks_guardian_id_idx ON tasks (guardian_id)`

const createTasksDependentIdxSQL = `
CREATE INDEX IF NOT EXISTS tasks_dependent_id_idx ON tasks (dependent_id)`

const createTasksStatusIdxSQL = `
CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status)`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createTasksSQL,
		createTasksGuardianIdxSQL,
		createTasksDependentIdxSQL,
		createTasksStatusIdxSQL,
	} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertTaskIfAbsent inserts with put-semantics and reports whether a new
// row was written. ON CONFLICT DO NOTHING keeps replayed creates idempotent.
func (r *PostgresRepository) InsertTaskIfAbsent(ctx context.Context, task contracts.Task) (bool, error) {
	res, err := r.Pool.Exec(ctx,
		`INSERT INTO tasks (id, title, description, due_date, due_time, status, guardian_id, dependent_id, created_at, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		task.ID, task.Title, task.Description, task.Date, task.Time,
		task.Status, task.GuardianID, task.DependentID, task.CreatedAt, task.LastUpdated,
	)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

const selectTaskSQL = `
SELECT t.id, t.title, t.description, t.due_date, t.due_time, t.status,
       t.guardian_id, t.dependent_id, g.name, d.name, t.created_at, t.last_updated
FROM tasks t
JOIN users g ON g.id = t.guardian_id
JOIN users d ON d.id = t.dependent_id`

func (r *PostgresRepository) GetTask(ctx context.Context, taskID string) (contracts.Task, error) {
	task, err := scanTask(r.Pool.QueryRow(ctx, selectTaskSQL+` WHERE t.id = $1`, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contracts.Task{}, ErrNotFound
		}
		return contracts.Task{}, err
	}
	return task, nil
}

func (r *PostgresRepository) UpdateTaskStatus(ctx context.Context, taskID, status string, lastUpdated time.Time) error {
	res, err := r.Pool.Exec(ctx,
		`UPDATE tasks SET status = $2, last_updated = $3 WHERE id = $1`,
		taskID, status, lastUpdated,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteTask(ctx context.Context, taskID string) error {
	res, err := r.Pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ListByGuardian(ctx context.Context, guardianID string) ([]contracts.Task, error) {
	return r.list(ctx, selectTaskSQL+` WHERE t.guardian_id = $1 ORDER BY t.created_at DESC`, guardianID)
}

func (r *PostgresRepository) ListByDependent(ctx context.Context, dependentID string) ([]contracts.Task, error) {
	return r.list(ctx, selectTaskSQL+` WHERE t.dependent_id = $1 ORDER BY t.created_at DESC`, dependentID)
}

// ListDueBetween feeds the reminder scan: incomplete tasks whose combined
// date+time falls inside the window.
func (r *PostgresRepository) ListDueBetween(ctx context.Context, from, to time.Time) ([]contracts.Task, error) {
	return r.list(ctx,
		selectTaskSQL+`
		 WHERE t.status <> $1
		   AND t.due_date <> '' AND t.due_time <> ''
		   AND (t.due_date || ' ' || t.due_time)::timestamptz BETWEEN $2 AND $3`,
		contracts.StatusCompleted, from, to,
	)
}

func (r *PostgresRepository) list(ctx context.Context, sql string, args ...any) ([]contracts.Task, error) {
	rows, err := r.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]contracts.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (contracts.Task, error) {
	var t contracts.Task
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Date, &t.Time, &t.Status,
		&t.GuardianID, &t.DependentID, &t.GuardianName, &t.DependentName,
		&t.CreatedAt, &t.LastUpdated,
	)
	return t, err
}
