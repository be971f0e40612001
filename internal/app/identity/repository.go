package identity

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

const (
	RoleGuardian  = "guardian"
	RoleDependent = "dependent"
)

type User struct {
	ID           string
	Name         string
	PasswordHash string
	Role         string
	Code         string
	GuardianID   string
}

type Repository interface {
	EnsureSchema(ctx context.Context) error
	CreateUser(ctx context.Context, user User) error
	FindUserByName(ctx context.Context, name string) (User, error)
	FindUserByID(ctx context.Context, userID string) (User, error)
	FindDependentByCode(ctx context.Context, code string) (User, error)
	SetGuardian(ctx context.Context, dependentID, guardianID string) error
	ListDependents(ctx context.Context, guardianID string) ([]User, error)
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createUsersSQL = `
CREATE TABLE IF NOT EXISTS users (
  id text PRIMARY KEY,
  name text NOT NULL UNIQUE,
  password_hash text NOT NULL,
  role text NOT NULL,
  code text UNIQUE,
  guardian_id text REFERENCES users(id),
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createUsersGuardianIdxSQL = `
CREATE INDEX IF NOT EXISTS users_guardian_id_idx ON users (guardian_id)
WHERE guardian_id IS NOT NULL`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createUsersSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createUsersGuardianIdxSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) CreateUser(ctx context.Context, user User) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO users (id, name, password_hash, role, code, guardian_id)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))`,
		user.ID, user.Name, user.PasswordHash, user.Role, user.Code, user.GuardianID,
	)
	return err
}

const selectUserSQL = `
SELECT id, name, password_hash, role, COALESCE(code, ''), COALESCE(guardian_id, '')
FROM users`

func (r *PostgresRepository) FindUserByName(ctx context.Context, name string) (User, error) {
	return r.scanOne(r.Pool.QueryRow(ctx, selectUserSQL+` WHERE name = $1`, name))
}

func (r *PostgresRepository) FindUserByID(ctx context.Context, userID string) (User, error) {
	return r.scanOne(r.Pool.QueryRow(ctx, selectUserSQL+` WHERE id = $1`, userID))
}

func (r *PostgresRepository) FindDependentByCode(ctx context.Context, code string) (User, error) {
	return r.scanOne(r.Pool.QueryRow(ctx, selectUserSQL+` WHERE code = $1 AND role = $2`, code, RoleDependent))
}

func (r *PostgresRepository) scanOne(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.PasswordHash, &u.Role, &u.Code, &u.GuardianID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

// SetGuardian claims the dependent for a guardian. The guardian_id IS NULL
// guard makes the claim race-safe: two concurrent links cannot both win.
func (r *PostgresRepository) SetGuardian(ctx context.Context, dependentID, guardianID string) error {
	res, err := r.Pool.Exec(ctx,
		`UPDATE users SET guardian_id = $2
		 WHERE id = $1 AND role = $3 AND guardian_id IS NULL`,
		dependentID, guardianID, RoleDependent,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrAlreadyLinked
	}
	return nil
}

func (r *PostgresRepository) ListDependents(ctx context.Context, guardianID string) ([]User, error) {
	rows, err := r.Pool.Query(ctx,
		selectUserSQL+` WHERE guardian_id = $1 ORDER BY name`,
		guardianID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dependents := make([]User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.PasswordHash, &u.Role, &u.Code, &u.GuardianID); err != nil {
			return nil, err
		}
		dependents = append(dependents, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return dependents, nil
}
