package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"intakeline/internal/domain"
)

// Roles known to the directory. Anything but client counts as internal staff.
const (
	RoleAdmin     = "admin"
	RolePM        = "pm"
	RoleDeveloper = "developer"
	RoleClient    = "client"
)

func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RolePM, RoleDeveloper, RoleClient:
		return true
	}
	return false
}

// EnsureUser inserts the user when missing. An existing row is left untouched.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if u.Role == "" {
		u.Role = RoleClient
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id, name, email, role, created_at) VALUES (?,?,?,?,?)`,
		u.ID, nullable(u.Name), nullable(u.Email), u.Role, u.CreatedAt)
	return err
}

// UpsertUser creates the user or replaces its name, email and role.
func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("id required")
	}
	if !ValidRole(u.Role) {
		return errors.New("invalid role")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id, name, email, role, created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, role=excluded.role`,
		u.ID, nullable(u.Name), nullable(u.Email), u.Role, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return getUser(ctx, r.DB, id)
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return getUser(ctx, tx, id)
}

func getUser(ctx context.Context, q queryer, id string) (domain.User, error) {
	var u domain.User
	err := q.QueryRowContext(ctx, `SELECT id, COALESCE(name,''), COALESCE(email,''), role, created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.User{}, ErrNotFound
	}
	return u, err
}

// ListUsers returns users, optionally restricted to one role.
func (r Repo) ListUsers(ctx context.Context, role string) ([]domain.User, error) {
	query := `SELECT id, COALESCE(name,''), COALESCE(email,''), role, created_at FROM users`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserRoles returns the role list used by the authorization gate. Unknown
// actors have no roles.
func (r Repo) UserRoles(ctx context.Context, id string) ([]string, error) {
	u, err := r.GetUser(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []string{u.Role}, nil
}
