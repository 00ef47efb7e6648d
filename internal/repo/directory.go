package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"intakeline/internal/domain"
)

func (r Repo) InsertClient(ctx context.Context, tx *sql.Tx, c domain.Client) error {
	if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.Name) == "" {
		return errors.New("id and name required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO clients(id, name, email, created_at) VALUES (?,?,?,?)`,
		c.ID, c.Name, nullable(c.Email), c.CreatedAt)
	return err
}

func (r Repo) GetClient(ctx context.Context, id string) (domain.Client, error) {
	return getClient(ctx, r.DB, id)
}

func (r Repo) GetClientTx(ctx context.Context, tx *sql.Tx, id string) (domain.Client, error) {
	return getClient(ctx, tx, id)
}

func getClient(ctx context.Context, q queryer, id string) (domain.Client, error) {
	var c domain.Client
	err := q.QueryRowContext(ctx, `SELECT id, name, COALESCE(email,''), created_at FROM clients WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Email, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Client{}, ErrNotFound
	}
	return c, err
}

func (r Repo) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, name, COALESCE(email,''), created_at FROM clients ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Client
	for rows.Next() {
		var c domain.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id, name, description, status, priority, client_id, owner_id, created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.Status, p.Priority, p.ClientID, p.OwnerID, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return getProject(ctx, tx, id)
}

func getProject(ctx context.Context, q queryer, id string) (domain.Project, error) {
	var p domain.Project
	err := q.QueryRowContext(ctx, `SELECT id, name, COALESCE(description,''), status, priority, client_id, owner_id, created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.Priority, &p.ClientID, &p.OwnerID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Project{}, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertTicketTx(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tickets(id, ticket_number, title, description, type, status, priority, client_id, project_id, story_points, created_by, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TicketNumber, t.Title, nullable(t.Description), t.Type, t.Status, t.Priority, t.ClientID,
		nullableStringPtr(t.ProjectID), nullableIntPtr(t.StoryPoints), t.CreatedBy, t.CreatedAt)
	return err
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	var t domain.Ticket
	var project sql.NullString
	var points sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT id, ticket_number, title, COALESCE(description,''), type, status, priority, client_id, project_id, story_points, created_by, created_at FROM tickets WHERE id=?`, id).
		Scan(&t.ID, &t.TicketNumber, &t.Title, &t.Description, &t.Type, &t.Status, &t.Priority, &t.ClientID, &project, &points, &t.CreatedBy, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Ticket{}, ErrNotFound
	}
	if err != nil {
		return domain.Ticket{}, err
	}
	t.ProjectID = stringPtr(project)
	if points.Valid {
		p := int(points.Int64)
		t.StoryPoints = &p
	}
	return t, nil
}
