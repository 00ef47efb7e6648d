package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"intakeline/internal/config"
	"intakeline/internal/db"
	"intakeline/internal/domain"
	"intakeline/internal/engine"
	"intakeline/internal/migrate"
	"intakeline/internal/notify"
	"intakeline/internal/repo"
)

// Runtime is an opened workspace: migrated database, loaded config and an
// engine wired to the configured notification channels.
type Runtime struct {
	Conn   *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares the workspace. A missing intakeline.yml falls back to defaults.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*Runtime, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Notify = notify.NewDispatcher(cfg, e.Repo, logger)
	return &Runtime{Conn: conn, Config: cfg, Engine: e}, nil
}

// Close waits for in-flight notifications, then closes the database.
func (rt *Runtime) Close() error {
	rt.Engine.Notify.Wait()
	return rt.Conn.Close()
}

// Bootstrap registers actorID with role, creating or updating the user row.
// It is how a fresh workspace gets its first admin.
func Bootstrap(ctx context.Context, r repo.Repo, u domain.User) error {
	if !repo.ValidRole(u.Role) {
		return fmt.Errorf("invalid role %q", u.Role)
	}
	if u.CreatedAt == "" {
		u.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertUser(ctx, tx, u); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return tx.Commit()
}
