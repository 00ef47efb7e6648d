package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"intakeline/internal/config"
	"intakeline/internal/domain"
	"intakeline/internal/engine/auth"
	"intakeline/internal/events"
	"intakeline/internal/notify"
	"intakeline/internal/pipeline"
	"intakeline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Auth   auth.Service
	Events events.Writer
	Config *config.Config
	Notify *notify.Dispatcher
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Auth:   auth.Service{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) ts() string {
	return e.now().Format(time.RFC3339)
}

// history returns the writer stamped with the engine clock.
func (e Engine) history() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) appURL() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Notify.AppURL
}

func (e Engine) ticketMaxPoints() int {
	if e.Config == nil {
		return pipeline.DefaultTicketMaxPoints
	}
	return e.Config.Routing.TicketMaxPoints
}

// loadRequestTx reads a request inside tx, translating a missing row.
func (e Engine) loadRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	r, err := e.Repo.GetRequestTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return r, pipeline.NotFoundf("request not found")
	}
	if err != nil {
		return r, fmt.Errorf("load request %s: %w", id, err)
	}
	return r, nil
}

func requireActor(actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return pipeline.Invalidf("actor is required")
	}
	return nil
}

// ensureActor makes sure actorID has a users row so foreign keys hold. A new
// row gets the least-privileged role; staff are registered explicitly.
func (e Engine) ensureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return pipeline.Invalidf("actor is required")
	}
	return e.Repo.EnsureUser(ctx, tx, domain.User{ID: actorID, Role: repo.RoleClient, CreatedAt: e.ts()})
}

func (e Engine) requireUserTx(ctx context.Context, tx *sql.Tx, id, what string) (domain.User, error) {
	u, err := e.Repo.GetUserTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return u, pipeline.NotFoundf("%s not found", what)
	}
	return u, err
}

// actorName resolves a display name for emails, falling back to the id.
func (e Engine) actorName(ctx context.Context, actorID string) string {
	u, err := e.Repo.GetUser(ctx, actorID)
	if err != nil || u.Name == "" {
		return actorID
	}
	return u.Name
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
