package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"intakeline/internal/db"
	"intakeline/internal/domain"
	"intakeline/internal/migrate"
	"intakeline/internal/repo"
)

func openRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func insertRequest(t *testing.T, r repo.Repo, n int, stage domain.Stage, at string) domain.Request {
	t.Helper()
	req := domain.Request{
		ID:             fmt.Sprintf("r%d", n),
		RequestNumber:  fmt.Sprintf("REQ-%04d", n),
		Title:          "title",
		Description:    "desc",
		Type:           domain.TypeBug,
		Priority:       domain.PriorityMedium,
		Stage:          stage,
		StageEnteredAt: at,
		RequesterID:    "u1",
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertRequestTx(context.Background(), tx, req) })
	return req
}

func TestNextNumberIsSequentialPerCounter(t *testing.T) {
	r, ctx := openRepo(t)
	var got []int64
	inTx(t, r, func(tx *sql.Tx) error {
		for _, c := range []string{"request", "request", "ticket", "request"} {
			n, err := r.NextNumberTx(ctx, tx, c)
			if err != nil {
				return err
			}
			got = append(got, n)
		}
		return nil
	})
	want := []int64{1, 2, 1, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("counter values %v, want %v", got, want)
		}
	}
	inTx(t, r, func(tx *sql.Tx) error {
		if _, err := r.NextNumberTx(ctx, tx, "widget"); err == nil {
			return errors.New("expected error for unknown counter")
		}
		return nil
	})
}

func TestBulkSetStageKeepsClockForSameStage(t *testing.T) {
	r, ctx := openRepo(t)
	inTx(t, r, func(tx *sql.Tx) error {
		return r.EnsureUser(ctx, tx, domain.User{ID: "u1", CreatedAt: "2024-01-01T00:00:00Z"})
	})
	earlier := "2024-01-01T00:00:00Z"
	moving := insertRequest(t, r, 1, domain.StageInTreatment, earlier)
	staying := insertRequest(t, r, 2, domain.StageOnHold, earlier)

	now := "2024-01-05T00:00:00Z"
	inTx(t, r, func(tx *sql.Tx) error {
		n, err := r.BulkSetStageTx(ctx, tx, []string{moving.ID, staying.ID}, domain.StageOnHold, "waiting on vendor", now)
		if err != nil {
			return err
		}
		if n != 2 {
			return fmt.Errorf("rows affected %d", n)
		}
		return nil
	})

	got, err := r.GetRequest(ctx, moving.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != domain.StageOnHold || got.StageEnteredAt != now {
		t.Fatalf("moved request not updated: %+v", got)
	}
	if got.HoldReason == nil || *got.HoldReason != "waiting on vendor" || got.HoldStartedAt == nil || *got.HoldStartedAt != now {
		t.Fatalf("hold fields not set: %+v", got)
	}

	kept, err := r.GetRequest(ctx, staying.ID)
	if err != nil {
		t.Fatal(err)
	}
	if kept.StageEnteredAt != earlier {
		t.Fatalf("same-stage request lost its clock: %s", kept.StageEnteredAt)
	}
	if kept.HoldReason != nil {
		t.Fatalf("same-stage request gained a hold reason: %v", *kept.HoldReason)
	}
}

func TestListStaleRequestsSkipsClosed(t *testing.T) {
	r, ctx := openRepo(t)
	inTx(t, r, func(tx *sql.Tx) error {
		return r.EnsureUser(ctx, tx, domain.User{ID: "u1", CreatedAt: "2024-01-01T00:00:00Z"})
	})
	old := insertRequest(t, r, 1, domain.StageReady, "2024-01-01T00:00:00Z")
	insertRequest(t, r, 2, domain.StageReady, "2024-02-01T00:00:00Z")
	cancelled := insertRequest(t, r, 3, domain.StageReady, "2024-01-01T00:00:00Z")
	cancelled.IsCancelled = true
	inTx(t, r, func(tx *sql.Tx) error { return r.UpdateRequestTx(ctx, tx, cancelled) })

	items, err := r.ListStaleRequests(ctx, domain.StageReady, "2024-01-15T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != old.ID {
		t.Fatalf("unexpected stale requests: %+v", items)
	}
}

func TestIssueAPIKey(t *testing.T) {
	r, ctx := openRepo(t)
	if _, _, err := r.IssueAPIKey(ctx, "ghost", "", "2024-01-01T00:00:00Z"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}
	inTx(t, r, func(tx *sql.Tx) error {
		return r.EnsureUser(ctx, tx, domain.User{ID: "u1", CreatedAt: "2024-01-01T00:00:00Z"})
	})
	raw, key, err := r.IssueAPIKey(ctx, "u1", "laptop", "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if key.KeyHash == raw || key.KeyHash != repo.HashAPIKey(raw) {
		t.Fatalf("raw key must not be stored")
	}
	u, err := r.ActorForAPIKey(ctx, " "+raw+" ", "2024-01-02T00:00:00Z")
	if err != nil || u.ID != "u1" {
		t.Fatalf("resolve key: %+v %v", u, err)
	}
	if _, err := r.ActorForAPIKey(ctx, "il_nope", "2024-01-02T00:00:00Z"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown key, got %v", err)
	}
}
