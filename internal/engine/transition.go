package engine

import (
	"context"
	"math"
	"strings"
	"time"

	"intakeline/internal/domain"
	"intakeline/internal/notify"
	"intakeline/internal/observability"
	"intakeline/internal/pipeline"
)

// TransitionOptions move a single request along the stage graph.
type TransitionOptions struct {
	ID      string
	ToStage domain.Stage
	Reason  string
	ActorID string
}

func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (req domain.Request, err error) {
	ctx, span := observability.Start(ctx, "engine.Transition", opts.ID)
	defer func() { observability.End(span, err) }()

	if err := requireActor(opts.ActorID); err != nil {
		return req, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()

	req, err = e.loadRequestTx(ctx, tx, opts.ID)
	if err != nil {
		return req, err
	}
	if err := pipeline.CheckActive(req, "transition"); err != nil {
		return req, err
	}
	from := req.Stage
	if err := pipeline.CheckTransition(from, opts.ToStage, opts.Reason); err != nil {
		return req, err
	}
	pipeline.ApplyStage(&req, opts.ToStage, opts.Reason, e.ts())
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return req, err
	}
	if err := e.history().Append(ctx, tx, req.ID, opts.ActorID, domain.StageChangedMeta{
		OldStage: from,
		NewStage: req.Stage,
		Reason:   strings.TrimSpace(opts.Reason),
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	e.dispatchStageChange(ctx, req, from, opts.ActorID)
	return req, nil
}

// Hold parks an active request in on_hold with a reason.
func (e Engine) Hold(ctx context.Context, id, reason, actorID string) (req domain.Request, err error) {
	ctx, span := observability.Start(ctx, "engine.Hold", id)
	defer func() { observability.End(span, err) }()

	if err := requireActor(actorID); err != nil {
		return req, err
	}
	if strings.TrimSpace(reason) == "" {
		return req, pipeline.Invalidf("hold reason is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()

	req, err = e.loadRequestTx(ctx, tx, id)
	if err != nil {
		return req, err
	}
	if err := pipeline.CheckActive(req, "hold"); err != nil {
		return req, err
	}
	if req.Stage == domain.StageOnHold {
		return req, pipeline.Conflictf("request is already on hold")
	}
	from := req.Stage
	if err := pipeline.CheckTransition(from, domain.StageOnHold, reason); err != nil {
		return req, err
	}
	pipeline.ApplyStage(&req, domain.StageOnHold, reason, e.ts())
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return req, err
	}
	if err := e.history().Append(ctx, tx, req.ID, actorID, domain.PutOnHoldMeta{
		OldStage:   from,
		HoldReason: *req.HoldReason,
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	e.dispatchStageChange(ctx, req, from, actorID)
	return req, nil
}

// Resume takes a request off hold and back to in_treatment.
func (e Engine) Resume(ctx context.Context, id, actorID string) (req domain.Request, err error) {
	ctx, span := observability.Start(ctx, "engine.Resume", id)
	defer func() { observability.End(span, err) }()

	if err := requireActor(actorID); err != nil {
		return req, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()

	req, err = e.loadRequestTx(ctx, tx, id)
	if err != nil {
		return req, err
	}
	if err := pipeline.CheckActive(req, "resume"); err != nil {
		return req, err
	}
	if req.Stage != domain.StageOnHold {
		return req, pipeline.Invalidf("request is not on hold")
	}
	meta := domain.ResumedMeta{HoldReason: derefString(req.HoldReason)}
	now := e.now()
	if req.HoldStartedAt != nil {
		if started, err := time.Parse(time.RFC3339, *req.HoldStartedAt); err == nil {
			meta.HoldHours = math.Round(now.Sub(started).Hours()*10) / 10
		}
	}
	pipeline.ApplyStage(&req, domain.StageInTreatment, "", now.Format(time.RFC3339))
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return req, err
	}
	if err := e.history().Append(ctx, tx, req.ID, actorID, meta); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	e.dispatchStageChange(ctx, req, domain.StageOnHold, actorID)
	return req, nil
}

// dispatchStageChange broadcasts the move and emails the requester when the
// request entered estimation or on_hold.
func (e Engine) dispatchStageChange(ctx context.Context, req domain.Request, from domain.Stage, actorID string) {
	e.Notify.Broadcast(ctx, req.ID, notify.StageChangedEvent(req, from, actorID, e.now()))
	if req.Stage != domain.StageEstimation && req.Stage != domain.StageOnHold {
		return
	}
	appURL := e.appURL()
	e.Notify.EmailUser(ctx, "stage_changed", req.ID, req.RequesterID, func(ctx context.Context, u domain.User) (notify.Message, error) {
		return notify.StageChangedEmail(u, req, from, e.actorName(ctx, actorID), appURL), nil
	})
}
