package engine

import (
	"context"

	"intakeline/internal/domain"
	"intakeline/internal/notify"
	"intakeline/internal/observability"
	"intakeline/internal/pipeline"
)

type EstimateOptions struct {
	ID          string
	StoryPoints int
	Confidence  domain.Confidence
	Notes       string
	ActorID     string
}

type EstimateResult struct {
	Request        domain.Request       `json:"request"`
	Recommendation domain.ConvertTarget `json:"recommendation"`
}

// Estimate records story points and confidence for a request in estimation
// and moves it to ready. The actor becomes the estimator.
func (e Engine) Estimate(ctx context.Context, opts EstimateOptions) (res EstimateResult, err error) {
	ctx, span := observability.Start(ctx, "engine.Estimate", opts.ID)
	defer func() { observability.End(span, err) }()

	if err := requireActor(opts.ActorID); err != nil {
		return res, err
	}
	if opts.StoryPoints < 1 || opts.StoryPoints > 100 {
		return res, pipeline.Invalidf("story points must be between 1 and 100")
	}
	if !opts.Confidence.Valid() {
		return res, pipeline.Invalidf("invalid confidence %q", opts.Confidence)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	req, err := e.loadRequestTx(ctx, tx, opts.ID)
	if err != nil {
		return res, err
	}
	if err := pipeline.CheckActive(req, "estimate"); err != nil {
		return res, err
	}
	if req.Stage != domain.StageEstimation {
		return res, pipeline.Invalidf("request must be in estimation stage to be estimated")
	}
	if err := e.ensureActor(ctx, tx, opts.ActorID); err != nil {
		return res, err
	}
	now := e.ts()
	points := opts.StoryPoints
	confidence := opts.Confidence
	actor := opts.ActorID
	req.StoryPoints = &points
	req.Confidence = &confidence
	req.EstimationNotes = optionalString(opts.Notes)
	req.EstimatedAt = &now
	req.EstimatorID = &actor
	pipeline.ApplyStage(&req, domain.StageReady, "", now)

	rec := pipeline.Route(req.Type, points, e.ticketMaxPoints())
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return res, err
	}
	if err := e.history().Append(ctx, tx, req.ID, opts.ActorID, domain.EstimatedMeta{
		StoryPoints:    points,
		Confidence:     confidence,
		Recommendation: rec,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	e.Notify.Broadcast(ctx, req.ID, notify.EstimatedEvent(req, rec, opts.ActorID, e.now()))
	appURL := e.appURL()
	e.Notify.EmailUser(ctx, "estimated", req.ID, req.RequesterID, func(ctx context.Context, u domain.User) (notify.Message, error) {
		return notify.EstimatedEmail(u, req, rec, e.actorName(ctx, actor), appURL), nil
	})
	return EstimateResult{Request: req, Recommendation: rec}, nil
}
