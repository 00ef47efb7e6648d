package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"intakeline/internal/domain"
	"intakeline/internal/notify"
	"intakeline/internal/observability"
	"intakeline/internal/pipeline"
	"intakeline/internal/repo"
)

const (
	RoutedByPolicy   = "routing"
	RoutedByOverride = "override"
	RoutedByCaller   = "caller"
)

type ConvertOptions struct {
	ID              string
	DestinationType domain.ConvertTarget
	ProjectID       string
	OverrideRouting bool
	ActorID         string
}

type ConvertResult struct {
	ConvertedToType domain.ConvertTarget `json:"converted_to_type"`
	ConvertedToID   string               `json:"converted_to_id"`
	RoutedBy        string               `json:"routed_by" enum:"routing,override,caller"`
}

// Convert turns a ready request into a project or a ticket. It succeeds at
// most once per request.
func (e Engine) Convert(ctx context.Context, opts ConvertOptions) (res ConvertResult, err error) {
	ctx, span := observability.Start(ctx, "engine.Convert", opts.ID)
	defer func() { observability.End(span, err) }()

	if err := requireActor(opts.ActorID); err != nil {
		return res, err
	}
	if !opts.DestinationType.Valid() {
		return res, pipeline.Invalidf("invalid destination type %q", opts.DestinationType)
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
	if req.IsCancelled {
		return res, pipeline.Conflictf("cannot convert a cancelled request")
	}
	if req.Stage != domain.StageReady {
		return res, pipeline.Invalidf("request must be in ready stage to convert")
	}
	if req.IsConverted {
		return res, pipeline.Invalidf("request is already converted")
	}

	target, routedBy := opts.DestinationType, RoutedByCaller
	var recommended domain.ConvertTarget
	if req.StoryPoints != nil {
		recommended = pipeline.Route(req.Type, *req.StoryPoints, e.ticketMaxPoints())
	}
	switch {
	case opts.OverrideRouting:
		routedBy = RoutedByOverride
	case recommended != "":
		target, routedBy = recommended, RoutedByPolicy
	}
	if req.ClientID == nil || *req.ClientID == "" {
		return res, pipeline.Invalidf("request must have a client assigned to convert to a %s", target)
	}
	if opts.ProjectID != "" {
		if _, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return res, pipeline.NotFoundf("project not found")
			}
			return res, err
		}
	}
	if err := e.ensureActor(ctx, tx, opts.ActorID); err != nil {
		return res, err
	}

	now := e.ts()
	var targetID string
	switch target {
	case domain.ConvertToProject:
		p := domain.Project{
			ID:          uuid.NewString(),
			Name:        req.Title,
			Description: req.Description,
			Status:      "proposal",
			Priority:    pipeline.ProjectPriority(req.Priority),
			ClientID:    *req.ClientID,
			OwnerID:     opts.ActorID,
			CreatedAt:   now,
		}
		if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
			return res, fmt.Errorf("insert project: %w", err)
		}
		targetID = p.ID
	default:
		n, err := e.Repo.NextNumberTx(ctx, tx, "ticket")
		if err != nil {
			return res, err
		}
		projectID := req.RelatedProjectID
		if opts.ProjectID != "" {
			projectID = &opts.ProjectID
		}
		t := domain.Ticket{
			ID:           uuid.NewString(),
			TicketNumber: fmt.Sprintf("TKT-%04d", n),
			Title:        req.Title,
			Description:  req.Description,
			Type:         pipeline.TicketType(req.Type),
			Status:       "open",
			Priority:     string(req.Priority),
			ClientID:     *req.ClientID,
			ProjectID:    projectID,
			StoryPoints:  req.StoryPoints,
			CreatedBy:    opts.ActorID,
			CreatedAt:    now,
		}
		if err := e.Repo.InsertTicketTx(ctx, tx, t); err != nil {
			return res, fmt.Errorf("insert ticket: %w", err)
		}
		targetID = t.ID
	}

	req.IsConverted = true
	req.ConvertedToType = &target
	req.ConvertedToID = &targetID
	req.ConvertedAt = &now
	req.UpdatedAt = now
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return res, err
	}
	if err := e.history().Append(ctx, tx, req.ID, opts.ActorID, domain.ConvertedMeta{
		ConvertedToType:   target,
		ConvertedToID:     targetID,
		Recommended:       recommended,
		RoutingOverridden: opts.OverrideRouting,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}

	e.Notify.Broadcast(ctx, req.ID, notify.ConvertedEvent(req, target, targetID, opts.ActorID, e.now()))
	appURL := e.appURL()
	actor := opts.ActorID
	e.Notify.EmailUser(ctx, "converted", req.ID, req.RequesterID, func(ctx context.Context, u domain.User) (notify.Message, error) {
		return notify.ConvertedEmail(u, req, target, targetID, e.actorName(ctx, actor), appURL), nil
	})
	return ConvertResult{ConvertedToType: target, ConvertedToID: targetID, RoutedBy: routedBy}, nil
}
