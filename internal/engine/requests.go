package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"intakeline/internal/domain"
	"intakeline/internal/events"
	"intakeline/internal/notify"
	"intakeline/internal/observability"
	"intakeline/internal/pipeline"
	"intakeline/internal/repo"
)

const maxTitleLength = 500

// CreateOptions are parameters for submitting a request.
type CreateOptions struct {
	Title                 string
	Description           string
	Type                  domain.RequestType
	Priority              domain.Priority
	BusinessJustification string
	DesiredDeliveryDate   string
	StepsToReproduce      string
	Dependencies          string
	AdditionalNotes       string
	Tags                  []string
	ClientID              string
	RelatedProjectID      string
	// RequesterID defaults to ActorID.
	RequesterID string
	ActorID     string
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return pipeline.Invalidf("title is required")
	}
	if len(title) > maxTitleLength {
		return pipeline.Invalidf("title too long")
	}
	return nil
}

func (e Engine) Create(ctx context.Context, opts CreateOptions) (req domain.Request, err error) {
	ctx, span := observability.Start(ctx, "engine.Create", "")
	defer func() { observability.End(span, err) }()

	if err := validateTitle(opts.Title); err != nil {
		return req, err
	}
	if strings.TrimSpace(opts.Description) == "" {
		return req, pipeline.Invalidf("description is required")
	}
	if !opts.Type.Valid() {
		return req, pipeline.Invalidf("invalid request type %q", opts.Type)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return req, pipeline.Invalidf("invalid priority %q", opts.Priority)
	}
	requester := opts.RequesterID
	if requester == "" {
		requester = opts.ActorID
	}
	if requester == "" {
		return req, pipeline.Invalidf("requester is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()

	if opts.ClientID != "" {
		if _, err := e.Repo.GetClientTx(ctx, tx, opts.ClientID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return req, pipeline.NotFoundf("client not found")
			}
			return req, err
		}
	}
	if opts.RelatedProjectID != "" {
		if _, err := e.Repo.GetProjectTx(ctx, tx, opts.RelatedProjectID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return req, pipeline.NotFoundf("project not found")
			}
			return req, err
		}
	}
	if err := e.ensureActor(ctx, tx, requester); err != nil {
		return req, err
	}
	n, err := e.Repo.NextNumberTx(ctx, tx, "request")
	if err != nil {
		return req, fmt.Errorf("allocate request number: %w", err)
	}
	now := e.ts()
	req = domain.Request{
		ID:                    uuid.NewString(),
		RequestNumber:         fmt.Sprintf("REQ-%04d", n),
		Title:                 strings.TrimSpace(opts.Title),
		Description:           opts.Description,
		Type:                  opts.Type,
		Priority:              opts.Priority,
		Stage:                 domain.StageInTreatment,
		StageEnteredAt:        now,
		BusinessJustification: optionalString(opts.BusinessJustification),
		DesiredDeliveryDate:   optionalString(opts.DesiredDeliveryDate),
		StepsToReproduce:      optionalString(opts.StepsToReproduce),
		Dependencies:          optionalString(opts.Dependencies),
		AdditionalNotes:       optionalString(opts.AdditionalNotes),
		Tags:                  opts.Tags,
		RequesterID:           requester,
		ClientID:              optionalString(opts.ClientID),
		RelatedProjectID:      optionalString(opts.RelatedProjectID),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := e.Repo.InsertRequestTx(ctx, tx, req); err != nil {
		return req, fmt.Errorf("insert request: %w", err)
	}
	actor := opts.ActorID
	if actor == "" {
		actor = requester
	}
	if err := e.history().Append(ctx, tx, req.ID, actor, domain.CreatedMeta{
		RequestNumber: req.RequestNumber,
		Type:          req.Type,
		Priority:      req.Priority,
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	e.Notify.Broadcast(ctx, req.ID, notify.CreatedEvent(req, actor))
	return req, nil
}

// UpdateOptions patch a request. Nil fields are left alone; an empty string
// clears an optional field.
type UpdateOptions struct {
	ID                    string
	Title                 *string
	Description           *string
	Type                  *domain.RequestType
	Priority              *domain.Priority
	BusinessJustification *string
	DesiredDeliveryDate   *string
	StepsToReproduce      *string
	Dependencies          *string
	AdditionalNotes       *string
	Tags                  *[]string
	ClientID              *string
	RelatedProjectID      *string
	ActorID               string
}

func (e Engine) Update(ctx context.Context, opts UpdateOptions) (req domain.Request, err error) {
	ctx, span := observability.Start(ctx, "engine.Update", opts.ID)
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
	if err := pipeline.CheckActive(req, "update"); err != nil {
		return req, err
	}
	original := req
	var fields []string
	if opts.Title != nil && strings.TrimSpace(*opts.Title) != req.Title {
		if err := validateTitle(*opts.Title); err != nil {
			return original, err
		}
		req.Title = strings.TrimSpace(*opts.Title)
		fields = append(fields, "title")
	}
	if opts.Description != nil && *opts.Description != req.Description {
		if strings.TrimSpace(*opts.Description) == "" {
			return original, pipeline.Invalidf("description is required")
		}
		req.Description = *opts.Description
		fields = append(fields, "description")
	}
	if opts.Type != nil && *opts.Type != req.Type {
		if !opts.Type.Valid() {
			return original, pipeline.Invalidf("invalid request type %q", *opts.Type)
		}
		req.Type = *opts.Type
		fields = append(fields, "type")
	}
	priorityChanged := false
	if opts.Priority != nil && *opts.Priority != req.Priority {
		if !opts.Priority.Valid() {
			return original, pipeline.Invalidf("invalid priority %q", *opts.Priority)
		}
		req.Priority = *opts.Priority
		priorityChanged = true
		fields = append(fields, "priority")
	}
	text := []struct {
		name string
		in   *string
		dst  **string
	}{
		{"business_justification", opts.BusinessJustification, &req.BusinessJustification},
		{"desired_delivery_date", opts.DesiredDeliveryDate, &req.DesiredDeliveryDate},
		{"steps_to_reproduce", opts.StepsToReproduce, &req.StepsToReproduce},
		{"dependencies", opts.Dependencies, &req.Dependencies},
		{"additional_notes", opts.AdditionalNotes, &req.AdditionalNotes},
	}
	for _, f := range text {
		if f.in == nil || *f.in == derefString(*f.dst) {
			continue
		}
		*f.dst = optionalString(*f.in)
		fields = append(fields, f.name)
	}
	if opts.Tags != nil && strings.Join(*opts.Tags, "\x00") != strings.Join(req.Tags, "\x00") {
		req.Tags = *opts.Tags
		fields = append(fields, "tags")
	}
	if opts.ClientID != nil && *opts.ClientID != derefString(req.ClientID) {
		if *opts.ClientID != "" {
			if _, err := e.Repo.GetClientTx(ctx, tx, *opts.ClientID); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return original, pipeline.NotFoundf("client not found")
				}
				return original, err
			}
		}
		req.ClientID = optionalString(*opts.ClientID)
		fields = append(fields, "client_id")
	}
	if opts.RelatedProjectID != nil && *opts.RelatedProjectID != derefString(req.RelatedProjectID) {
		if *opts.RelatedProjectID != "" {
			if _, err := e.Repo.GetProjectTx(ctx, tx, *opts.RelatedProjectID); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return original, pipeline.NotFoundf("project not found")
				}
				return original, err
			}
		}
		req.RelatedProjectID = optionalString(*opts.RelatedProjectID)
		fields = append(fields, "related_project_id")
	}
	if len(fields) == 0 {
		return original, nil
	}
	req.UpdatedAt = e.ts()
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return original, err
	}
	entries := []events.Entry{{RequestID: req.ID, ActorID: opts.ActorID, Meta: domain.UpdatedMeta{Fields: fields}}}
	if priorityChanged {
		entries = append(entries, events.Entry{RequestID: req.ID, ActorID: opts.ActorID, Meta: domain.PriorityChangedMeta{
			OldPriority: original.Priority,
			NewPriority: req.Priority,
		}})
	}
	if err := e.history().AppendMany(ctx, tx, entries); err != nil {
		return original, err
	}
	if err := tx.Commit(); err != nil {
		return original, err
	}
	e.Notify.Broadcast(ctx, req.ID, notify.UpdatedEvent(req, opts.ActorID))
	return req, nil
}

// AssignPM sets the request's project manager. Assigning the current PM
// again is a no-op without history.
func (e Engine) AssignPM(ctx context.Context, id, pmID, actorID string) (req domain.Request, err error) {
	ctx, span := observability.Start(ctx, "engine.AssignPM", id)
	defer func() { observability.End(span, err) }()

	if err := requireActor(actorID); err != nil {
		return req, err
	}
	if strings.TrimSpace(pmID) == "" {
		return req, pipeline.Invalidf("PM ID is required")
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
	if err := pipeline.CheckActive(req, "assign PM to"); err != nil {
		return req, err
	}
	if _, err := e.requireUserTx(ctx, tx, pmID, "PM"); err != nil {
		return req, err
	}
	old := derefString(req.AssignedPMID)
	if old == pmID {
		return req, nil
	}
	req.AssignedPMID = &pmID
	req.UpdatedAt = e.ts()
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return req, err
	}
	if err := e.history().Append(ctx, tx, req.ID, actorID, domain.AssignedPMMeta{OldPMID: old, NewPMID: pmID}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	e.Notify.Broadcast(ctx, req.ID, notify.AssignedEvent(req, pmID, actorID, e.now()))
	return req, nil
}

func (e Engine) AssignEstimator(ctx context.Context, id, estimatorID, actorID string) (req domain.Request, err error) {
	ctx, span := observability.Start(ctx, "engine.AssignEstimator", id)
	defer func() { observability.End(span, err) }()

	if err := requireActor(actorID); err != nil {
		return req, err
	}
	if strings.TrimSpace(estimatorID) == "" {
		return req, pipeline.Invalidf("estimator ID is required")
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
	if err := pipeline.CheckActive(req, "assign estimator to"); err != nil {
		return req, err
	}
	if _, err := e.requireUserTx(ctx, tx, estimatorID, "estimator"); err != nil {
		return req, err
	}
	old := derefString(req.EstimatorID)
	if old == estimatorID {
		return req, nil
	}
	req.EstimatorID = &estimatorID
	req.UpdatedAt = e.ts()
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return req, err
	}
	if err := e.history().Append(ctx, tx, req.ID, actorID, domain.AssignedEstimatorMeta{OldEstimatorID: old, NewEstimatorID: estimatorID}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	e.Notify.Broadcast(ctx, req.ID, notify.UpdatedEvent(req, actorID))
	return req, nil
}

// Cancel withdraws an active request. Cancelled requests keep their stage.
func (e Engine) Cancel(ctx context.Context, id, reason, actorID string) (req domain.Request, err error) {
	ctx, span := observability.Start(ctx, "engine.Cancel", id)
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
	if req.IsCancelled {
		return req, pipeline.Conflictf("request is already cancelled")
	}
	if err := pipeline.CheckActive(req, "cancel"); err != nil {
		return req, err
	}
	now := e.ts()
	reason = strings.TrimSpace(reason)
	req.IsCancelled = true
	req.CancelledAt = &now
	req.CancelledReason = optionalString(reason)
	req.UpdatedAt = now
	if err := e.Repo.UpdateRequestTx(ctx, tx, req); err != nil {
		return req, err
	}
	if err := e.history().Append(ctx, tx, req.ID, actorID, domain.CancelledMeta{Reason: reason, Stage: req.Stage}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	e.Notify.Broadcast(ctx, req.ID, notify.UpdatedEvent(req, actorID))
	return req, nil
}

func (e Engine) Get(ctx context.Context, id string) (domain.Request, error) {
	r, err := e.Repo.GetRequest(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return r, pipeline.NotFoundf("request not found")
	}
	return r, err
}

func (e Engine) List(ctx context.Context, f repo.RequestFilters) ([]domain.Request, error) {
	if f.Stage != "" && !domain.Stage(f.Stage).Valid() {
		return nil, pipeline.Invalidf("invalid stage %q", f.Stage)
	}
	if f.Type != "" && !domain.RequestType(f.Type).Valid() {
		return nil, pipeline.Invalidf("invalid request type %q", f.Type)
	}
	if f.Priority != "" && !domain.Priority(f.Priority).Valid() {
		return nil, pipeline.Invalidf("invalid priority %q", f.Priority)
	}
	return e.Repo.ListRequests(ctx, f)
}

// History returns the audit trail of an existing request.
func (e Engine) History(ctx context.Context, id string, limit int) ([]domain.HistoryEntry, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, id, limit)
}
