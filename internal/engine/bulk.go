package engine

import (
	"context"
	"strings"

	"intakeline/internal/domain"
	"intakeline/internal/events"
	"intakeline/internal/observability"
	"intakeline/internal/pipeline"
)

type BulkTransitionOptions struct {
	IDs     []string
	ToStage domain.Stage
	Reason  string
	ActorID string
}

type BulkFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkResult partitions the requested ids. Every input id appears exactly
// once, either in SuccessIDs or in Failed.
type BulkResult struct {
	SuccessIDs []string      `json:"success"`
	Failed     []BulkFailure `json:"failed"`
}

func (b *BulkResult) fail(id, msg string) {
	b.Failed = append(b.Failed, BulkFailure{ID: id, Error: msg})
}

func newBulkResult() BulkResult {
	return BulkResult{SuccessIDs: []string{}, Failed: []BulkFailure{}}
}

// BulkTransition moves many requests to one stage. Items that cannot move are
// reported in Failed and never abort the batch; the valid ones are written
// with one update and one history insert.
func (e Engine) BulkTransition(ctx context.Context, opts BulkTransitionOptions) (res BulkResult, err error) {
	ctx, span := observability.Start(ctx, "engine.BulkTransition", "")
	defer func() { observability.End(span, err) }()

	if err := requireActor(opts.ActorID); err != nil {
		return res, err
	}
	if len(opts.IDs) == 0 {
		return res, pipeline.Invalidf("at least one request id is required")
	}
	if !opts.ToStage.Valid() {
		return res, pipeline.Invalidf("invalid stage %q", opts.ToStage)
	}
	reason := strings.TrimSpace(opts.Reason)
	if opts.ToStage == domain.StageOnHold && reason == "" {
		return res, pipeline.Invalidf("reason is required when moving to on_hold stage")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	found, err := e.Repo.FindRequestsTx(ctx, tx, opts.IDs)
	if err != nil {
		return res, err
	}

	res = newBulkResult()
	var move []string
	var entries []events.Entry
	seen := make(map[string]bool, len(opts.IDs))
	for _, id := range opts.IDs {
		if seen[id] {
			res.fail(id, "duplicate request id")
			continue
		}
		seen[id] = true
		req, ok := found[id]
		if !ok {
			res.fail(id, "request not found")
			continue
		}
		if err := pipeline.CheckActive(req, "transition"); err != nil {
			res.fail(id, err.Error())
			continue
		}
		if req.Stage == opts.ToStage {
			// Rewritten in place; the update keeps its stage clock and no history is written.
			move = append(move, id)
			res.SuccessIDs = append(res.SuccessIDs, id)
			continue
		}
		if !pipeline.CanTransition(req.Stage, opts.ToStage) {
			res.fail(id, "invalid transition from "+string(req.Stage)+" to "+string(opts.ToStage))
			continue
		}
		move = append(move, id)
		res.SuccessIDs = append(res.SuccessIDs, id)
		entries = append(entries, events.Entry{
			RequestID: id,
			ActorID:   opts.ActorID,
			Meta:      bulkStageMeta(req.Stage, opts.ToStage, reason),
		})
	}

	if len(move) > 0 {
		if _, err := e.Repo.BulkSetStageTx(ctx, tx, move, opts.ToStage, reason, e.ts()); err != nil {
			return BulkResult{}, err
		}
		if err := e.history().AppendMany(ctx, tx, entries); err != nil {
			return BulkResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return BulkResult{}, err
	}
	return res, nil
}

func bulkStageMeta(from, to domain.Stage, reason string) domain.Metadata {
	if to == domain.StageOnHold {
		return domain.PutOnHoldMeta{OldStage: from, HoldReason: reason, BulkOperation: true}
	}
	return domain.StageChangedMeta{OldStage: from, NewStage: to, Reason: reason, BulkOperation: true}
}

// BulkAssignPM assigns pmID to every active request in ids. History is only
// written for requests whose PM actually changed.
func (e Engine) BulkAssignPM(ctx context.Context, ids []string, pmID, actorID string) (res BulkResult, err error) {
	ctx, span := observability.Start(ctx, "engine.BulkAssignPM", "")
	defer func() { observability.End(span, err) }()

	if err := requireActor(actorID); err != nil {
		return res, err
	}
	if len(ids) == 0 {
		return res, pipeline.Invalidf("at least one request id is required")
	}
	if strings.TrimSpace(pmID) == "" {
		return res, pipeline.Invalidf("PM ID is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if _, err := e.requireUserTx(ctx, tx, pmID, "PM"); err != nil {
		return res, err
	}
	found, err := e.Repo.FindRequestsTx(ctx, tx, ids)
	if err != nil {
		return res, err
	}

	res = newBulkResult()
	var assign []string
	var entries []events.Entry
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			res.fail(id, "duplicate request id")
			continue
		}
		seen[id] = true
		req, ok := found[id]
		if !ok {
			res.fail(id, "request not found")
			continue
		}
		if err := pipeline.CheckActive(req, "assign PM to"); err != nil {
			res.fail(id, err.Error())
			continue
		}
		res.SuccessIDs = append(res.SuccessIDs, id)
		old := derefString(req.AssignedPMID)
		if old == pmID {
			continue
		}
		assign = append(assign, id)
		entries = append(entries, events.Entry{
			RequestID: id,
			ActorID:   actorID,
			Meta:      domain.AssignedPMMeta{OldPMID: old, NewPMID: pmID, BulkOperation: true},
		})
	}

	if len(assign) > 0 {
		if _, err := e.Repo.BulkAssignPMTx(ctx, tx, assign, pmID, e.ts()); err != nil {
			return BulkResult{}, err
		}
		if err := e.history().AppendMany(ctx, tx, entries); err != nil {
			return BulkResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return BulkResult{}, err
	}
	return res, nil
}
