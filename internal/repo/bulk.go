package repo

import (
	"context"
	"database/sql"

	"intakeline/internal/domain"
)

// BulkSetStageTx moves every request in ids to the target stage with a single
// statement. Rows already in the target stage keep their stage clock and hold
// fields; SET expressions see the pre-update row.
func (r Repo) BulkSetStageTx(ctx context.Context, tx *sql.Tx, ids []string, to domain.Stage, reason, now string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	list, err := jsonIDs(ids)
	if err != nil {
		return 0, err
	}
	target := string(to)
	var holdReason, holdStarted any
	if to == domain.StageOnHold {
		holdReason, holdStarted = reason, now
	}
	res, err := tx.ExecContext(ctx, `UPDATE requests SET
stage_entered_at = CASE WHEN stage = ? THEN stage_entered_at ELSE ? END,
hold_reason = CASE WHEN stage = ? THEN hold_reason ELSE ? END,
hold_started_at = CASE WHEN stage = ? THEN hold_started_at ELSE ? END,
stage = ?,
updated_at = ?
WHERE `+idsInJSON,
		target, now,
		target, holdReason,
		target, holdStarted,
		target, now,
		list)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BulkAssignPMTx sets the assigned PM on every request in ids.
func (r Repo) BulkAssignPMTx(ctx context.Context, tx *sql.Tx, ids []string, pmID, now string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	list, err := jsonIDs(ids)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE requests SET assigned_pm_id=?, updated_at=? WHERE `+idsInJSON, pmID, now, list)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
