package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"intakeline/internal/domain"
)

// ListHistory returns the audit trail of a request, oldest first.
func (r Repo) ListHistory(ctx context.Context, requestID string, limit int) ([]domain.HistoryEntry, error) {
	query := `SELECT id, request_id, actor_id, action, metadata_json, created_at FROM request_history WHERE request_id=? ORDER BY created_at ASC, rowid ASC`
	args := []any{requestID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var action, meta string
		if err := rows.Scan(&h.ID, &h.RequestID, &h.ActorID, &action, &meta, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Action = domain.HistoryAction(action)
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &h.Metadata); err != nil {
				return nil, fmt.Errorf("decode history %s: %w", h.ID, err)
			}
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// CountHistory returns the number of history rows for a request, optionally
// restricted to one action.
func (r Repo) CountHistory(ctx context.Context, requestID string, action domain.HistoryAction) (int, error) {
	query := `SELECT COUNT(*) FROM request_history WHERE request_id=?`
	args := []any{requestID}
	if action != "" {
		query += " AND action=?"
		args = append(args, string(action))
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
