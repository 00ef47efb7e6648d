package repo

import (
	"context"
	"database/sql"
	"strings"

	"intakeline/internal/domain"
)

type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

const activeClause = "is_converted=0 AND is_cancelled=0"

func (r Repo) groupCount(ctx context.Context, column string, where []string, args []any, order string) ([]KeyCount, error) {
	query := `SELECT CAST(` + column + ` AS TEXT), COUNT(*) FROM requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " GROUP BY " + column
	if order != "" {
		query += " ORDER BY " + order
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []KeyCount{}
	for rows.Next() {
		var kc KeyCount
		if err := rows.Scan(&kc.Key, &kc.Count); err != nil {
			return nil, err
		}
		res = append(res, kc)
	}
	return res, rows.Err()
}

func (r Repo) count(ctx context.Context, where []string, args ...any) (int, error) {
	query := `SELECT COUNT(*) FROM requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// StageDistribution counts active requests per stage.
func (r Repo) StageDistribution(ctx context.Context) ([]KeyCount, error) {
	return r.groupCount(ctx, "stage", []string{activeClause}, nil, "")
}

// TypeDistribution counts requests created at or after since, per type.
func (r Repo) TypeDistribution(ctx context.Context, since string) ([]KeyCount, error) {
	return r.groupCount(ctx, "type", []string{"created_at >= ?"}, []any{since}, "")
}

// ConfidenceDistribution counts estimates made at or after since, per confidence.
func (r Repo) ConfidenceDistribution(ctx context.Context, since string) ([]KeyCount, error) {
	return r.groupCount(ctx, "confidence", []string{"confidence IS NOT NULL", "estimated_at >= ?"}, []any{since}, "")
}

// StoryPointsDistribution counts estimates made at or after since, per point
// value, ascending.
func (r Repo) StoryPointsDistribution(ctx context.Context, since string) ([]KeyCount, error) {
	return r.groupCount(ctx, "story_points", []string{"story_points IS NOT NULL", "estimated_at >= ?"}, []any{since}, "story_points ASC")
}

// CountStale counts active requests in stage that entered it before cutoff.
func (r Repo) CountStale(ctx context.Context, stage domain.Stage, cutoff string) (int, error) {
	return r.count(ctx, []string{"stage=?", "stage_entered_at < ?", activeClause}, string(stage), cutoff)
}

// CountConverted counts conversions in [from, to). An empty to is unbounded.
func (r Repo) CountConverted(ctx context.Context, from, to string) (int, error) {
	where := []string{"is_converted=1", "converted_at >= ?"}
	args := []any{from}
	if to != "" {
		where = append(where, "converted_at < ?")
		args = append(args, to)
	}
	return r.count(ctx, where, args...)
}

// CountCreated counts requests created in [from, to).
func (r Repo) CountCreated(ctx context.Context, from, to string) (int, error) {
	return r.count(ctx, []string{"created_at >= ?", "created_at < ?"}, from, to)
}

// AvgHoursInStage averages how long active requests have sat in stage as of now.
// It returns 0 when the stage is empty.
func (r Repo) AvgHoursInStage(ctx context.Context, stage domain.Stage, now string) (float64, error) {
	var avg sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT AVG((julianday(?) - julianday(stage_entered_at)) * 24.0) FROM requests WHERE stage=? AND `+activeClause,
		now, string(stage)).Scan(&avg)
	if err != nil {
		return 0, err
	}
	return avg.Float64, nil
}
