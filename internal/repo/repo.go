package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"intakeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const requestColumns = `id,request_number,title,description,type,priority,stage,stage_entered_at,
business_justification,desired_delivery_date,steps_to_reproduce,dependencies,additional_notes,tags_json,
story_points,confidence,estimation_notes,estimated_at,hold_reason,hold_started_at,
is_converted,converted_to_type,converted_to_id,converted_at,is_cancelled,cancelled_reason,cancelled_at,
requester_id,assigned_pm_id,estimator_id,client_id,related_project_id,created_at,updated_at`

func scanRequest(row rowScanner) (domain.Request, error) {
	var r domain.Request
	var (
		justification, delivery, steps, deps, notes, tags        sql.NullString
		confidence, estNotes, estimatedAt, holdReason, holdStart sql.NullString
		convType, convID, convAt, cancelReason, cancelAt         sql.NullString
		pm, estimator, client, related                           sql.NullString
		points                                                   sql.NullInt64
		converted, cancelled                                     int
	)
	err := row.Scan(&r.ID, &r.RequestNumber, &r.Title, &r.Description, &r.Type, &r.Priority, &r.Stage, &r.StageEnteredAt,
		&justification, &delivery, &steps, &deps, &notes, &tags,
		&points, &confidence, &estNotes, &estimatedAt, &holdReason, &holdStart,
		&converted, &convType, &convID, &convAt, &cancelled, &cancelReason, &cancelAt,
		&r.RequesterID, &pm, &estimator, &client, &related, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.BusinessJustification = stringPtr(justification)
	r.DesiredDeliveryDate = stringPtr(delivery)
	r.StepsToReproduce = stringPtr(steps)
	r.Dependencies = stringPtr(deps)
	r.AdditionalNotes = stringPtr(notes)
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &r.Tags); err != nil {
			return r, fmt.Errorf("decode tags for %s: %w", r.ID, err)
		}
	}
	if points.Valid {
		p := int(points.Int64)
		r.StoryPoints = &p
	}
	if confidence.Valid {
		c := domain.Confidence(confidence.String)
		r.Confidence = &c
	}
	r.EstimationNotes = stringPtr(estNotes)
	r.EstimatedAt = stringPtr(estimatedAt)
	r.HoldReason = stringPtr(holdReason)
	r.HoldStartedAt = stringPtr(holdStart)
	r.IsConverted = converted == 1
	if convType.Valid {
		t := domain.ConvertTarget(convType.String)
		r.ConvertedToType = &t
	}
	r.ConvertedToID = stringPtr(convID)
	r.ConvertedAt = stringPtr(convAt)
	r.IsCancelled = cancelled == 1
	r.CancelledReason = stringPtr(cancelReason)
	r.CancelledAt = stringPtr(cancelAt)
	r.AssignedPMID = stringPtr(pm)
	r.EstimatorID = stringPtr(estimator)
	r.ClientID = stringPtr(client)
	r.RelatedProjectID = stringPtr(related)
	return r, nil
}

func requestArgs(r domain.Request) ([]any, error) {
	var tags any
	if len(r.Tags) > 0 {
		b, err := json.Marshal(r.Tags)
		if err != nil {
			return nil, err
		}
		tags = string(b)
	}
	var confidence, convType any
	if r.Confidence != nil {
		confidence = string(*r.Confidence)
	}
	if r.ConvertedToType != nil {
		convType = string(*r.ConvertedToType)
	}
	return []any{
		r.ID, r.RequestNumber, r.Title, r.Description, string(r.Type), string(r.Priority), string(r.Stage), r.StageEnteredAt,
		nullableStringPtr(r.BusinessJustification), nullableStringPtr(r.DesiredDeliveryDate), nullableStringPtr(r.StepsToReproduce),
		nullableStringPtr(r.Dependencies), nullableStringPtr(r.AdditionalNotes), tags,
		nullableIntPtr(r.StoryPoints), confidence, nullableStringPtr(r.EstimationNotes), nullableStringPtr(r.EstimatedAt),
		nullableStringPtr(r.HoldReason), nullableStringPtr(r.HoldStartedAt),
		boolInt(r.IsConverted), convType, nullableStringPtr(r.ConvertedToID), nullableStringPtr(r.ConvertedAt),
		boolInt(r.IsCancelled), nullableStringPtr(r.CancelledReason), nullableStringPtr(r.CancelledAt),
		r.RequesterID, nullableStringPtr(r.AssignedPMID), nullableStringPtr(r.EstimatorID), nullableStringPtr(r.ClientID),
		nullableStringPtr(r.RelatedProjectID), r.CreatedAt, r.UpdatedAt,
	}, nil
}

func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	args, err := requestArgs(req)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	_, err = tx.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`) VALUES (`+placeholders+`)`, args...)
	return err
}

// UpdateRequestTx rewrites every mutable column of the request row.
func (r Repo) UpdateRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	args, err := requestArgs(req)
	if err != nil {
		return err
	}
	cols := strings.Split(strings.NewReplacer("\n", "").Replace(requestColumns), ",")
	sets := make([]string, 0, len(cols)-1)
	// id and request_number never change.
	for _, c := range cols[2:] {
		sets = append(sets, c+"=?")
	}
	args = append(args[2:], req.ID)
	res, err := tx.ExecContext(ctx, `UPDATE requests SET `+strings.Join(sets, ",")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return getRequest(ctx, r.DB, id)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return getRequest(ctx, tx, id)
}

func getRequest(ctx context.Context, q queryer, id string) (domain.Request, error) {
	return scanRequest(q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

// FindRequestsTx loads all requests whose id is in ids with one query.
// Missing ids are simply absent from the result.
func (r Repo) FindRequestsTx(ctx context.Context, tx *sql.Tx, ids []string) (map[string]domain.Request, error) {
	out := make(map[string]domain.Request, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	list, err := jsonIDs(ids)
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE `+idsInJSON, list)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out[req.ID] = req
	}
	return out, rows.Err()
}

type RequestFilters struct {
	Stage         string
	Type          string
	Priority      string
	AssignedPMID  string
	RequesterID   string
	ClientID      string
	IncludeClosed bool
	Limit         int
	CursorCreated string
	CursorID      string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.AssignedPMID != "" {
		clauses = append(clauses, "assigned_pm_id=?")
		args = append(args, f.AssignedPMID)
	}
	if f.RequesterID != "" {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if !f.IncludeClosed {
		clauses = append(clauses, "is_converted=0 AND is_cancelled=0")
	}
	if f.CursorCreated != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreated, f.CursorCreated, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryRequests(ctx, r.DB, query, args...)
}

// ListStaleRequests returns active requests that entered stage before cutoff.
func (r Repo) ListStaleRequests(ctx context.Context, stage domain.Stage, cutoff string) ([]domain.Request, error) {
	return queryRequests(ctx, r.DB, `SELECT `+requestColumns+` FROM requests
WHERE stage=? AND stage_entered_at < ? AND is_converted=0 AND is_cancelled=0
ORDER BY stage_entered_at ASC, id ASC`, string(stage), cutoff)
}

func queryRequests(ctx context.Context, q queryer, query string, args ...any) ([]domain.Request, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// NextNumberTx increments the named counter and returns the new value. The
// increment happens in the caller's write transaction so two creators can
// never observe the same value.
func (r Repo) NextNumberTx(ctx context.Context, tx *sql.Tx, counter string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx, `UPDATE counters SET value = value + 1 WHERE name=? RETURNING value`, counter).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("counter %s not initialised", counter)
	}
	return v, err
}

// idsInJSON matches id against a JSON array bound as one parameter, so batch
// size never runs into SQLite's bind variable limit.
const idsInJSON = `id IN (SELECT value FROM json_each(?))`

func jsonIDs(ids []string) (string, error) {
	b, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
