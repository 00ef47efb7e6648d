package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"intakeline/internal/domain"
)

// Writer appends request history rows inside the caller's transaction. It has
// no update or delete path.
type Writer struct {
	Now func() time.Time
}

// Entry is a history row waiting to be written.
type Entry struct {
	RequestID string
	ActorID   string
	Meta      domain.Metadata
}

type encoded struct {
	id        string
	requestID string
	actorID   string
	action    domain.HistoryAction
	payload   []byte
}

func (w Writer) ts() string {
	if w.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return w.Now().UTC().Format(time.RFC3339)
}

func encode(e Entry) (encoded, error) {
	if e.Meta == nil {
		return encoded{}, fmt.Errorf("history metadata required")
	}
	if e.RequestID == "" || e.ActorID == "" {
		return encoded{}, fmt.Errorf("history entry requires request and actor")
	}
	data, err := json.Marshal(e.Meta)
	if err != nil {
		return encoded{}, fmt.Errorf("marshal history metadata: %w", err)
	}
	if err := validateMetadata(e.Meta.Action(), data); err != nil {
		return encoded{}, err
	}
	return encoded{
		id:        uuid.NewString(),
		requestID: e.RequestID,
		actorID:   e.ActorID,
		action:    e.Meta.Action(),
		payload:   data,
	}, nil
}

// Append writes one history row.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, requestID, actorID string, meta domain.Metadata) error {
	return w.AppendMany(ctx, tx, []Entry{{RequestID: requestID, ActorID: actorID, Meta: meta}})
}

type row struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	ActorID   string `json:"actor_id"`
	Action    string `json:"action"`
	Metadata  string `json:"metadata"`
}

// AppendMany writes all entries with a single INSERT. Rows travel as one JSON
// array parameter, so the statement shape does not depend on len(entries).
func (w Writer) AppendMany(ctx context.Context, tx *sql.Tx, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		enc, err := encode(e)
		if err != nil {
			return err
		}
		rows = append(rows, row{
			ID:        enc.id,
			RequestID: enc.requestID,
			ActorID:   enc.actorID,
			Action:    string(enc.action),
			Metadata:  string(enc.payload),
		})
	}
	batch, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal history batch: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO request_history(id,request_id,actor_id,action,metadata_json,created_at)
SELECT json_extract(value,'$.id'), json_extract(value,'$.request_id'), json_extract(value,'$.actor_id'),
json_extract(value,'$.action'), json_extract(value,'$.metadata'), ?
FROM json_each(?)`, w.ts(), string(batch))
	if err != nil {
		return fmt.Errorf("insert request history: %w", err)
	}
	return nil
}
