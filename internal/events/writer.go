// Package events keeps an append-only log of what the evaluator did: hits,
// computes, failures and cache changes. Writer satisfies engine.Recorder.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"quiche/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Record appends evt. A zero TS is filled from Now.
func (w Writer) Record(ctx context.Context, evt domain.Event) error {
	if evt.TS == "" {
		now := w.Now
		if now == nil {
			now = time.Now
		}
		evt.TS = now().UTC().Format(time.RFC3339Nano)
	}
	payload := evt.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,task,version,run_id,payload_json) VALUES (?,?,?,?,?,?)`,
		evt.TS, evt.Type, evt.Task, evt.Version, nullable(evt.RunID), string(data))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Query filters Latest. Zero fields match everything.
type Query struct {
	Limit  int
	Type   string
	Task   string
	Before int64 // only events with a smaller id
}

// Latest returns matching events, newest first.
func (w Writer) Latest(ctx context.Context, q Query) ([]domain.Event, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if q.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, q.Type)
	}
	if q.Task != "" {
		clauses = append(clauses, "task=?")
		args = append(args, q.Task)
	}
	if q.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, q.Before)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,task,version,run_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, q.Limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			runID   sql.NullString
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Task, &e.Version, &runID, &payload); err != nil {
			return nil, err
		}
		e.RunID = runID.String
		if payload.Valid && payload.String != "" && payload.String != "{}" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// After returns up to limit events with an id above cursor, oldest first.
func (w Writer) After(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,type,task,version,run_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestID returns the id of the newest event, or 0 for an empty log.
func (w Writer) LatestID(ctx context.Context) (int64, error) {
	var id int64
	if err := w.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return id, nil
}

// Prune keeps the newest keep events and deletes the rest.
func (w Writer) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := w.DB.ExecContext(ctx, `DELETE FROM events WHERE id <= (SELECT COALESCE(MAX(id),0) FROM events) - ?`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
