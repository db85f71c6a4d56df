package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agentcommander/controlplane/internal/model"
)

// AppendEvent inserts an event, idempotent on (session_id, event_id) when
// event_id is supplied by the agent. On insert it sets ev.ID to the new row
// id; returns whether a new row was actually inserted (false on an
// idempotent replay).
func (s *Store) AppendEvent(ctx context.Context, ev *model.Event) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, session_id, ts, type, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, event_id) DO NOTHING
	`, nullStr(ev.EventID), ev.SessionID, formatTime(ev.Ts), ev.Type, string(ev.Payload))
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return false, fmt.Errorf("last insert id: %w", err)
		}
		ev.ID = id
	}
	return n > 0, nil
}

// GetEvents returns a session's events, oldest first, optionally limited to
// the most recent `limit` rows.
func (s *Store) GetEvents(ctx context.Context, sessionID string, limit int) ([]*model.Event, error) {
	const cols = `id, event_id, session_id, ts, type, payload`
	var query string
	args := []interface{}{sessionID}
	if limit > 0 {
		query = fmt.Sprintf(`SELECT %s FROM (
			SELECT %s FROM events WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`, cols, cols)
		args = append(args, limit)
	} else {
		query = fmt.Sprintf(`SELECT %s FROM events WHERE session_id = ? ORDER BY id`, cols)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		var ev model.Event
		var eventID sql.NullString
		var ts, payload string
		if err := rows.Scan(&ev.ID, &eventID, &ev.SessionID, &ts, &ev.Type, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.EventID = eventID.String
		ev.Ts = parseTime(ts)
		ev.Payload = []byte(payload)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
