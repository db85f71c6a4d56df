package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentcommander/controlplane/internal/model"
)

const toolEventSelectCols = `SELECT
	id, session_id, provider, tool_name, tool_input, tool_output,
	started_at, completed_at, success, duration_ms`

// StartToolEvent records a tool.event.started frame, keyed by the agent's
// event_id.
func (s *Store) StartToolEvent(ctx context.Context, ev *model.ToolEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_events (id, session_id, provider, tool_name, tool_input, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.SessionID, ev.Provider, ev.ToolName, nullStr(string(ev.ToolInput)), formatTime(ev.StartedAt))
	if err != nil {
		return fmt.Errorf("start tool event: %w", err)
	}
	return nil
}

// CompleteToolEvent merges a tool.event.completed frame into the row
// StartToolEvent created, computing duration_ms from started_at.
func (s *Store) CompleteToolEvent(ctx context.Context, id string, toolOutput []byte, success bool, completedAt time.Time) error {
	row := s.db.QueryRowContext(ctx, `SELECT started_at FROM tool_events WHERE id = ?`, id)
	var startedAt string
	if err := row.Scan(&startedAt); err != nil {
		return fmt.Errorf("load tool event: %w", err)
	}
	durationMs := completedAt.Sub(parseTime(startedAt)).Milliseconds()

	_, err := s.db.ExecContext(ctx, `
		UPDATE tool_events SET tool_output = ?, success = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?
	`, nullStr(string(toolOutput)), success, formatTime(completedAt), durationMs, id)
	if err != nil {
		return fmt.Errorf("complete tool event: %w", err)
	}
	return nil
}

// GetToolEvent loads a tool event by id.
func (s *Store) GetToolEvent(ctx context.Context, id string) (*model.ToolEvent, error) {
	row := s.db.QueryRowContext(ctx, toolEventSelectCols+` FROM tool_events WHERE id = ?`, id)
	return scanToolEvent(row)
}

func scanToolEvent(row rowScanner) (*model.ToolEvent, error) {
	var ev model.ToolEvent
	var toolInput, toolOutput sql.NullString
	var startedAt string
	var completedAt sql.NullString
	var success sql.NullBool
	var durationMs sql.NullInt64

	err := row.Scan(&ev.ID, &ev.SessionID, &ev.Provider, &ev.ToolName, &toolInput, &toolOutput,
		&startedAt, &completedAt, &success, &durationMs)
	if err != nil {
		return nil, err
	}
	if toolInput.Valid {
		ev.ToolInput = []byte(toolInput.String)
	}
	if toolOutput.Valid {
		ev.ToolOutput = []byte(toolOutput.String)
	}
	ev.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		ev.CompletedAt = &t
	}
	if success.Valid {
		ev.Success = &success.Bool
	}
	if durationMs.Valid {
		ev.DurationMs = &durationMs.Int64
	}
	return &ev, nil
}
