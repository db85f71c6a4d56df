package store

import (
	"context"
	"fmt"

	"github.com/agentcommander/controlplane/internal/model"
)

// RecordProviderUsage inserts a usage report.
func (s *Store) RecordProviderUsage(ctx context.Context, u *model.ProviderUsage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_usage (
			session_id, provider, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens, total_tokens, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, u.SessionID, u.Provider, u.InputTokens, u.OutputTokens, u.CacheReadTokens,
		u.CacheCreationTokens, u.TotalTokens, formatTime(u.RecordedAt))
	if err != nil {
		return fmt.Errorf("record provider usage: %w", err)
	}
	return nil
}

// GetSessionUsage sums token usage recorded for a session.
func (s *Store) GetSessionUsage(ctx context.Context, sessionID string) (*model.ProviderUsage, error) {
	var u model.ProviderUsage
	u.SessionID = sessionID
	err := s.db.QueryRowContext(ctx, `
		SELECT coalesce(sum(input_tokens),0), coalesce(sum(output_tokens),0),
			coalesce(sum(cache_read_tokens),0), coalesce(sum(cache_creation_tokens),0),
			coalesce(sum(total_tokens),0)
		FROM provider_usage WHERE session_id = ?
	`, sessionID).Scan(&u.InputTokens, &u.OutputTokens, &u.CacheReadTokens, &u.CacheCreationTokens, &u.TotalTokens)
	if err != nil {
		return nil, fmt.Errorf("sum session usage: %w", err)
	}
	return &u, nil
}

// AppendAuditLog records a dispatched command or bulk operation outcome.
func (s *Store) AppendAuditLog(ctx context.Context, entry *model.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, actor, action, target_session_id, target_host_id, cmd_id, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, formatTime(entry.Ts), entry.Actor, entry.Action, nullStr(entry.TargetSession),
		nullStr(entry.TargetHost), nullStr(entry.CmdID), entry.Outcome, nullStr(entry.Detail))
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// GetAuditLog returns the most recent audit entries, newest first.
func (s *Store) GetAuditLog(ctx context.Context, limit int) ([]*model.AuditLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, actor, action, target_session_id, target_host_id, cmd_id, outcome, detail
		FROM audit_log ORDER BY ts DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []*model.AuditLog
	for rows.Next() {
		var e model.AuditLog
		var ts string
		var targetSession, targetHost, cmdID, detail *string
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Action, &targetSession, &targetHost, &cmdID, &e.Outcome, &detail); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		e.Ts = parseTime(ts)
		if targetSession != nil {
			e.TargetSession = *targetSession
		}
		if targetHost != nil {
			e.TargetHost = *targetHost
		}
		if cmdID != nil {
			e.CmdID = *cmdID
		}
		if detail != nil {
			e.Detail = *detail
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
