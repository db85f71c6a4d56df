package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentcommander/controlplane/internal/cperr"
	"github.com/agentcommander/controlplane/internal/model"
)

const approvalSelectCols = `SELECT
	id, session_id, provider, ts_requested, ts_decided, decision, timed_out_at,
	requested_payload, decided_payload, approval_type`

// CreateApproval inserts a new pending approval.
func (s *Store) CreateApproval(ctx context.Context, a *model.Approval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, session_id, provider, ts_requested, requested_payload, approval_type)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.SessionID, a.Provider, formatTime(a.TsRequested), string(a.RequestedPayload), a.ApprovalType)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// GetApproval loads an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*model.Approval, error) {
	row := s.db.QueryRowContext(ctx, approvalSelectCols+` FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

// GetPendingApprovals returns every undecided approval, optionally scoped to
// a session (used as the orchestrator's authoritative pending list).
func (s *Store) GetPendingApprovals(ctx context.Context, sessionID string) ([]*model.Approval, error) {
	query := approvalSelectCols + ` FROM approvals WHERE decision IS NULL`
	var args []interface{}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY ts_requested`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*model.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DecideApproval applies a terminal decision. If the approval was already
// decided, a repeat of the identical decision and payload is idempotent and
// returns the existing row; a divergent decision returns cperr-kinded
// AlreadyDecided.
func (s *Store) DecideApproval(ctx context.Context, id string, decision model.Decision, decidedPayload []byte) (*model.Approval, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, approvalSelectCols+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cperr.New(cperr.NotFound, "approval not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load approval: %w", err)
	}
	if a.IsDecided() {
		if *a.Decision == decision && bytes.Equal(a.DecidedPayload, decidedPayload) {
			return a, nil
		}
		return nil, cperr.New(cperr.AlreadyDecided, "approval already decided")
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE approvals SET decision = ?, ts_decided = ?, decided_payload = ? WHERE id = ?
	`, decision, formatTime(now), string(decidedPayload), id)
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	a.Decision = &decision
	a.TsDecided = &now
	a.DecidedPayload = decidedPayload
	return a, nil
}

func scanApproval(row rowScanner) (*model.Approval, error) {
	var a model.Approval
	var tsRequested string
	var tsDecided, decision, timedOutAt sql.NullString
	var requestedPayload string
	var decidedPayload sql.NullString

	err := row.Scan(&a.ID, &a.SessionID, &a.Provider, &tsRequested, &tsDecided, &decision,
		&timedOutAt, &requestedPayload, &decidedPayload, &a.ApprovalType)
	if err != nil {
		return nil, err
	}
	a.TsRequested = parseTime(tsRequested)
	a.RequestedPayload = []byte(requestedPayload)
	if tsDecided.Valid {
		t := parseTime(tsDecided.String)
		a.TsDecided = &t
	}
	if decision.Valid {
		d := model.Decision(decision.String)
		a.Decision = &d
	}
	if timedOutAt.Valid {
		t := parseTime(timedOutAt.String)
		a.TimedOutAt = &t
	}
	if decidedPayload.Valid {
		a.DecidedPayload = []byte(decidedPayload.String)
	}
	return &a, nil
}
