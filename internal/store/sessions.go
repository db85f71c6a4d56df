package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentcommander/controlplane/internal/bus"
	"github.com/agentcommander/controlplane/internal/model"
	"github.com/agentcommander/controlplane/internal/wire"
)

// UpsertSession inserts or updates a session keyed by id.
// Auto-grouping runs inside the same transaction: the first
// upsert of a tmux_pane session carrying metadata.tmux.session_name and no
// group_id resolves-or-creates a group and assigns it atomically. Fires a
// sessions.changed broadcast on success.
func (s *Store) UpsertSession(ctx context.Context, sess *model.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := getSessionTx(ctx, tx, sess.ID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load existing session: %w", err)
	}
	now := time.Now().UTC()
	if existing != nil {
		sess.CreatedAt = existing.CreatedAt
		// archived_at is monotonic: once set it survives trailing upserts
		// unless the caller is explicitly clearing it (unarchive).
		if existing.ArchivedAt != nil && sess.ArchivedAt == nil {
			sess.ArchivedAt = existing.ArchivedAt
		}
		if sess.GroupID == nil {
			sess.GroupID = existing.GroupID
		}
	} else if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	if sess.Kind == model.KindTmuxPane && sess.GroupID == nil && sess.Metadata.TmuxSessionName != "" {
		groupID, err := resolveOrCreateGroupTx(ctx, tx, sess.Metadata.TmuxSessionName)
		if err != nil {
			return fmt.Errorf("auto-group: %w", err)
		}
		sess.GroupID = &groupID
	}

	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, host_id, kind, provider, status, title, cwd, repo_root,
			git_branch, git_remote, tmux_target, tmux_pane_id, group_id,
			forked_from, fork_depth, archived_at, idled_at, created_at,
			updated_at, last_activity_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			host_id = excluded.host_id, kind = excluded.kind,
			provider = excluded.provider, status = excluded.status,
			title = excluded.title, cwd = excluded.cwd,
			repo_root = excluded.repo_root, git_branch = excluded.git_branch,
			git_remote = excluded.git_remote, tmux_target = excluded.tmux_target,
			tmux_pane_id = excluded.tmux_pane_id, group_id = excluded.group_id,
			forked_from = excluded.forked_from, fork_depth = excluded.fork_depth,
			archived_at = excluded.archived_at, idled_at = excluded.idled_at,
			updated_at = excluded.updated_at,
			last_activity_at = excluded.last_activity_at,
			metadata = excluded.metadata
	`,
		sess.ID, sess.HostID, sess.Kind, sess.Provider, sess.Status, nullStr(sess.Title),
		nullStr(sess.Cwd), nullStr(sess.RepoRoot), nullStr(sess.GitBranch), nullStr(sess.GitRemote),
		nullStr(sess.TmuxTarget), nullStr(sess.TmuxPaneID), nullablePtr(sess.GroupID),
		nullablePtr(sess.ForkedFrom), sess.ForkDepth, nullTime(sess.ArchivedAt), nullTime(sess.IdledAt),
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt), formatTime(sess.LastActivity),
		string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.broadcastSessionsChanged(ctx, []string{sess.ID}, nil)
	return nil
}

func resolveOrCreateGroupTx(ctx context.Context, tx *sql.Tx, name string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM session_groups WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}
	id = uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_groups (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO NOTHING
	`, id, name, formatTime(time.Now().UTC()))
	if err != nil {
		return "", err
	}
	// Someone may have raced us to create it; re-read to get the winner's id.
	if err := tx.QueryRowContext(ctx, `SELECT id FROM session_groups WHERE name = ?`, name).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

// GetSession loads a single session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return getSessionTx(ctx, s.db, id)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func getSessionTx(ctx context.Context, q queryer, id string) (*model.Session, error) {
	row := q.QueryRowContext(ctx, sessionSelectCols+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

const sessionSelectCols = `SELECT
	id, host_id, kind, provider, status, title, cwd, repo_root, git_branch,
	git_remote, tmux_target, tmux_pane_id, group_id, forked_from, fork_depth,
	archived_at, idled_at, created_at, updated_at, last_activity_at, metadata`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var sess model.Session
	var title, cwd, repoRoot, gitBranch, gitRemote, tmuxTarget, tmuxPaneID sql.NullString
	var groupID, forkedFrom sql.NullString
	var archivedAt, idledAt sql.NullString
	var createdAt, updatedAt, lastActivity string
	var metaJSON string

	err := row.Scan(
		&sess.ID, &sess.HostID, &sess.Kind, &sess.Provider, &sess.Status, &title, &cwd, &repoRoot,
		&gitBranch, &gitRemote, &tmuxTarget, &tmuxPaneID, &groupID, &forkedFrom, &sess.ForkDepth,
		&archivedAt, &idledAt, &createdAt, &updatedAt, &lastActivity, &metaJSON,
	)
	if err != nil {
		return nil, err
	}

	sess.Title = title.String
	sess.Cwd = cwd.String
	sess.RepoRoot = repoRoot.String
	sess.GitBranch = gitBranch.String
	sess.GitRemote = gitRemote.String
	sess.TmuxTarget = tmuxTarget.String
	sess.TmuxPaneID = tmuxPaneID.String
	if groupID.Valid {
		v := groupID.String
		sess.GroupID = &v
	}
	if forkedFrom.Valid {
		v := forkedFrom.String
		sess.ForkedFrom = &v
	}
	if archivedAt.Valid {
		t := parseTime(archivedAt.String)
		sess.ArchivedAt = &t
	}
	if idledAt.Valid {
		t := parseTime(idledAt.String)
		sess.IdledAt = &t
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	sess.LastActivity = parseTime(lastActivity)

	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return &sess, nil
}

// SessionFilter is the filter set getSessions/getSessionsPage accept.
type SessionFilter struct {
	HostID          string
	Status          []string
	Provider        string
	NeedsAttention  bool
	GroupID         string
	GroupIDSet      bool // distinguishes "" (not filtering) from explicit null
	Ungrouped       bool
	IncludeArchived bool
	ArchivedOnly    bool
	Query           string
	Limit           int
	Offset          int
}

// GetSessions returns sessions matching filter, newest activity first.
func (s *Store) GetSessions(ctx context.Context, filter SessionFilter) ([]*model.Session, error) {
	where, args := filter.whereClause()
	query := sessionSelectCols + ` FROM sessions` + where + ` ORDER BY last_activity_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SessionsPage is the result of getSessionsPage.
type SessionsPage struct {
	Sessions []*model.Session
	Total    int
}

// GetSessionsPage returns a page of sessions alongside the total count
// ignoring limit/offset, so UIs can render pagination controls.
func (s *Store) GetSessionsPage(ctx context.Context, filter SessionFilter) (*SessionsPage, error) {
	where, args := filter.whereClause()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sessions`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	sessions, err := s.GetSessions(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &SessionsPage{Sessions: sessions, Total: total}, nil
}

func (f SessionFilter) whereClause() (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if f.HostID != "" {
		clauses = append(clauses, `host_id = ?`)
		args = append(args, f.HostID)
	}
	if len(f.Status) > 0 {
		placeholders := make([]string, len(f.Status))
		for i, st := range f.Status {
			placeholders[i] = "?"
			args = append(args, st)
		}
		clauses = append(clauses, fmt.Sprintf(`status IN (%s)`, strings.Join(placeholders, ",")))
	}
	if f.Provider != "" {
		clauses = append(clauses, `provider = ?`)
		args = append(args, f.Provider)
	}
	if f.NeedsAttention {
		clauses = append(clauses, `status IN (?, ?, ?)`)
		args = append(args, model.StatusWaitingForInput, model.StatusWaitingForApproval, model.StatusError)
	}
	if f.Ungrouped {
		clauses = append(clauses, `group_id IS NULL`)
	} else if f.GroupIDSet {
		if f.GroupID == "" {
			clauses = append(clauses, `group_id IS NULL`)
		} else {
			clauses = append(clauses, `group_id = ?`)
			args = append(args, f.GroupID)
		}
	}
	if f.ArchivedOnly {
		clauses = append(clauses, `archived_at IS NOT NULL`)
	} else if !f.IncludeArchived {
		clauses = append(clauses, `archived_at IS NULL`)
	}
	if f.Query != "" {
		like := "%" + f.Query + "%"
		clauses = append(clauses, `(title LIKE ? OR cwd LIKE ? OR repo_root LIKE ? OR git_branch LIKE ?)`)
		args = append(args, like, like, like, like)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ArchiveSession sets archived_at (monotonic: a no-op if already archived)
// and broadcasts the change.
func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	if err := s.archiveSessionRow(ctx, id); err != nil {
		return err
	}
	s.broadcastSessionsChanged(ctx, []string{id}, nil)
	return nil
}

// ArchiveSessionQuiet archives id without broadcasting. Callers that apply
// this to a whole batch (bulk terminate) broadcast once afterward via
// NotifySessionsChanged.
func (s *Store) ArchiveSessionQuiet(ctx context.Context, id string) error {
	return s.archiveSessionRow(ctx, id)
}

func (s *Store) archiveSessionRow(ctx context.Context, id string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET archived_at = ?, updated_at = ?
		WHERE id = ? AND archived_at IS NULL
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

// UnarchiveSession clears archived_at.
func (s *Store) UnarchiveSession(ctx context.Context, id string) error {
	if err := s.unarchiveSessionRow(ctx, id); err != nil {
		return err
	}
	s.broadcastSessionsChanged(ctx, []string{id}, nil)
	return nil
}

func (s *Store) unarchiveSessionRow(ctx context.Context, id string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET archived_at = NULL, updated_at = ? WHERE id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("unarchive session: %w", err)
	}
	return nil
}

// DeleteSession hard-deletes a session row (bulk delete).
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SetIdled sets or clears the manual idled_at flag.
func (s *Store) SetIdled(ctx context.Context, id string, idled bool) error {
	if err := s.setIdledRow(ctx, id, idled); err != nil {
		return err
	}
	s.broadcastSessionsChanged(ctx, []string{id}, nil)
	return nil
}

func (s *Store) setIdledRow(ctx context.Context, id string, idled bool) error {
	now := time.Now().UTC()
	var idledAt interface{}
	if idled {
		idledAt = formatTime(now)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET idled_at = ?, updated_at = ? WHERE id = ?
	`, idledAt, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("set idled: %w", err)
	}
	return nil
}

// AssignGroup sets a session's group_id (nil to un-assign).
func (s *Store) AssignGroup(ctx context.Context, id string, groupID *string) error {
	if err := s.assignGroupRow(ctx, id, groupID); err != nil {
		return err
	}
	s.broadcastSessionsChanged(ctx, []string{id}, nil)
	return nil
}

func (s *Store) assignGroupRow(ctx context.Context, id string, groupID *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET group_id = ?, updated_at = ? WHERE id = ?
	`, nullablePtr(groupID), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("assign group: %w", err)
	}
	return nil
}

// BulkArchiveSessions archives every id and broadcasts a single
// sessions.changed covering all that succeeded.
func (s *Store) BulkArchiveSessions(ctx context.Context, ids []string) (*BulkDeleteResult, error) {
	return s.bulkApplySessions(ctx, ids, s.archiveSessionRow)
}

// BulkUnarchiveSessions is BulkArchiveSessions's inverse.
func (s *Store) BulkUnarchiveSessions(ctx context.Context, ids []string) (*BulkDeleteResult, error) {
	return s.bulkApplySessions(ctx, ids, s.unarchiveSessionRow)
}

// BulkSetIdled sets or clears idled_at on every id and broadcasts once.
func (s *Store) BulkSetIdled(ctx context.Context, ids []string, idled bool) (*BulkDeleteResult, error) {
	return s.bulkApplySessions(ctx, ids, func(ctx context.Context, id string) error {
		return s.setIdledRow(ctx, id, idled)
	})
}

// BulkAssignGroup assigns groupID to every id and broadcasts once.
func (s *Store) BulkAssignGroup(ctx context.Context, ids []string, groupID *string) (*BulkDeleteResult, error) {
	return s.bulkApplySessions(ctx, ids, func(ctx context.Context, id string) error {
		return s.assignGroupRow(ctx, id, groupID)
	})
}

// bulkApplySessions applies fn to each id independently, then emits one
// sessions.changed covering every id that succeeded — never one broadcast
// per id, so subscribers observe a bulk operation's outcome atomically.
func (s *Store) bulkApplySessions(ctx context.Context, ids []string, fn func(context.Context, string) error) (*BulkDeleteResult, error) {
	res := &BulkDeleteResult{Failed: make(map[string]string)}
	for _, id := range ids {
		if err := fn(ctx, id); err != nil {
			res.Failed[id] = err.Error()
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	if len(res.Succeeded) > 0 {
		s.broadcastSessionsChanged(ctx, res.Succeeded, nil)
	}
	return res, nil
}

// NotifySessionsChanged broadcasts a single sessions.changed covering ids,
// for callers that mutate sessions themselves (bulk terminate interleaves
// per-id agent dispatch with the archive) and need to batch the resulting
// notification rather than let each mutation broadcast on its own.
func (s *Store) NotifySessionsChanged(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	s.broadcastSessionsChanged(ctx, ids, nil)
}

// BulkDeleteResult reports outcome per requested id.
type BulkDeleteResult struct {
	Succeeded []string
	Failed    map[string]string
}

// BulkDelete deletes every session id in a single transaction, broadcasting
// one sessions.changed with the deleted set on success.
func (s *Store) BulkDelete(ctx context.Context, ids []string) (*BulkDeleteResult, error) {
	res := &BulkDeleteResult{Failed: make(map[string]string)}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			res.Failed[id] = err.Error()
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if len(res.Succeeded) > 0 {
		s.broadcastSessionsChanged(ctx, nil, res.Succeeded)
	}
	return res, nil
}

// GetLatestSnapshots bulk-loads the most recent snapshot per session id,
// avoiding N+1. Sessions with no snapshot are simply absent
// from the result map.
func (s *Store) GetLatestSnapshots(ctx context.Context, ids []string) (map[string]*model.Snapshot, error) {
	out := make(map[string]*model.Snapshot, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`
		SELECT session_id, created_at, capture_hash, capture_text FROM snapshots
		WHERE session_id IN (%s) AND created_at = (
			SELECT max(created_at) FROM snapshots s2 WHERE s2.session_id = snapshots.session_id
		)
	`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query latest snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var snap model.Snapshot
		var createdAt string
		if err := rows.Scan(&snap.SessionID, &createdAt, &snap.CaptureHash, &snap.CaptureText); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.CreatedAt = parseTime(createdAt)
		out[snap.SessionID] = &snap
	}
	return out, rows.Err()
}

// InsertSnapshot inserts a snapshot, idempotent on (session_id, capture_hash).
func (s *Store) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (session_id, created_at, capture_hash, capture_text)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, capture_hash) DO NOTHING
	`, snap.SessionID, formatTime(snap.CreatedAt), snap.CaptureHash, snap.CaptureText)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// broadcastSessionsChanged publishes exactly one sessions.changed envelope
// covering every changed and deleted id — carrying both sessions and
// deleted is atomic, so subscribers never observe a bulk operation as a
// dribble of single-session frames. A single changed id (the common path:
// upsert, one-off archive/idle/etc.) keeps the precise per-session filter
// attrs it always has; a genuine multi-id batch publishes with the set of
// ids instead, since one Attrs cannot represent differing per-session
// status/group/host values.
func (s *Store) broadcastSessionsChanged(ctx context.Context, changedIDs, deletedIDs []string) {
	if s.broadcast == nil {
		return
	}
	if len(changedIDs) == 0 && len(deletedIDs) == 0 {
		return
	}

	attrs := bus.Attrs{SessionIDs: append(append([]string{}, changedIDs...), deletedIDs...)}
	if len(changedIDs) == 1 && len(deletedIDs) == 0 {
		if sess, err := s.GetSession(ctx, changedIDs[0]); err == nil {
			attrs = bus.Attrs{SessionID: sess.ID, Status: string(sess.Status), Archived: sess.IsArchived(), HostID: sess.HostID}
			if sess.GroupID != nil {
				attrs.GroupID = *sess.GroupID
			}
		}
	} else if len(deletedIDs) == 1 && len(changedIDs) == 0 {
		attrs = bus.Attrs{SessionID: deletedIDs[0]}
	}

	var summaries []wire.SessionSummary
	for _, id := range changedIDs {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			continue
		}
		summaries = append(summaries, toSessionSummary(sess))
	}

	payload := wire.SessionsChangedPayload{Sessions: summaries, Deleted: deletedIDs}
	s.broadcast.Publish(wire.TopicSessions, attrs, wire.SessionsChanged, payload)
}

func toSessionSummary(sess *model.Session) wire.SessionSummary {
	sw := wire.SessionSummary{
		ID: sess.ID, HostID: sess.HostID, Kind: string(sess.Kind), Provider: string(sess.Provider),
		Status: string(sess.Status), Title: sess.Title, Cwd: sess.Cwd, RepoRoot: sess.RepoRoot,
		GitBranch: sess.GitBranch, GitRemote: sess.GitRemote, TmuxTarget: sess.TmuxTarget,
		TmuxPaneID: sess.TmuxPaneID, ForkDepth: sess.ForkDepth,
		CreatedAt: formatTime(sess.CreatedAt), UpdatedAt: formatTime(sess.UpdatedAt),
		LastActivity: formatTime(sess.LastActivity),
	}
	if sess.GroupID != nil {
		sw.GroupID = *sess.GroupID
	}
	if sess.ForkedFrom != nil {
		sw.ForkedFrom = *sess.ForkedFrom
	}
	if sess.ArchivedAt != nil {
		sw.ArchivedAt = formatTime(*sess.ArchivedAt)
	}
	if sess.IdledAt != nil {
		sw.IdledAt = formatTime(*sess.IdledAt)
	}
	metaJSON, err := json.Marshal(sess.Metadata)
	if err == nil {
		var m map[string]any
		if json.Unmarshal(metaJSON, &m) == nil {
			sw.Metadata = m
		}
	}
	return sw
}

func nullStr(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
