package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentcommander/controlplane/internal/model"
)

const hostSelectCols = `SELECT
	id, name, network_name, network_ip, capabilities, agent_version,
	last_seen, last_acked_seq`

// UpsertHost inserts or updates a host row, as performed on agent.hello.
func (s *Store) UpsertHost(ctx context.Context, h *model.Host) error {
	capsJSON, err := json.Marshal(h.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hosts (id, name, network_name, network_ip, capabilities, agent_version, last_seen, last_acked_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, network_name = excluded.network_name,
			network_ip = excluded.network_ip, capabilities = excluded.capabilities,
			agent_version = excluded.agent_version, last_seen = excluded.last_seen
	`, h.ID, h.Name, nullStr(h.NetworkName), nullStr(h.NetworkIP), string(capsJSON),
		nullStr(h.AgentVersion), formatTime(h.LastSeen), h.LastAckedSeq)
	if err != nil {
		return fmt.Errorf("upsert host: %w", err)
	}
	return nil
}

// GetHost loads a host by id.
func (s *Store) GetHost(ctx context.Context, id string) (*model.Host, error) {
	row := s.db.QueryRowContext(ctx, hostSelectCols+` FROM hosts WHERE id = ?`, id)
	return scanHost(row)
}

// GetHosts returns every registered host.
func (s *Store) GetHosts(ctx context.Context) ([]*model.Host, error) {
	rows, err := s.db.QueryContext(ctx, hostSelectCols+` FROM hosts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	defer rows.Close()

	var out []*model.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHost(row rowScanner) (*model.Host, error) {
	var h model.Host
	var networkName, networkIP, agentVersion sql.NullString
	var capsJSON, lastSeen string

	if err := row.Scan(&h.ID, &h.Name, &networkName, &networkIP, &capsJSON,
		&agentVersion, &lastSeen, &h.LastAckedSeq); err != nil {
		return nil, err
	}
	h.NetworkName = networkName.String
	h.NetworkIP = networkIP.String
	h.AgentVersion = agentVersion.String
	h.LastSeen = parseTime(lastSeen)
	if capsJSON != "" {
		if err := json.Unmarshal([]byte(capsJSON), &h.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	return &h, nil
}

// UpdateLastAckedSeq persists the high-water ack mark so a reconnecting
// agent can resume without dropping or duplicating events.
func (s *Store) UpdateLastAckedSeq(ctx context.Context, hostID string, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE hosts SET last_acked_seq = ?, last_seen = ? WHERE id = ? AND last_acked_seq < ?
	`, seq, formatTime(time.Now().UTC()), hostID, seq)
	if err != nil {
		return fmt.Errorf("update last acked seq: %w", err)
	}
	return nil
}

// TouchHostSeen bumps last_seen without altering the ack mark (heartbeat).
func (s *Store) TouchHostSeen(ctx context.Context, hostID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE hosts SET last_seen = ? WHERE id = ?`, formatTime(time.Now().UTC()), hostID)
	return err
}

// GetSessionGroup loads a group by id.
func (s *Store) GetSessionGroup(ctx context.Context, id string) (*model.SessionGroup, error) {
	var g model.SessionGroup
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM session_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &createdAt)
	if err != nil {
		return nil, err
	}
	g.CreatedAt = parseTime(createdAt)
	return &g, nil
}

// GetSessionGroups returns every group.
func (s *Store) GetSessionGroups(ctx context.Context) ([]*model.SessionGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM session_groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []*model.SessionGroup
	for rows.Next() {
		var g model.SessionGroup
		var createdAt string
		if err := rows.Scan(&g.ID, &g.Name, &createdAt); err != nil {
			return nil, err
		}
		g.CreatedAt = parseTime(createdAt)
		out = append(out, &g)
	}
	return out, rows.Err()
}
