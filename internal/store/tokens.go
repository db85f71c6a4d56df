package store

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/agentcommander/controlplane/internal/ids"
	"github.com/agentcommander/controlplane/internal/model"
)

// ErrTokenNotFound is returned by ResolveAgentToken when no live token
// matches the presented bearer value.
var ErrTokenNotFound = errors.New("agent token not found or revoked")

// hashToken derives the storage form of a bearer token. The raw token is
// never persisted, only its hash.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IssueAgentToken mints a new bearer token bound to hostID and returns the
// raw value; only its hash is persisted.
func (s *Store) IssueAgentToken(ctx context.Context, hostID string) (raw string, token *model.AgentToken, err error) {
	raw = ids.NewUUID() + ids.NewUUID()
	token = &model.AgentToken{
		ID:        ids.NewUUID(),
		HostID:    hostID,
		TokenHash: hashToken(raw),
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_tokens (id, host_id, token_hash, created_at) VALUES (?, ?, ?, ?)
	`, token.ID, token.HostID, token.TokenHash, formatTime(token.CreatedAt))
	if err != nil {
		return "", nil, fmt.Errorf("issue agent token: %w", err)
	}
	return raw, token, nil
}

// RevokeAgentToken sets revoked_at on a token.
func (s *Store) RevokeAgentToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
	`, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("revoke agent token: %w", err)
	}
	return nil
}

// ResolveAgentToken looks up the host a raw bearer token belongs to, using a
// constant-time comparison against the stored hash, and records last_used_at.
// Returns ErrTokenNotFound if the token is unknown or revoked.
func (s *Store) ResolveAgentToken(ctx context.Context, raw string) (hostID string, err error) {
	wantHash := hashToken(raw)
	var id, storedHash string
	err = s.db.QueryRowContext(ctx, `
		SELECT id, host_id, token_hash FROM agent_tokens WHERE token_hash = ? AND revoked_at IS NULL
	`, wantHash).Scan(&id, &hostID, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve agent token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(storedHash), []byte(wantHash)) != 1 {
		return "", ErrTokenNotFound
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE agent_tokens SET last_used_at = ? WHERE id = ?`, formatTime(time.Now().UTC()), id)
	return hostID, nil
}
