// Package model defines the persistent entities of the control plane:
// hosts, sessions, snapshots, events, approvals, tool events, groups, and
// usage records. Types here carry JSON tags for wire use and are the shapes
// internal/store reads and writes.
package model

import "time"

// SessionKind classifies what a session wraps on the agent host.
type SessionKind string

const (
	KindTmuxPane SessionKind = "tmux_pane"
	KindJob      SessionKind = "job"
	KindService  SessionKind = "service"
)

// Provider identifies the AI coding tool (or plain shell) running in a session.
type Provider string

const (
	ProviderClaudeCode Provider = "claude_code"
	ProviderCodex      Provider = "codex"
	ProviderGeminiCLI  Provider = "gemini_cli"
	ProviderOpenCode   Provider = "opencode"
	ProviderShell      Provider = "shell"
)

// Status is a Session's place in its lifecycle state machine.
type Status string

const (
	StatusStarting            Status = "STARTING"
	StatusRunning              Status = "RUNNING"
	StatusIdle                 Status = "IDLE"
	StatusWaitingForInput      Status = "WAITING_FOR_INPUT"
	StatusWaitingForApproval   Status = "WAITING_FOR_APPROVAL"
	StatusError                Status = "ERROR"
	StatusDone                 Status = "DONE"
)

// Valid reports whether s is one of the declared Status values.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusIdle, StatusWaitingForInput,
		StatusWaitingForApproval, StatusError, StatusDone:
		return true
	}
	return false
}

// NeedsAttention reports whether a session in this status is a candidate for
// an orchestrator status item.
func (s Status) NeedsAttention() bool {
	switch s {
	case StatusWaitingForInput, StatusWaitingForApproval, StatusError:
		return true
	}
	return false
}

// GitStatus carries the working-tree summary an agent reports per poll.
type GitStatus struct {
	Ahead     int    `json:"ahead"`
	Behind    int    `json:"behind"`
	Staged    int    `json:"staged"`
	Unstaged  int    `json:"unstaged"`
	Untracked int    `json:"untracked"`
	Unmerged  int    `json:"unmerged"`
	Upstream  string `json:"upstream,omitempty"`
}

// Metadata is the open record of session annotations: status detail,
// approval summary/reason, tmux session/window name, and git status. Kept
// as a struct (not map[string]any) because every key it carries is a known
// field; unknown future keys round-trip via Extra.
type Metadata struct {
	StatusDetail    string            `json:"status_detail,omitempty"`
	ApprovalSummary string            `json:"approval.summary,omitempty"`
	ApprovalReason  string            `json:"approval.reason,omitempty"`
	TmuxSessionName string            `json:"tmux.session_name,omitempty"`
	TmuxWindowName  string            `json:"tmux.window_name,omitempty"`
	GitStatus       *GitStatus        `json:"git_status,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Session is the canonical unit of work tracked by the control plane:
// typically a tmux pane hosting an AI coding tool.
type Session struct {
	ID           string      `json:"id"`
	HostID       string      `json:"host_id"`
	Kind         SessionKind `json:"kind"`
	Provider     Provider    `json:"provider"`
	Status       Status      `json:"status"`
	Title        string      `json:"title,omitempty"`
	Cwd          string      `json:"cwd,omitempty"`
	RepoRoot     string      `json:"repo_root,omitempty"`
	GitBranch    string      `json:"git_branch,omitempty"`
	GitRemote    string      `json:"git_remote,omitempty"`
	TmuxTarget   string      `json:"tmux_target,omitempty"`
	TmuxPaneID   string      `json:"tmux_pane_id,omitempty"`
	GroupID      *string     `json:"group_id,omitempty"`
	ForkedFrom   *string     `json:"forked_from,omitempty"`
	ForkDepth    int         `json:"fork_depth"`
	ArchivedAt   *time.Time  `json:"archived_at,omitempty"`
	IdledAt      *time.Time  `json:"idled_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	LastActivity time.Time   `json:"last_activity_at"`
	Metadata     Metadata    `json:"metadata"`
}

// IsArchived reports whether the session has been terminated by an operator.
// archived_at is monotonic: once set it is never cleared except by an
// explicit unarchive bulk operation.
func (s *Session) IsArchived() bool { return s.ArchivedAt != nil }

// Clone returns a deep copy so callers can mutate without racing the store's
// own copy.
func (s *Session) Clone() *Session {
	c := *s
	if s.GroupID != nil {
		v := *s.GroupID
		c.GroupID = &v
	}
	if s.ForkedFrom != nil {
		v := *s.ForkedFrom
		c.ForkedFrom = &v
	}
	if s.ArchivedAt != nil {
		v := *s.ArchivedAt
		c.ArchivedAt = &v
	}
	if s.IdledAt != nil {
		v := *s.IdledAt
		c.IdledAt = &v
	}
	if s.Metadata.GitStatus != nil {
		gs := *s.Metadata.GitStatus
		c.Metadata.GitStatus = &gs
	}
	if len(s.Metadata.Extra) > 0 {
		c.Metadata.Extra = make(map[string]string, len(s.Metadata.Extra))
		for k, v := range s.Metadata.Extra {
			c.Metadata.Extra[k] = v
		}
	}
	return &c
}

// Host is a developer machine running an agent process.
type Host struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	NetworkName    string         `json:"network_name,omitempty"`
	NetworkIP      string         `json:"network_ip,omitempty"`
	Capabilities   Capabilities   `json:"capabilities"`
	AgentVersion   string         `json:"agent_version,omitempty"`
	LastSeen       time.Time      `json:"last_seen"`
	LastAckedSeq   uint64         `json:"last_acked_seq"`
}

// Capabilities is the open record of what an agent host supports.
type Capabilities struct {
	Tmux           bool     `json:"tmux"`
	Spawn          bool     `json:"spawn"`
	Kill           bool     `json:"kill"`
	ConsoleStream  bool     `json:"console_stream"`
	Terminal       bool     `json:"terminal"`
	ListDirectory  bool     `json:"list_directory"`
	AllowedRoots   []string `json:"allowed_roots,omitempty"`
}

// IsOnline reports whether the host has been seen within the given staleness
// window, relative to now.
func (h *Host) IsOnline(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(h.LastSeen) < staleAfter
}

// SessionGroup names a cluster of sessions, auto-created from a tmux session
// name on first upsert.
type SessionGroup struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
