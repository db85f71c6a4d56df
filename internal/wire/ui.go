package wire

import "encoding/json"

// UIMessageType enumerates UI->server and server->UI frame types.
type UIMessageType string

const (
	UISubscribe   UIMessageType = "ui.subscribe"
	UIUnsubscribe UIMessageType = "ui.unsubscribe"
	UICommand     UIMessageType = "commands.dispatch"
	UIDecision    UIMessageType = "approvals.decide"

	CommandAck  UIMessageType = "commands.ack"
	DecisionAck UIMessageType = "approvals.decide.ack"

	SessionsChanged       UIMessageType = "sessions.changed"
	ApprovalsCreated      UIMessageType = "approvals.created"
	ApprovalsUpdated      UIMessageType = "approvals.updated"
	EventsAppended        UIMessageType = "events.appended"
	ConsoleChunkMsg       UIMessageType = "console.chunk"
	SnapshotsUpdated      UIMessageType = "snapshots.updated"
	ToolEventStartedMsg   UIMessageType = "tool_event.started"
	ToolEventCompletedMsg UIMessageType = "tool_event.completed"
	SessionUsageUpdated   UIMessageType = "session_usage.updated"
)

// UIEnvelope is the bidirectional UI WebSocket frame.
type UIEnvelope struct {
	Type    UIMessageType   `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TopicKind names a PubSub Bus topic.
type TopicKind string

const (
	TopicSessions   TopicKind = "sessions"
	TopicApprovals  TopicKind = "approvals"
	TopicEvents     TopicKind = "events"
	TopicConsole    TopicKind = "console"
	TopicSnapshots  TopicKind = "snapshots"
	TopicToolEvents TopicKind = "tool_events"
	TopicUsage      TopicKind = "session_usage"
)

// TopicFilter is the shallow key-equality filter a subscription can
// narrow itself with, plus the two reserved array/CSV fields.
type TopicFilter struct {
	SessionID       string   `json:"session_id,omitempty"`
	SessionIDs      []string `json:"session_ids,omitempty"`
	Status          string   `json:"status,omitempty"` // CSV list
	IncludeArchived bool     `json:"include_archived,omitempty"`
	GroupID         string   `json:"group_id,omitempty"`
	HostID          string   `json:"host_id,omitempty"`
}

// SubscribeTopic is one entry of a ui.subscribe frame's topics array.
type SubscribeTopic struct {
	Type   TopicKind    `json:"type"`
	Filter *TopicFilter `json:"filter,omitempty"`
}

// SubscribePayload is the payload of a ui.subscribe frame.
type SubscribePayload struct {
	Topics []SubscribeTopic `json:"topics"`
}

// UnsubscribePayload is the payload of a ui.unsubscribe frame.
type UnsubscribePayload struct {
	Topics []TopicKind `json:"topics"`
}

// SessionsChangedPayload is atomic: subscribers observe updates and
// deletions in a single frame.
type SessionsChangedPayload struct {
	Sessions []SessionSummary `json:"sessions"`
	Deleted  []string         `json:"deleted,omitempty"`
}

// SessionSummary is the full dashboard-facing projection of a session,
// distinct from SessionWire (the narrower agent->server upsert shape).
type SessionSummary struct {
	ID           string         `json:"id"`
	HostID       string         `json:"host_id"`
	Kind         string         `json:"kind"`
	Provider     string         `json:"provider"`
	Status       string         `json:"status"`
	Title        string         `json:"title,omitempty"`
	Cwd          string         `json:"cwd,omitempty"`
	RepoRoot     string         `json:"repo_root,omitempty"`
	GitBranch    string         `json:"git_branch,omitempty"`
	GitRemote    string         `json:"git_remote,omitempty"`
	TmuxTarget   string         `json:"tmux_target,omitempty"`
	TmuxPaneID   string         `json:"tmux_pane_id,omitempty"`
	GroupID      string         `json:"group_id,omitempty"`
	ForkedFrom   string         `json:"forked_from,omitempty"`
	ForkDepth    int            `json:"fork_depth,omitempty"`
	ArchivedAt   string         `json:"archived_at,omitempty"`
	IdledAt      string         `json:"idled_at,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
	LastActivity string         `json:"last_activity_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ApprovalPayload mirrors model.Approval on the wire.
type ApprovalPayload struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"session_id"`
	Provider         string          `json:"provider"`
	TsRequested      string          `json:"ts_requested"`
	TsDecided        string          `json:"ts_decided,omitempty"`
	Decision         string          `json:"decision,omitempty"`
	RequestedPayload json.RawMessage `json:"requested_payload"`
	DecidedPayload   json.RawMessage `json:"decided_payload,omitempty"`
	ApprovalType     string          `json:"approval_type"`
}

// EventAppendedPayload is the server->UI echo of a persisted event.
type EventAppendedPayload struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Ts        string          `json:"ts"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// SnapshotsUpdatedPayload echoes a new snapshot to UI subscribers.
type SnapshotsUpdatedPayload struct {
	SessionID   string `json:"session_id"`
	CreatedAt   string `json:"created_at"`
	CaptureHash string `json:"capture_hash"`
	CaptureText string `json:"capture_text"`
}

// ConsoleChunkUIPayload is the server->UI shape for console.chunk, re-published
// verbatim from the owning agent's ConsoleChunkPayload.
type ConsoleChunkUIPayload struct {
	SubscriptionID string `json:"subscription_id"`
	SessionID      string `json:"session_id"`
	Data           string `json:"data"`
	Seq            uint64 `json:"seq"`
}

// ToolEventPayload is the server->UI shape for tool_event.started/completed.
type ToolEventPayload struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Provider    string          `json:"provider"`
	ToolName    string          `json:"tool_name"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput  json.RawMessage `json:"tool_output,omitempty"`
	StartedAt   string          `json:"started_at"`
	CompletedAt string          `json:"completed_at,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	DurationMs  *int64          `json:"duration_ms,omitempty"`
}

// SessionUsagePayload is the server->UI shape for session_usage.updated.
type SessionUsagePayload struct {
	SessionID   string `json:"session_id"`
	Provider    string `json:"provider"`
	TotalTokens int64  `json:"total_tokens"`
	RecordedAt  string `json:"recorded_at"`
}

// UICommandPayload is a REST-equivalent command dispatch sent over the UI
// socket.
type UICommandPayload struct {
	SessionID string          `json:"session_id"`
	Command   json.RawMessage `json:"command"`
}

// UIDecisionPayload is an approval decision sent over the UI socket.
type UIDecisionPayload struct {
	ApprovalID string          `json:"approval_id"`
	Decision   string          `json:"decision"`
	Mode       string          `json:"mode"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// UIAckPayload is the server->UI reply to a commands.dispatch or
// approvals.decide frame sent over the UI socket.
type UIAckPayload struct {
	CmdID      string `json:"cmd_id,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}
