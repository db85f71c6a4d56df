package model

import "time"

// Snapshot is a content-addressed text capture of a pane's visible buffer.
// capture_hash uniquely identifies the text within a session; repeat
// inserts of the same hash are no-ops.
type Snapshot struct {
	SessionID   string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
	CaptureHash string    `json:"capture_hash"`
	CaptureText string    `json:"capture_text"`
}

// Event is an append-only, monotonically-numbered (per session) record of
// something an agent reported.
type Event struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id,omitempty"` // agent-supplied idempotency key
	SessionID string    `json:"session_id"`
	Ts        time.Time `json:"ts"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload"`
}

// ApprovalType selects how a dashboard should render a pending approval.
type ApprovalType string

const (
	ApprovalBinary     ApprovalType = "binary"
	ApprovalTextInput  ApprovalType = "text_input"
	ApprovalMultiChoice ApprovalType = "multi_choice"
	ApprovalPlanReview ApprovalType = "plan_review"
)

// Decision is the operator's verdict on an Approval.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Approval is a permission request raised by an agent that must be decided
// by a dashboard user before work continues.
type Approval struct {
	ID              string       `json:"id"`
	SessionID       string       `json:"session_id"`
	Provider        Provider     `json:"provider"`
	TsRequested     time.Time    `json:"ts_requested"`
	TsDecided       *time.Time   `json:"ts_decided,omitempty"`
	Decision        *Decision    `json:"decision,omitempty"`
	TimedOutAt      *time.Time   `json:"timed_out_at,omitempty"`
	RequestedPayload []byte      `json:"requested_payload"`
	DecidedPayload  []byte       `json:"decided_payload,omitempty"`
	ApprovalType    ApprovalType `json:"approval_type"`
}

// IsDecided reports whether the approval has received a terminal decision.
func (a *Approval) IsDecided() bool { return a.Decision != nil }

// ToolEvent correlates a tool's start and completion. Started
// and completed arrive as two distinct agent messages sharing an event_id;
// the store keeps a single row whose id is that event_id.
type ToolEvent struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Provider    Provider   `json:"provider"`
	ToolName    string     `json:"tool_name"`
	ToolInput   []byte     `json:"tool_input,omitempty"`
	ToolOutput  []byte     `json:"tool_output,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Success     *bool      `json:"success,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
}

// ProviderUsage records one usage report from an agent.
type ProviderUsage struct {
	ID                  int64     `json:"id"`
	SessionID           string    `json:"session_id"`
	Provider            Provider  `json:"provider"`
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	TotalTokens         int64     `json:"total_tokens"`
	RecordedAt          time.Time `json:"recorded_at"`
}

// AuditLog records a dispatched command or bulk operation outcome.
type AuditLog struct {
	ID             int64     `json:"id"`
	Ts             time.Time `json:"ts"`
	Actor          string    `json:"actor"`
	Action         string    `json:"action"`
	TargetSession  string    `json:"target_session_id,omitempty"`
	TargetHost     string    `json:"target_host_id,omitempty"`
	CmdID          string    `json:"cmd_id,omitempty"`
	Outcome        string    `json:"outcome"`
	Detail         string    `json:"detail,omitempty"`
}

// AgentToken is an issued bearer credential binding a connection to a host. The raw token is never stored, only its hash.
type AgentToken struct {
	ID         string     `json:"id"`
	HostID     string     `json:"host_id"`
	TokenHash  string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Revoked reports whether the token has been revoked.
func (t *AgentToken) Revoked() bool { return t.RevokedAt != nil }

// NullTmuxPaneSessionID is the synthetic session id denoting host-level
// commands: directory listing, adopt-panes. Never persisted
// as a session event.
const NullTmuxPaneSessionID = "00000000-0000-0000-0000-000000000000"
