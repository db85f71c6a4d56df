package wire

import "encoding/json"

// CommandRequest is the body of POST /sessions/:id/commands
// and the payload carried inside commands.dispatch to the agent.
type CommandRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CommandDispatchPayload is sent server->agent to invoke a command.
type CommandDispatchPayload struct {
	CmdID     string          `json:"cmd_id"`
	SessionID string          `json:"session_id"`
	Command   CommandRequest  `json:"command"`
}

// CopyToRequest is the body of POST /sessions/:id/copy-to.
type CopyToRequest struct {
	TargetSessionID string `json:"target_session_id"`
	Mode            string `json:"mode"` // line_start_end | last_n_lines
	LineStart       int    `json:"line_start,omitempty"`
	LineEnd         int    `json:"line_end,omitempty"`
	LastNLines      int    `json:"last_n_lines,omitempty"`
	StripANSI       bool   `json:"strip_ansi,omitempty"`
	PrependText     string `json:"prepend_text,omitempty"`
	AppendText      string `json:"append_text,omitempty"`
}

// BulkOperation names one of the bulk session operations.
type BulkOperation string

const (
	BulkDelete      BulkOperation = "delete"
	BulkArchive     BulkOperation = "archive"
	BulkUnarchive   BulkOperation = "unarchive"
	BulkAssignGroup BulkOperation = "assign_group"
	BulkIdle        BulkOperation = "idle"
	BulkUnidle      BulkOperation = "unidle"
	BulkTerminate   BulkOperation = "terminate"
)

// BulkRequest is the body of POST /sessions/bulk.
type BulkRequest struct {
	Operation  BulkOperation `json:"operation"`
	SessionIDs []string      `json:"session_ids"`
	GroupID    string        `json:"group_id,omitempty"`
}

// BulkResult reports the per-id outcome of a bulk operation.
type BulkResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"` // session_id -> error
}

// ApprovalDecisionRequest is the body of the approvals decide endpoint and
// the payload of a ui.approvals.decide frame.
type ApprovalDecisionRequest struct {
	Decision string          `json:"decision"` // allow | deny
	Mode     string          `json:"mode"`     // hook | keystroke | both
	Payload  ApprovalDecisionPayload `json:"payload"`
}

// ApprovalDecisionPayload carries optional updated input for text/choice approvals.
type ApprovalDecisionPayload struct {
	UpdatedInput json.RawMessage `json:"updated_input,omitempty"`
}

// ApprovalsDecisionDispatch is sent server->agent to apply a decision.
type ApprovalsDecisionDispatch struct {
	ApprovalID string                  `json:"approval_id"`
	SessionID  string                  `json:"session_id"`
	Decision   string                  `json:"decision"`
	Mode       string                  `json:"mode"`
	Payload    ApprovalDecisionPayload `json:"payload"`
}

// Approval-type-specific request shapes a requested_payload may carry.
// Parsed opportunistically by the orchestrator and by dashboards; the
// store persists requested_payload as opaque JSON.

// BinaryApprovalPayload is requested_payload for approval_type=binary.
type BinaryApprovalPayload struct {
	Summary     string `json:"summary,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Command     string `json:"command,omitempty"`
	Path        string `json:"path,omitempty"`
	Args        []string `json:"args,omitempty"`
	URL         string `json:"url,omitempty"`
	AllowLabel  string `json:"allow_label,omitempty"`
	DenyLabel   string `json:"deny_label,omitempty"`
	ToolName    string `json:"tool_name,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// TextInputApprovalPayload is requested_payload for approval_type=text_input.
type TextInputApprovalPayload struct {
	Prompt      string `json:"prompt"`
	Placeholder string `json:"placeholder,omitempty"`
	Multiline   bool   `json:"multiline,omitempty"`
}

// ChoiceOption is one option of a multi_choice approval.
type ChoiceOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// MultiChoiceApprovalPayload is requested_payload for approval_type=multi_choice.
type MultiChoiceApprovalPayload struct {
	Options     []ChoiceOption `json:"options"`
	AllowCustom bool           `json:"allow_custom,omitempty"`
	Summary     string         `json:"summary,omitempty"`
}

// PlanReviewTab is one tab of a plan_review approval.
type PlanReviewTab struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// PlanReviewApprovalPayload is requested_payload for approval_type=plan_review.
type PlanReviewApprovalPayload struct {
	Tabs []PlanReviewTab `json:"tabs"`
}
