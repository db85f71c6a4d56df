// Package wire defines the JSON envelopes and message types carried over
// the three distinct wire protocols the control plane speaks: the agent
// WebSocket, the UI WebSocket, and the terminal WebSocket.
package wire

import (
	"encoding/json"
	"time"
)

// AgentMessageType enumerates the agent->server dispatch table.
type AgentMessageType string

const (
	AgentHello             AgentMessageType = "agent.hello"
	SessionsUpsert         AgentMessageType = "sessions.upsert"
	SessionsPrune          AgentMessageType = "sessions.prune"
	SessionsSnapshot       AgentMessageType = "sessions.snapshot"
	EventsAppend           AgentMessageType = "events.append"
	CommandsResult         AgentMessageType = "commands.result"
	ConsoleChunk           AgentMessageType = "console.chunk"
	TerminalOutput         AgentMessageType = "terminal.output"
	TerminalAttached       AgentMessageType = "terminal.attached"
	TerminalDetached       AgentMessageType = "terminal.detached"
	TerminalError          AgentMessageType = "terminal.error"
	TerminalReadonly       AgentMessageType = "terminal.readonly"
	TerminalControl        AgentMessageType = "terminal.control"
	ToolEventStarted       AgentMessageType = "tool.event.started"
	ToolEventCompleted     AgentMessageType = "tool.event.completed"
	ProviderUsage          AgentMessageType = "provider.usage"
	SessionUsage           AgentMessageType = "session.usage"
)

// AgentEnvelope is the agent->server frame: every message
// carries a strictly increasing per-connection seq.
type AgentEnvelope struct {
	V       int              `json:"v"`
	Ts      time.Time        `json:"ts"`
	Seq     uint64           `json:"seq"`
	Type    AgentMessageType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// ServerToAgentEnvelope is the server->agent frame. It omits seq.
type ServerToAgentEnvelope struct {
	V       int             `json:"v"`
	Ts      time.Time       `json:"ts"`
	Type    string          `json:"type"`
	Payload interface{}     `json:"payload"`
}

// Server->agent frame types.
const (
	ServerCommandsDispatch  = "commands.dispatch"
	ServerApprovalsDecision = "approvals.decision"
	ServerConsoleSubscribe  = "console.subscribe"
	ServerAgentAck          = "agent.ack"
)

// AckStatus is the outcome carried by agent.ack.
type AckStatus string

const (
	AckOK    AckStatus = "ok"
	AckError AckStatus = "error"
)

// AckPayload is the payload of an agent.ack frame.
type AckPayload struct {
	AckSeq uint64    `json:"ack_seq"`
	Status AckStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// HelloPayload is the payload of agent.hello, the mandatory first frame.
type HelloPayload struct {
	Host   HelloHost   `json:"host"`
	Resume ResumeState `json:"resume"`
}

// HelloHost is the host-identifying part of agent.hello.
type HelloHost struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	NetworkName  string   `json:"network_name,omitempty"`
	NetworkIP    string   `json:"network_ip,omitempty"`
	AgentVersion string   `json:"agent_version,omitempty"`
	Capabilities HelloCapabilities `json:"capabilities"`
}

// HelloCapabilities mirrors model.Capabilities on the wire.
type HelloCapabilities struct {
	Tmux          bool     `json:"tmux"`
	Spawn         bool     `json:"spawn"`
	Kill          bool     `json:"kill"`
	ConsoleStream bool     `json:"console_stream"`
	Terminal      bool     `json:"terminal"`
	ListDirectory bool     `json:"list_directory"`
	AllowedRoots  []string `json:"allowed_roots,omitempty"`
}

// ResumeState lets a reconnecting agent tell the server where it left off.
type ResumeState struct {
	LastAckedSeq *uint64 `json:"last_acked_seq,omitempty"`
}

// SessionUpsertPayload carries one or more session upserts.
type SessionUpsertPayload struct {
	Sessions []SessionWire `json:"sessions"`
}

// SessionWire is a Session as it appears on the wire (subset needed for
// upsert; the store fills in server-owned fields like created_at).
type SessionWire struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Provider   string            `json:"provider"`
	Status     string            `json:"status"`
	Title      string            `json:"title,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	RepoRoot   string            `json:"repo_root,omitempty"`
	GitBranch  string            `json:"git_branch,omitempty"`
	GitRemote  string            `json:"git_remote,omitempty"`
	TmuxTarget string            `json:"tmux_target,omitempty"`
	TmuxPaneID string            `json:"tmux_pane_id,omitempty"`
	ForkedFrom string            `json:"forked_from,omitempty"`
	ForkDepth  int               `json:"fork_depth,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// SessionPrunePayload lists session ids the agent no longer tracks (the
// pane closed, the process exited without a DONE transition, etc.).
type SessionPrunePayload struct {
	SessionIDs []string `json:"session_ids"`
}

// SessionSnapshotPayload is one content-addressed capture.
type SessionSnapshotPayload struct {
	SessionID   string `json:"session_id"`
	CaptureHash string `json:"capture_hash"`
	CaptureText string `json:"capture_text"`
}

// EventAppendPayload is one agent-reported event.
type EventAppendPayload struct {
	EventID   string          `json:"event_id,omitempty"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// CommandResultPayload is the agent's reply to commands.dispatch.
type CommandResultPayload struct {
	CmdID     string          `json:"cmd_id"`
	SessionID string          `json:"session_id,omitempty"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ConsoleChunkPayload carries a slice of console output for a subscription.
type ConsoleChunkPayload struct {
	SubscriptionID string `json:"subscription_id"`
	Data           string `json:"data"`
	Seq            uint64 `json:"seq"`
}

// ConsoleSubscribeDispatch is sent server->agent to start (or, on agent
// reconnect, resume) streaming a pane's console output.
type ConsoleSubscribeDispatch struct {
	SubscriptionID string `json:"subscription_id"`
	SessionID      string `json:"session_id"`
	PaneID         string `json:"pane_id"`
}

// ToolEventStartedPayload is the agent's tool.event.started payload.
type ToolEventStartedPayload struct {
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
}

// ToolEventCompletedPayload is the agent's tool.event.completed payload.
type ToolEventCompletedPayload struct {
	EventID    string          `json:"event_id"`
	SessionID  string          `json:"session_id"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`
	Success    bool            `json:"success"`
}

// Server->agent terminal frame types.
const (
	ServerTerminalAttach = "terminal.attach"
	ServerTerminalInput  = "terminal.input"
	ServerTerminalResize = "terminal.resize"
	ServerTerminalCtl    = "terminal.control"
	ServerTerminalDetach = "terminal.detach"
)

// TerminalAttachDispatch tells the agent to start streaming a pane to the
// terminal proxy.
type TerminalAttachDispatch struct {
	SessionID string `json:"session_id"`
	PaneID    string `json:"pane_id"`
}

// TerminalInputDispatch forwards UI keystrokes to the agent's pane.
type TerminalInputDispatch struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// TerminalResizeDispatch forwards a UI resize to the agent's pane.
type TerminalResizeDispatch struct {
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// TerminalControlDispatch forwards an opaque UI control frame.
type TerminalControlDispatch struct {
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TerminalDetachDispatch tells the agent the UI viewer went away.
type TerminalDetachDispatch struct {
	SessionID string `json:"session_id"`
}

// TerminalOutputPayload is the agent's terminal.output frame, forwarded
// verbatim to the UI.
type TerminalOutputPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Encoding  string `json:"encoding,omitempty"`
}

// TerminalStatusPayload is shared by the agent's terminal.{attached,detached,
// error,readonly,control} frames.
type TerminalStatusPayload struct {
	SessionID string          `json:"session_id"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// UsagePayload is shared by provider.usage and session.usage.
type UsagePayload struct {
	SessionID           string `json:"session_id"`
	InputTokens         int64  `json:"input_tokens"`
	OutputTokens        int64  `json:"output_tokens"`
	CacheReadTokens     int64  `json:"cache_read_tokens"`
	CacheCreationTokens int64  `json:"cache_creation_tokens"`
	TotalTokens         int64  `json:"total_tokens"`
}
