// Package agentconn implements the server side of the Agent Session
// socket: the WebSocket handler that authenticates an agent, runs the
// agent.hello handshake, and dispatches every agent->server frame type to
// the right store mutation or manager. A dedicated conn{ws, send chan
// []byte} struct plus a writer goroutine keeps writes single-threaded per
// socket.
package agentconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentcommander/controlplane/internal/approval"
	"github.com/agentcommander/controlplane/internal/bus"
	"github.com/agentcommander/controlplane/internal/console"
	"github.com/agentcommander/controlplane/internal/dispatch"
	"github.com/agentcommander/controlplane/internal/ids"
	"github.com/agentcommander/controlplane/internal/logging"
	"github.com/agentcommander/controlplane/internal/model"
	"github.com/agentcommander/controlplane/internal/store"
	"github.com/agentcommander/controlplane/internal/terminalproxy"
	"github.com/agentcommander/controlplane/internal/wire"
)

// conn is the per-agent WebSocket sink: a buffered outbound channel drained
// by a dedicated writer goroutine, keeping writes single-threaded per socket.
type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hostID string

	// lastProcessedSeq is the highest agent frame seq this connection has
	// actually mutated state for. Set from the agent's resume state (or the
	// host's persisted last_acked_seq) in handleHello, and advanced in
	// dispatchFrame. Only ever touched from the single read-loop goroutine
	// that owns this conn, so it needs no lock.
	lastProcessedSeq uint64
}

func newConn(ws *websocket.Conn, hostID string) *conn {
	c := &conn{ws: ws, send: make(chan []byte, 256), hostID: hostID}
	go c.writePump()
	return c
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Send enqueues data non-blocking; returns false (and drops the frame) if
// the outbound queue is full, per bus.Sink's contract.
func (c *conn) Send(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Disconnect closes the underlying socket with the given close reason.
func (c *conn) Disconnect(reason string) {
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason))
	c.ws.Close()
}

func (c *conn) closeWithCode(code int, reason string) {
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.ws.Close()
}

// Handler wires the agent WebSocket endpoint to the control plane's stores
// and managers.
type Handler struct {
	store      *store.Store
	bus        *bus.Bus
	dispatcher *dispatch.Dispatcher
	approvals  *approval.Manager
	console    *console.Manager
	terminal   *terminalproxy.Manager
	upgrader   websocket.Upgrader
}

// New constructs a Handler.
func New(st *store.Store, b *bus.Bus, d *dispatch.Dispatcher, am *approval.Manager, c *console.Manager, t *terminalproxy.Manager) *Handler {
	return &Handler{
		store:      st,
		bus:        b,
		dispatcher: d,
		approvals:  am,
		console:    c,
		terminal:   t,
		upgrader:   websocket.Upgrader{},
	}
}

// ServeHTTP authenticates the bearer token, upgrades to a WebSocket, and
// runs the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r)
	if token == "" {
		http.Error(w, "missing agent token", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	hostID, err := h.store.ResolveAgentToken(ctx, token)
	if err != nil {
		http.Error(w, "invalid agent token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WithComponent("agentconn").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.run(hostID, ws)
}

func extractBearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// run drives the agent.hello handshake and then the read loop until the
// socket closes.
func (h *Handler) run(hostID string, ws *websocket.Conn) {
	c := newConn(ws, hostID)
	log := logging.WithComponent("agentconn")

	defer func() {
		h.bus.UnregisterAgent(hostID, c)
		close(c.send)
		log.Info().Str("host_id", hostID).Msg("agent disconnected")
	}()

	var helloed bool
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var env wire.AgentEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("malformed agent frame")
			continue
		}

		if !helloed {
			if env.Type != wire.AgentHello {
				c.closeWithCode(wire.AgentCloseInvalidAuth, "agent.hello required as first frame")
				return
			}
			if err := h.handleHello(hostID, c, env); err != nil {
				log.Error().Err(err).Str("host_id", hostID).Msg("agent.hello failed")
				c.closeWithCode(wire.AgentCloseInvalidAuth, err.Error())
				return
			}
			helloed = true
			continue
		}

		h.dispatchFrame(hostID, c, env)
	}
}

// handleHello upserts the host, registers it with the bus, computes the
// resume seq, and replays pending console subscriptions.
func (h *Handler) handleHello(hostID string, c *conn, env wire.AgentEnvelope) error {
	var payload wire.HelloPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal agent.hello: %w", err)
	}

	ctx := context.Background()
	host := &model.Host{
		ID:           hostID,
		Name:         payload.Host.Name,
		NetworkName:  payload.Host.NetworkName,
		NetworkIP:    payload.Host.NetworkIP,
		AgentVersion: payload.Host.AgentVersion,
		LastSeen:     time.Now().UTC(),
		Capabilities: model.Capabilities{
			Tmux:          payload.Host.Capabilities.Tmux,
			Spawn:         payload.Host.Capabilities.Spawn,
			Kill:          payload.Host.Capabilities.Kill,
			ConsoleStream: payload.Host.Capabilities.ConsoleStream,
			Terminal:      payload.Host.Capabilities.Terminal,
			ListDirectory: payload.Host.Capabilities.ListDirectory,
			AllowedRoots:  payload.Host.Capabilities.AllowedRoots,
		},
	}
	if err := h.store.UpsertHost(ctx, host); err != nil {
		return fmt.Errorf("upsert host: %w", err)
	}

	existing, err := h.store.GetHost(ctx, hostID)
	if err != nil {
		return fmt.Errorf("reload host: %w", err)
	}

	lastProcessedSeq := existing.LastAckedSeq
	if payload.Resume.LastAckedSeq != nil && *payload.Resume.LastAckedSeq > lastProcessedSeq {
		lastProcessedSeq = *payload.Resume.LastAckedSeq
	}
	c.lastProcessedSeq = lastProcessedSeq

	h.bus.RegisterAgent(hostID, c)
	h.console.OnAgentReconnect(hostID)

	c.Send(mustEnvelope(wire.AckPayload{AckSeq: env.Seq, Status: wire.AckOK}))
	return nil
}

// dispatchFrame routes one post-handshake agent frame to its handler, acking
// success or failure. A frame whose seq has already been processed (a
// reconnecting agent replaying its unacked tail) is re-acked without being
// dispatched again, so a replayed events.append/sessions.upsert/etc. never
// mutates state twice.
func (h *Handler) dispatchFrame(hostID string, c *conn, env wire.AgentEnvelope) {
	ctx := context.Background()
	log := logging.WithComponent("agentconn")

	if env.Seq != 0 && env.Seq <= c.lastProcessedSeq {
		c.Send(mustEnvelope(wire.AckPayload{AckSeq: env.Seq, Status: wire.AckOK}))
		return
	}

	ack := func(err error) {
		if err != nil {
			log.Warn().Err(err).Str("host_id", hostID).Str("type", string(env.Type)).Msg("frame handling failed")
			c.Send(mustEnvelope(wire.AckPayload{AckSeq: env.Seq, Status: wire.AckError, Error: err.Error()}))
			return
		}
		c.lastProcessedSeq = env.Seq
		_ = h.store.UpdateLastAckedSeq(ctx, hostID, env.Seq)
		c.Send(mustEnvelope(wire.AckPayload{AckSeq: env.Seq, Status: wire.AckOK}))
	}

	switch {
	case env.Type == wire.SessionsUpsert:
		ack(h.handleSessionsUpsert(ctx, hostID, env.Payload))
	case env.Type == wire.SessionsPrune:
		ack(h.handleSessionsPrune(ctx, env.Payload))
	case env.Type == wire.SessionsSnapshot:
		ack(h.handleSnapshot(ctx, env.Payload))
	case env.Type == wire.EventsAppend:
		ack(h.handleEventAppend(ctx, env.Payload))
	case env.Type == wire.CommandsResult:
		ack(h.handleCommandResult(env.Payload))
	case env.Type == wire.ConsoleChunk:
		ack(h.handleConsoleChunk(env.Payload))
	case env.Type == wire.TerminalOutput:
		ack(h.handleTerminalOutput(env.Payload))
	case isTerminalStatus(env.Type):
		ack(h.handleTerminalStatus(env.Type, env.Payload))
	case env.Type == wire.ToolEventStarted:
		ack(h.handleToolEventStarted(ctx, env.Payload))
	case env.Type == wire.ToolEventCompleted:
		ack(h.handleToolEventCompleted(ctx, env.Payload))
	case env.Type == wire.ProviderUsage || env.Type == wire.SessionUsage:
		ack(h.handleUsage(ctx, env.Payload))
	case isMCPEvent(env.Type):
		ack(h.handleGenericEvent(ctx, string(env.Type), env.Payload))
	default:
		ack(fmt.Errorf("unknown agent message type %q", env.Type))
	}
}

func isTerminalStatus(t wire.AgentMessageType) bool {
	switch t {
	case wire.TerminalAttached, wire.TerminalDetached, wire.TerminalError, wire.TerminalReadonly, wire.TerminalControl:
		return true
	}
	return false
}

// isMCPEvent reports whether t is one of the mcp.*-prefixed frame types the
// dispatch table names without a more specific contract; these are recorded
// as generic events.
func isMCPEvent(t wire.AgentMessageType) bool {
	s := string(t)
	return len(s) > 4 && s[:4] == "mcp."
}

func (h *Handler) handleSessionsUpsert(ctx context.Context, hostID string, raw json.RawMessage) error {
	var p wire.SessionUpsertPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal sessions.upsert: %w", err)
	}
	now := time.Now().UTC()
	for _, sw := range p.Sessions {
		sess := &model.Session{
			ID: sw.ID, HostID: hostID, Kind: model.SessionKind(sw.Kind), Provider: model.Provider(sw.Provider),
			Status: model.Status(sw.Status), Title: sw.Title, Cwd: sw.Cwd, RepoRoot: sw.RepoRoot,
			GitBranch: sw.GitBranch, GitRemote: sw.GitRemote, TmuxTarget: sw.TmuxTarget,
			TmuxPaneID: sw.TmuxPaneID, ForkDepth: sw.ForkDepth, CreatedAt: now, UpdatedAt: now,
			LastActivity: now,
		}
		if sw.ForkedFrom != "" {
			sess.ForkedFrom = &sw.ForkedFrom
		}
		if err := h.store.UpsertSession(ctx, sess); err != nil {
			return fmt.Errorf("upsert session %s: %w", sw.ID, err)
		}
	}
	return nil
}

// handleSessionsPrune archives every session id the agent no longer tracks
// (wire.SessionPrunePayload's doc comment: pane closed, process exited
// without a DONE transition, etc.).
func (h *Handler) handleSessionsPrune(ctx context.Context, raw json.RawMessage) error {
	var p wire.SessionPrunePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal sessions.prune: %w", err)
	}
	for _, id := range p.SessionIDs {
		if err := h.store.ArchiveSession(ctx, id); err != nil {
			return fmt.Errorf("archive pruned session %s: %w", id, err)
		}
	}
	return nil
}

func (h *Handler) handleSnapshot(ctx context.Context, raw json.RawMessage) error {
	var p wire.SessionSnapshotPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal sessions.snapshot: %w", err)
	}
	return h.store.InsertSnapshot(ctx, &model.Snapshot{
		SessionID: p.SessionID, CreatedAt: time.Now().UTC(),
		CaptureHash: p.CaptureHash, CaptureText: p.CaptureText,
	})
}

// handleEventAppend persists the raw event and, for an approval.requested
// event, also creates the pending Approval and publishes approvals.created
// before the event is persisted.
func (h *Handler) handleEventAppend(ctx context.Context, raw json.RawMessage) error {
	var p wire.EventAppendPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal events.append: %w", err)
	}

	if p.Type == "approval.requested" {
		var reqPayload approval.ApprovalRequestedPayload
		if err := json.Unmarshal(p.Payload, &reqPayload); err != nil {
			return fmt.Errorf("unmarshal approval.requested: %w", err)
		}
		sess, err := h.store.GetSession(ctx, p.SessionID)
		if err != nil {
			return fmt.Errorf("load session for approval.requested: %w", err)
		}
		if _, err := h.approvals.Create(ctx, p.SessionID, sess.Provider, reqPayload); err != nil {
			return fmt.Errorf("create approval from event: %w", err)
		}
	}

	_, err := h.store.AppendEvent(ctx, &model.Event{
		EventID: p.EventID, SessionID: p.SessionID, Ts: time.Now().UTC(),
		Type: p.Type, Payload: p.Payload,
	})
	return err
}

func (h *Handler) handleGenericEvent(ctx context.Context, msgType string, raw json.RawMessage) error {
	var p wire.EventAppendPayload
	if err := json.Unmarshal(raw, &p); err == nil && p.SessionID != "" {
		_, err := h.store.AppendEvent(ctx, &model.Event{
			EventID: p.EventID, SessionID: p.SessionID, Ts: time.Now().UTC(),
			Type: msgType, Payload: raw,
		})
		return err
	}
	_, err := h.store.AppendEvent(ctx, &model.Event{
		SessionID: model.NullTmuxPaneSessionID, Ts: time.Now().UTC(),
		Type: msgType, Payload: raw,
	})
	return err
}

func (h *Handler) handleCommandResult(raw json.RawMessage) error {
	var p wire.CommandResultPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal commands.result: %w", err)
	}
	h.dispatcher.Resolve(p)
	return nil
}

func (h *Handler) handleConsoleChunk(raw json.RawMessage) error {
	var p wire.ConsoleChunkPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal console.chunk: %w", err)
	}
	h.console.OnChunk(p)
	return nil
}

func (h *Handler) handleTerminalOutput(raw json.RawMessage) error {
	var p wire.TerminalOutputPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal terminal.output: %w", err)
	}
	h.terminal.OnAgentOutput(p)
	return nil
}

func (h *Handler) handleTerminalStatus(msgType wire.AgentMessageType, raw json.RawMessage) error {
	var p wire.TerminalStatusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal %s: %w", msgType, err)
	}
	h.terminal.OnAgentStatus(msgType, p)
	return nil
}

func (h *Handler) handleToolEventStarted(ctx context.Context, raw json.RawMessage) error {
	var p wire.ToolEventStartedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal tool.event.started: %w", err)
	}
	sess, err := h.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return fmt.Errorf("load session for tool event: %w", err)
	}
	id := p.EventID
	if id == "" {
		id = ids.NewUUID()
	}
	return h.store.StartToolEvent(ctx, &model.ToolEvent{
		ID: id, SessionID: p.SessionID, Provider: sess.Provider,
		ToolName: p.ToolName, ToolInput: p.ToolInput, StartedAt: time.Now().UTC(),
	})
}

func (h *Handler) handleToolEventCompleted(ctx context.Context, raw json.RawMessage) error {
	var p wire.ToolEventCompletedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal tool.event.completed: %w", err)
	}
	return h.store.CompleteToolEvent(ctx, p.EventID, p.ToolOutput, p.Success, time.Now().UTC())
}

func (h *Handler) handleUsage(ctx context.Context, raw json.RawMessage) error {
	var p wire.UsagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal usage payload: %w", err)
	}
	sess, err := h.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return fmt.Errorf("load session for usage: %w", err)
	}
	return h.store.RecordProviderUsage(ctx, &model.ProviderUsage{
		SessionID: p.SessionID, Provider: sess.Provider,
		InputTokens: p.InputTokens, OutputTokens: p.OutputTokens,
		CacheReadTokens: p.CacheReadTokens, CacheCreationTokens: p.CacheCreationTokens,
		TotalTokens: p.TotalTokens, RecordedAt: time.Now().UTC(),
	})
}

func mustEnvelope(payload interface{}) []byte {
	data, err := json.Marshal(struct {
		V       int         `json:"v"`
		Ts      time.Time   `json:"ts"`
		Type    string      `json:"type"`
		Payload interface{} `json:"payload"`
	}{V: 1, Ts: time.Now().UTC(), Type: wire.ServerAgentAck, Payload: payload})
	if err != nil {
		return nil
	}
	return data
}
