// Package terminalproxy implements the per-UI terminal PTY channel table:
// at most one live terminal viewer per session, a 10-minute idle timeout,
// and verbatim forwarding of agent terminal frames to the attached UI
// socket.
package terminalproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentcommander/controlplane/internal/bus"
	"github.com/agentcommander/controlplane/internal/cperr"
	"github.com/agentcommander/controlplane/internal/ids"
	"github.com/agentcommander/controlplane/internal/store"
	"github.com/agentcommander/controlplane/internal/wire"
)

type channel struct {
	id        string
	sessionID string
	hostID    string
	paneID    string
	uiSink    bus.Sink
	idleTimer *time.Timer
}

// Manager holds the active-channel table: one entry per live terminal
// viewer, indexed by channel id and by session id.
type Manager struct {
	store       *store.Store
	bus         *bus.Bus
	idleTimeout time.Duration

	mu        sync.Mutex
	byID      map[string]*channel
	bySession map[string]*channel
}

// New constructs a Manager. idleTimeout is the inactivity window (default
// 10 minutes, config.TimeoutsConfig.TerminalIdle) after which an unattended
// terminal channel is torn down.
func New(st *store.Store, b *bus.Bus, idleTimeout time.Duration) *Manager {
	return &Manager{
		store:       st,
		bus:         b,
		idleTimeout: idleTimeout,
		byID:        make(map[string]*channel),
		bySession:   make(map[string]*channel),
	}
}

// Attach opens a terminal channel for a session: validates the session has
// a tmux pane and a connected agent, evicts any existing live channel for
// that session, and sends terminal.attach to the agent.
func (m *Manager) Attach(ctx context.Context, sessionID string, uiSink bus.Sink) (string, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", cperr.Wrap(cperr.NotFound, err)
	}
	if sess.TmuxPaneID == "" {
		return "", cperr.New(cperr.BadRequest, "session has no tmux pane")
	}
	if !m.bus.AgentConnected(sess.HostID) {
		return "", cperr.New(cperr.AgentUnavailable, "agent not connected for host "+sess.HostID)
	}

	m.mu.Lock()
	if old, ok := m.bySession[sessionID]; ok {
		m.evictLocked(old, "Replaced by a new terminal viewer")
	}

	ch := &channel{
		id:        ids.NewUUID(),
		sessionID: sessionID,
		hostID:    sess.HostID,
		paneID:    sess.TmuxPaneID,
		uiSink:    uiSink,
	}
	m.byID[ch.id] = ch
	m.bySession[sessionID] = ch
	ch.idleTimer = time.AfterFunc(m.idleTimeout, func() { m.onIdle(ch.id) })
	m.mu.Unlock()

	m.bus.SendToAgent(sess.HostID, wire.ServerTerminalAttach, wire.TerminalAttachDispatch{
		SessionID: sessionID, PaneID: sess.TmuxPaneID,
	})
	return ch.id, nil
}

// evictLocked must be called with m.mu held. It tells the replaced UI it
// was detached and removes the channel without notifying the agent (the
// agent keeps streaming to the same session; the new Attach call re-sends
// terminal.attach for it).
func (m *Manager) evictLocked(ch *channel, reason string) {
	m.sendToUI(ch, wire.TerminalServerFrame{Type: wire.TermDetached, Message: reason})
	ch.uiSink.Disconnect(reason)
	m.removeLocked(ch)
}

func (m *Manager) removeLocked(ch *channel) {
	if ch.idleTimer != nil {
		ch.idleTimer.Stop()
	}
	delete(m.byID, ch.id)
	if m.bySession[ch.sessionID] == ch {
		delete(m.bySession, ch.sessionID)
	}
}

// Input forwards a UI keystroke frame to the owning agent.
func (m *Manager) Input(channelID, data string) error {
	ch, err := m.lookup(channelID)
	if err != nil {
		return err
	}
	m.resetIdle(ch)
	m.bus.SendToAgent(ch.hostID, wire.ServerTerminalInput, wire.TerminalInputDispatch{SessionID: ch.sessionID, Data: data})
	return nil
}

// Resize forwards a UI resize frame to the owning agent.
func (m *Manager) Resize(channelID string, cols, rows int) error {
	ch, err := m.lookup(channelID)
	if err != nil {
		return err
	}
	m.resetIdle(ch)
	m.bus.SendToAgent(ch.hostID, wire.ServerTerminalResize, wire.TerminalResizeDispatch{SessionID: ch.sessionID, Cols: cols, Rows: rows})
	return nil
}

// Control forwards an opaque UI control frame to the owning agent.
func (m *Manager) Control(channelID string, data json.RawMessage) error {
	ch, err := m.lookup(channelID)
	if err != nil {
		return err
	}
	m.resetIdle(ch)
	m.bus.SendToAgent(ch.hostID, wire.ServerTerminalCtl, wire.TerminalControlDispatch{SessionID: ch.sessionID, Data: data})
	return nil
}

// Detach is called when the UI viewer closes the socket (explicit detach
// frame or disconnect): notifies the agent and tears down the channel.
func (m *Manager) Detach(channelID string) {
	m.mu.Lock()
	ch, ok := m.byID[channelID]
	if ok {
		m.removeLocked(ch)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.bus.SendToAgent(ch.hostID, wire.ServerTerminalDetach, wire.TerminalDetachDispatch{SessionID: ch.sessionID})
}

// OnAgentOutput forwards an agent's terminal.output frame verbatim to the
// attached UI. Any send error tears down the channel.
func (m *Manager) OnAgentOutput(p wire.TerminalOutputPayload) {
	ch, ok := m.bySessionChannel(p.SessionID)
	if !ok {
		return
	}
	m.resetIdle(ch)
	if !m.sendToUI(ch, wire.TerminalServerFrame{Type: wire.TermOutput, Data: p.Data, Encoding: p.Encoding}) {
		m.teardown(ch.id)
	}
}

// OnAgentStatus forwards an agent terminal status frame (attached, detached,
// error, readonly, control) to the UI; detached/error additionally tear
// down the channel.
func (m *Manager) OnAgentStatus(msgType wire.AgentMessageType, p wire.TerminalStatusPayload) {
	ch, ok := m.bySessionChannel(p.SessionID)
	if !ok {
		return
	}

	frameType := agentStatusToTerminalFrame(msgType)
	m.sendToUI(ch, wire.TerminalServerFrame{Type: frameType, Message: p.Message})

	if msgType == wire.TerminalDetached || msgType == wire.TerminalError {
		m.teardown(ch.id)
	}
}

func agentStatusToTerminalFrame(msgType wire.AgentMessageType) wire.TerminalMessageType {
	switch msgType {
	case wire.TerminalAttached:
		return wire.TermAttached
	case wire.TerminalDetached:
		return wire.TermDetached
	case wire.TerminalError:
		return wire.TermError
	case wire.TerminalReadonly:
		return wire.TermReadonly
	case wire.TerminalControl:
		return wire.TermControlResp
	default:
		return wire.TermError
	}
}

func (m *Manager) onIdle(channelID string) {
	m.mu.Lock()
	ch, ok := m.byID[channelID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.sendToUI(ch, wire.TerminalServerFrame{Type: wire.TermIdleTimeout})
	m.Detach(channelID)
}

func (m *Manager) resetIdle(ch *channel) {
	if ch.idleTimer != nil {
		ch.idleTimer.Reset(m.idleTimeout)
	}
}

func (m *Manager) teardown(channelID string) {
	m.mu.Lock()
	ch, ok := m.byID[channelID]
	if ok {
		m.removeLocked(ch)
	}
	m.mu.Unlock()
	if ok {
		ch.uiSink.Disconnect("terminal channel closed")
	}
}

func (m *Manager) lookup(channelID string) (*channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.byID[channelID]
	if !ok {
		return nil, fmt.Errorf("no active terminal channel %s", channelID)
	}
	return ch, nil
}

func (m *Manager) bySessionChannel(sessionID string) (*channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.bySession[sessionID]
	return ch, ok
}

func (m *Manager) sendToUI(ch *channel, frame wire.TerminalServerFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	return ch.uiSink.Send(data)
}
