package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/agentcommander/controlplane/internal/wire"
)

// wsClient is a minimal UI WebSocket client carrying only what the
// ranking engine needs: connect, subscribe, read.
type wsClient struct {
	url   string
	token string
	conn  *websocket.Conn
}

func newWSClient(url, token string) *wsClient {
	return &wsClient{url: url, token: token}
}

type connectedMsg struct{}
type disconnectedMsg struct{ err error }
type sessionsChangedMsg struct{ payload wire.SessionsChangedPayload }
type approvalsCreatedMsg struct{ payload wire.ApprovalPayload }
type approvalsUpdatedMsg struct{ id string }
type snapshotsUpdatedMsg struct{ payload wire.SnapshotsUpdatedPayload }

// connect dials the UI socket and subscribes to the topics the orchestrator
// ranking engine consumes.
func (c *wsClient) connect(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		url := c.url
		if c.token != "" {
			url += "?token=" + c.token
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return disconnectedMsg{err: err}
		}
		c.conn = conn

		sub := wire.SubscribePayload{Topics: []wire.SubscribeTopic{
			{Type: wire.TopicSessions},
			{Type: wire.TopicApprovals},
			{Type: wire.TopicSnapshots},
		}}
		if err := c.send(wire.UISubscribe, sub); err != nil {
			conn.Close()
			return disconnectedMsg{err: err}
		}
		return connectedMsg{}
	}
}

func (c *wsClient) send(msgType wire.UIMessageType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env, err := json.Marshal(wire.UIEnvelope{Type: msgType, Payload: raw})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, env)
}

// readLoop returns a command that blocks for the next frame and translates
// it into a tea.Msg. The model re-issues readLoop after each message. A
// frame that does not decode or has an unhandled type is skipped and the
// following frame is read instead.
func (c *wsClient) readLoop() tea.Cmd {
	return func() tea.Msg {
		if c.conn == nil {
			return disconnectedMsg{err: fmt.Errorf("not connected")}
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return disconnectedMsg{err: err}
		}

		var env wire.UIEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return c.readLoop()()
		}

		switch env.Type {
		case wire.SessionsChanged:
			var p wire.SessionsChangedPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return c.readLoop()()
			}
			return sessionsChangedMsg{payload: p}
		case wire.ApprovalsCreated:
			var p wire.ApprovalPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return c.readLoop()()
			}
			return approvalsCreatedMsg{payload: p}
		case wire.ApprovalsUpdated:
			var p wire.ApprovalPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return c.readLoop()()
			}
			return approvalsUpdatedMsg{id: p.ID}
		case wire.SnapshotsUpdated:
			var p wire.SnapshotsUpdatedPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return c.readLoop()()
			}
			return snapshotsUpdatedMsg{payload: p}
		default:
			return c.readLoop()()
		}
	}
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type tickMsg time.Time
