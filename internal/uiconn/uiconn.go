// Package uiconn implements the server side of the UI WebSocket: topic
// subscription management plus the REST-equivalent commands.dispatch and
// approvals.decide frames grouped onto the same socket.
package uiconn

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentcommander/controlplane/internal/approval"
	"github.com/agentcommander/controlplane/internal/bus"
	"github.com/agentcommander/controlplane/internal/cperr"
	"github.com/agentcommander/controlplane/internal/dispatch"
	"github.com/agentcommander/controlplane/internal/ids"
	"github.com/agentcommander/controlplane/internal/logging"
	"github.com/agentcommander/controlplane/internal/store"
	"github.com/agentcommander/controlplane/internal/wire"
)

// conn is the per-UI WebSocket sink.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
}

func newConn(ws *websocket.Conn) *conn {
	c := &conn{ws: ws, send: make(chan []byte, 256)}
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

func (c *conn) Send(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *conn) Disconnect(reason string) {
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason))
	c.ws.Close()
}

// Handler wires the UI WebSocket endpoint to the bus, dispatcher, and
// approval manager.
type Handler struct {
	store      *store.Store
	bus        *bus.Bus
	dispatcher *dispatch.Dispatcher
	approvals  *approval.Manager
	upgrader   websocket.Upgrader
}

// New constructs a Handler.
func New(st *store.Store, b *bus.Bus, d *dispatch.Dispatcher, a *approval.Manager) *Handler {
	return &Handler{store: st, bus: b, dispatcher: d, approvals: a, upgrader: websocket.Upgrader{}}
}

// ServeHTTP upgrades the connection and runs it until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WithComponent("uiconn").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.run(ws)
}

func (h *Handler) run(ws *websocket.Conn) {
	c := newConn(ws)
	log := logging.WithComponent("uiconn")

	var subIDs []string
	defer func() {
		for _, id := range subIDs {
			h.bus.UnsubscribeAll(id)
		}
		close(c.send)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var env wire.UIEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("malformed UI frame")
			continue
		}

		switch env.Type {
		case wire.UISubscribe:
			var p wire.SubscribePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				log.Warn().Err(err).Msg("malformed ui.subscribe")
				continue
			}
			// One subscriber id is generated per ui.subscribe frame, scoped
			// to that frame's topics.
			id := ids.NewUUID()
			h.bus.Subscribe(id, p.Topics, c)
			subIDs = append(subIDs, id)

		case wire.UIUnsubscribe:
			var p wire.UnsubscribePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				log.Warn().Err(err).Msg("malformed ui.unsubscribe")
				continue
			}
			for _, id := range subIDs {
				h.bus.Unsubscribe(id, p.Topics)
			}

		case wire.UICommand:
			h.handleCommand(c, env.Payload)

		case wire.UIDecision:
			h.handleDecision(c, env.Payload)

		default:
			log.Warn().Str("type", string(env.Type)).Msg("unknown UI frame type")
		}
	}
}

func (h *Handler) handleCommand(c *conn, raw json.RawMessage) {
	var p wire.UICommandPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.Send(mustUIEnvelope(wire.CommandAck, wire.UIAckPayload{OK: false, Error: err.Error()}))
		return
	}

	var req wire.CommandRequest
	if err := json.Unmarshal(p.Command, &req); err != nil {
		c.Send(mustUIEnvelope(wire.CommandAck, wire.UIAckPayload{OK: false, Error: err.Error()}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	sess, err := h.store.GetSession(ctx, p.SessionID)
	if err != nil {
		c.Send(mustUIEnvelope(wire.CommandAck, wire.UIAckPayload{OK: false, Error: err.Error()}))
		return
	}

	res, err := h.dispatcher.Dispatch(ctx, sess.HostID, p.SessionID, req)
	ack := wire.UIAckPayload{OK: err == nil}
	if res != nil {
		ack.Error = res.Error
	}
	if err != nil && ack.Error == "" {
		ack.Error = err.Error()
	}
	c.Send(mustUIEnvelope(wire.CommandAck, ack))
}

func (h *Handler) handleDecision(c *conn, raw json.RawMessage) {
	var p wire.UIDecisionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.Send(mustUIEnvelope(wire.DecisionAck, wire.UIAckPayload{OK: false, Error: err.Error()}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.approvals.Decide(ctx, p.ApprovalID, wire.ApprovalDecisionRequest{
		Decision: p.Decision, Mode: p.Mode, Payload: p.Payload,
	})
	ack := wire.UIAckPayload{ApprovalID: p.ApprovalID, OK: err == nil}
	if err != nil {
		if ce, ok := cperr.As(err); ok {
			ack.Error = ce.Message
		} else {
			ack.Error = err.Error()
		}
	}
	c.Send(mustUIEnvelope(wire.DecisionAck, ack))
}

func mustUIEnvelope(msgType wire.UIMessageType, payload interface{}) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	data, err := json.Marshal(wire.UIEnvelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil
	}
	return data
}
