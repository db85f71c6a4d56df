package uiconn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentcommander/controlplane/internal/approval"
	"github.com/agentcommander/controlplane/internal/bus"
	"github.com/agentcommander/controlplane/internal/dispatch"
	"github.com/agentcommander/controlplane/internal/model"
	"github.com/agentcommander/controlplane/internal/store"
	"github.com/agentcommander/controlplane/internal/wire"
)

func setupEnv(t *testing.T) (*httptest.Server, *store.Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	st, err := store.Open(context.Background(), ":memory:", b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	d := dispatch.New(b, time.Second, time.Second)
	am := approval.New(st, b, d)
	h := New(st, b, d, am)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(srv.Close)
	return srv, st, b
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendUI(t *testing.T, conn *websocket.Conn, msgType wire.UIMessageType, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(wire.UIEnvelope{Type: msgType, Payload: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readUI(t *testing.T, conn *websocket.Conn) wire.UIEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env wire.UIEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func TestSubscribe_ReceivesMatchingBroadcast(t *testing.T) {
	srv, _, b := setupEnv(t)
	conn := dial(t, srv)
	defer conn.Close()

	sendUI(t, conn, wire.UISubscribe, wire.SubscribePayload{
		Topics: []wire.SubscribeTopic{{Type: wire.TopicSessions}},
	})

	deadline := time.After(time.Second)
	for b.SubscriberCount(wire.TopicSessions) == 0 {
		select {
		case <-deadline:
			t.Fatal("subscription never registered")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	b.Publish(wire.TopicSessions, bus.Attrs{}, wire.SessionsChanged, wire.SessionsChangedPayload{})
	env := readUI(t, conn)
	if env.Type != wire.SessionsChanged {
		t.Fatalf("expected sessions.changed, got %q", env.Type)
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	srv, _, b := setupEnv(t)
	conn := dial(t, srv)
	defer conn.Close()

	sendUI(t, conn, wire.UISubscribe, wire.SubscribePayload{
		Topics: []wire.SubscribeTopic{{Type: wire.TopicSessions}},
	})
	deadline := time.After(time.Second)
	for b.SubscriberCount(wire.TopicSessions) == 0 {
		select {
		case <-deadline:
			t.Fatal("subscription never registered")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	sendUI(t, conn, wire.UIUnsubscribe, wire.UnsubscribePayload{Topics: []wire.TopicKind{wire.TopicSessions}})

	deadline = time.After(time.Second)
	for b.SubscriberCount(wire.TopicSessions) != 0 {
		select {
		case <-deadline:
			t.Fatal("unsubscribe never took effect")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestCommand_AgentUnavailableAcksError(t *testing.T) {
	srv, st, _ := setupEnv(t)
	conn := dial(t, srv)
	defer conn.Close()

	now := time.Now().UTC()
	if err := st.UpsertHost(context.Background(), &model.Host{ID: "host-1", Name: "host-1", LastSeen: now}); err != nil {
		t.Fatalf("upsert host: %v", err)
	}
	if err := st.UpsertSession(context.Background(), &model.Session{
		ID: "sess-1", HostID: "host-1", Kind: model.KindTmuxPane, Provider: model.ProviderShell,
		Status: model.StatusRunning, CreatedAt: now, UpdatedAt: now, LastActivity: now,
	}); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	cmd, _ := json.Marshal(wire.CommandRequest{Type: "send_input"})
	sendUI(t, conn, wire.UICommand, wire.UICommandPayload{SessionID: "sess-1", Command: cmd})

	env := readUI(t, conn)
	if env.Type != wire.CommandAck {
		t.Fatalf("expected commands.ack, got %q", env.Type)
	}
	var ack wire.UIAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.OK {
		t.Fatal("expected ack failure when agent is not connected")
	}
}
