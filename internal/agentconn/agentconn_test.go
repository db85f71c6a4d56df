package agentconn

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
	"github.com/agentcommander/controlplane/internal/console"
	"github.com/agentcommander/controlplane/internal/dispatch"
	"github.com/agentcommander/controlplane/internal/model"
	"github.com/agentcommander/controlplane/internal/store"
	"github.com/agentcommander/controlplane/internal/terminalproxy"
	"github.com/agentcommander/controlplane/internal/wire"
)

type testEnv struct {
	srv   *httptest.Server
	store *store.Store
	bus   *bus.Bus
	token string
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	b := bus.New()
	st, err := store.Open(context.Background(), ":memory:", b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.UpsertHost(context.Background(), &model.Host{ID: "host-1", Name: "host-1", LastSeen: time.Now().UTC()}); err != nil {
		t.Fatalf("upsert host: %v", err)
	}
	raw, _, err := st.IssueAgentToken(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	d := dispatch.New(b, time.Second, time.Second)
	am := approval.New(st, b, d)
	c := console.New(st, b)
	tp := terminalproxy.New(st, b, time.Minute)
	h := New(st, b, d, am, c, tp)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, bus: b, token: raw}
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, seq uint64, msgType wire.AgentMessageType, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := wire.AgentEnvelope{V: 1, Ts: time.Now().UTC(), Seq: seq, Type: msgType, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readAck(t *testing.T, conn *websocket.Conn) wire.AckPayload {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var env struct {
		Type    string          `json:"type"`
		Payload wire.AckPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return env.Payload
}

func TestHandshake_RejectsMissingToken(t *testing.T) {
	env := setupEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHandshake_HelloRegistersHostAndAcks(t *testing.T) {
	env := setupEnv(t)
	conn := dial(t, env.srv, env.token)
	defer conn.Close()

	sendFrame(t, conn, 1, wire.AgentHello, wire.HelloPayload{
		Host: wire.HelloHost{ID: "host-1", Name: "dev-box"},
	})

	ack := readAck(t, conn)
	if ack.Status != wire.AckOK {
		t.Fatalf("expected ok ack for agent.hello, got %+v", ack)
	}

	deadline := time.After(time.Second)
	for !env.bus.AgentConnected("host-1") {
		select {
		case <-deadline:
			t.Fatal("agent never registered with the bus")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestSessionsUpsert_PersistsSession(t *testing.T) {
	env := setupEnv(t)
	conn := dial(t, env.srv, env.token)
	defer conn.Close()

	sendFrame(t, conn, 1, wire.AgentHello, wire.HelloPayload{Host: wire.HelloHost{ID: "host-1", Name: "dev-box"}})
	readAck(t, conn)

	sendFrame(t, conn, 2, wire.SessionsUpsert, wire.SessionUpsertPayload{
		Sessions: []wire.SessionWire{{ID: "sess-1", Kind: "tmux_pane", Provider: "shell", Status: "RUNNING"}},
	})
	ack := readAck(t, conn)
	if ack.Status != wire.AckOK {
		t.Fatalf("expected ok ack for sessions.upsert, got %+v", ack)
	}

	sess, err := env.store.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("expected session to be persisted: %v", err)
	}
	if sess.Status != model.StatusRunning {
		t.Fatalf("unexpected status %q", sess.Status)
	}
}

func TestUnknownMessageType_AcksError(t *testing.T) {
	env := setupEnv(t)
	conn := dial(t, env.srv, env.token)
	defer conn.Close()

	sendFrame(t, conn, 1, wire.AgentHello, wire.HelloPayload{Host: wire.HelloHost{ID: "host-1", Name: "dev-box"}})
	readAck(t, conn)

	sendFrame(t, conn, 2, wire.AgentMessageType("bogus.frame"), map[string]string{})
	ack := readAck(t, conn)
	if ack.Status != wire.AckError {
		t.Fatalf("expected error ack for unknown type, got %+v", ack)
	}
}

func TestSessionsPrune_ArchivesSessions(t *testing.T) {
	env := setupEnv(t)
	conn := dial(t, env.srv, env.token)
	defer conn.Close()

	sendFrame(t, conn, 1, wire.AgentHello, wire.HelloPayload{Host: wire.HelloHost{ID: "host-1", Name: "dev-box"}})
	readAck(t, conn)

	sendFrame(t, conn, 2, wire.SessionsUpsert, wire.SessionUpsertPayload{
		Sessions: []wire.SessionWire{{ID: "sess-2", Kind: "tmux_pane", Provider: "shell", Status: "RUNNING"}},
	})
	readAck(t, conn)

	sendFrame(t, conn, 3, wire.SessionsPrune, wire.SessionPrunePayload{SessionIDs: []string{"sess-2"}})
	ack := readAck(t, conn)
	if ack.Status != wire.AckOK {
		t.Fatalf("expected ok ack for sessions.prune, got %+v", ack)
	}

	sess, err := env.store.GetSession(context.Background(), "sess-2")
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if !sess.IsArchived() {
		t.Fatal("expected pruned session to be archived")
	}
}

func TestEventAppend_ApprovalRequestedCreatesApproval(t *testing.T) {
	env := setupEnv(t)
	conn := dial(t, env.srv, env.token)
	defer conn.Close()

	sendFrame(t, conn, 1, wire.AgentHello, wire.HelloPayload{Host: wire.HelloHost{ID: "host-1", Name: "dev-box"}})
	readAck(t, conn)

	sendFrame(t, conn, 2, wire.SessionsUpsert, wire.SessionUpsertPayload{
		Sessions: []wire.SessionWire{{ID: "sess-3", Kind: "tmux_pane", Provider: "claude_code", Status: "WAITING_FOR_APPROVAL"}},
	})
	readAck(t, conn)

	reqPayload, _ := json.Marshal(approval.ApprovalRequestedPayload{
		ApprovalType: model.ApprovalBinary,
		Payload:      json.RawMessage(`{"command":"rm -rf /tmp/x"}`),
	})
	sendFrame(t, conn, 3, wire.EventsAppend, wire.EventAppendPayload{
		SessionID: "sess-3", Type: "approval.requested", Payload: reqPayload,
	})
	ack := readAck(t, conn)
	if ack.Status != wire.AckOK {
		t.Fatalf("expected ok ack for events.append, got %+v", ack)
	}

	pending, err := env.store.GetPendingApprovals(context.Background(), "sess-3")
	if err != nil {
		t.Fatalf("get pending approvals: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending approval, got %d", len(pending))
	}
	if pending[0].Provider != model.ProviderClaudeCode {
		t.Fatalf("expected approval to carry the session's provider, got %q", pending[0].Provider)
	}

	events, err := env.store.GetEvents(context.Background(), "sess-3", 10)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "approval.requested" {
		t.Fatalf("expected the raw approval.requested event to also be persisted, got %+v", events)
	}
}

func TestDispatchFrame_ReplayedSeqIsNotReprocessed(t *testing.T) {
	env := setupEnv(t)
	conn := dial(t, env.srv, env.token)
	defer conn.Close()

	sendFrame(t, conn, 1, wire.AgentHello, wire.HelloPayload{Host: wire.HelloHost{ID: "host-1", Name: "dev-box"}})
	readAck(t, conn)

	sendFrame(t, conn, 2, wire.SessionsUpsert, wire.SessionUpsertPayload{
		Sessions: []wire.SessionWire{{ID: "sess-4", Kind: "tmux_pane", Provider: "shell", Status: "RUNNING"}},
	})
	readAck(t, conn)

	sendFrame(t, conn, 3, wire.SessionsPrune, wire.SessionPrunePayload{SessionIDs: []string{"sess-4"}})
	readAck(t, conn)

	// Re-send seq 3 as if the agent reconnected and replayed its unacked
	// tail: it must be re-acked without re-running sessions.prune. sess-4 is
	// unarchived first, so a re-run prune would show up as a re-archive.
	if err := env.store.UnarchiveSession(context.Background(), "sess-4"); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	sendFrame(t, conn, 3, wire.SessionsPrune, wire.SessionPrunePayload{SessionIDs: []string{"sess-4"}})
	ack := readAck(t, conn)
	if ack.Status != wire.AckOK {
		t.Fatalf("expected ok ack for replayed seq, got %+v", ack)
	}

	sess, err := env.store.GetSession(context.Background(), "sess-4")
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.IsArchived() {
		t.Fatal("expected replayed seq to be a no-op, not re-archive the session")
	}
}
