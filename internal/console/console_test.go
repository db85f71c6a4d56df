package console

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentcommander/controlplane/internal/bus"
	"github.com/agentcommander/controlplane/internal/model"
	"github.com/agentcommander/controlplane/internal/store"
	"github.com/agentcommander/controlplane/internal/wire"
)

type fakeAgent struct {
	frames []wire.ServerToAgentEnvelope
}

func (f *fakeAgent) Send(data []byte) bool {
	var env wire.ServerToAgentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	f.frames = append(f.frames, env)
	return true
}
func (f *fakeAgent) Disconnect(string) {}

type fakeSub struct {
	messages [][]byte
}

func (f *fakeSub) Send(data []byte) bool {
	f.messages = append(f.messages, data)
	return true
}
func (f *fakeSub) Disconnect(string) {}

func setup(t *testing.T) (*Manager, *bus.Bus, *fakeAgent) {
	t.Helper()
	b := bus.New()
	agent := &fakeAgent{}
	b.RegisterAgent("host-1", agent)

	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:", b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.UpsertHost(ctx, &model.Host{ID: "host-1", Name: "host-1", LastSeen: time.Now().UTC()}); err != nil {
		t.Fatalf("upsert host: %v", err)
	}
	now := time.Now().UTC()
	if err := st.UpsertSession(ctx, &model.Session{
		ID: "sess-1", HostID: "host-1", Kind: model.KindTmuxPane, Provider: model.ProviderShell,
		Status: model.StatusRunning, TmuxPaneID: "%3", CreatedAt: now, UpdatedAt: now, LastActivity: now,
	}); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	return New(st, b), b, agent
}

func TestSubscribe_DispatchesToAgent(t *testing.T) {
	m, _, agent := setup(t)
	subID, err := m.Subscribe(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if subID == "" {
		t.Fatal("expected a subscription id")
	}
	if len(agent.frames) != 1 {
		t.Fatalf("expected one console.subscribe frame, got %d", len(agent.frames))
	}
	if agent.frames[0].Type != wire.ServerConsoleSubscribe {
		t.Fatalf("unexpected frame type %q", agent.frames[0].Type)
	}
}

func TestOnChunk_PublishesToConsoleTopic(t *testing.T) {
	m, b, _ := setup(t)
	subID, err := m.Subscribe(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sub := &fakeSub{}
	b.Subscribe("ui-1", []wire.SubscribeTopic{{Type: wire.TopicConsole, Filter: &wire.TopicFilter{SessionID: "sess-1"}}}, sub)

	m.OnChunk(wire.ConsoleChunkPayload{SubscriptionID: subID, Data: "hello\n", Seq: 1})

	if len(sub.messages) != 1 {
		t.Fatalf("expected one console.chunk delivery, got %d", len(sub.messages))
	}
}

func TestOnChunk_UnknownSubscriptionIsDropped(t *testing.T) {
	m, _, _ := setup(t)
	m.OnChunk(wire.ConsoleChunkPayload{SubscriptionID: "nonexistent", Data: "x", Seq: 1})
}

func TestOnAgentReconnect_ResendsAllSubscriptions(t *testing.T) {
	m, b, agent := setup(t)
	if _, err := m.Subscribe(context.Background(), "sess-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	agent.frames = nil

	b.UnregisterAgent("host-1", agent)
	b.RegisterAgent("host-1", agent)
	m.OnAgentReconnect("host-1")

	if len(agent.frames) != 1 {
		t.Fatalf("expected console.subscribe to be resent once, got %d", len(agent.frames))
	}
}

func TestUnsubscribe_RemovesFromBothIndexes(t *testing.T) {
	m, b, agent := setup(t)
	subID, err := m.Subscribe(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	m.Unsubscribe(subID)

	agent.frames = nil
	b.UnregisterAgent("host-1", agent)
	b.RegisterAgent("host-1", agent)
	m.OnAgentReconnect("host-1")
	if len(agent.frames) != 0 {
		t.Fatalf("expected no resend after unsubscribe, got %d frames", len(agent.frames))
	}
}
