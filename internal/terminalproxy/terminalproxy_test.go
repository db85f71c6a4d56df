package terminalproxy

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

type fakeUI struct {
	frames       []wire.TerminalServerFrame
	disconnected string
}

func (f *fakeUI) Send(data []byte) bool {
	var frame wire.TerminalServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}
func (f *fakeUI) Disconnect(reason string) { f.disconnected = reason }

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
	if err := st.UpsertSession(ctx, &model.Session{
		ID: "sess-nopane", HostID: "host-1", Kind: model.KindTmuxPane, Provider: model.ProviderShell,
		Status: model.StatusRunning, CreatedAt: now, UpdatedAt: now, LastActivity: now,
	}); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	return New(st, b, time.Hour), b, agent
}

func TestAttach_SendsTerminalAttach(t *testing.T) {
	m, _, agent := setup(t)
	ui := &fakeUI{}
	chID, err := m.Attach(context.Background(), "sess-1", ui)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if chID == "" {
		t.Fatal("expected a channel id")
	}
	if len(agent.frames) != 1 || agent.frames[0].Type != wire.ServerTerminalAttach {
		t.Fatalf("expected one terminal.attach frame, got %+v", agent.frames)
	}
}

func TestAttach_NoPaneFails(t *testing.T) {
	m, _, _ := setup(t)
	ui := &fakeUI{}
	if _, err := m.Attach(context.Background(), "sess-nopane", ui); err == nil {
		t.Fatal("expected error for session without a tmux pane")
	}
}

func TestAttach_EvictsPriorChannel(t *testing.T) {
	m, _, agent := setup(t)
	oldUI := &fakeUI{}
	if _, err := m.Attach(context.Background(), "sess-1", oldUI); err != nil {
		t.Fatalf("attach: %v", err)
	}

	newUI := &fakeUI{}
	if _, err := m.Attach(context.Background(), "sess-1", newUI); err != nil {
		t.Fatalf("second attach: %v", err)
	}

	if oldUI.disconnected == "" {
		t.Fatal("expected old UI to be disconnected")
	}
	if len(oldUI.frames) != 1 || oldUI.frames[0].Type != wire.TermDetached {
		t.Fatalf("expected old UI to get a detached frame, got %+v", oldUI.frames)
	}
	if len(agent.frames) != 2 {
		t.Fatalf("expected two terminal.attach frames (one per Attach call), got %d", len(agent.frames))
	}
}

func TestInput_ForwardsToAgent(t *testing.T) {
	m, _, agent := setup(t)
	ui := &fakeUI{}
	chID, err := m.Attach(context.Background(), "sess-1", ui)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	agent.frames = nil

	if err := m.Input(chID, "ls\n"); err != nil {
		t.Fatalf("input: %v", err)
	}
	if len(agent.frames) != 1 || agent.frames[0].Type != wire.ServerTerminalInput {
		t.Fatalf("expected one terminal.input frame, got %+v", agent.frames)
	}
}

func TestInput_UnknownChannelErrors(t *testing.T) {
	m, _, _ := setup(t)
	if err := m.Input("nonexistent", "x"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestOnAgentOutput_ForwardsToUI(t *testing.T) {
	m, _, _ := setup(t)
	ui := &fakeUI{}
	if _, err := m.Attach(context.Background(), "sess-1", ui); err != nil {
		t.Fatalf("attach: %v", err)
	}

	m.OnAgentOutput(wire.TerminalOutputPayload{SessionID: "sess-1", Data: "hello"})

	if len(ui.frames) != 1 || ui.frames[0].Type != wire.TermOutput || ui.frames[0].Data != "hello" {
		t.Fatalf("expected output frame forwarded, got %+v", ui.frames)
	}
}

func TestOnAgentStatus_DetachedTearsDownChannel(t *testing.T) {
	m, _, agent := setup(t)
	ui := &fakeUI{}
	chID, err := m.Attach(context.Background(), "sess-1", ui)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	agent.frames = nil

	m.OnAgentStatus(wire.TerminalDetached, wire.TerminalStatusPayload{SessionID: "sess-1", Message: "pane closed"})

	if len(ui.frames) != 1 || ui.frames[0].Type != wire.TermDetached {
		t.Fatalf("expected detached frame forwarded, got %+v", ui.frames)
	}
	if err := m.Input(chID, "x"); err == nil {
		t.Fatal("expected channel to be torn down after detached status")
	}
}

func TestOnAgentStatus_ReadonlyDoesNotTearDown(t *testing.T) {
	m, _, _ := setup(t)
	ui := &fakeUI{}
	chID, err := m.Attach(context.Background(), "sess-1", ui)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	m.OnAgentStatus(wire.TerminalReadonly, wire.TerminalStatusPayload{SessionID: "sess-1"})

	if err := m.Input(chID, "x"); err != nil {
		t.Fatalf("expected channel to survive a readonly status, got: %v", err)
	}
}

func TestDetach_NotifiesAgentAndRemovesChannel(t *testing.T) {
	m, _, agent := setup(t)
	ui := &fakeUI{}
	chID, err := m.Attach(context.Background(), "sess-1", ui)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	agent.frames = nil

	m.Detach(chID)

	if len(agent.frames) != 1 || agent.frames[0].Type != wire.ServerTerminalDetach {
		t.Fatalf("expected one terminal.detach frame, got %+v", agent.frames)
	}
	if err := m.Input(chID, "x"); err == nil {
		t.Fatal("expected channel removed after Detach")
	}
}

func TestIdleTimeout_SendsIdleThenDetaches(t *testing.T) {
	m, _, agent := setup(t)
	m.idleTimeout = 10 * time.Millisecond
	ui := &fakeUI{}
	chID, err := m.Attach(context.Background(), "sess-1", ui)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	_ = chID

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for idle timeout, got frames %+v", ui.frames)
		default:
		}
		if len(ui.frames) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	found := false
	for _, f := range ui.frames {
		if f.Type == wire.TermIdleTimeout {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an idle_timeout frame, got %+v", ui.frames)
	}

	deadline = time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for terminal.detach after idle")
		default:
		}
		found := false
		for _, f := range agent.frames {
			if f.Type == wire.ServerTerminalDetach {
				found = true
			}
		}
		if found {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
}
