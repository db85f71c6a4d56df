package bus

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/agentcommander/controlplane/internal/wire"
)

// fakeSink records every frame handed to it and its disconnect reason.
type fakeSink struct {
	mu       sync.Mutex
	messages [][]byte
	full     bool
	closed   string
}

func (f *fakeSink) Send(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.messages = append(f.messages, data)
	return true
}

func (f *fakeSink) Disconnect(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = reason
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestSendToAgent_NoConnection(t *testing.T) {
	b := New()
	if b.SendToAgent("host-1", "commands.dispatch", map[string]string{"x": "y"}) {
		t.Fatal("expected false when no agent connected")
	}
}

func TestSendToAgent_Delivers(t *testing.T) {
	b := New()
	sink := &fakeSink{}
	b.RegisterAgent("host-1", sink)

	if !b.SendToAgent("host-1", "commands.dispatch", map[string]string{"x": "y"}) {
		t.Fatal("expected true when agent connected")
	}
	if sink.count() != 1 {
		t.Fatalf("expected 1 message, got %d", sink.count())
	}

	var env wire.ServerToAgentEnvelope
	if err := json.Unmarshal(sink.messages[0], &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != "commands.dispatch" {
		t.Errorf("type = %q, want commands.dispatch", env.Type)
	}
}

func TestUnregisterAgent_OnlyIfCurrent(t *testing.T) {
	b := New()
	old := &fakeSink{}
	replacement := &fakeSink{}
	b.RegisterAgent("host-1", old)
	b.RegisterAgent("host-1", replacement) // reconnect supersedes

	b.UnregisterAgent("host-1", old) // stale unregister must be a no-op
	if !b.AgentConnected("host-1") {
		t.Fatal("replacement connection was incorrectly unregistered")
	}

	b.UnregisterAgent("host-1", replacement)
	if b.AgentConnected("host-1") {
		t.Fatal("expected host-1 disconnected")
	}
}

func TestPublish_FiltersBySessionID(t *testing.T) {
	b := New()
	matchSink := &fakeSink{}
	otherSink := &fakeSink{}

	b.Subscribe("sub-1", []wire.SubscribeTopic{
		{Type: wire.TopicSessions, Filter: &wire.TopicFilter{SessionID: "s1"}},
	}, matchSink)
	b.Subscribe("sub-2", []wire.SubscribeTopic{
		{Type: wire.TopicSessions, Filter: &wire.TopicFilter{SessionID: "s2"}},
	}, otherSink)

	b.Publish(wire.TopicSessions, Attrs{SessionID: "s1"}, wire.SessionsChanged, wire.SessionsChangedPayload{})

	if matchSink.count() != 1 {
		t.Errorf("matching subscriber got %d messages, want 1", matchSink.count())
	}
	if otherSink.count() != 0 {
		t.Errorf("non-matching subscriber got %d messages, want 0", otherSink.count())
	}
}

func TestPublish_StatusCSVFilter(t *testing.T) {
	b := New()
	sink := &fakeSink{}
	b.Subscribe("sub-1", []wire.SubscribeTopic{
		{Type: wire.TopicSessions, Filter: &wire.TopicFilter{Status: "RUNNING,IDLE"}},
	}, sink)

	b.Publish(wire.TopicSessions, Attrs{Status: "ERROR"}, wire.SessionsChanged, wire.SessionsChangedPayload{})
	if sink.count() != 0 {
		t.Fatalf("expected ERROR to be filtered out, got %d messages", sink.count())
	}

	b.Publish(wire.TopicSessions, Attrs{Status: "IDLE"}, wire.SessionsChanged, wire.SessionsChangedPayload{})
	if sink.count() != 1 {
		t.Fatalf("expected IDLE to match, got %d messages", sink.count())
	}
}

func TestPublish_ArchivedExcludedByDefault(t *testing.T) {
	b := New()
	sink := &fakeSink{}
	b.Subscribe("sub-1", []wire.SubscribeTopic{{Type: wire.TopicSessions}}, sink)

	b.Publish(wire.TopicSessions, Attrs{Archived: true}, wire.SessionsChanged, wire.SessionsChangedPayload{})
	if sink.count() != 0 {
		t.Fatalf("expected archived session excluded by default filter, got %d", sink.count())
	}

	includeSink := &fakeSink{}
	b.Subscribe("sub-2", []wire.SubscribeTopic{
		{Type: wire.TopicSessions, Filter: &wire.TopicFilter{IncludeArchived: true}},
	}, includeSink)
	b.Publish(wire.TopicSessions, Attrs{Archived: true}, wire.SessionsChanged, wire.SessionsChangedPayload{})
	if includeSink.count() != 1 {
		t.Fatalf("expected include_archived subscriber to receive it, got %d", includeSink.count())
	}
}

func TestPublish_SlowSinkIsDroppedAndDisconnected(t *testing.T) {
	b := New()
	slow := &fakeSink{full: true}
	b.Subscribe("sub-1", []wire.SubscribeTopic{{Type: wire.TopicSessions}}, slow)

	b.Publish(wire.TopicSessions, Attrs{}, wire.SessionsChanged, wire.SessionsChangedPayload{})

	slow.mu.Lock()
	defer slow.mu.Unlock()
	if slow.closed == "" {
		t.Fatal("expected slow sink to be disconnected")
	}
	if b.SubscriberCount(wire.TopicSessions) != 0 {
		t.Fatal("expected slow subscriber to be removed from the topic index")
	}
}

func TestUnsubscribeAll(t *testing.T) {
	b := New()
	sink := &fakeSink{}
	b.Subscribe("sub-1", []wire.SubscribeTopic{
		{Type: wire.TopicSessions},
		{Type: wire.TopicApprovals},
	}, sink)

	if b.SubscriberCount(wire.TopicSessions) != 1 || b.SubscriberCount(wire.TopicApprovals) != 1 {
		t.Fatal("setup: expected subscriber registered on both topics")
	}

	b.UnsubscribeAll("sub-1")

	if b.SubscriberCount(wire.TopicSessions) != 0 || b.SubscriberCount(wire.TopicApprovals) != 0 {
		t.Fatal("expected subscriber removed from both topics")
	}
}

func TestPublish_OrderPerSubscriberIsFIFO(t *testing.T) {
	b := New()
	sink := &fakeSink{}
	b.Subscribe("sub-1", []wire.SubscribeTopic{{Type: wire.TopicEvents}}, sink)

	for i := 0; i < 5; i++ {
		b.Publish(wire.TopicEvents, Attrs{}, wire.EventsAppended, wire.EventAppendedPayload{ID: int64(i)})
	}

	if sink.count() != 5 {
		t.Fatalf("expected 5 messages, got %d", sink.count())
	}
	for i, raw := range sink.messages {
		var env wire.UIEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		var p wire.EventAppendedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if int(p.ID) != i {
			t.Errorf("message %d: got ID %d, want %d (FIFO order violated)", i, p.ID, i)
		}
	}
}
