package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentcommander/controlplane/internal/bus"
	"github.com/agentcommander/controlplane/internal/model"
	"github.com/agentcommander/controlplane/internal/wire"
)

// recordingSink records every frame a bus publish sends it.
type recordingSink struct {
	frames [][]byte
}

func (r *recordingSink) Send(data []byte) bool {
	r.frames = append(r.frames, data)
	return true
}
func (r *recordingSink) Disconnect(string) {}

func TestBulkArchiveSessions_SingleBroadcastCoversAllIDs(t *testing.T) {
	b := bus.New()
	s, err := Open(context.Background(), ":memory:", b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	seedHost(t, s, "host-1")
	for _, id := range []string{"a", "b", "c"} {
		if err := s.UpsertSession(ctx, &model.Session{
			ID: id, HostID: "host-1", Kind: model.KindJob, Provider: model.ProviderShell,
			Status: model.StatusRunning, LastActivity: time.Now(),
		}); err != nil {
			t.Fatalf("seed session %s: %v", id, err)
		}
	}

	sink := &recordingSink{}
	b.Subscribe("ui-1", []wire.SubscribeTopic{{Type: wire.TopicSessions}}, sink)
	sink.frames = nil // drop the upsert broadcasts above; only the bulk call matters

	res, err := s.BulkArchiveSessions(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("bulk archive: %v", err)
	}
	if len(res.Succeeded) != 3 {
		t.Fatalf("expected all 3 ids to succeed, got %+v", res)
	}

	if len(sink.frames) != 1 {
		t.Fatalf("expected exactly one sessions.changed broadcast for the batch, got %d", len(sink.frames))
	}

	var env struct {
		Type    string                      `json:"type"`
		Payload wire.SessionsChangedPayload `json:"payload"`
	}
	if err := json.Unmarshal(sink.frames[0], &env); err != nil {
		t.Fatalf("unmarshal broadcast frame: %v", err)
	}
	if len(env.Payload.Sessions) != 3 {
		t.Fatalf("expected the single frame to cover all 3 sessions, got %d", len(env.Payload.Sessions))
	}
}

func TestBulkSetIdled_SingleBroadcastForBatch(t *testing.T) {
	b := bus.New()
	s, err := Open(context.Background(), ":memory:", b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	seedHost(t, s, "host-1")
	for _, id := range []string{"a", "b"} {
		if err := s.UpsertSession(ctx, &model.Session{
			ID: id, HostID: "host-1", Kind: model.KindJob, Provider: model.ProviderShell,
			Status: model.StatusRunning, LastActivity: time.Now(),
		}); err != nil {
			t.Fatalf("seed session %s: %v", id, err)
		}
	}

	sink := &recordingSink{}
	b.Subscribe("ui-1", []wire.SubscribeTopic{{Type: wire.TopicSessions}}, sink)
	sink.frames = nil

	// A missing id affects 0 rows but is not itself an error, same as BulkDelete.
	res, err := s.BulkSetIdled(ctx, []string{"a", "b", "missing-but-harmless"}, true)
	if err != nil {
		t.Fatalf("bulk set idled: %v", err)
	}
	if len(res.Succeeded) != 3 {
		t.Fatalf("expected all 3 ids reported succeeded, got %+v", res)
	}

	if len(sink.frames) != 1 {
		t.Fatalf("expected exactly one broadcast covering the whole batch, got %d", len(sink.frames))
	}
}
