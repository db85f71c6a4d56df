package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentcommander/controlplane/internal/approval"
	"github.com/agentcommander/controlplane/internal/authn"
	"github.com/agentcommander/controlplane/internal/bus"
	"github.com/agentcommander/controlplane/internal/dispatch"
	"github.com/agentcommander/controlplane/internal/model"
	"github.com/agentcommander/controlplane/internal/store"
)

type testEnv struct {
	srv   *httptest.Server
	store *store.Store
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	b := bus.New()
	st, err := store.Open(context.Background(), ":memory:", b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	d := dispatch.New(b, time.Second, time.Second)
	am := approval.New(st, b, d)
	resolve := authn.StaticTokenResolver(map[string]string{
		"admin-tok":    string(authn.RoleAdmin),
		"operator-tok": string(authn.RoleOperator),
		"observer-tok": string(authn.RoleObserver),
	})
	api := New(st, d, am, resolve)

	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st}
}

func doReq(t *testing.T, srv *httptest.Server, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestListSessions_RequiresAuth(t *testing.T) {
	env := setupEnv(t)
	resp := doReq(t, env.srv, http.MethodGet, "/v1/sessions", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestListSessions_ObserverAllowed(t *testing.T) {
	env := setupEnv(t)
	resp := doReq(t, env.srv, http.MethodGet, "/v1/sessions", "observer-tok", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestDeleteSession_ObserverForbidden(t *testing.T) {
	env := setupEnv(t)
	now := time.Now().UTC()
	if err := env.store.UpsertHost(context.Background(), &model.Host{ID: "host-1", Name: "host-1", LastSeen: now}); err != nil {
		t.Fatalf("upsert host: %v", err)
	}
	if err := env.store.UpsertSession(context.Background(), &model.Session{
		ID: "sess-1", HostID: "host-1", Kind: model.KindTmuxPane, Provider: model.ProviderShell,
		Status: model.StatusRunning, CreatedAt: now, UpdatedAt: now, LastActivity: now,
	}); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	resp := doReq(t, env.srv, http.MethodDelete, "/v1/sessions/sess-1", "observer-tok", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestDeleteSession_OperatorArchives(t *testing.T) {
	env := setupEnv(t)
	now := time.Now().UTC()
	if err := env.store.UpsertHost(context.Background(), &model.Host{ID: "host-1", Name: "host-1", LastSeen: now}); err != nil {
		t.Fatalf("upsert host: %v", err)
	}
	if err := env.store.UpsertSession(context.Background(), &model.Session{
		ID: "sess-1", HostID: "host-1", Kind: model.KindTmuxPane, Provider: model.ProviderShell,
		Status: model.StatusRunning, CreatedAt: now, UpdatedAt: now, LastActivity: now,
	}); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	resp := doReq(t, env.srv, http.MethodDelete, "/v1/sessions/sess-1", "operator-tok", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	sess, err := env.store.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !sess.IsArchived() {
		t.Fatal("expected session archived")
	}
}

func TestPostSessionCommand_AgentUnavailable(t *testing.T) {
	env := setupEnv(t)
	now := time.Now().UTC()
	if err := env.store.UpsertHost(context.Background(), &model.Host{ID: "host-1", Name: "host-1", LastSeen: now}); err != nil {
		t.Fatalf("upsert host: %v", err)
	}
	if err := env.store.UpsertSession(context.Background(), &model.Session{
		ID: "sess-1", HostID: "host-1", Kind: model.KindTmuxPane, Provider: model.ProviderShell,
		Status: model.StatusRunning, CreatedAt: now, UpdatedAt: now, LastActivity: now,
	}); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	resp := doReq(t, env.srv, http.MethodPost, "/v1/sessions/sess-1/commands", "operator-tok",
		map[string]string{"type": "send_input"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestCreateHost_RequiresAdmin(t *testing.T) {
	env := setupEnv(t)
	resp := doReq(t, env.srv, http.MethodPost, "/v1/hosts", "operator-tok", map[string]string{"id": "host-2", "name": "box"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	resp = doReq(t, env.srv, http.MethodPost, "/v1/hosts", "admin-tok", map[string]string{"id": "host-2", "name": "box"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
}

func TestIssueHostToken_RequiresAdmin(t *testing.T) {
	env := setupEnv(t)
	if err := env.store.UpsertHost(context.Background(), &model.Host{ID: "host-1", Name: "host-1", LastSeen: time.Now().UTC()}); err != nil {
		t.Fatalf("upsert host: %v", err)
	}

	resp := doReq(t, env.srv, http.MethodPost, "/v1/hosts/host-1/token", "admin-tok", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Token == "" {
		t.Fatal("expected a non-empty issued token")
	}
}

func TestGetDirectories_NotAllowedWhenHostLacksCapability(t *testing.T) {
	env := setupEnv(t)
	if err := env.store.UpsertHost(context.Background(), &model.Host{ID: "host-1", Name: "host-1", LastSeen: time.Now().UTC()}); err != nil {
		t.Fatalf("upsert host: %v", err)
	}

	resp := doReq(t, env.srv, http.MethodGet, "/v1/hosts/host-1/directories?path=/tmp", "operator-tok", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestBulkSessions_ArchivesEachID(t *testing.T) {
	env := setupEnv(t)
	now := time.Now().UTC()
	if err := env.store.UpsertHost(context.Background(), &model.Host{ID: "host-1", Name: "host-1", LastSeen: now}); err != nil {
		t.Fatalf("upsert host: %v", err)
	}
	for _, id := range []string{"sess-1", "sess-2"} {
		if err := env.store.UpsertSession(context.Background(), &model.Session{
			ID: id, HostID: "host-1", Kind: model.KindTmuxPane, Provider: model.ProviderShell,
			Status: model.StatusRunning, CreatedAt: now, UpdatedAt: now, LastActivity: now,
		}); err != nil {
			t.Fatalf("upsert session: %v", err)
		}
	}

	resp := doReq(t, env.srv, http.MethodPost, "/v1/sessions/bulk", "operator-tok", map[string]interface{}{
		"operation":   "archive",
		"session_ids": []string{"sess-1", "sess-2"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	for _, id := range []string{"sess-1", "sess-2"} {
		sess, err := env.store.GetSession(context.Background(), id)
		if err != nil {
			t.Fatalf("get session %s: %v", id, err)
		}
		if !sess.IsArchived() {
			t.Fatalf("expected %s archived", id)
		}
	}
}
