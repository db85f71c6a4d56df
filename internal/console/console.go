// Package console implements the Console Subscription Manager: it holds
// the in-memory table of active console streams and is the one automatic
// retry in the propagation policy — re-sending console.subscribe to an
// agent on reconnect.
package console

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentcommander/controlplane/internal/bus"
	"github.com/agentcommander/controlplane/internal/ids"
	"github.com/agentcommander/controlplane/internal/store"
	"github.com/agentcommander/controlplane/internal/wire"
)

// subscription is the in-memory ConsoleSubscription.
type subscription struct {
	id        string
	sessionID string
	hostID    string
	paneID    string
}

// Manager tracks active console streams, keyed by subscription_id and
// indexed by host_id for reconnect replay.
type Manager struct {
	store *store.Store
	bus   *bus.Bus

	mu        sync.Mutex
	byID      map[string]*subscription
	byHost    map[string]map[string]*subscription // host_id -> subscription_id -> subscription
}

// New constructs an empty Manager.
func New(st *store.Store, b *bus.Bus) *Manager {
	return &Manager{
		store:  st,
		bus:    b,
		byID:   make(map[string]*subscription),
		byHost: make(map[string]map[string]*subscription),
	}
}

// Subscribe starts (or, for a re-subscribing UI, restarts) a console stream
// for a session: it dispatches console.subscribe to the owning agent and
// records the subscription. Returns the subscription_id the UI should later
// pass to Unsubscribe.
func (m *Manager) Subscribe(ctx context.Context, sessionID string) (string, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session for console subscribe: %w", err)
	}

	sub := &subscription{
		id:        ids.NewUUID(),
		sessionID: sessionID,
		hostID:    sess.HostID,
		paneID:    sess.TmuxPaneID,
	}

	m.mu.Lock()
	m.byID[sub.id] = sub
	if m.byHost[sub.hostID] == nil {
		m.byHost[sub.hostID] = make(map[string]*subscription)
	}
	m.byHost[sub.hostID][sub.id] = sub
	m.mu.Unlock()

	m.dispatchSubscribe(sub)
	return sub.id, nil
}

// Unsubscribe drops a subscription, e.g. on UI disconnect. No persistence
// or agent notification occurs; the agent simply keeps streaming to a
// subscription_id nobody forwards anymore until it naturally idles out.
func (m *Manager) Unsubscribe(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.byID[subscriptionID]
	if !ok {
		return
	}
	delete(m.byID, subscriptionID)
	if byHost, ok := m.byHost[sub.hostID]; ok {
		delete(byHost, subscriptionID)
		if len(byHost) == 0 {
			delete(m.byHost, sub.hostID)
		}
	}
}

// OnAgentReconnect resends console.subscribe for every subscription held
// against hostID.
func (m *Manager) OnAgentReconnect(hostID string) {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.byHost[hostID]))
	for _, s := range m.byHost[hostID] {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		m.dispatchSubscribe(s)
	}
}

func (m *Manager) dispatchSubscribe(sub *subscription) {
	m.bus.SendToAgent(sub.hostID, wire.ServerConsoleSubscribe, wire.ConsoleSubscribeDispatch{
		SubscriptionID: sub.id,
		SessionID:      sub.sessionID,
		PaneID:         sub.paneID,
	})
}

// OnChunk re-publishes an agent's console.chunk verbatim to console topic
// subscribers filtered by session_id.
func (m *Manager) OnChunk(payload wire.ConsoleChunkPayload) {
	m.mu.Lock()
	sub, ok := m.byID[payload.SubscriptionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.bus.Publish(wire.TopicConsole, bus.Attrs{SessionID: sub.sessionID}, wire.ConsoleChunkMsg, wire.ConsoleChunkUIPayload{
		SubscriptionID: payload.SubscriptionID,
		SessionID:      sub.sessionID,
		Data:           payload.Data,
		Seq:            payload.Seq,
	})
}
