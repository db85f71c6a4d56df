// Package bus implements the PubSub Bus: an index of agent
// connections by host id, and an index of UI subscribers by topic kind with
// shallow-equality filters. It never blocks on a slow sink; slow sinks are
// dropped per-message or disconnected.
package bus

import (
	"encoding/json"
	"sync"

	"github.com/agentcommander/controlplane/internal/logging"
	"github.com/agentcommander/controlplane/internal/wire"
)

// Sink is anything the bus can hand an outbound frame to: a per-connection
// outbound queue. Send must never block; it reports whether the frame was
// accepted.
type Sink interface {
	// Send attempts a non-blocking enqueue of data. Returns false if the
	// sink's queue is full (caller should treat that as "too slow").
	Send(data []byte) bool
	// Disconnect forcibly closes the sink's underlying connection, e.g.
	// with WS close code 1013 (try again later).
	Disconnect(reason string)
}

// Attrs is the set of shallow fields a publish can be filtered on: session_id,
// session_ids, status, include_archived, group_id, host_id. SessionIDs is set
// instead of SessionID for a batched publish (a bulk operation's single
// sessions.changed) spanning more than one session; Status/Archived/GroupID/
// HostID are left zero in that case since one publish cannot carry differing
// per-session values for them.
type Attrs struct {
	SessionID       string
	SessionIDs      []string
	Status          string
	Archived        bool
	GroupID         string
	HostID          string
}

type subscriber struct {
	id     string
	kind   wire.TopicKind
	filter *wire.TopicFilter
	sink   Sink
}

// AgentConn is the bus's view of a connected agent: enough to send it a
// frame. Registered/unregistered by internal/agentconn.
type AgentConn interface {
	Sink
}

// Bus holds an index of connected agent sinks and one of UI subscriptions.
// All mutations to the indexes go through a single mutex; publish never
// holds it across a send.
type Bus struct {
	mu     sync.RWMutex
	agents map[string]AgentConn // host_id -> conn
	subs   map[wire.TopicKind][]*subscriber
	byID   map[string][]*subscriber // subscriber id -> its subscriber entries (may span topics)
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		agents: make(map[string]AgentConn),
		subs:   make(map[wire.TopicKind][]*subscriber),
		byID:   make(map[string][]*subscriber),
	}
}

// RegisterAgent indexes an agent connection under host_id, replacing any
// existing connection for that host (a reconnect supersedes the old socket).
func (b *Bus) RegisterAgent(hostID string, conn AgentConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[hostID] = conn
}

// UnregisterAgent removes host_id's connection, but only if conn is still
// the one registered (a stale close from a superseded connection must not
// unregister its replacement).
func (b *Bus) UnregisterAgent(hostID string, conn AgentConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.agents[hostID]; ok && cur == conn {
		delete(b.agents, hostID)
	}
}

// SendToAgent enqueues message to the given host's agent connection.
// Returns false if no agent is connected for that host.
func (b *Bus) SendToAgent(hostID string, msgType string, payload interface{}) bool {
	b.mu.RLock()
	conn, ok := b.agents[hostID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	env := wire.ServerToAgentEnvelope{V: 1, Type: msgType, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		logging.WithComponent("bus").Error().Err(err).Msg("marshal server->agent envelope")
		return false
	}
	return conn.Send(data)
}

// AgentConnected reports whether host_id currently has a live connection.
func (b *Bus) AgentConnected(hostID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.agents[hostID]
	return ok
}

// Subscribe registers sink under a fresh subscriber id for the given topics.
// One subscriber id is generated per ui.subscribe frame and scoped to that
// frame's topics — a second subscribe frame from the same connection gets
// its own id rather than merging into the first.
func (b *Bus) Subscribe(id string, topics []wire.SubscribeTopic, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := make([]*subscriber, 0, len(topics))
	for _, t := range topics {
		s := &subscriber{id: id, kind: t.Type, filter: t.Filter, sink: sink}
		b.subs[t.Type] = append(b.subs[t.Type], s)
		entries = append(entries, s)
	}
	b.byID[id] = append(b.byID[id], entries...)
}

// Unsubscribe removes id's subscriptions for the given topic kinds (or all
// of id's subscriptions, if kinds is empty).
func (b *Bus) Unsubscribe(id string, kinds []wire.TopicKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remove := make(map[wire.TopicKind]bool, len(kinds))
	for _, k := range kinds {
		remove[k] = true
	}
	removeAll := len(kinds) == 0

	var kept []*subscriber
	for _, s := range b.byID[id] {
		if removeAll || remove[s.kind] {
			b.removeFromTopic(s)
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		delete(b.byID, id)
	} else {
		b.byID[id] = kept
	}
}

func (b *Bus) removeFromTopic(target *subscriber) {
	list := b.subs[target.kind]
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	b.subs[target.kind] = out
}

// UnsubscribeAll drops every subscription owned by id (UI socket close).
func (b *Bus) UnsubscribeAll(id string) {
	b.Unsubscribe(id, nil)
}

// Publish fans payload out to every subscriber of kind whose filter matches
// attrs. Marshals once; never blocks on an individual sink — a full queue
// drops that subscriber's message and disconnects it.
func (b *Bus) Publish(kind wire.TopicKind, attrs Attrs, msgType wire.UIMessageType, payload interface{}) {
	env := wire.UIEnvelope{Type: msgType}
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.WithComponent("bus").Error().Err(err).Msg("marshal publish payload")
		return
	}
	env.Payload = raw
	data, err := json.Marshal(env)
	if err != nil {
		logging.WithComponent("bus").Error().Err(err).Msg("marshal publish envelope")
		return
	}

	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.subs[kind]))
	for _, s := range b.subs[kind] {
		if matches(s.filter, attrs) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		if !s.sink.Send(data) {
			s.sink.Disconnect("too slow")
			b.Unsubscribe(s.id, nil)
		}
	}
}

// SubscriberCount returns how many subscriber entries exist for kind, for
// tests and diagnostics.
func (b *Bus) SubscriberCount(kind wire.TopicKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
