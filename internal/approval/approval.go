// Package approval implements the Approval Lifecycle:
// recording an agent's approval.requested event, dispatching an operator's
// decision back to the owning agent, and broadcasting the result to UI
// subscribers of the approvals topic.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentcommander/controlplane/internal/bus"
	"github.com/agentcommander/controlplane/internal/cperr"
	"github.com/agentcommander/controlplane/internal/dispatch"
	"github.com/agentcommander/controlplane/internal/ids"
	"github.com/agentcommander/controlplane/internal/model"
	"github.com/agentcommander/controlplane/internal/store"
	"github.com/agentcommander/controlplane/internal/wire"
)

// Manager creates approvals from agent events and applies operator decisions.
type Manager struct {
	store      *store.Store
	broadcast  *bus.Bus
	dispatcher *dispatch.Dispatcher
}

// New constructs a Manager.
func New(st *store.Store, b *bus.Bus, d *dispatch.Dispatcher) *Manager {
	return &Manager{store: st, broadcast: b, dispatcher: d}
}

// ApprovalRequestedPayload is the shape an approval.requested event carries.
type ApprovalRequestedPayload struct {
	ApprovalType model.ApprovalType `json:"approval_type"`
	Payload      json.RawMessage    `json:"payload"`
}

// Create persists a new pending approval from an approval.requested event
// and publishes approvals.created.
func (m *Manager) Create(ctx context.Context, sessionID string, provider model.Provider, req ApprovalRequestedPayload) (*model.Approval, error) {
	a := &model.Approval{
		ID:               ids.NewUUID(),
		SessionID:        sessionID,
		Provider:         provider,
		TsRequested:      time.Now().UTC(),
		RequestedPayload: []byte(req.Payload),
		ApprovalType:     req.ApprovalType,
	}
	if err := m.store.CreateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	m.publish(wire.ApprovalsCreated, a)
	return a, nil
}

// Decide applies an operator's decision: sends approvals.decision to the
// owning agent via send_to_agent (best-effort, no result correlation), then
// records the decision in the store regardless of whether the agent was
// reachable — if the agent disconnects before acknowledging, the decision
// is kept persistent regardless. Returns cperr.AlreadyDecided if the
// approval was already decided with a different decision or payload; an
// identical repeat returns the stored approval.
func (m *Manager) Decide(ctx context.Context, approvalID string, req wire.ApprovalDecisionRequest) (*model.Approval, error) {
	a, err := m.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, cperr.Wrap(cperr.NotFound, err)
	}

	sess, err := m.store.GetSession(ctx, a.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load approval's session: %w", err)
	}

	m.broadcast.SendToAgent(sess.HostID, wire.ServerApprovalsDecision, wire.ApprovalsDecisionDispatch{
		ApprovalID: approvalID,
		SessionID:  a.SessionID,
		Decision:   req.Decision,
		Mode:       req.Mode,
		Payload:    req.Payload,
	})

	decidedPayload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal decided payload: %w", err)
	}
	decided, err := m.store.DecideApproval(ctx, approvalID, model.Decision(req.Decision), decidedPayload)
	if err != nil {
		return nil, err
	}
	m.publish(wire.ApprovalsUpdated, decided)
	return decided, nil
}

func (m *Manager) publish(msgType wire.UIMessageType, a *model.Approval) {
	if m.broadcast == nil {
		return
	}
	payload := toApprovalPayload(a)
	m.broadcast.Publish(wire.TopicApprovals, bus.Attrs{SessionID: a.SessionID}, msgType, payload)
}

func toApprovalPayload(a *model.Approval) wire.ApprovalPayload {
	p := wire.ApprovalPayload{
		ID: a.ID, SessionID: a.SessionID, Provider: string(a.Provider),
		TsRequested: a.TsRequested.UTC().Format(time.RFC3339Nano),
		RequestedPayload: a.RequestedPayload, ApprovalType: string(a.ApprovalType),
	}
	if a.TsDecided != nil {
		p.TsDecided = a.TsDecided.UTC().Format(time.RFC3339Nano)
	}
	if a.Decision != nil {
		p.Decision = string(*a.Decision)
	}
	if len(a.DecidedPayload) > 0 {
		p.DecidedPayload = a.DecidedPayload
	}
	return p
}
