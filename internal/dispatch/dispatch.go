// Package dispatch implements the Command Dispatcher & Cross-Host Copy:
// allocates cmd_ids, tracks pending results with timeouts, and resolves
// them when the owning agentconn reports a commands.result.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/agentcommander/controlplane/internal/bus"
	"github.com/agentcommander/controlplane/internal/cperr"
	"github.com/agentcommander/controlplane/internal/ids"
	"github.com/agentcommander/controlplane/internal/logging"
	"github.com/agentcommander/controlplane/internal/model"
	"github.com/agentcommander/controlplane/internal/wire"
)

// Result is what a dispatched command eventually resolves to.
type Result struct {
	OK      bool
	Result  []byte
	Error   string
	TimedOut bool
}

type pending struct {
	resultCh chan Result
	timer    *time.Timer
}

// Dispatcher allocates cmd_ids, sends commands.dispatch to the agent
// Session's bus sink, and correlates commands.result replies back to the
// caller.
type Dispatcher struct {
	bus *bus.Bus

	mu      sync.Mutex
	pending map[string]*pending

	defaultTimeout     time.Duration
	hostCommandTimeout time.Duration
}

// New constructs a Dispatcher. defaultTimeout applies to session-scoped
// commands, hostCommandTimeout to host-level commands (target session id ==
// model.NullTmuxPaneSessionID).
func New(b *bus.Bus, defaultTimeout, hostCommandTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		bus:                b,
		pending:            make(map[string]*pending),
		defaultTimeout:     defaultTimeout,
		hostCommandTimeout: hostCommandTimeout,
	}
}

// Dispatch sends command to hostID for sessionID, and blocks until the
// agent replies or the timeout elapses. Fails immediately
// with cperr.AgentUnavailable if the agent is not connected.
func (d *Dispatcher) Dispatch(ctx context.Context, hostID, sessionID string, command wire.CommandRequest) (*Result, error) {
	if !d.bus.AgentConnected(hostID) {
		return nil, cperr.New(cperr.AgentUnavailable, "agent not connected for host "+hostID)
	}

	cmdID := ids.NewCommandID()
	timeout := d.defaultTimeout
	if sessionID == model.NullTmuxPaneSessionID {
		timeout = d.hostCommandTimeout
	}

	p := &pending{resultCh: make(chan Result, 1)}
	d.mu.Lock()
	d.pending[cmdID] = p
	d.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() { d.timeoutCommand(cmdID) })
	defer d.clearPending(cmdID)

	ok := d.bus.SendToAgent(hostID, wire.ServerCommandsDispatch, wire.CommandDispatchPayload{
		CmdID: cmdID, SessionID: sessionID, Command: command,
	})
	if !ok {
		p.timer.Stop()
		return nil, cperr.New(cperr.AgentUnavailable, "agent disconnected before dispatch")
	}

	select {
	case res := <-p.resultCh:
		p.timer.Stop()
		if !res.OK {
			if res.TimedOut {
				return &res, cperr.New(cperr.CommandTimedOut, res.Error)
			}
			return &res, cperr.New(cperr.InternalError, res.Error)
		}
		return &res, nil
	case <-ctx.Done():
		p.timer.Stop()
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) timeoutCommand(cmdID string) {
	d.mu.Lock()
	p, ok := d.pending[cmdID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.resultCh <- Result{OK: false, Error: "command timed out", TimedOut: true}:
	default:
	}
}

func (d *Dispatcher) clearPending(cmdID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, cmdID)
}

// Resolve delivers an agent's commands.result to the matching pending entry.
// Unknown cmd_ids (a late reply after timeout, or a reply for a command this
// process never sent) are logged and dropped.
func (d *Dispatcher) Resolve(res wire.CommandResultPayload) {
	d.mu.Lock()
	p, ok := d.pending[res.CmdID]
	d.mu.Unlock()
	if !ok {
		logging.WithComponent("dispatch").Debug().Str("cmd_id", res.CmdID).Msg("result for unknown or expired command")
		return
	}
	select {
	case p.resultCh <- Result{OK: res.OK, Result: res.Result, Error: res.Error}:
	default:
	}
}
