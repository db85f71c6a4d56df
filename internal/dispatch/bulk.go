package dispatch

import (
	"context"

	"github.com/agentcommander/controlplane/internal/cperr"
	"github.com/agentcommander/controlplane/internal/logging"
	"github.com/agentcommander/controlplane/internal/store"
	"github.com/agentcommander/controlplane/internal/wire"
)

// Bulk executes a bulk session operation: delete, archive, unarchive,
// assign_group, idle, unidle, or terminate. It applies each id
// independently — one failing id does not abort the rest — and, for every
// operation, emits exactly one sessions.changed broadcast covering all ids
// that succeeded (delete and terminate included).
func (d *Dispatcher) Bulk(ctx context.Context, st *store.Store, req wire.BulkRequest) (*wire.BulkResult, error) {
	switch req.Operation {
	case wire.BulkDelete:
		res, err := st.BulkDelete(ctx, req.SessionIDs)
		if err != nil {
			return nil, err
		}
		return &wire.BulkResult{Succeeded: res.Succeeded, Failed: res.Failed}, nil
	case wire.BulkArchive:
		res, err := st.BulkArchiveSessions(ctx, req.SessionIDs)
		if err != nil {
			return nil, err
		}
		return &wire.BulkResult{Succeeded: res.Succeeded, Failed: res.Failed}, nil
	case wire.BulkUnarchive:
		res, err := st.BulkUnarchiveSessions(ctx, req.SessionIDs)
		if err != nil {
			return nil, err
		}
		return &wire.BulkResult{Succeeded: res.Succeeded, Failed: res.Failed}, nil
	case wire.BulkIdle:
		res, err := st.BulkSetIdled(ctx, req.SessionIDs, true)
		if err != nil {
			return nil, err
		}
		return &wire.BulkResult{Succeeded: res.Succeeded, Failed: res.Failed}, nil
	case wire.BulkUnidle:
		res, err := st.BulkSetIdled(ctx, req.SessionIDs, false)
		if err != nil {
			return nil, err
		}
		return &wire.BulkResult{Succeeded: res.Succeeded, Failed: res.Failed}, nil
	case wire.BulkAssignGroup:
		var gid *string
		if req.GroupID != "" {
			gid = &req.GroupID
		}
		res, err := st.BulkAssignGroup(ctx, req.SessionIDs, gid)
		if err != nil {
			return nil, err
		}
		return &wire.BulkResult{Succeeded: res.Succeeded, Failed: res.Failed}, nil
	case wire.BulkTerminate:
		return d.bulkTerminate(ctx, st, req.SessionIDs)
	default:
		return nil, errUnknownBulkOp(req.Operation)
	}
}

// bulkTerminate dispatches kill_session to each session's agent and archives
// it, best-effort per id, then broadcasts one sessions.changed covering
// every id that was archived.
func (d *Dispatcher) bulkTerminate(ctx context.Context, st *store.Store, ids []string) (*wire.BulkResult, error) {
	result := &wire.BulkResult{Failed: make(map[string]string)}
	for _, id := range ids {
		if err := d.terminate(ctx, st, id); err != nil {
			result.Failed[id] = err.Error()
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	if len(result.Succeeded) > 0 {
		st.NotifySessionsChanged(ctx, result.Succeeded)
	}
	return result, nil
}

// terminate dispatches kill_session to the owning agent and waits for the
// outcome, then archives the session — without broadcasting, since
// bulkTerminate broadcasts once for the whole batch. The session is archived
// whatever the outcome: an unreachable agent, a timeout or a failed
// kill_session is only logged.
func (d *Dispatcher) terminate(ctx context.Context, st *store.Store, id string) error {
	sess, err := st.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if _, err := d.Dispatch(ctx, sess.HostID, id, wire.CommandRequest{Type: "kill_session"}); err != nil {
		logging.WithComponent("dispatch").Warn().Err(err).Str("session_id", id).Msg("kill_session failed, archiving anyway")
	}
	return st.ArchiveSessionQuiet(ctx, id)
}

func errUnknownBulkOp(op wire.BulkOperation) error {
	return cperr.New(cperr.BadRequest, "unknown bulk operation: "+string(op))
}
