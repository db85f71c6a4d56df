package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentcommander/controlplane/internal/store"
	"github.com/agentcommander/controlplane/internal/wire"
)

// capturePaneResult is the shape a capture_pane command.result carries.
type capturePaneResult struct {
	Text string `json:"text"`
}

// CopyTo implements the cross-host copy contract. When source and target
// share a host, a single copy_to_session command is sent and the agent
// handles it locally. Otherwise this runs the two-leg
// capture/inject pipeline, each leg with its own cmd_id and timeout.
func (d *Dispatcher) CopyTo(ctx context.Context, st *store.Store, sourceSessionID string, req wire.CopyToRequest) error {
	source, err := st.GetSession(ctx, sourceSessionID)
	if err != nil {
		return fmt.Errorf("load source session: %w", err)
	}
	target, err := st.GetSession(ctx, req.TargetSessionID)
	if err != nil {
		return fmt.Errorf("load target session: %w", err)
	}

	copyPayload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal copy-to payload: %w", err)
	}

	if source.HostID == target.HostID {
		_, err := d.Dispatch(ctx, source.HostID, sourceSessionID, wire.CommandRequest{
			Type: "copy_to_session", Payload: copyPayload,
		})
		return err
	}

	capturePayload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal capture_pane payload: %w", err)
	}
	captureRes, err := d.Dispatch(ctx, source.HostID, sourceSessionID, wire.CommandRequest{
		Type: "capture_pane", Payload: capturePayload,
	})
	if err != nil {
		return fmt.Errorf("capture on source host: %w", err)
	}
	var captured capturePaneResult
	if err := json.Unmarshal(captureRes.Result, &captured); err != nil {
		return fmt.Errorf("parse capture_pane result: %w", err)
	}

	combined := combineCopyText(req, captured.Text)
	sendInputPayload, err := json.Marshal(map[string]interface{}{"text": combined, "enter": true})
	if err != nil {
		return fmt.Errorf("marshal send_input payload: %w", err)
	}
	_, err = d.Dispatch(ctx, target.HostID, req.TargetSessionID, wire.CommandRequest{
		Type: "send_input", Payload: sendInputPayload,
	})
	if err != nil {
		return fmt.Errorf("send input on target host: %w", err)
	}
	return nil
}

// combineCopyText concatenates prepend/captured/append text with the
// "\n\n---\n\n" separator, omitting separators when a side is empty.
func combineCopyText(req wire.CopyToRequest, captured string) string {
	const sep = "\n\n---\n\n"
	parts := []string{}
	if req.PrependText != "" {
		parts = append(parts, req.PrependText)
	}
	parts = append(parts, captured)
	if req.AppendText != "" {
		parts = append(parts, req.AppendText)
	}
	combined := ""
	for i, p := range parts {
		if i > 0 {
			combined += sep
		}
		combined += p
	}
	return combined
}
