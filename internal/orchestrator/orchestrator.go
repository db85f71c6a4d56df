// Package orchestrator implements the client-side Detection & Ranking
// engine: it turns streaming snapshots, session status changes, and
// approval lifecycle events into a ranked list of dashboard items, driven
// from the UI WebSocket rather than a local process tree.
package orchestrator

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/agentcommander/controlplane/internal/ids"
	"github.com/agentcommander/controlplane/internal/wire"
)

// Source names where an Item came from.
type Source string

const (
	SourceSnapshot Source = "snapshot"
	SourceApproval Source = "approval"
	SourceStatus   Source = "status"
)

// ActionType classifies what an Item's action asks of the operator.
type ActionType string

const (
	ActionYesNo          ActionType = "yes_no"
	ActionMultiChoice    ActionType = "multi_choice"
	ActionTextInput      ActionType = "text_input"
	ActionPlanReview     ActionType = "plan_review"
	ActionNeedsAttention ActionType = "needs_attention"
	ActionError          ActionType = "error"
)

// actionWeight is the per-type ranking weight.
var actionWeight = map[ActionType]int{
	ActionError:          50,
	ActionPlanReview:     40,
	ActionYesNo:          30,
	ActionMultiChoice:    25,
	ActionTextInput:      20,
	ActionNeedsAttention: 10,
}

// statusWeight is the per-session-status ranking weight.
var statusWeight = map[string]int{
	"ERROR":                20,
	"WAITING_FOR_APPROVAL": 15,
	"WAITING_FOR_INPUT":    10,
}

// sourceWeight is the per-source ranking weight.
var sourceWeight = map[Source]int{
	SourceApproval: 15,
	SourceSnapshot: 5,
}

// Action is what an Item asks the operator to decide.
type Action struct {
	Type       ActionType
	Question   string
	Options    []string
	Context    string
	Confidence float64
}

// Item is a client-only OrchestratorItem: something derived
// from session state that may need an operator's attention.
type Item struct {
	ID          string
	SessionID   string
	Source      Source
	Action      *Action
	Approval    *wire.ApprovalPayload
	CreatedAt   time.Time
	DismissedAt *time.Time
	IdledAt     *time.Time
	CaptureHash string
	Summary     string
}

// sessionState is the engine's per-session bookkeeping.
type sessionState struct {
	status         string
	lastHash       string
	lastDetectedAt time.Time
	lastSnapshot   string
	snapshotItem   *Item
	statusItem     *Item
}

// Engine accumulates Items from streaming server events. Not safe for
// concurrent use from multiple goroutines without external locking — each
// dashboard instance owns one Engine.
type Engine struct {
	throttle    time.Duration
	pruneGrace  time.Duration
	sessions    map[string]*sessionState
	approvals   map[string]*Item
	approvalIDs map[string]time.Time // approval id -> last seen in the pending list
}

// New constructs an Engine with its default tuning: a 3000ms per-session
// snapshot throttle and a 60s approval prune grace.
func New() *Engine {
	return &Engine{
		throttle:    3 * time.Second,
		pruneGrace:  60 * time.Second,
		sessions:    make(map[string]*sessionState),
		approvals:   make(map[string]*Item),
		approvalIDs: make(map[string]time.Time),
	}
}

func (e *Engine) state(sessionID string) *sessionState {
	st, ok := e.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		e.sessions[sessionID] = st
	}
	return st
}

// OnSessionChanged updates the tracked status for a session and maintains
// its status item: created when the session enters
// WAITING_FOR_INPUT/WAITING_FOR_APPROVAL/ERROR without an existing snapshot
// or approval item, purged when it leaves those statuses.
func (e *Engine) OnSessionChanged(sessionID, status string, now time.Time) {
	st := e.state(sessionID)
	st.status = status

	if !needsAttention(status) {
		st.statusItem = nil
		return
	}
	if st.snapshotItem != nil || e.hasApprovalItem(sessionID) {
		return
	}
	if st.statusItem == nil {
		st.statusItem = &Item{
			ID: ids.NewUUID(), SessionID: sessionID, Source: SourceStatus,
			Action:    &Action{Type: ActionNeedsAttention, Confidence: 0.5},
			CreatedAt: now,
		}
	}
}

func needsAttention(status string) bool {
	switch status {
	case "WAITING_FOR_INPUT", "WAITING_FOR_APPROVAL", "ERROR":
		return true
	}
	return false
}

func (e *Engine) hasApprovalItem(sessionID string) bool {
	for _, it := range e.approvals {
		if it.SessionID == sessionID {
			return true
		}
	}
	return false
}

// OnSnapshot ingests one sessions.snapshot capture: hash-
// dedupes, throttles to one analysis per 3000ms, and runs the action
// analyzer. A detected action supersedes any prior snapshot/status item for
// the session; no detection removes the snapshot item but preserves any
// status item.
func (e *Engine) OnSnapshot(sessionID, captureHash, captureText string, now time.Time) {
	st := e.state(sessionID)
	if captureHash == st.lastHash {
		return
	}
	if !st.lastDetectedAt.IsZero() && now.Sub(st.lastDetectedAt) < e.throttle {
		return
	}
	st.lastHash = captureHash
	st.lastDetectedAt = now
	st.lastSnapshot = captureText

	action := analyze(captureText)
	if action == nil {
		st.snapshotItem = nil
		return
	}

	st.statusItem = nil
	st.snapshotItem = &Item{
		ID: ids.NewUUID(), SessionID: sessionID, Source: SourceSnapshot,
		Action: action, CreatedAt: now, CaptureHash: captureHash,
		Summary: action.Question,
	}
}

// OnApprovalCreated builds an approval item from an agent's approval event,
// enriched with the session's latest snapshot as context.
func (e *Engine) OnApprovalCreated(a *wire.ApprovalPayload, now time.Time) {
	action := approvalAction(a)
	if st := e.sessions[a.SessionID]; st != nil && st.lastSnapshot != "" {
		action.Context = lastNLines(ansi.Strip(st.lastSnapshot), 60)
	}

	item := &Item{
		ID: ids.NewUUID(), SessionID: a.SessionID, Source: SourceApproval,
		Action: action, Approval: a, CreatedAt: now, Summary: action.Question,
	}
	e.approvals[a.ID] = item
	e.approvalIDs[a.ID] = now

	// An approval item supersedes any pending status item for its session.
	e.state(a.SessionID).statusItem = nil
}

// OnApprovalUpdated removes an approval item once it has been decided.
func (e *Engine) OnApprovalUpdated(approvalID string) {
	delete(e.approvals, approvalID)
	delete(e.approvalIDs, approvalID)
}

// PruneApprovals removes approval items absent from the authoritative
// pending list for longer than the 60s grace window; approvals seen more
// recently are kept.
func (e *Engine) PruneApprovals(pendingIDs []string, now time.Time) {
	pending := make(map[string]bool, len(pendingIDs))
	for _, id := range pendingIDs {
		pending[id] = true
		e.approvalIDs[id] = now
	}
	for id, lastSeen := range e.approvalIDs {
		if pending[id] {
			continue
		}
		if now.Sub(lastSeen) > e.pruneGrace {
			delete(e.approvals, id)
			delete(e.approvalIDs, id)
		}
	}
}

// Dismiss marks an item dismissed by id, across snapshot, status, and
// approval sources.
func (e *Engine) Dismiss(itemID string, now time.Time) {
	e.visitMutable(itemID, func(it *Item) { it.DismissedAt = &now })
}

// Idle marks an item idled by id.
func (e *Engine) Idle(itemID string, now time.Time) {
	e.visitMutable(itemID, func(it *Item) { it.IdledAt = &now })
}

func (e *Engine) visitMutable(itemID string, fn func(*Item)) {
	for _, st := range e.sessions {
		if st.snapshotItem != nil && st.snapshotItem.ID == itemID {
			fn(st.snapshotItem)
			return
		}
		if st.statusItem != nil && st.statusItem.ID == itemID {
			fn(st.statusItem)
			return
		}
	}
	for _, it := range e.approvals {
		if it.ID == itemID {
			fn(it)
			return
		}
	}
}

// allItems collects every live item across sessions and approvals.
func (e *Engine) allItems() []*Item {
	var out []*Item
	for _, st := range e.sessions {
		if st.snapshotItem != nil {
			out = append(out, st.snapshotItem)
		}
		if st.statusItem != nil {
			out = append(out, st.statusItem)
		}
	}
	for _, it := range e.approvals {
		out = append(out, it)
	}
	return out
}

// Actionable reports whether an item demands operator attention right now.
func (e *Engine) Actionable(it *Item) bool {
	status := e.sessions[it.SessionID]
	sessionStatus := ""
	if status != nil {
		sessionStatus = status.status
	}
	if sessionStatus == "ERROR" {
		return true
	}
	if it.Action != nil && it.Action.Type == ActionError {
		return true
	}
	if it.Source == SourceApproval && it.Approval != nil && sessionStatus == "WAITING_FOR_APPROVAL" {
		switch it.Action.Type {
		case ActionYesNo, ActionMultiChoice, ActionPlanReview:
			if payloadHasDecisiveField(it.Approval.RequestedPayload) {
				return true
			}
		}
	}
	if it.Action != nil && it.Action.Type != ActionTextInput && it.Action.Type != ActionNeedsAttention && it.Action.Confidence >= 0.75 {
		return true
	}
	return false
}

func payloadHasDecisiveField(raw []byte) bool {
	s := string(raw)
	for _, key := range []string{`"command"`, `"path"`, `"args"`, `"url"`} {
		if strings.Contains(s, key) {
			return true
		}
	}
	return false
}

// Score computes an item's ranking score.
func (e *Engine) Score(it *Item, now time.Time) int {
	score := 0
	if it.Action != nil {
		score += actionWeight[it.Action.Type]
	}
	if st := e.sessions[it.SessionID]; st != nil {
		score += statusWeight[st.status]
	}
	score += sourceWeight[it.Source]

	waitMinutes := int(now.Sub(it.CreatedAt).Minutes())
	if waitMinutes > 30 {
		waitMinutes = 30
	}
	if waitMinutes > 0 {
		score += waitMinutes
	}
	return score
}

// Active returns actionable, non-dismissed, non-idled items ranked by score
// descending, ties broken by newer CreatedAt first.
func (e *Engine) Active(now time.Time) []*Item {
	return e.ranked(now, func(it *Item) bool {
		return it.DismissedAt == nil && it.IdledAt == nil && e.Actionable(it)
	})
}

// Waiting returns non-actionable, non-dismissed, non-idled items ranked.
func (e *Engine) Waiting(now time.Time) []*Item {
	return e.ranked(now, func(it *Item) bool {
		return it.DismissedAt == nil && it.IdledAt == nil && !e.Actionable(it)
	})
}

// Idled returns items that have been idled (but not dismissed) ranked.
func (e *Engine) Idled(now time.Time) []*Item {
	return e.ranked(now, func(it *Item) bool {
		return it.DismissedAt == nil && it.IdledAt != nil
	})
}

func (e *Engine) ranked(now time.Time, keep func(*Item) bool) []*Item {
	var out []*Item
	for _, it := range e.allItems() {
		if keep(it) {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := e.Score(out[i], now), e.Score(out[j], now)
		if si != sj {
			return si > sj
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// analyze is the snapshot action analyzer: a heuristic
// reading of a pane's trailing visible text for a pending prompt. Grounded
// on common CLI prompt conventions since the spec leaves the analyzer's
// exact rules unspecified.
func analyze(captureText string) *Action {
	clean := ansi.Strip(captureText)
	tail := lastNLines(clean, 20)
	lower := strings.ToLower(tail)

	switch {
	case containsAny(lower, "traceback (most recent call last)", "panic:", "fatal:", "fatal error:"):
		return &Action{Type: ActionError, Question: firstNonEmptyLine(tail), Confidence: 0.9}
	case containsAny(lower, "(y/n)", "[y/n]", "yes/no"):
		return &Action{Type: ActionYesNo, Question: lastNonEmptyLine(tail), Confidence: 0.8}
	case hasNumberedMenu(tail):
		return &Action{Type: ActionMultiChoice, Question: lastNonEmptyLine(tail), Options: numberedMenuOptions(tail), Confidence: 0.7}
	case containsAny(lower, "enter a value", "type your answer", "please enter"):
		return &Action{Type: ActionTextInput, Question: lastNonEmptyLine(tail), Confidence: 0.6}
	}
	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func lastNLines(text string, n int) string {
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func lastNonEmptyLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func hasNumberedMenu(text string) bool {
	count := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) > 1 && trimmed[0] >= '1' && trimmed[0] <= '9' && (trimmed[1] == ')' || trimmed[1] == '.') {
			count++
		}
	}
	return count >= 2
}

func numberedMenuOptions(text string) []string {
	var options []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) > 1 && trimmed[0] >= '1' && trimmed[0] <= '9' && (trimmed[1] == ')' || trimmed[1] == '.') {
			options = append(options, trimmed)
		}
	}
	return options
}

// approvalAction derives an Action from an approval's type and payload,
// degrading non-blocking tool approvals to text_input. A structured
// input_schema embedded in requested_payload (carried by tool-call
// approvals) takes priority over the ApprovalType heuristic; the heuristic
// only decides when no schema is present or it doesn't parse.
func approvalAction(a *wire.ApprovalPayload) *Action {
	payloadStr := strings.ToLower(string(a.RequestedPayload))
	if containsAny(payloadStr, `"tool_name":"askuserquestion"`, `"tool_name":"exitplanmode"`, `"tool_name":"enterplanmode"`) {
		return &Action{Type: ActionTextInput, Question: "Provide input", Confidence: 0.6}
	}

	if action := approvalActionFromSchema(a.RequestedPayload); action != nil {
		return action
	}

	switch a.ApprovalType {
	case "plan_review":
		return &Action{Type: ActionPlanReview, Question: "Review the plan", Confidence: 0.85}
	case "multi_choice":
		return &Action{Type: ActionMultiChoice, Question: "Choose an option", Confidence: 0.85}
	case "text_input":
		return &Action{Type: ActionTextInput, Question: "Provide input", Confidence: 0.6}
	default: // "binary"
		return &Action{Type: ActionYesNo, Question: "Approve this action?", Confidence: 0.85}
	}
}

// approvalActionFromSchema inspects requested_payload's input_schema, when
// present, and maps its top-level JSON Schema type to an Action: boolean to
// a yes/no prompt, an enum-constrained string to multi_choice, a plain
// string to text_input, and an object to plan_review. Returns nil (letting
// the caller fall back to the ApprovalType heuristic) when no schema is
// present, it fails to parse, or its type isn't one of these.
func approvalActionFromSchema(requestedPayload []byte) *Action {
	var withSchema struct {
		InputSchema json.RawMessage `json:"input_schema"`
	}
	if err := json.Unmarshal(requestedPayload, &withSchema); err != nil || len(withSchema.InputSchema) == 0 {
		return nil
	}
	var schema struct {
		Type string   `json:"type"`
		Enum []string `json:"enum"`
	}
	if err := json.Unmarshal(withSchema.InputSchema, &schema); err != nil {
		return nil
	}
	switch schema.Type {
	case "boolean":
		return &Action{Type: ActionYesNo, Question: "Approve this action?", Confidence: 0.9}
	case "string":
		if len(schema.Enum) > 0 {
			return &Action{Type: ActionMultiChoice, Question: "Choose an option", Confidence: 0.9}
		}
		return &Action{Type: ActionTextInput, Question: "Provide input", Confidence: 0.75}
	case "object":
		return &Action{Type: ActionPlanReview, Question: "Review the plan", Confidence: 0.75}
	default:
		return nil
	}
}
