package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/agentcommander/controlplane/internal/orchestrator"
	"github.com/agentcommander/controlplane/internal/wire"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	waitStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("221"))
	idleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// model is the root Bubble Tea model: a thin view over an
// orchestrator.Engine fed by the UI WebSocket, rendering the ranked
// dashboard lists only — no race track, no gamification.
type model struct {
	ws     *wsClient
	engine *orchestrator.Engine
	ctx    context.Context
	cancel context.CancelFunc
	keys   keyMap

	sessionStatus map[string]string // session id -> last known status
	connected     bool
	lastErr       error
	width, height int

	selected    int  // index into the active+waiting concatenation
	showDetail  bool // detail overlay for the selected item's context
}

func newModel(ws *wsClient) model {
	ctx, cancel := context.WithCancel(context.Background())
	return model{
		ws:            ws,
		engine:        orchestrator.New(),
		ctx:           ctx,
		cancel:        cancel,
		keys:          defaultKeyMap(),
		sessionStatus: make(map[string]string),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.ws.connect(m.ctx), tickEvery(time.Second))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case connectedMsg:
		m.connected = true
		m.lastErr = nil
		return m, m.ws.readLoop()

	case disconnectedMsg:
		m.connected = false
		m.lastErr = msg.err
		return m, nil

	case tickMsg:
		return m, tickEvery(time.Second)

	case sessionsChangedMsg:
		now := time.Now()
		for _, s := range msg.payload.Sessions {
			prev := m.sessionStatus[s.ID]
			if prev != s.Status {
				m.sessionStatus[s.ID] = s.Status
				m.engine.OnSessionChanged(s.ID, s.Status, now)
			}
		}
		for _, id := range msg.payload.Deleted {
			delete(m.sessionStatus, id)
		}
		return m, m.ws.readLoop()

	case approvalsCreatedMsg:
		p := msg.payload
		m.engine.OnApprovalCreated(&wire.ApprovalPayload{
			ID:               p.ID,
			SessionID:        p.SessionID,
			ApprovalType:     p.ApprovalType,
			RequestedPayload: p.RequestedPayload,
		}, time.Now())
		return m, m.ws.readLoop()

	case approvalsUpdatedMsg:
		m.engine.OnApprovalUpdated(msg.id)
		return m, m.ws.readLoop()

	case snapshotsUpdatedMsg:
		p := msg.payload
		m.engine.OnSnapshot(p.SessionID, p.CaptureHash, p.CaptureText, time.Now())
		return m, m.ws.readLoop()
	}
	return m, nil
}

// rankedItems returns the active and waiting items in display order, the
// set the selection cursor and detail overlay navigate over (idled items
// are informational only and aren't selectable).
func (m model) rankedItems(now time.Time) []*orchestrator.Item {
	items := append([]*orchestrator.Item{}, m.engine.Active(now)...)
	items = append(items, m.engine.Waiting(now)...)
	return items
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit
	case key.Matches(msg, m.keys.Escape):
		m.showDetail = false
		return m, nil
	case key.Matches(msg, m.keys.Enter):
		items := m.rankedItems(time.Now())
		if len(items) > 0 {
			m.showDetail = true
		}
		return m, nil
	case key.Matches(msg, m.keys.Up):
		if m.selected > 0 {
			m.selected--
		}
		return m, nil
	case key.Matches(msg, m.keys.Down):
		items := m.rankedItems(time.Now())
		if m.selected < len(items)-1 {
			m.selected++
		}
		return m, nil
	}
	return m, nil
}

// renderDetail shows the selected item's context (a terminal snapshot or
// approval payload) as markdown via glamour, for items whose context is
// too long to fit inline in the list view.
func (m model) renderDetail(it *orchestrator.Item) string {
	md := fmt.Sprintf("# %s\n\n**session:** %s\n\n**action:** %s — %s\n\n```\n%s\n```",
		it.Summary, it.SessionID, it.Action.Type, it.Action.Question, it.Action.Context)
	out, err := glamour.Render(md, "dark")
	if err != nil {
		return it.Action.Context
	}
	return out
}

func (m model) View() string {
	now := time.Now()
	items := m.rankedItems(now)
	selected := m.selected
	if selected >= len(items) {
		selected = len(items) - 1
	}

	if m.showDetail && selected >= 0 {
		return m.renderDetail(items[selected]) + "\n" + dimStyle.Render(helpLine(m.keys.Escape, m.keys.Quit))
	}

	var b strings.Builder

	status := "disconnected"
	if m.connected {
		status = "connected"
	}
	fmt.Fprintf(&b, "%s  %s\n\n", headerStyle.Render("orchestrator-inspect"), dimStyle.Render(status))
	if m.lastErr != nil {
		fmt.Fprintf(&b, "%s\n\n", dimStyle.Render("last error: "+m.lastErr.Error()))
	}

	active := m.engine.Active(now)
	waiting := m.engine.Waiting(now)
	idled := m.engine.Idled(now)

	cursor := 0
	b.WriteString(headerStyle.Render(fmt.Sprintf("active (%d)", len(active))))
	b.WriteString("\n")
	for _, it := range active {
		b.WriteString(renderItem(activeStyle, it, m.engine.Score(it, now), cursor == selected))
		cursor++
	}
	if len(active) == 0 {
		b.WriteString(dimStyle.Render("  none") + "\n")
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("waiting (%d)", len(waiting))))
	b.WriteString("\n")
	for _, it := range waiting {
		b.WriteString(renderItem(waitStyle, it, m.engine.Score(it, now), cursor == selected))
		cursor++
	}
	if len(waiting) == 0 {
		b.WriteString(dimStyle.Render("  none") + "\n")
	}

	if len(idled) > 0 {
		b.WriteString("\n")
		b.WriteString(headerStyle.Render(fmt.Sprintf("idled (%d)", len(idled))))
		b.WriteString("\n")
		for _, it := range idled {
			b.WriteString(renderItem(idleStyle, it, m.engine.Score(it, now), false))
		}
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render(helpLine(m.keys.Up, m.keys.Down, m.keys.Enter, m.keys.Quit)))
	return b.String()
}

func renderItem(style lipgloss.Style, it *orchestrator.Item, score int, selected bool) string {
	cursor := "  "
	if selected {
		cursor = "> "
	}
	line := fmt.Sprintf("%s[%3d] %-12s %-16s %s", cursor, score, it.SessionID, it.Action.Type, it.Action.Question)
	if it.Action.Context != "" {
		line += "\n        " + dimStyle.Render(truncate(it.Action.Context, 100))
	}
	return style.Render(line) + "\n"
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
