// Command orchestrator-inspect is a terminal dashboard over the client-side
// Detection & Ranking engine: it dials the control plane's
// UI WebSocket, feeds sessions.changed/approvals.*/snapshots.updated frames
// into internal/orchestrator, and renders the active/waiting/idled lists
// live. Pared down to the ranking engine alone — no race track, no
// gamification.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/v1/ui/ws", "WebSocket URL of the control plane's UI socket")
	token := flag.String("token", "", "Bearer token, if the control plane requires one")
	flag.Parse()

	ws := newWSClient(*url, *token)
	m := newModel(ws)

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
