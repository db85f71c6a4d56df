package main

import "github.com/charmbracelet/bubbles/key"

// keyMap defines the dashboard's keyboard bindings, the same shape as the
// teacher TUI's KeyMap.
type keyMap struct {
	Up     key.Binding
	Down   key.Binding
	Enter  key.Binding
	Escape key.Binding
	Quit   key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "prev item"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "next item"),
		),
		Enter: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "view context"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close detail"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// helpLine renders a one-line reminder of the active bindings.
func helpLine(keys ...key.Binding) string {
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += "   "
		}
		s += k.Help().Key + " " + k.Help().Desc
	}
	return s
}
