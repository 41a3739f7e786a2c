package tui

import "github.com/charmbracelet/lipgloss"

// Styles holds the lipgloss styles used by the view.
type Styles struct {
	Title     lipgloss.Style
	Heading   lipgloss.Style
	Muted     lipgloss.Style
	Error     lipgloss.Style
	Success   lipgloss.Style
	Button    lipgloss.Style
	ButtonOff lipgloss.Style
}

// DefaultStyles returns the default color scheme.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1),
		Heading:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")),
		Muted:     lipgloss.NewStyle().Foreground(lipgloss.Color("#626262")),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")),
		Success:   lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")),
		Button:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#04B575")).Padding(0, 1),
		ButtonOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#626262")).Padding(0, 1),
	}
}
