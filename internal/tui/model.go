// Package tui renders the update flow in the terminal and maps keys to the
// flow's confirm and cancel buttons.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/nuimo-dfu/internal/workflow"
)

// Controls are the user actions the view can trigger.
type Controls interface {
	Confirm()
	Dismiss()
}

// Messages delivered by Observer.
type (
	stepMsg struct {
		step  workflow.Step
		hints workflow.Hints
	}
	statusTextMsg string
	progressMsg   float64
	dismissedMsg  struct{}
)

// Model is the bubbletea model for the update flow.
type Model struct {
	controls Controls

	step      workflow.Step
	hints     workflow.Hints
	status    string
	fraction  float64
	dismissed bool
	width     int

	keys     KeyMap
	help     help.Model
	spinner  spinner.Model
	progress progress.Model
	styles   Styles
}

// NewModel creates the view. controls receives the button presses.
func NewModel(controls Controls) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	intro := workflow.Step{Kind: workflow.StepIntro}
	return Model{
		controls: controls,
		step:     intro,
		hints:    workflow.HintsFor(intro),
		keys:     DefaultKeyMap(),
		help:     help.New(),
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient()),
		styles:   DefaultStyles(),
	}
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		m.progress.Width = min(max(msg.Width-4, 10), 60)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case stepMsg:
		m.step = msg.step
		m.hints = msg.hints
		return m, nil

	case statusTextMsg:
		m.status = string(msg)
		return m, nil

	case progressMsg:
		m.fraction = float64(msg)
		return m, nil

	case dismissedMsg:
		m.dismissed = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if !m.dismissed {
			m.controls.Dismiss()
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Confirm):
		if m.hints.ConfirmEnabled && !m.dismissed {
			m.controls.Confirm()
		}

	case key.Matches(msg, m.keys.Dismiss):
		if m.hints.CancelEnabled && !m.dismissed {
			m.controls.Dismiss()
		}
	}
	return m, nil
}

// View renders the current step.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Nuimo Firmware Update"))
	b.WriteString("\n\n")
	b.WriteString(m.styles.Heading.Render(headingFor(m.step)))
	b.WriteString("\n\n")

	switch m.step.Kind {
	case workflow.StepIntro, workflow.StepAutoRebootToUpdateMode, workflow.StepManualRebootToUpdateMode:
		b.WriteString("  ")
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(instructionFor(m.step))
		b.WriteString("\n")
	case workflow.StepUpdating:
		b.WriteString("  ")
		b.WriteString(m.progress.ViewAs(m.fraction))
		b.WriteString("\n")
	case workflow.StepSuccess:
		b.WriteString(m.styles.Success.Render("  Your Nuimo is up to date."))
		b.WriteString("\n")
	}

	if m.status != "" {
		b.WriteString("\n")
		if m.step.Kind == workflow.StepError {
			b.WriteString(m.styles.Error.Render(m.status))
		} else {
			b.WriteString(m.styles.Muted.Render(m.status))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderButtons())
	b.WriteString("\n\n")
	b.WriteString(m.help.View(m.keys))
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderButtons() string {
	confirm := m.styles.ButtonOff.Render(m.hints.ConfirmLabel)
	if m.hints.ConfirmEnabled {
		confirm = m.styles.Button.Render(m.hints.ConfirmLabel)
	}
	cancel := m.styles.ButtonOff.Render("Cancel")
	if m.hints.CancelEnabled {
		cancel = m.styles.Button.Render("Cancel")
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, confirm, " ", cancel)
}

func headingFor(s workflow.Step) string {
	switch s.Kind {
	case workflow.StepIntro:
		return "Searching for your Nuimo"
	case workflow.StepAutoRebootToUpdateMode:
		return "Enabling update mode"
	case workflow.StepManualRebootToUpdateMode:
		return "Enable update mode"
	case workflow.StepUpdating:
		return "Updating firmware"
	case workflow.StepSuccess:
		return "Update complete"
	case workflow.StepError:
		return "Update failed"
	}
	return fmt.Sprint(s.Kind)
}

func instructionFor(s workflow.Step) string {
	switch s.Kind {
	case workflow.StepAutoRebootToUpdateMode:
		return "Restarting your Nuimo in update mode..."
	case workflow.StepManualRebootToUpdateMode:
		return "Turn your Nuimo off, then hold the button while turning it back on."
	}
	return "Make sure your Nuimo is switched on and nearby."
}
