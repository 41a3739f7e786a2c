package tui

import (
	"fmt"
	"io"
	"math"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chaz8081/nuimo-dfu/internal/workflow"
)

// Sender is the part of *tea.Program the observer needs.
type Sender interface {
	Send(msg tea.Msg)
}

// Observer forwards workflow notifications to a running program.
type Observer struct {
	p Sender
}

var _ workflow.Observer = (*Observer)(nil)

// NewObserver creates an observer sending to p.
func NewObserver(p Sender) *Observer {
	return &Observer{p: p}
}

func (o *Observer) StepChanged(step workflow.Step, hints workflow.Hints) {
	o.p.Send(stepMsg{step: step, hints: hints})
}

func (o *Observer) StatusTextChanged(text string) { o.p.Send(statusTextMsg(text)) }

func (o *Observer) ProgressChanged(fraction float64) { o.p.Send(progressMsg(fraction)) }

func (o *Observer) Dismissed() { o.p.Send(dismissedMsg{}) }

// Plain prints the flow as log-style lines, for terminals without a TUI.
type Plain struct {
	w       io.Writer
	lastPct int
}

var _ workflow.Observer = (*Plain)(nil)

// NewPlain creates a line printer writing to w.
func NewPlain(w io.Writer) *Plain {
	return &Plain{w: w, lastPct: -1}
}

func (p *Plain) StepChanged(step workflow.Step, hints workflow.Hints) {
	line := headingFor(step)
	switch {
	case step.Kind == workflow.StepManualRebootToUpdateMode:
		line += ": " + instructionFor(step)
	case hints.ConfirmEnabled && step.Kind != workflow.StepError:
		line += fmt.Sprintf(" (press Enter to %s)", strings.ToLower(hints.ConfirmLabel))
	}
	fmt.Fprintln(p.w, line)
	p.lastPct = -1
}

func (p *Plain) StatusTextChanged(text string) {
	if text == "" {
		return
	}
	fmt.Fprintln(p.w, "  "+strings.ReplaceAll(text, "\n", ": "))
}

// ProgressChanged prints every 10%.
func (p *Plain) ProgressChanged(fraction float64) {
	pct := int(math.Round(fraction * 100))
	if pct/10 == p.lastPct/10 && p.lastPct >= 0 {
		return
	}
	p.lastPct = pct
	if pct == 0 {
		return
	}
	fmt.Fprintf(p.w, "  %d%%\n", pct)
}

func (p *Plain) Dismissed() {
	fmt.Fprintln(p.w, "Done.")
}
