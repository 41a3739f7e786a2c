package workflow

import "fmt"

// StepKind is the user-facing stage of the update flow.
type StepKind int

const (
	StepIntro StepKind = iota
	StepAutoRebootToUpdateMode
	StepManualRebootToUpdateMode
	StepUpdating
	StepSuccess
	StepError
)

func (k StepKind) String() string {
	switch k {
	case StepIntro:
		return "intro"
	case StepAutoRebootToUpdateMode:
		return "auto-reboot"
	case StepManualRebootToUpdateMode:
		return "manual-reboot"
	case StepUpdating:
		return "updating"
	case StepSuccess:
		return "success"
	case StepError:
		return "error"
	}
	return fmt.Sprintf("step(%d)", int(k))
}

// Step is the current stage. Message is only set for StepError.
type Step struct {
	Kind    StepKind
	Message string
}

func (s Step) String() string {
	if s.Kind == StepError && s.Message != "" {
		return fmt.Sprintf("%s(%q)", s.Kind, s.Message)
	}
	return s.Kind.String()
}

// awaitingDevice reports whether the step is before the update has started.
func (s Step) awaitingDevice() bool {
	switch s.Kind {
	case StepIntro, StepAutoRebootToUpdateMode, StepManualRebootToUpdateMode:
		return true
	}
	return false
}

// rebooting reports whether the step waits for the device to enter update mode.
func (s Step) rebooting() bool {
	return s.Kind == StepAutoRebootToUpdateMode || s.Kind == StepManualRebootToUpdateMode
}

// Hints are the button states a view should show for a step.
type Hints struct {
	ConfirmLabel   string
	ConfirmEnabled bool
	CancelEnabled  bool
}

// HintsFor derives the button states for s.
func HintsFor(s Step) Hints {
	h := Hints{ConfirmLabel: "Continue", ConfirmEnabled: true, CancelEnabled: true}
	switch s.Kind {
	case StepSuccess:
		h.ConfirmLabel = "Close"
		h.CancelEnabled = false
	case StepError:
		h.ConfirmLabel = "Retry"
	case StepAutoRebootToUpdateMode, StepManualRebootToUpdateMode, StepUpdating:
		h.ConfirmEnabled = false
	}
	return h
}

// Observer is notified of everything a view needs to render the flow.
// Calls come from the workflow's event loop; implementations should not
// block for long.
type Observer interface {
	StepChanged(step Step, hints Hints)
	StatusTextChanged(text string)
	ProgressChanged(fraction float64)
	Dismissed()
}

// Observers fans every notification out to each element in order.
type Observers []Observer

func (o Observers) StepChanged(step Step, hints Hints) {
	for _, ob := range o {
		ob.StepChanged(step, hints)
	}
}

func (o Observers) StatusTextChanged(text string) {
	for _, ob := range o {
		ob.StatusTextChanged(text)
	}
}

func (o Observers) ProgressChanged(fraction float64) {
	for _, ob := range o {
		ob.ProgressChanged(fraction)
	}
}

func (o Observers) Dismissed() {
	for _, ob := range o {
		ob.Dismissed()
	}
}
