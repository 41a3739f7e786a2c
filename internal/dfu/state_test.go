package dfu

import (
	"net/url"
	"testing"
)

func TestStateDescriptions(t *testing.T) {
	tests := []struct {
		state    State
		desc     string
		terminal bool
	}{
		{StateConnecting, "Connecting", false},
		{StateStarting, "Starting", false},
		{StateEnablingUpdateMode, "Enabling DFU mode", false},
		{StateUploading, "Uploading", false},
		{StateValidating, "Validating", false},
		{StateDisconnecting, "Disconnecting", false},
		{StateCompleted, "Completing", true},
		{StateAborted, "Aborted", true},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.Description(); got != tt.desc {
				t.Errorf("Description() = %q, want %q", got, tt.desc)
			}
			if got := tt.state.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
	if got := State(42).String(); got != "state(42)" {
		t.Errorf("State(42).String() = %q", got)
	}
}

func TestSource(t *testing.T) {
	if !LocalFile("/a.zip").IsLocal() {
		t.Error("LocalFile should be local")
	}
	fileURL, _ := url.Parse("file:///tmp/a.zip")
	if s := Remote(fileURL); !s.IsLocal() || s.localPath() != "/tmp/a.zip" {
		t.Errorf("file URL source: local=%v path=%q", s.IsLocal(), s.localPath())
	}
	httpURL, _ := url.Parse("https://example.com/a.zip")
	if Remote(httpURL).IsLocal() {
		t.Error("https source should not be local")
	}
}
