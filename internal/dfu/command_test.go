package dfu

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// sessionRecorder collects SessionEvents from a real command session.
type sessionRecorder struct {
	mu       sync.Mutex
	states   []State
	progress []Progress
	err      *TransportError
	done     chan struct{}
	once     sync.Once
}

func newSessionRecorder() *sessionRecorder {
	return &sessionRecorder{done: make(chan struct{})}
}

func (r *sessionRecorder) events() SessionEvents {
	return SessionEvents{
		OnState: func(st State) {
			r.mu.Lock()
			r.states = append(r.states, st)
			r.mu.Unlock()
			if st.Terminal() {
				r.once.Do(func() { close(r.done) })
			}
		},
		OnProgress: func(p Progress) {
			r.mu.Lock()
			r.progress = append(r.progress, p)
			r.mu.Unlock()
		},
		OnError: func(err *TransportError) {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			r.once.Do(func() { close(r.done) })
		},
	}
}

func (r *sessionRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the flash tool")
	}
}

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fw.zip")
	if err := os.WriteFile(path, []byte("image"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCommandTransportSuccess(t *testing.T) {
	tr, err := NewCommandTransport([]string{"sh", "-c", `printf 'Upload 10%%\r50%%\n100%%\n'; test "$0" = "{address}" || exit 9`, "{address}"})
	if err != nil {
		t.Fatal(err)
	}
	rec := newSessionRecorder()
	if _, err := tr.BeginFlash(context.Background(), testTarget, writeImage(t), rec.events()); err != nil {
		t.Fatalf("BeginFlash() error = %v", err)
	}
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.err != nil {
		t.Fatalf("unexpected transport error: %v", rec.err)
	}
	want := []State{StateConnecting, StateUploading, StateCompleted}
	if len(rec.states) != len(want) {
		t.Fatalf("states = %v, want %v", rec.states, want)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, rec.states[i], want[i])
		}
	}
	fractions := []float64{0.1, 0.5, 1}
	if len(rec.progress) != len(fractions) {
		t.Fatalf("progress = %v, want %d updates", rec.progress, len(fractions))
	}
	for i, f := range fractions {
		if rec.progress[i].Fraction != f || rec.progress[i].PartsCount != 1 {
			t.Errorf("progress[%d] = %+v, want fraction %v", i, rec.progress[i], f)
		}
	}
}

func TestCommandTransportReportsPhases(t *testing.T) {
	script := `printf 'Starting DFU upgrade\nSwitching to DFU mode\nSending init packet\n20%%\n100%%\nValidating firmware\nStarting DFU again\nActivating new firmware\nDevice programmed.\n'`
	tr, err := NewCommandTransport([]string{"sh", "-c", script})
	if err != nil {
		t.Fatal(err)
	}
	rec := newSessionRecorder()
	if _, err := tr.BeginFlash(context.Background(), testTarget, writeImage(t), rec.events()); err != nil {
		t.Fatalf("BeginFlash() error = %v", err)
	}
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.err != nil {
		t.Fatalf("unexpected transport error: %v", rec.err)
	}
	want := []State{
		StateConnecting, StateStarting, StateEnablingUpdateMode, StateUploading,
		StateValidating, StateDisconnecting, StateCompleted,
	}
	if len(rec.states) != len(want) {
		t.Fatalf("states = %v, want %v", rec.states, want)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, rec.states[i], want[i])
		}
	}
	if len(rec.progress) != 2 {
		t.Errorf("progress = %v, want 2 updates", rec.progress)
	}
}

func TestPhaseOf(t *testing.T) {
	tests := []struct {
		line string
		want State
		ok   bool
	}{
		{"starting dfu upgrade of type 4", StateStarting, true},
		{"sending init packet...", StateStarting, true},
		{"entering bootloader", StateEnablingUpdateMode, true},
		{"validating firmware", StateValidating, true},
		{"verifying image", StateValidating, true},
		{"activating new firmware", StateDisconnecting, true},
		{"disconnecting from device", StateDisconnecting, true},
		{"error: device disconnected", 0, false},
		{"upload 40%", 0, false},
	}
	for _, tt := range tests {
		got, ok := phaseOf(tt.line)
		if ok != tt.ok || got != tt.want {
			t.Errorf("phaseOf(%q) = %s, %v; want %s, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCommandTransportDisconnectingIsNotAFailureKind(t *testing.T) {
	tr, _ := NewCommandTransport([]string{"sh", "-c", "echo 'Disconnecting'; echo 'Timed out'; exit 2"})
	rec := newSessionRecorder()
	if _, err := tr.BeginFlash(context.Background(), testTarget, writeImage(t), rec.events()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.err == nil || rec.err.Kind != ErrorOther {
		t.Errorf("error = %+v, want non-disconnect error", rec.err)
	}
}

func TestCommandTransportDisconnectClassified(t *testing.T) {
	tr, _ := NewCommandTransport([]string{"sh", "-c", "echo 'Error: device disconnected'; exit 3"})
	rec := newSessionRecorder()
	if _, err := tr.BeginFlash(context.Background(), testTarget, writeImage(t), rec.events()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.err == nil {
		t.Fatal("expected a transport error")
	}
	if rec.err.Kind != ErrorDisconnected || rec.err.Code != 3 {
		t.Errorf("error = %+v, want disconnected with code 3", rec.err)
	}
}

func TestCommandTransportOtherFailure(t *testing.T) {
	tr, _ := NewCommandTransport([]string{"sh", "-c", "echo 'CRC mismatch' >&2; exit 4"})
	rec := newSessionRecorder()
	if _, err := tr.BeginFlash(context.Background(), testTarget, writeImage(t), rec.events()); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.err == nil || rec.err.Kind != ErrorOther {
		t.Fatalf("error = %+v, want non-disconnect error", rec.err)
	}
	if rec.err.Message != "CRC mismatch" || rec.err.Code != 4 {
		t.Errorf("error = %+v, want code 4 CRC mismatch", rec.err)
	}
}

func TestCommandTransportAbort(t *testing.T) {
	tr, _ := NewCommandTransport([]string{"sh", "-c", "exec sleep 30"})
	rec := newSessionRecorder()
	s, err := tr.BeginFlash(context.Background(), testTarget, writeImage(t), rec.events())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Abort(); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	rec.wait(t)
	if err := s.Abort(); err != nil {
		t.Fatalf("second Abort() error = %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if last := rec.states[len(rec.states)-1]; last != StateAborted {
		t.Errorf("last state = %s, want aborted", last)
	}
}

func TestCommandTransportRefusesMissingImage(t *testing.T) {
	tr, _ := NewCommandTransport([]string{"true"})
	_, err := tr.BeginFlash(context.Background(), testTarget, filepath.Join(t.TempDir(), "nope.zip"), SessionEvents{})
	if err == nil {
		t.Fatal("expected error for missing image")
	}
}

func TestNewCommandTransportEmpty(t *testing.T) {
	if _, err := NewCommandTransport(nil); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestExpandArgs(t *testing.T) {
	got := expandArgs(
		[]string{"nrfutil", "-pkg", "{image}", "-a", "{address}", "--name={name}"},
		map[string]string{"{image}": "/tmp/x.zip", "{address}": "AA:BB", "{name}": "NuimoDFU"},
	)
	want := []string{"nrfutil", "-pkg", "/tmp/x.zip", "-a", "AA:BB", "--name=NuimoDFU"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d = %q, want %q", i, got[i], want[i])
		}
	}
}
