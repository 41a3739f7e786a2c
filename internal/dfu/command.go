package dfu

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/chaz8081/nuimo-dfu/internal/ble"
)

// Placeholders expanded in CommandTransport arguments.
const (
	PlaceholderImage   = "{image}"
	PlaceholderAddress = "{address}"
	PlaceholderName    = "{name}"
)

var percentRe = regexp.MustCompile(`(\d{1,3})\s*%`)

// phaseWords maps lower-cased fragments of flash tool output to the session
// state they announce. Entries are in session order.
var phaseWords = []struct {
	state State
	words []string
}{
	{StateStarting, []string{"starting dfu", "start dfu", "init packet"}},
	{StateEnablingUpdateMode, []string{"dfu mode", "bootloader"}},
	{StateValidating, []string{"validat", "verif"}},
	{StateDisconnecting, []string{"disconnecting", "activat", "resetting", "device programmed"}},
}

// phaseOf returns the state announced by a lower-cased output line.
func phaseOf(line string) (State, bool) {
	for _, p := range phaseWords {
		for _, w := range p.words {
			if strings.Contains(line, w) {
				return p.state, true
			}
		}
	}
	return 0, false
}

// CommandTransport flashes by running an external DFU tool such as nrfutil.
// Output lines containing a percentage are reported as upload progress.
// Lines naming a later phase (starting, bootloader, validating, activating)
// move the session forward; states are reported once each and never go
// back. A zero exit status is Completed; a non-zero exit is reported as a
// TransportError, classified as a disconnect if the tool's output says so.
type CommandTransport struct {
	args []string
}

// NewCommandTransport creates a transport running args. args[0] is the
// program; placeholders are expanded per flash.
func NewCommandTransport(args []string) (*CommandTransport, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, errors.New("dfu: flash command is empty")
	}
	return &CommandTransport{args: append([]string(nil), args...)}, nil
}

// BeginFlash implements FlashTransport.
func (t *CommandTransport) BeginFlash(ctx context.Context, target ble.Device, imagePath string, ev SessionEvents) (FlashSession, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return nil, fmt.Errorf("dfu: open firmware image: %w", err)
	}
	if target.ID == "" {
		return nil, errors.New("dfu: target has no address")
	}

	argv := expandArgs(t.args, map[string]string{
		PlaceholderImage:   imagePath,
		PlaceholderAddress: target.ID,
		PlaceholderName:    target.Name,
	})
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // command comes from the user's config
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("dfu: flash tool pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("dfu: start flash tool: %w", err)
	}
	slog.Debug("[DFU] flash tool started", "argv", argv, "pid", cmd.Process.Pid)

	s := &commandSession{cmd: cmd, ev: ev, done: make(chan struct{})}
	go s.run(bufio.NewScanner(out))
	return s, nil
}

// expandArgs substitutes placeholders in every argument.
func expandArgs(args []string, vars map[string]string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}

type commandSession struct {
	cmd  *exec.Cmd
	ev   SessionEvents
	done chan struct{}

	mu       sync.Mutex
	aborted  bool
	finished bool
}

func (s *commandSession) run(sc *bufio.Scanner) {
	defer close(s.done)
	phase := StateConnecting
	s.emitState(phase)
	advance := func(st State) {
		if st > phase {
			phase = st
			s.emitState(st)
		}
	}

	sc.Split(scanLinesOrCR)
	disconnected := false
	var last string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		slog.Debug("[DFU] flash tool", "line", line)
		last = line
		lower := strings.ToLower(line)
		if st, ok := phaseOf(lower); ok {
			advance(st)
		} else if strings.Contains(lower, "disconnect") {
			disconnected = true
		}
		m := percentRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		pct, _ := strconv.Atoi(m[1])
		if pct > 100 {
			pct = 100
		}
		advance(StateUploading)
		if s.ev.OnProgress != nil {
			s.ev.OnProgress(Progress{Fraction: float64(pct) / 100, PartIndex: 0, PartsCount: 1})
		}
	}
	err := s.cmd.Wait()

	s.mu.Lock()
	s.finished = true
	aborted := s.aborted
	s.mu.Unlock()

	switch {
	case aborted:
		s.emitState(StateAborted)
	case err == nil:
		s.emitState(StateCompleted)
	default:
		terr := &TransportError{Kind: ErrorOther, Code: -1, Message: last}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			terr.Code = exitErr.ExitCode()
		}
		if terr.Message == "" {
			terr.Message = err.Error()
		}
		if disconnected {
			terr.Kind = ErrorDisconnected
		}
		if s.ev.OnError != nil {
			s.ev.OnError(terr)
		}
	}
}

func (s *commandSession) emitState(st State) {
	if s.ev.OnState != nil {
		s.ev.OnState(st)
	}
}

// Abort kills the flash tool and waits for the session to wind down.
func (s *commandSession) Abort() error {
	s.mu.Lock()
	if s.aborted || s.finished {
		s.mu.Unlock()
		return nil
	}
	s.aborted = true
	s.mu.Unlock()

	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("dfu: kill flash tool: %w", err)
	}
	<-s.done
	return nil
}

// scanLinesOrCR splits on \n or \r so carriage-return progress bars yield
// one token per redraw.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
