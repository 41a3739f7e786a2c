// Package workflow sequences a firmware update from the user's point of
// view: find a device, get it into update mode, flash it, report the
// outcome. All inputs (user actions, discovery, catalog and update events,
// timers) are serialized onto one event loop, so the step and the recorded
// device are only ever touched from a single goroutine.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/nuimo-dfu/internal/ble"
	"github.com/chaz8081/nuimo-dfu/internal/dfu"
	"github.com/chaz8081/nuimo-dfu/internal/firmware"
)

// DefaultRebootTimeout bounds the wait for an update-mode device after
// entering a reboot step.
const DefaultRebootTimeout = 60 * time.Second

const fetchingCatalogText = "Fetching firmware catalog..."

// Catalog is the firmware catalog as seen by the workflow.
type Catalog interface {
	SetListener(l firmware.Listener)
	Refresh(ctx context.Context) error
	Latest() (firmware.Update, bool)
}

// Discovery is the device registry as seen by the workflow.
type Discovery interface {
	SetListener(l ble.RegistryListener)
	StartDiscovery(f ble.Filter) error
	StopDiscovery() error
}

// DeviceControl switches devices into update mode.
type DeviceControl interface {
	SupportsAutoReboot(dev ble.Device) bool
	RebootToUpdateMode(ctx context.Context, dev ble.Device) error
}

// Updater is the update controller as seen by the workflow.
type Updater interface {
	SetListener(l dfu.Listener)
	Start(target ble.Device, src dfu.Source)
	Cancel()
}

// Deps are the components the workflow drives.
type Deps struct {
	Catalog   Catalog
	Discovery Discovery
	Device    DeviceControl
	Updater   Updater
}

// Options configures a Workflow.
type Options struct {
	Filter        ble.Filter
	LocalImage    string        // flash this file instead of the catalog's latest
	RebootTimeout time.Duration // 0 uses DefaultRebootTimeout, < 0 waits forever
}

// Workflow is the update step machine.
type Workflow struct {
	deps Deps
	obs  Observer
	opts Options

	qmu   sync.Mutex
	queue []func()
	wake  chan struct{}

	// Owned by the event loop.
	ctx          context.Context
	loaded       bool
	done         bool
	step         Step
	device       *ble.Device // recorded update-mode device
	refreshing   int         // catalog refreshes in flight
	catalogErr   error
	startPending bool // update waits for a catalog refresh
	rebootGen    int
	rebootTimer  *time.Timer
	rebootCancel context.CancelFunc
}

// New creates a workflow and registers it as listener on the catalog,
// discovery and updater.
func New(deps Deps, obs Observer, opts Options) *Workflow {
	if opts.RebootTimeout == 0 {
		opts.RebootTimeout = DefaultRebootTimeout
	}
	w := &Workflow{
		deps: deps,
		obs:  obs,
		opts: opts,
		wake: make(chan struct{}, 1),
		ctx:  context.Background(),
		step: Step{Kind: StepIntro},
	}
	l := &listener{w: w}
	deps.Catalog.SetListener(l)
	deps.Discovery.SetListener(l)
	deps.Updater.SetListener(l)
	return w
}

// Load starts the flow: catalog refresh and discovery begin.
func (w *Workflow) Load() { w.post(w.load) }

// Confirm is the confirm button: start in Intro, close in Success, retry
// in Error.
func (w *Workflow) Confirm() { w.post(w.confirm) }

// Dismiss is the cancel button: tear everything down and end the flow.
func (w *Workflow) Dismiss() { w.post(w.finish) }

// Run processes events until the flow is dismissed (returns nil) or ctx is
// cancelled (tears down and returns ctx.Err()).
func (w *Workflow) Run(ctx context.Context) error {
	w.ctx = ctx
	for {
		for _, fn := range w.drain() {
			fn()
			if w.done {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			w.teardown()
			return ctx.Err()
		case <-w.wake:
		}
	}
}

func (w *Workflow) post(fn func()) {
	w.qmu.Lock()
	w.queue = append(w.queue, fn)
	w.qmu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Workflow) drain() []func() {
	w.qmu.Lock()
	defer w.qmu.Unlock()
	q := w.queue
	w.queue = nil
	return q
}

func (w *Workflow) enter(s Step) {
	if w.step != s {
		slog.Info("[Workflow] step changed", "from", w.step.Kind.String(), "to", s.Kind.String())
	}
	w.step = s
	w.obs.StepChanged(s, HintsFor(s))
}

func (w *Workflow) load() {
	if w.loaded {
		return
	}
	w.loaded = true
	w.enter(Step{Kind: StepIntro})
	w.refreshCatalog()
	w.startDiscovery()
}

func (w *Workflow) confirm() {
	switch w.step.Kind {
	case StepIntro:
		if w.device != nil {
			w.startUpdate()
		}
	case StepSuccess:
		w.finish()
	case StepError:
		w.restart()
	}
}

func (w *Workflow) finish() {
	slog.Info("[Workflow] dismissed", "step", w.step.Kind.String())
	w.teardown()
	w.done = true
	w.obs.Dismissed()
}

// teardown stops discovery and cancels the update together.
func (w *Workflow) teardown() {
	w.stopRebootWait()
	w.startPending = false
	if err := w.deps.Discovery.StopDiscovery(); err != nil {
		slog.Warn("[Workflow] stop discovery", "error", err)
	}
	w.deps.Updater.Cancel()
}

// restart goes back to Intro from scratch: no device, fresh catalog, fresh
// scan.
func (w *Workflow) restart() {
	slog.Info("[Workflow] restarting")
	w.teardown()
	w.device = nil
	w.enter(Step{Kind: StepIntro})
	w.obs.ProgressChanged(0)
	w.obs.StatusTextChanged("")
	w.refreshCatalog()
	w.startDiscovery()
}

func (w *Workflow) fail(err error) {
	slog.Error("[Workflow] update failed", "step", w.step.Kind.String(), "error", err)
	w.stopRebootWait()
	w.startPending = false
	if err := w.deps.Discovery.StopDiscovery(); err != nil {
		slog.Warn("[Workflow] stop discovery", "error", err)
	}
	msg := messageFor(err)
	w.enter(Step{Kind: StepError, Message: msg})
	w.obs.StatusTextChanged(msg)
}

func (w *Workflow) startDiscovery() {
	if err := w.deps.Discovery.StartDiscovery(w.opts.Filter); err != nil {
		w.fail(&DiscoveryError{Err: err})
	}
}

func (w *Workflow) refreshCatalog() {
	w.refreshing++
	ctx, cat := w.ctx, w.deps.Catalog
	go func() { _ = cat.Refresh(ctx) }()
}

func (w *Workflow) catalogSettled(err error) {
	if w.refreshing > 0 {
		w.refreshing--
	}
	w.catalogErr = err
	if !w.startPending || w.refreshing > 0 {
		return
	}
	w.startPending = false
	if w.step.awaitingDevice() && w.device != nil {
		w.startUpdate()
	}
}

func (w *Workflow) deviceDiscovered(dev ble.Device) {
	if !w.step.awaitingDevice() {
		return
	}
	if dev.UpdateMode {
		w.device = &dev
		if w.step.rebooting() {
			w.startUpdate()
		}
		return
	}
	if w.step.Kind != StepIntro {
		return
	}
	if w.device != nil {
		// Another device is already waiting in update mode.
		return
	}
	if w.deps.Device.SupportsAutoReboot(dev) {
		w.enter(Step{Kind: StepAutoRebootToUpdateMode})
		w.armRebootWait()
		w.reboot(dev)
		return
	}
	w.enter(Step{Kind: StepManualRebootToUpdateMode})
	w.armRebootWait()
}

func (w *Workflow) deviceLost(dev ble.Device) {
	if w.device == nil || w.device.ID != dev.ID || !w.step.awaitingDevice() {
		return
	}
	slog.Info("[Workflow] update-mode device lost", "device", dev.String())
	w.device = nil
	w.startDiscovery()
}

// discoveryFailed ends the flow while it still depends on scanning.
func (w *Workflow) discoveryFailed(err error) {
	if !w.step.awaitingDevice() {
		return
	}
	w.device = nil
	w.fail(&DiscoveryError{Err: err})
}

// firmwareSource picks the image to flash. pending is true if the catalog
// is still being fetched and nothing is available yet.
func (w *Workflow) firmwareSource() (src dfu.Source, pending bool, err error) {
	if w.opts.LocalImage != "" {
		return dfu.LocalFile(w.opts.LocalImage), false, nil
	}
	if u, ok := w.deps.Catalog.Latest(); ok {
		slog.Info("[Workflow] selected firmware", "version", u.Version.String(), "url", u.URL.String())
		return dfu.Remote(u.URL), false, nil
	}
	if w.refreshing > 0 {
		return dfu.Source{}, true, nil
	}
	if w.catalogErr != nil {
		return dfu.Source{}, false, fmt.Errorf("%w: %w", ErrNoFirmwareAvailable, w.catalogErr)
	}
	return dfu.Source{}, false, ErrNoFirmwareAvailable
}

func (w *Workflow) startUpdate() {
	src, pending, err := w.firmwareSource()
	if pending {
		w.startPending = true
		w.obs.StatusTextChanged(fetchingCatalogText)
		return
	}
	if err != nil {
		w.fail(err)
		return
	}

	target := *w.device
	w.stopRebootWait()
	w.startPending = false
	if err := w.deps.Discovery.StopDiscovery(); err != nil {
		slog.Warn("[Workflow] stop discovery", "error", err)
	}
	w.enter(Step{Kind: StepUpdating})
	w.obs.ProgressChanged(0)
	w.deps.Updater.Start(target, src)
}

func (w *Workflow) armRebootWait() {
	w.stopRebootWait()
	if w.opts.RebootTimeout <= 0 {
		return
	}
	gen := w.rebootGen
	w.rebootTimer = time.AfterFunc(w.opts.RebootTimeout, func() {
		w.post(func() { w.rebootTimedOut(gen) })
	})
}

// stopRebootWait invalidates the reboot timer and any reboot in flight.
func (w *Workflow) stopRebootWait() {
	w.rebootGen++
	if w.rebootTimer != nil {
		w.rebootTimer.Stop()
		w.rebootTimer = nil
	}
	if w.rebootCancel != nil {
		w.rebootCancel()
		w.rebootCancel = nil
	}
}

func (w *Workflow) rebootTimedOut(gen int) {
	if gen != w.rebootGen || !w.step.rebooting() {
		return
	}
	w.fail(ErrUpdateModeTimeout)
}

func (w *Workflow) reboot(dev ble.Device) {
	ctx, cancel := context.WithCancel(w.ctx)
	w.rebootCancel = cancel
	gen := w.rebootGen
	ctrl := w.deps.Device
	go func() {
		err := ctrl.RebootToUpdateMode(ctx, dev)
		w.post(func() { w.rebootDone(gen, dev, err) })
	}()
}

func (w *Workflow) rebootDone(gen int, dev ble.Device, err error) {
	if gen != w.rebootGen || w.step.Kind != StepAutoRebootToUpdateMode {
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.fail(&RebootError{Device: dev.String(), Err: err})
		return
	}
	slog.Info("[Workflow] device rebooting into update mode", "device", dev.String())
	w.obs.StatusTextChanged("Waiting for Nuimo to restart in update mode...")
}

func (w *Workflow) updateState(st dfu.State) {
	if w.step.Kind != StepUpdating {
		return
	}
	switch st {
	case dfu.StateCompleted:
		w.enter(Step{Kind: StepSuccess})
		w.obs.ProgressChanged(1)
	case dfu.StateAborted:
		w.fail(ErrUpdateAborted)
	default:
		w.obs.StatusTextChanged(st.Description() + "...")
	}
}

func (w *Workflow) updateProgress(p dfu.Progress) {
	if w.step.Kind != StepUpdating {
		return
	}
	w.obs.ProgressChanged(p.Fraction)
}

func (w *Workflow) updateFailed(err error) {
	if w.step.Kind != StepUpdating {
		return
	}
	w.fail(err)
}

// listener adapts component callbacks onto the event loop. Every method
// only enqueues, so components may call it while holding their own locks.
type listener struct {
	w *Workflow
}

func (l *listener) CatalogUpdated([]firmware.Update) {
	l.w.post(func() { l.w.catalogSettled(nil) })
}

func (l *listener) CatalogFailed(err error) {
	l.w.post(func() { l.w.catalogSettled(err) })
}

func (l *listener) DeviceDiscovered(dev ble.Device) {
	l.w.post(func() { l.w.deviceDiscovered(dev) })
}

func (l *listener) DeviceLost(dev ble.Device) {
	l.w.post(func() { l.w.deviceLost(dev) })
}

func (l *listener) DiscoveryFailed(err error) {
	l.w.post(func() { l.w.discoveryFailed(err) })
}

func (l *listener) UpdateStateChanged(st dfu.State) {
	l.w.post(func() { l.w.updateState(st) })
}

func (l *listener) UpdateProgressChanged(p dfu.Progress) {
	l.w.post(func() { l.w.updateProgress(p) })
}

func (l *listener) UpdateFailed(err error) {
	l.w.post(func() { l.w.updateFailed(err) })
}
