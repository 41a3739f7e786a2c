package ble

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Device is a discovered peripheral. ID is assigned by the transport and is
// only valid while the device stays reachable: a device that reconnects may
// come back under a different ID.
type Device struct {
	ID         string
	Name       string
	RSSI       int
	Services   []string
	UpdateMode bool // advertising as the update-mode (bootloader) image
	Reachable  bool
}

// HasService reports whether the device advertised the given service UUID.
func (d Device) HasService(uuid string) bool {
	return Advertisement{Services: d.Services}.HasService(uuid)
}

func (d Device) String() string {
	mode := "app"
	if d.UpdateMode {
		mode = "dfu"
	}
	return fmt.Sprintf("%s (%s, %s)", d.Name, d.ID, mode)
}

// Filter selects which advertisements the registry tracks.
type Filter struct {
	UpdateModeName string // advertised name in update mode, e.g. "NuimoDFU"
	DeviceName     string // advertised name in normal mode, e.g. "Nuimo"
	ServiceUUID    string // DFU service reported in Device.Services
}

// DefaultFilter matches Nuimo controllers in both modes.
func DefaultFilter() Filter {
	return Filter{
		UpdateModeName: DefaultUpdateModeName,
		DeviceName:     DefaultDeviceName,
		ServiceUUID:    DFUServiceUUID,
	}
}

// classify reports whether adv matches and whether it is in update mode.
// An update-mode match also needs ServiceUUID in the advertisement, when
// one is set.
func (f Filter) classify(adv Advertisement) (updateMode, ok bool) {
	switch {
	case adv.Name == "":
		return false, false
	case adv.Name == f.UpdateModeName:
		if f.ServiceUUID != "" && !adv.HasService(f.ServiceUUID) {
			return false, false
		}
		return true, true
	case adv.Name == f.DeviceName:
		return false, true
	}
	return false, false
}

// RegistryListener receives reachability changes. It is called with the
// registry's lock held and must not call back into the registry.
type RegistryListener interface {
	DeviceDiscovered(dev Device)
	DeviceLost(dev Device)
	// DiscoveryFailed reports that scanning ended on its own. Discovery is
	// stopped; StartDiscovery may be called again.
	DiscoveryFailed(err error)
}

// Registry tracks the set of currently reachable devices. DeviceDiscovered
// fires at most once per ID until a matching DeviceLost.
type Registry struct {
	scanner Scanner

	mu        sync.Mutex
	listener  RegistryListener
	filter    Filter
	scanning  bool
	reachable map[string]Device
}

// NewRegistry creates a registry fed by scanner.
func NewRegistry(scanner Scanner) *Registry {
	return &Registry{
		scanner:   scanner,
		reachable: make(map[string]Device),
	}
}

// SetListener registers the receiver of discovered/lost events.
func (r *Registry) SetListener(l RegistryListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// StartDiscovery begins scanning for devices matching f.
// Calling it while discovery is running is a no-op.
func (r *Registry) StartDiscovery(f Filter) error {
	r.mu.Lock()
	if r.scanning {
		r.mu.Unlock()
		return nil
	}
	r.filter = f
	r.scanning = true
	r.mu.Unlock()

	var services []string
	if f.ServiceUUID != "" {
		services = []string{f.ServiceUUID}
	}
	if err := r.scanner.StartScan(services, r); err != nil {
		r.mu.Lock()
		r.scanning = false
		r.mu.Unlock()
		return fmt.Errorf("ble: start discovery: %w", err)
	}
	slog.Info("[BLE] discovery started", "update_mode_name", f.UpdateModeName, "device_name", f.DeviceName)
	return nil
}

// StopDiscovery halts scanning and forgets every reachable device without
// firing DeviceLost. Safe to call when discovery is not running.
func (r *Registry) StopDiscovery() error {
	r.mu.Lock()
	if !r.scanning {
		r.mu.Unlock()
		return nil
	}
	r.scanning = false
	r.reachable = make(map[string]Device)
	r.mu.Unlock()

	// The lock must be released here: the scanner may be blocked delivering
	// an advertisement to us and StopScan waits for it.
	if err := r.scanner.StopScan(); err != nil {
		return fmt.Errorf("ble: stop discovery: %w", err)
	}
	slog.Info("[BLE] discovery stopped")
	return nil
}

// Reachable returns the currently reachable devices sorted by ID.
func (r *Registry) Reachable() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.reachable))
	for _, d := range r.reachable {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Advertising implements ScanHandler.
func (r *Registry) Advertising(adv Advertisement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scanning {
		return
	}
	updateMode, ok := r.filter.classify(adv)
	if !ok {
		return
	}

	dev, known := r.reachable[adv.ID]
	if known && dev.UpdateMode == updateMode {
		dev.RSSI = adv.RSSI
		r.reachable[adv.ID] = dev
		return
	}
	if known {
		// Same address, different image: report the old identity as gone.
		delete(r.reachable, adv.ID)
		dev.Reachable = false
		r.notifyLost(dev)
	}

	dev = Device{
		ID:         adv.ID,
		Name:       adv.Name,
		RSSI:       adv.RSSI,
		Services:   adv.Services,
		UpdateMode: updateMode,
		Reachable:  true,
	}
	r.reachable[adv.ID] = dev
	slog.Info("[BLE] device discovered", "device", dev.String(), "rssi", dev.RSSI)
	if r.listener != nil {
		r.listener.DeviceDiscovered(dev)
	}
}

// StoppedAdvertising implements ScanHandler.
func (r *Registry) StoppedAdvertising(adv Advertisement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scanning {
		return
	}
	dev, ok := r.reachable[adv.ID]
	if !ok {
		return
	}
	delete(r.reachable, adv.ID)
	dev.Reachable = false
	r.notifyLost(dev)
}

// ScanFailed implements ScanHandler.
func (r *Registry) ScanFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scanning {
		return
	}
	r.scanning = false
	r.reachable = make(map[string]Device)
	slog.Error("[BLE] discovery failed", "error", err)
	if r.listener != nil {
		r.listener.DiscoveryFailed(err)
	}
}

// notifyLost fires DeviceLost (caller must hold mu).
func (r *Registry) notifyLost(dev Device) {
	slog.Info("[BLE] device lost", "device", dev.String())
	if r.listener != nil {
		r.listener.DeviceLost(dev)
	}
}
