package ble

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var dfuServices = []string{DFUServiceUUID}

// fakeScanner hands the registry's handler back to the test so
// advertisements can be injected synchronously.
type fakeScanner struct {
	mu       sync.Mutex
	handler  ScanHandler
	services []string
	starts   int
	stops    int
	startErr error
}

func (s *fakeScanner) StartScan(serviceUUIDs []string, h ScanHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.starts++
	s.services = serviceUUIDs
	s.handler = h
	return nil
}

func (s *fakeScanner) StopScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

type registryEvents struct {
	mu         sync.Mutex
	discovered []Device
	lost       []Device
	failed     []error
}

func (e *registryEvents) DeviceDiscovered(dev Device) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discovered = append(e.discovered, dev)
}

func (e *registryEvents) DeviceLost(dev Device) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lost = append(e.lost, dev)
}

func (e *registryEvents) DiscoveryFailed(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, err)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeScanner, *registryEvents) {
	t.Helper()
	sc := &fakeScanner{}
	reg := NewRegistry(sc)
	ev := &registryEvents{}
	reg.SetListener(ev)
	if err := reg.StartDiscovery(DefaultFilter()); err != nil {
		t.Fatalf("StartDiscovery() error = %v", err)
	}
	return reg, sc, ev
}

func TestRegistryClassifiesByName(t *testing.T) {
	reg, sc, ev := newTestRegistry(t)

	sc.handler.Advertising(Advertisement{ID: "a", Name: "Nuimo", RSSI: -50, Services: []string{DFUServiceUUID}})
	sc.handler.Advertising(Advertisement{ID: "b", Name: "NuimoDFU", Services: dfuServices, RSSI: -60})
	sc.handler.Advertising(Advertisement{ID: "c", Name: "Headphones"})
	sc.handler.Advertising(Advertisement{ID: "d"})

	if len(ev.discovered) != 2 {
		t.Fatalf("discovered %d devices, want 2", len(ev.discovered))
	}
	if ev.discovered[0].UpdateMode || !ev.discovered[0].Reachable {
		t.Errorf("device a = %+v, want reachable application-mode device", ev.discovered[0])
	}
	if !ev.discovered[1].UpdateMode {
		t.Errorf("device b = %+v, want update-mode device", ev.discovered[1])
	}
	if !ev.discovered[0].HasService(DFUServiceUUID) {
		t.Error("device a should carry the DFU service")
	}

	got := reg.Reachable()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("Reachable() = %v, want [a b]", got)
	}
	if len(sc.services) != 1 || sc.services[0] != DFUServiceUUID {
		t.Errorf("scan services = %v, want [%s]", sc.services, DFUServiceUUID)
	}
}

func TestRegistryDiscoveredOncePerID(t *testing.T) {
	reg, sc, ev := newTestRegistry(t)

	for i := 0; i < 5; i++ {
		sc.handler.Advertising(Advertisement{ID: "a", Name: "NuimoDFU", Services: dfuServices, RSSI: -40 - i})
	}
	if len(ev.discovered) != 1 {
		t.Fatalf("discovered %d times, want 1", len(ev.discovered))
	}
	if rssi := reg.Reachable()[0].RSSI; rssi != -44 {
		t.Errorf("RSSI = %d, want latest -44", rssi)
	}

	sc.handler.StoppedAdvertising(Advertisement{ID: "a"})
	if len(ev.lost) != 1 || ev.lost[0].Reachable {
		t.Fatalf("lost = %v, want one unreachable device", ev.lost)
	}

	sc.handler.Advertising(Advertisement{ID: "a", Name: "NuimoDFU", Services: dfuServices})
	if len(ev.discovered) != 2 {
		t.Errorf("rediscovery after loss: discovered %d, want 2", len(ev.discovered))
	}
}

func TestRegistryModeChangeSameID(t *testing.T) {
	_, sc, ev := newTestRegistry(t)

	sc.handler.Advertising(Advertisement{ID: "a", Name: "Nuimo"})
	sc.handler.Advertising(Advertisement{ID: "a", Name: "NuimoDFU", Services: dfuServices})

	if len(ev.lost) != 1 || ev.lost[0].UpdateMode {
		t.Errorf("lost = %v, want the application-mode identity", ev.lost)
	}
	if len(ev.discovered) != 2 || !ev.discovered[1].UpdateMode {
		t.Errorf("discovered = %v, want second in update mode", ev.discovered)
	}
}

func TestRegistryLostUnknownIgnored(t *testing.T) {
	_, sc, ev := newTestRegistry(t)
	sc.handler.StoppedAdvertising(Advertisement{ID: "ghost"})
	if len(ev.lost) != 0 {
		t.Errorf("lost = %v, want none", ev.lost)
	}
}

func TestRegistryStopDiscoveryClearsSilently(t *testing.T) {
	reg, sc, ev := newTestRegistry(t)
	sc.handler.Advertising(Advertisement{ID: "a", Name: "Nuimo"})

	if err := reg.StopDiscovery(); err != nil {
		t.Fatalf("StopDiscovery() error = %v", err)
	}
	if len(reg.Reachable()) != 0 {
		t.Error("Reachable() should be empty after StopDiscovery")
	}
	if len(ev.lost) != 0 {
		t.Errorf("StopDiscovery fired %d lost events, want 0", len(ev.lost))
	}

	// Late events from the scanner are dropped.
	sc.handler.Advertising(Advertisement{ID: "b", Name: "Nuimo"})
	if len(ev.discovered) != 1 {
		t.Errorf("discovered after stop = %d, want 1", len(ev.discovered))
	}
}

func TestRegistryStartStopIdempotent(t *testing.T) {
	reg, sc, _ := newTestRegistry(t)

	if err := reg.StartDiscovery(DefaultFilter()); err != nil {
		t.Fatal(err)
	}
	if sc.starts != 1 {
		t.Errorf("starts = %d, want 1", sc.starts)
	}

	for i := 0; i < 2; i++ {
		if err := reg.StopDiscovery(); err != nil {
			t.Fatal(err)
		}
	}
	if sc.stops != 1 {
		t.Errorf("stops = %d, want 1", sc.stops)
	}

	if err := reg.StartDiscovery(DefaultFilter()); err != nil {
		t.Fatal(err)
	}
	if sc.starts != 2 {
		t.Errorf("starts after restart = %d, want 2", sc.starts)
	}
}

func TestRegistryStartError(t *testing.T) {
	sc := &fakeScanner{startErr: errMockRadio}
	reg := NewRegistry(sc)
	if err := reg.StartDiscovery(DefaultFilter()); !errors.Is(err, errMockRadio) {
		t.Fatalf("StartDiscovery() error = %v, want errMockRadio", err)
	}

	sc.startErr = nil
	if err := reg.StartDiscovery(DefaultFilter()); err != nil {
		t.Fatalf("retry StartDiscovery() error = %v", err)
	}
	if sc.starts != 1 {
		t.Errorf("starts = %d, want 1", sc.starts)
	}
}

func TestRegistryUpdateModeNeedsDFUService(t *testing.T) {
	reg, sc, ev := newTestRegistry(t)

	sc.handler.Advertising(Advertisement{ID: "a", Name: "NuimoDFU"})
	if len(ev.discovered) != 0 {
		t.Fatalf("discovered %v, want none without the DFU service", ev.discovered)
	}

	sc.handler.Advertising(Advertisement{ID: "a", Name: "NuimoDFU", Services: dfuServices})
	if len(ev.discovered) != 1 || !ev.discovered[0].UpdateMode {
		t.Errorf("discovered = %v, want one update-mode device", ev.discovered)
	}
	if len(reg.Reachable()) != 1 {
		t.Errorf("Reachable() = %v, want one device", reg.Reachable())
	}

	// Without a service in the filter the name alone is enough.
	f := DefaultFilter()
	f.ServiceUUID = ""
	if up, ok := f.classify(Advertisement{ID: "b", Name: "NuimoDFU"}); !ok || !up {
		t.Errorf("classify() = %v, %v; want update-mode match", up, ok)
	}
}

func TestRegistryScanFailedStopsDiscovery(t *testing.T) {
	reg, sc, ev := newTestRegistry(t)
	sc.handler.Advertising(Advertisement{ID: "a", Name: "Nuimo"})

	sc.handler.ScanFailed(errMockRadio)
	if len(ev.failed) != 1 || !errors.Is(ev.failed[0], errMockRadio) {
		t.Fatalf("failed = %v, want errMockRadio", ev.failed)
	}
	if len(reg.Reachable()) != 0 {
		t.Error("Reachable() should be empty after a scan failure")
	}

	// A second report and late advertisements are dropped.
	sc.handler.ScanFailed(errMockRadio)
	sc.handler.Advertising(Advertisement{ID: "b", Name: "Nuimo"})
	if len(ev.failed) != 1 || len(ev.discovered) != 1 {
		t.Errorf("failed = %d, discovered = %d; want 1, 1", len(ev.failed), len(ev.discovered))
	}

	if err := reg.StartDiscovery(DefaultFilter()); err != nil {
		t.Fatalf("StartDiscovery() after failure error = %v", err)
	}
	if sc.starts != 2 {
		t.Errorf("starts = %d, want a fresh scan after failure", sc.starts)
	}
	sc.handler.Advertising(Advertisement{ID: "b", Name: "Nuimo"})
	if len(ev.discovered) != 2 {
		t.Errorf("discovered = %d after restart, want 2", len(ev.discovered))
	}
}

func TestRegistryRecoversAfterAdapterScanError(t *testing.T) {
	adapter := newMockAdapter()
	reg := NewRegistry(NewAdapterScanner(adapter, time.Minute))
	ev := &registryEvents{}
	reg.SetListener(ev)
	if err := reg.StartDiscovery(DefaultFilter()); err != nil {
		t.Fatalf("StartDiscovery() error = %v", err)
	}
	defer reg.StopDiscovery()

	adapter.advertise(Advertisement{ID: "a", Name: "Nuimo"})
	adapter.scanErr <- errMockRadio
	waitFor(t, func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return len(ev.failed) == 1 && len(ev.lost) == 1
	}, "scan failure")

	if err := reg.StartDiscovery(DefaultFilter()); err != nil {
		t.Fatalf("StartDiscovery() after scan error = %v", err)
	}
	// advertise blocks until a scan is running again.
	done := make(chan struct{})
	go func() {
		adapter.advertise(Advertisement{ID: "b", Name: "NuimoDFU", Services: dfuServices})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no scan running after StartDiscovery")
	}
	waitFor(t, func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return len(ev.discovered) == 2 && ev.discovered[1].UpdateMode
	}, "update-mode device after restart")
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
