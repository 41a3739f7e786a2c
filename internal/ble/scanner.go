package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultLostAfter is how long a peripheral may stay silent before it is
// considered to have stopped advertising. Peripherals in update mode
// advertise at least once per second.
const DefaultLostAfter = time.Second

// ErrScanEnded is reported when the adapter stops scanning on its own.
var ErrScanEnded = errors.New("ble: scan ended unexpectedly")

// ScanHandler receives advertising events from a Scanner.
type ScanHandler interface {
	// Advertising is called for every advertisement received.
	Advertising(adv Advertisement)
	// StoppedAdvertising is called once when a previously seen peripheral
	// has gone silent (powered off, out of range, or connected elsewhere).
	StoppedAdvertising(adv Advertisement)
	// ScanFailed is called once when the scan ends without StopScan. Every
	// seen peripheral has been reported stopped before it; a new StartScan
	// is accepted afterwards.
	ScanFailed(err error)
}

// Scanner is the transport boundary consumed by Registry.
type Scanner interface {
	StartScan(serviceUUIDs []string, h ScanHandler) error
	StopScan() error
}

// AdapterScanner implements Scanner on an Adapter. It detects peripherals
// that stopped advertising by timing out their advertisements.
type AdapterScanner struct {
	adapter   Adapter
	lostAfter time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAdapterScanner creates a scanner. lostAfter <= 0 uses DefaultLostAfter.
func NewAdapterScanner(adapter Adapter, lostAfter time.Duration) *AdapterScanner {
	if lostAfter <= 0 {
		lostAfter = DefaultLostAfter
	}
	return &AdapterScanner{adapter: adapter, lostAfter: lostAfter}
}

// StartScan enables the adapter and starts scanning in the background.
// Calling it while a scan is running is a no-op.
func (s *AdapterScanner) StartScan(serviceUUIDs []string, h ScanHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go s.run(ctx, serviceUUIDs, h, done)
	return nil
}

// StopScan stops a running scan and waits for it to finish. Safe to call
// when no scan is running.
func (s *AdapterScanner) StopScan() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

type sighting struct {
	adv  Advertisement
	last time.Time
}

func (s *AdapterScanner) run(ctx context.Context, serviceUUIDs []string, h ScanHandler, done chan struct{}) {
	defer close(done)

	var mu sync.Mutex
	seen := make(map[string]sighting)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(s.lostAfter / 2)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case now := <-ticker.C:
				for _, adv := range expire(&mu, seen, now.Add(-s.lostAfter)) {
					h.StoppedAdvertising(adv)
				}
			}
		}
	}()

	slog.Debug("[BLE] scan started", "services", serviceUUIDs)
	err := s.adapter.Scan(ctx, serviceUUIDs, func(adv Advertisement) {
		mu.Lock()
		seen[adv.ID] = sighting{adv: adv, last: time.Now()}
		mu.Unlock()
		h.Advertising(adv)
	})
	stopSweep()
	<-sweepDone

	if ctx.Err() != nil {
		slog.Debug("[BLE] scan stopped")
		return
	}
	if err == nil {
		err = ErrScanEnded
	}
	slog.Error("[BLE] scan ended with error", "error", err)

	// Release the slot so the next StartScan runs a fresh scan.
	s.mu.Lock()
	if s.done == done {
		s.cancel()
		s.cancel, s.done = nil, nil
	}
	s.mu.Unlock()

	// Nothing is being observed any more, so nothing is reachable.
	for _, adv := range expire(&mu, seen, time.Now().Add(time.Hour)) {
		h.StoppedAdvertising(adv)
	}
	h.ScanFailed(err)
}

// expire removes and returns sightings last seen before cutoff.
func expire(mu *sync.Mutex, seen map[string]sighting, cutoff time.Time) []Advertisement {
	mu.Lock()
	defer mu.Unlock()
	var out []Advertisement
	for id, sg := range seen {
		if sg.last.Before(cutoff) {
			out = append(out, sg.adv)
			delete(seen, id)
		}
	}
	return out
}
