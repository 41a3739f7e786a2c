// Command test-reboot is a manual test for the reboot-to-update-mode
// instruction. It waits for a Nuimo running its application, asks it to
// restart into update mode, then waits for the update-mode device.
//
// Usage:
//
//	go run ./cmd/test-reboot [--timeout 60s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/nuimo-dfu/internal/ble"
)

// devices forwards discovery events to a channel.
type devices chan ble.Device

func (d devices) DeviceDiscovered(dev ble.Device) {
	select {
	case d <- dev:
	default:
	}
}

func (d devices) DeviceLost(ble.Device) {}

func (d devices) DiscoveryFailed(err error) {
	fmt.Printf("Scan ended: %v\n", err)
	os.Exit(1)
}

func main() {
	timeout := flag.Duration("timeout", 60*time.Second, "how long to wait for each device")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter := ble.NewNativeAdapter()
	registry := ble.NewRegistry(ble.NewAdapterScanner(adapter, ble.DefaultLostAfter))
	rebooter := ble.NewRebooter(adapter, ble.DefaultRebootOptions())
	found := make(devices, 16)
	registry.SetListener(found)

	if err := registry.StartDiscovery(ble.DefaultFilter()); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer registry.StopDiscovery()

	fmt.Println("Waiting for a Nuimo in normal mode...")
	dev, ok := waitFor(ctx, found, *timeout, func(d ble.Device) bool { return !d.UpdateMode })
	if !ok {
		fmt.Println("No device found.")
		return
	}
	fmt.Printf("Found %s\n", dev.String())

	if !rebooter.SupportsAutoReboot(dev) {
		fmt.Println("Device does not expose the DFU service; reboot it into update mode by hand.")
		return
	}

	fmt.Println("Requesting reboot into update mode...")
	if err := rebooter.RebootToUpdateMode(ctx, dev); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("Waiting for the update-mode device...")
	dfuDev, ok := waitFor(ctx, found, *timeout, func(d ble.Device) bool { return d.UpdateMode })
	if !ok {
		fmt.Println("Device did not come back in update mode.")
		return
	}
	fmt.Printf("\nDone! %s is in update mode.\n", dfuDev.String())
}

func waitFor(ctx context.Context, found devices, timeout time.Duration, match func(ble.Device) bool) (ble.Device, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case dev := <-found:
			if match(dev) {
				return dev, true
			}
		case <-t.C:
			return ble.Device{}, false
		case <-ctx.Done():
			return ble.Device{}, false
		}
	}
}
