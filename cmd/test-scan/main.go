// Command test-scan is a manual test for device discovery.
// It prints Nuimo controllers as they appear and disappear.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-scan [--lost-after 1s]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/nuimo-dfu/internal/ble"
)

type printer struct{}

func (printer) DeviceDiscovered(dev ble.Device) {
	fmt.Printf("+++ %s  rssi=%d  services=%v\n", dev.String(), dev.RSSI, dev.Services)
}

func (printer) DeviceLost(dev ble.Device) {
	fmt.Printf("--- %s\n", dev.String())
}

func (printer) DiscoveryFailed(err error) {
	fmt.Printf("Scan ended: %v\n", err)
	os.Exit(1)
}

func main() {
	lostAfter := flag.Duration("lost-after", ble.DefaultLostAfter, "silence before a device counts as gone")
	flag.Parse()

	registry := ble.NewRegistry(ble.NewAdapterScanner(ble.NewNativeAdapter(), *lostAfter))
	registry.SetListener(printer{})

	fmt.Printf("Scanning for %q and %q...\n", ble.DefaultDeviceName, ble.DefaultUpdateModeName)
	fmt.Println("Press Ctrl+C to exit.")
	if err := registry.StartDiscovery(ble.DefaultFilter()); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Println("\nShutting down...")
	reachable := registry.Reachable()
	if err := registry.StopDiscovery(); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
	fmt.Printf("%d device(s) reachable at exit.\n", len(reachable))
	for _, dev := range reachable {
		fmt.Printf("  %s\n", dev.String())
	}
	fmt.Println("Done.")
}
