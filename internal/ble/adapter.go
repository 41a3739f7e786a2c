// Package ble tracks peripherals that can be firmware-updated over Bluetooth
// Low Energy. It owns discovery (which devices are reachable, and in which
// mode), and the instruction that reboots a device into its update mode.
// The radio itself is reached through the Adapter interface.
package ble

import (
	"context"
	"strings"
)

// Nordic legacy DFU UUIDs. A device in update mode advertises the DFU
// service; an application that supports buttonless updates exposes it too.
const (
	DFUServiceUUID      = "00001530-1212-efde-1523-785feabcd123"
	DFUControlPointUUID = "00001531-1212-efde-1523-785feabcd123"
)

// Advertising names of the peripheral in its two modes.
const (
	DefaultDeviceName     = "Nuimo"
	DefaultUpdateModeName = "NuimoDFU"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Advertisement is one advertising packet seen during a scan.
type Advertisement struct {
	ID       string // transport address: MAC on Linux, CoreBluetooth UUID on macOS
	Name     string
	RSSI     int
	Services []string // requested service UUIDs present in the packet
}

// HasService reports whether the advertisement carries the given service UUID.
func (a Advertisement) HasService(uuid string) bool {
	for _, s := range a.Services {
		if strings.EqualFold(s, uuid) {
			return true
		}
	}
	return false
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every advertisement until ctx is cancelled. serviceUUIDs
	// lists the services whose presence should be reported in
	// Advertisement.Services; it does not filter.
	Scan(ctx context.Context, serviceUUIDs []string, onAdvert func(Advertisement)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, id string) (Connection, error)
}
