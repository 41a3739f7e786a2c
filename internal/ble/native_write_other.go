//go:build !darwin && !windows

package ble

// Write hands data to BlueZ, which picks a write request or command from
// the characteristic's flags. DeviceCharacteristic has no Write here.
func (c *nativeCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}
