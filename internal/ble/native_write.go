//go:build darwin || windows

package ble

// Write uses a write request so the control point acknowledges it.
func (c *nativeCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
