package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/nuimo-dfu/internal/ble/protocol"
)

// ErrAutoRebootUnsupported is returned for devices that cannot be switched
// into update mode remotely; the user has to do it by hand.
var ErrAutoRebootUnsupported = errors.New("ble: device does not support automatic reboot")

// RebootOptions configures the reboot instruction.
type RebootOptions struct {
	ControlPointUUID string        // defaults to DFUControlPointUUID
	ConnectTimeout   time.Duration // how long to wait for the connection
	Settle           time.Duration // how long to wait for the device to drop the link
}

// DefaultRebootOptions returns sensible defaults for production use.
func DefaultRebootOptions() RebootOptions {
	return RebootOptions{
		ControlPointUUID: DFUControlPointUUID,
		ConnectTimeout:   10 * time.Second,
		Settle:           2 * time.Second,
	}
}

// Rebooter instructs devices running the application image to restart into
// their update-mode image.
type Rebooter struct {
	adapter Adapter
	opts    RebootOptions
}

// NewRebooter creates a Rebooter. Zero-valued options take their defaults.
func NewRebooter(adapter Adapter, opts RebootOptions) *Rebooter {
	def := DefaultRebootOptions()
	if opts.ControlPointUUID == "" {
		opts.ControlPointUUID = def.ControlPointUUID
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.Settle <= 0 {
		opts.Settle = def.Settle
	}
	return &Rebooter{adapter: adapter, opts: opts}
}

// SupportsAutoReboot reports whether dev can be rebooted into update mode
// over the air: it must be running the application and expose the DFU
// service.
func (r *Rebooter) SupportsAutoReboot(dev Device) bool {
	return !dev.UpdateMode && dev.HasService(DFUServiceUUID)
}

// RebootToUpdateMode connects to dev and writes StartDFU to its control
// point. The device resets without answering in the usual case, so a
// dropped link or a quiet settle period both count as success; only an
// explicit error response fails. The device re-appears later under the
// update-mode name, possibly with a different ID.
func (r *Rebooter) RebootToUpdateMode(ctx context.Context, dev Device) error {
	if !r.SupportsAutoReboot(dev) {
		return ErrAutoRebootUnsupported
	}

	connectCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	conn, err := r.adapter.Connect(connectCtx, dev.ID)
	if err != nil {
		return fmt.Errorf("ble: connect for reboot: %w", err)
	}
	dropped := make(chan struct{})
	var once sync.Once
	conn.OnDisconnect(func() { once.Do(func() { close(dropped) }) })
	defer func() {
		select {
		case <-dropped:
		default:
			_ = conn.Disconnect()
		}
	}()

	ctrl, err := conn.DiscoverCharacteristic(DFUServiceUUID, r.opts.ControlPointUUID)
	if err != nil {
		return fmt.Errorf("ble: discover control point: %w", err)
	}

	respCh := make(chan *protocol.Response, 1)
	if err := ctrl.Subscribe(func(data []byte) {
		resp, err := protocol.UnmarshalResponse(data)
		if err != nil {
			return
		}
		select {
		case respCh <- resp:
		default:
		}
	}); err != nil {
		return fmt.Errorf("ble: subscribe to control point: %w", err)
	}

	if err := ctrl.Write(protocol.MarshalStartDFU(protocol.ImageApplication)); err != nil {
		return fmt.Errorf("ble: write start dfu: %w", err)
	}
	slog.Info("[BLE] reboot to update mode requested", "device", dev.String())

	select {
	case resp := <-respCh:
		if !resp.OK() {
			return fmt.Errorf("ble: reboot refused: %s", resp.Status)
		}
		return nil
	case <-dropped:
		slog.Debug("[BLE] device dropped link after reboot request", "id", dev.ID)
		return nil
	case <-time.After(r.opts.Settle):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ble: reboot: %w", ctx.Err())
	}
}
