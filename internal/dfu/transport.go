package dfu

import (
	"context"

	"github.com/chaz8081/nuimo-dfu/internal/ble"
)

// SessionEvents receives callbacks from a flash session. Callbacks may run
// on any goroutine, including before BeginFlash returns.
type SessionEvents struct {
	OnState    func(State)
	OnProgress func(Progress)
	OnError    func(*TransportError)
}

// FlashSession is one running flash attempt.
type FlashSession interface {
	// Abort stops the attempt. It is safe to call more than once.
	Abort() error
}

// FlashTransport implements the device-side DFU protocol.
type FlashTransport interface {
	// BeginFlash starts flashing imagePath onto target. An error means the
	// transport refused to start and no events will follow.
	BeginFlash(ctx context.Context, target ble.Device, imagePath string, ev SessionEvents) (FlashSession, error)
}
