package workflow

import (
	"errors"
	"fmt"

	"github.com/chaz8081/nuimo-dfu/internal/dfu"
)

var (
	// ErrNoFirmwareAvailable means neither a local image nor a catalog entry
	// could be selected. It wraps the last catalog error, if any.
	ErrNoFirmwareAvailable = errors.New("workflow: no firmware available")
	// ErrUpdateModeTimeout means no update-mode device appeared in time
	// after asking for (or waiting on) a reboot into update mode.
	ErrUpdateModeTimeout = errors.New("workflow: device did not enter update mode")
	// ErrUpdateAborted means the flash session ended in the aborted state.
	ErrUpdateAborted = errors.New("workflow: firmware upload aborted")
)

// RebootError means the reboot-to-update-mode instruction failed.
type RebootError struct {
	Device string
	Err    error
}

func (e *RebootError) Error() string {
	return fmt.Sprintf("workflow: reboot %s into update mode: %v", e.Device, e.Err)
}

func (e *RebootError) Unwrap() error { return e.Err }

// DiscoveryError means scanning could not be started or ended on its own.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("workflow: discovery: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// messageFor renders err as "<title>\n<reason>" for the error step.
func messageFor(err error) string {
	title, reason := describe(err)
	return title + "\n" + reason
}

func describe(err error) (title, reason string) {
	var (
		downloadErr  *dfu.DownloadError
		startErr     *dfu.StartError
		flashErr     *dfu.FlashError
		rebootErr    *RebootError
		discoveryErr *DiscoveryError
	)
	switch {
	case errors.Is(err, ErrNoFirmwareAvailable):
		return "Cannot start firmware upload", "Cannot access latest firmware"
	case errors.Is(err, ErrUpdateModeTimeout):
		return "Cannot find Nuimo in update mode", "Timed out waiting for the device to restart"
	case errors.Is(err, ErrUpdateAborted):
		return "Firmware upload aborted", "Aborted by user"
	case errors.As(err, &downloadErr):
		return "Cannot download firmware", errors.Unwrap(downloadErr).Error()
	case errors.As(err, &startErr):
		return "Cannot start firmware upload", errors.Unwrap(startErr).Error()
	case errors.As(err, &flashErr):
		return fmt.Sprintf("Update aborted with error code %d", flashErr.Code), flashErr.Reason
	case errors.As(err, &rebootErr):
		return "Cannot enable update mode", rebootErr.Err.Error()
	case errors.As(err, &discoveryErr):
		return "Cannot search for devices", discoveryErr.Err.Error()
	}
	return "Update failed", err.Error()
}
