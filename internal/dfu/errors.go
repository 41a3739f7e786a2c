package dfu

import "fmt"

// ErrorKind classifies errors reported by a flash transport.
type ErrorKind int

const (
	// ErrorOther is any failure that is worth surfacing.
	ErrorOther ErrorKind = iota
	// ErrorDisconnected means the device dropped the link. Update-mode
	// devices do this routinely on the first connection attempt.
	ErrorDisconnected
)

func (k ErrorKind) String() string {
	if k == ErrorDisconnected {
		return "disconnected"
	}
	return "other"
}

// TransportError is reported by a flash session through SessionEvents.OnError.
type TransportError struct {
	Kind    ErrorKind
	Code    int
	Message string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dfu: transport error %d (%s): %s", e.Code, e.Kind, e.Message)
}

// DownloadError means the firmware image could not be fetched. No flash was
// attempted.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("dfu: download firmware from %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// StartError means the transport refused to begin flashing (unreadable
// image, target not connectable). It is never retried.
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("dfu: start flash: %v", e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// FlashError means the flash was aborted by a non-recoverable transport
// error, or the disconnect retry limit was reached.
type FlashError struct {
	Code    int
	Reason  string
	Retries int // disconnect retries made before giving up
}

func (e *FlashError) Error() string {
	return fmt.Sprintf("dfu: update aborted with error code %d: %s", e.Code, e.Reason)
}
