// Package dfu drives one firmware update at a time: it makes the image
// available locally, hands it to a flash transport, relays the session's
// state and progress, and silently restarts the flash when the device drops
// the link.
package dfu

import (
	"fmt"
	"net/url"
)

// State is a flash session state as reported by the transport.
type State int

const (
	StateConnecting State = iota
	StateStarting
	StateEnablingUpdateMode
	StateUploading
	StateValidating
	StateDisconnecting
	StateCompleted
	StateAborted
)

var stateNames = [...]string{
	StateConnecting:         "connecting",
	StateStarting:           "starting",
	StateEnablingUpdateMode: "enabling-update-mode",
	StateUploading:          "uploading",
	StateValidating:         "validating",
	StateDisconnecting:      "disconnecting",
	StateCompleted:          "completed",
	StateAborted:            "aborted",
}

var stateDescriptions = [...]string{
	StateConnecting:         "Connecting",
	StateStarting:           "Starting",
	StateEnablingUpdateMode: "Enabling DFU mode",
	StateUploading:          "Uploading",
	StateValidating:         "Validating",
	StateDisconnecting:      "Disconnecting",
	StateCompleted:          "Completing",
	StateAborted:            "Aborted",
}

func (s State) valid() bool { return s >= StateConnecting && s <= StateAborted }

func (s State) String() string {
	if !s.valid() {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Description is the user-facing label for s.
func (s State) Description() string {
	if !s.valid() {
		return s.String()
	}
	return stateDescriptions[s]
}

// Terminal reports whether s ends the session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Progress is upload progress for one part of a (possibly multi-part) image.
type Progress struct {
	Fraction   float64 // 0..1
	PartIndex  int     // 0-based
	PartsCount int
}

// Source is where the firmware image comes from.
type Source struct {
	path string
	url  *url.URL
}

// LocalFile is an image already on disk.
func LocalFile(path string) Source { return Source{path: path} }

// Remote is an image to download. file:// URLs are used in place.
func Remote(u *url.URL) Source { return Source{url: u} }

// IsLocal reports whether no download is needed.
func (s Source) IsLocal() bool {
	return s.url == nil || s.url.Scheme == "file"
}

func (s Source) String() string {
	if s.url != nil {
		return s.url.String()
	}
	return s.path
}

// localPath returns the on-disk path for local sources.
func (s Source) localPath() string {
	if s.url != nil {
		return s.url.Path
	}
	return s.path
}
