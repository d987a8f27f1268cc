package common

import (
	"github.com/google/uuid"
)

// NewScanID generates a unique scan job ID.
// Format: scan_<uuid>
func NewScanID() string {
	return "scan_" + uuid.New().String()
}

// NewSessionID generates a unique operator session ID.
// Format: sess_<uuid>
func NewSessionID() string {
	return "sess_" + uuid.New().String()
}

// NewEventID generates a unique session event ID.
// Format: evt_<uuid>
func NewEventID() string {
	return "evt_" + uuid.New().String()
}
