package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoMessage is returned when a queue lane is empty
var ErrNoMessage = errors.New("no messages in queue")

// Lane names the two logical queue lanes.
type Lane string

const (
	LaneCapture    Lane = "capture"
	LaneProcessing Lane = "processing"
)

// Queue job types routed to executors.
const (
	JobTypeIngest  = "ingest"  // capture lane: register a detected capture
	JobTypeProcess = "process" // processing lane: advance a scan through the pipeline
)

// QueueMessage is the structure stored in a queue lane.
// Keep it small - just enough to route the job.
type QueueMessage struct {
	ScanID   string          `json:"scan_id"`
	Type     string          `json:"type"`
	Priority int             `json:"priority"` // higher wins; ties by enqueue time
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// IngestPayload is the minimal capture-lane payload. The watcher fills it
// in the detection path, so nothing here may require I/O to populate.
type IngestPayload struct {
	Path        string    `json:"path"`
	Filename    string    `json:"filename"`
	ArrivedAt   time.Time `json:"arrived_at"`
	Sequence    int       `json:"sequence"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}
