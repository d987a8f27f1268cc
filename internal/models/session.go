package models

import (
	"time"

	"github.com/Profusion-AI/cardmint/internal/common"
)

// SessionPhase enumerates operator session phases.
type SessionPhase string

const (
	PhasePrep       SessionPhase = "PREP"
	PhaseRunning    SessionPhase = "RUNNING"
	PhaseValidating SessionPhase = "VALIDATING"
	PhaseClosed     SessionPhase = "CLOSED"
	PhaseAborted    SessionPhase = "ABORTED"
)

// IsActive reports whether the phase counts against the single-active
// invariant (at most one RUNNING or VALIDATING session process-wide).
func (p SessionPhase) IsActive() bool {
	return p == PhaseRunning || p == PhaseValidating
}

// EventLevel is the severity of a session event.
type EventLevel string

const (
	EventInfo    EventLevel = "info"
	EventWarning EventLevel = "warning"
	EventError   EventLevel = "error"
)

// EventSource is the closed enum of session event origins.
type EventSource string

const (
	SourceWatcher   EventSource = "watcher"
	SourceWorker    EventSource = "worker"
	SourceResolver  EventSource = "resolver"
	SourceInference EventSource = "inference"
	SourceOperator  EventSource = "operator"
	SourceQueue     EventSource = "queue"
	SourceSystem    EventSource = "system"
)

// KnownEventSources lists the closed source enum.
var KnownEventSources = []EventSource{
	SourceWatcher, SourceWorker, SourceResolver,
	SourceInference, SourceOperator, SourceQueue, SourceSystem,
}

// OperatorSession is one operator working window. Events are append-only.
type OperatorSession struct {
	ID        string       `json:"id"`
	Phase     SessionPhase `json:"phase"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Heartbeat time.Time    `json:"heartbeat"`
	Baseline  bool         `json:"baseline,omitempty"`
	Notes     string       `json:"notes,omitempty"`
}

// NewOperatorSession creates a session in PREP.
func NewOperatorSession(baseline bool) *OperatorSession {
	now := time.Now()
	return &OperatorSession{
		ID:        common.NewSessionID(),
		Phase:     PhasePrep,
		StartedAt: now,
		Heartbeat: now,
		Baseline:  baseline,
	}
}

// Stale reports whether the session heartbeat has lapsed.
func (s *OperatorSession) Stale(threshold time.Duration, now time.Time) bool {
	return now.Sub(s.Heartbeat) > threshold
}

// SessionEvent is one append-only entry in a session's event stream.
type SessionEvent struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Timestamp time.Time    `json:"timestamp"`
	Phase     SessionPhase `json:"phase"`
	Level     EventLevel   `json:"level"`
	Source    EventSource  `json:"source"`
	Message   string       `json:"message"`
	Payload   string       `json:"payload,omitempty"` // JSON blob
}

// NewSessionEvent creates an event for the given session.
func NewSessionEvent(sessionID string, phase SessionPhase, level EventLevel, source EventSource, message string) *SessionEvent {
	return &SessionEvent{
		ID:        common.NewEventID(),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Phase:     phase,
		Level:     level,
		Source:    source,
		Message:   message,
	}
}
