package storage

import "time"

// Lifecycle phases recorded for a detected tool.
const (
	PhaseDetected  = "detected"
	PhaseInvalid   = "invalid"
	PhaseQueued    = "queued"
	PhaseStarted   = "started"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
	PhaseAttached  = "attached"
	PhaseCleared   = "cleared"
)

// EventWriter is the interface for writing tool execution events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *ToolEvent)
	Close()
}

// ToolEvent represents a single pipeline lifecycle transition to be persisted.
type ToolEvent struct {
	EventID       string
	Timestamp     time.Time
	ToolID        string
	ToolName      string
	ArgumentsJSON string
	Phase         string
	Detail        string // result preview, error message, or invalid reason
	QueueDepth    int32
	Auto          bool // transition came from the auto-execute gate
	LatencyMs     float32
	Source        string
}
