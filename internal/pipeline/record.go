package pipeline

// Status is the lifecycle state of a detected tool occurrence. A single
// tagged status replaces parallel loading/result/queued booleans so that
// illegal combinations cannot be represented.
type Status int

const (
	StatusIdle Status = iota
	StatusQueued
	StatusRunning
	StatusDone
	StatusFailed
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ExecutionRecord tracks everything known about one detected tool occurrence.
// Candidate fields are immutable after detection; Status, Result, and
// Attaching are mutated only by the Store and Driver.
type ExecutionRecord struct {
	Candidate ToolCandidate
	Status    Status
	Result    string
	Attaching bool
}

// Loading reports whether the tool is currently executing.
func (r *ExecutionRecord) Loading() bool {
	return r.Status == StatusRunning
}

// Runnable reports whether the record may still be admitted to the queue.
// Invalid, queued, and running records are excluded; done and failed records
// may be re-run manually.
func (r *ExecutionRecord) Runnable() bool {
	switch r.Status {
	case StatusQueued, StatusRunning, StatusInvalid:
		return false
	default:
		return true
	}
}

func (r *ExecutionRecord) clone() ExecutionRecord {
	return *r
}
