package pipeline

import (
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcpbridge/mcpbridge/internal/storage"
)

// Store holds all pipeline state: the merged candidate set, per-tool
// execution records, the FIFO queue, the auto-execute gate, and the
// subscriber list. It is the sole mutator of "is a tool currently running".
//
// All methods are safe for concurrent use. Subscriber callbacks are invoked
// outside the lock; notifications raised during an in-flight pass are
// coalesced into one trailing pass, which breaks recursion when a subscriber
// mutates the store from inside its callback without losing the change.
type Store struct {
	mu     sync.Mutex
	logger *zap.Logger
	writer storage.EventWriter

	// Merged candidate state. order is first-seen id order across all
	// deliveries; keys maps DedupKey to the first id observed for it.
	order   []string
	records map[string]*ExecutionRecord
	keys    map[string]string

	// Execution queue. At most one id is in flight at a time; the head
	// stays in the queue while running and is popped on completion.
	queue      []string
	processing bool

	// epoch guards against an in-flight execution writing into state that
	// was cleared while it ran. Clear() bumps it; stale writes are dropped.
	epoch uint64

	autoExecute bool
	autoSubmit  bool
	baseline    map[string]struct{}
	autoQueued  map[string]struct{}

	wake chan struct{}

	subs          map[int]func()
	nextSubID     int
	notifying     bool
	notifyPending bool
}

// NewStore creates an empty Store. The writer may be nil, in which case no
// audit events are emitted.
func NewStore(writer storage.EventWriter, logger *zap.Logger) *Store {
	return &Store{
		logger:     logger,
		writer:     writer,
		records:    make(map[string]*ExecutionRecord),
		keys:       make(map[string]string),
		baseline:   make(map[string]struct{}),
		autoQueued: make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
		subs:       make(map[int]func()),
	}
}

// Subscribe registers a callback invoked after every state change. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// notify invokes all subscribers. Must be called without the lock held.
// Calls arriving while a pass is in flight — re-entrant ones from a
// subscriber mutating the store, or concurrent ones from another goroutine —
// are coalesced into one trailing pass rather than dropped, so the change
// they announce is always delivered.
func (s *Store) notify() {
	s.mu.Lock()
	if s.notifying {
		s.notifyPending = true
		s.mu.Unlock()
		return
	}
	s.notifying = true
	for {
		subs := make([]func(), 0, len(s.subs))
		for _, fn := range s.subs {
			subs = append(subs, fn)
		}
		s.mu.Unlock()

		for _, fn := range subs {
			fn()
		}

		s.mu.Lock()
		if !s.notifyPending {
			break
		}
		s.notifyPending = false
	}
	s.notifying = false
	s.mu.Unlock()
}

// UpdateCandidates merges a detection batch into the store. Existing ids are
// retained untouched (candidates are immutable once observed); every new id
// gets its own record, duplicates of a known logical tool included — the
// display collapses by DedupKey in Snapshot. When the auto-execute gate is
// open, new logical tools outside the baseline are enqueued in arrival order.
func (s *Store) UpdateCandidates(batch []ToolCandidate) {
	s.mu.Lock()
	changed := false
	for _, c := range batch {
		if c.ID == "" {
			continue
		}
		if _, exists := s.records[c.ID]; exists {
			continue
		}

		rec := &ExecutionRecord{Candidate: c}
		key := c.DedupKey()
		firstForKey := false
		if _, seen := s.keys[key]; !seen {
			s.keys[key] = c.ID
			firstForKey = true
		}

		valid, reason := ValidateArgs(c.Args)
		if !valid {
			rec.Status = StatusInvalid
			// Record the validation message as the visible result, but
			// never clobber a real result (cannot happen for a fresh
			// record, kept as a guard against future re-validation paths).
			if rec.Result == "" {
				rec.Result = reason
			}
		}

		s.records[c.ID] = rec
		s.order = append(s.order, c.ID)
		changed = true

		s.emitLocked(rec, storage.PhaseDetected, "", false)
		if !valid {
			s.emitLocked(rec, storage.PhaseInvalid, reason, false)
			continue
		}

		if s.autoExecute && firstForKey {
			if _, pre := s.baseline[c.ID]; pre {
				continue
			}
			if _, done := s.autoQueued[c.ID]; done {
				continue
			}
			s.autoQueued[c.ID] = struct{}{}
			s.enqueueLocked(rec, true)
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// Enqueue admits a tool to the execution queue on user request. It is a
// no-op for unknown, invalid, already queued, or running ids — callers never
// observe an error.
func (s *Store) Enqueue(id string) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || !rec.Runnable() {
		s.mu.Unlock()
		return
	}
	s.enqueueLocked(rec, false)
	s.mu.Unlock()
	s.notify()
}

// enqueueLocked appends the record to the queue tail and wakes the driver.
// Callers must hold the lock and have checked Runnable().
func (s *Store) enqueueLocked(rec *ExecutionRecord, auto bool) {
	id := rec.Candidate.ID
	if slices.Contains(s.queue, id) {
		return
	}
	rec.Status = StatusQueued
	s.queue = append(s.queue, id)
	s.emitLocked(rec, storage.PhaseQueued, "", auto)
	s.wakeLocked()
}

func (s *Store) wakeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Wake is the driver's wakeup channel; it fires after enqueues and kicks.
func (s *Store) Wake() <-chan struct{} { return s.wake }

// Kick wakes the driver without changing state. Used by the periodic
// reconciliation fallback.
func (s *Store) Kick() {
	s.mu.Lock()
	if len(s.queue) > 0 && !s.processing {
		s.wakeLocked()
	}
	s.mu.Unlock()
}

// Clear empties the queue and drops all candidate state. The auto-queued set
// survives so that re-detected ids are not re-executed in a storm after the
// clear; an execution already in flight is not interrupted, but its eventual
// result is discarded via the epoch guard.
func (s *Store) Clear() {
	s.mu.Lock()
	cleared := len(s.records)
	s.order = nil
	s.records = make(map[string]*ExecutionRecord)
	s.keys = make(map[string]string)
	s.queue = nil
	s.processing = false
	s.epoch++
	if s.writer != nil {
		s.writer.Write(&storage.ToolEvent{
			EventID:    uuid.New().String(),
			Timestamp:  time.Now(),
			Phase:      storage.PhaseCleared,
			Detail:     "cleared " + strconv.Itoa(cleared) + " tools",
			QueueDepth: 0,
			Source:     eventSource,
		})
	}
	s.mu.Unlock()
	s.notify()
}

// SetAutoSubmit toggles the auto-insert/auto-submit chain for future
// completions. In-flight executions pick up the flag at completion time.
func (s *Store) SetAutoSubmit(on bool) {
	s.mu.Lock()
	changed := s.autoSubmit != on
	s.autoSubmit = on
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// AutoSubmitEnabled reports the current auto-submit preference.
func (s *Store) AutoSubmitEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoSubmit
}

// next hands the queue head to the driver, marking it running and the store
// processing. Returns false when the queue is empty or an execution is
// already in flight. Invalid entries that slipped into the queue are dropped
// without ever reaching the executor.
func (s *Store) next() (ToolCandidate, uint64, bool) {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return ToolCandidate{}, 0, false
	}
	for len(s.queue) > 0 {
		id := s.queue[0]
		rec, ok := s.records[id]
		if !ok || rec.Status == StatusInvalid {
			s.queue = s.queue[1:]
			continue
		}
		rec.Status = StatusRunning
		s.processing = true
		cand, epoch := rec.Candidate, s.epoch
		s.mu.Unlock()
		s.notify()
		return cand, epoch, true
	}
	s.mu.Unlock()
	return ToolCandidate{}, 0, false
}

// setResult records the executor outcome for a running tool. Writes against
// a stale epoch (the store was cleared mid-flight) are dropped.
func (s *Store) setResult(id string, epoch uint64, result string, failed bool) bool {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		s.logger.Debug("dropping stale result for cleared tool", zap.String("tool_id", id))
		return false
	}
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if failed {
		rec.Status = StatusFailed
	} else {
		rec.Status = StatusDone
	}
	rec.Result = result
	s.mu.Unlock()
	s.notify()
	return true
}

// finishProcessing pops the completed id off the queue and releases the
// single-flight slot, letting the next tick pull the new head.
func (s *Store) finishProcessing(id string, epoch uint64) {
	s.mu.Lock()
	if epoch == s.epoch {
		if i := slices.Index(s.queue, id); i >= 0 {
			s.queue = slices.Delete(s.queue, i, i+1)
		}
	}
	s.processing = false
	if len(s.queue) > 0 {
		s.wakeLocked()
	}
	s.mu.Unlock()
	s.notify()
}

// beginAttach marks a completed tool as attaching and returns a copy of its
// record. Fails when the tool has no result yet or an attach is in progress.
func (s *Store) beginAttach(id string) (ExecutionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status != StatusDone || rec.Result == "" || rec.Attaching {
		return ExecutionRecord{}, false
	}
	rec.Attaching = true
	return rec.clone(), true
}

func (s *Store) endAttach(id string, delivered bool) {
	s.mu.Lock()
	if rec, ok := s.records[id]; ok {
		rec.Attaching = false
		if delivered {
			s.emitLocked(rec, storage.PhaseAttached, "", false)
		}
	}
	s.mu.Unlock()
	s.notify()
}

// Record returns a copy of the record for id.
func (s *Store) Record(id string) (ExecutionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ExecutionRecord{}, false
	}
	return rec.clone(), true
}

// Snapshot is a read-only view of pipeline state for the UI.
type Snapshot struct {
	Tools       []ExecutionRecord
	Queue       []string
	Processing  bool
	AutoExecute bool
	AutoSubmit  bool
}

// Snapshot returns the deduplicated display list (first-seen instance per
// DedupKey, detection order) plus queue and preference state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(s.order))
	tools := make([]ExecutionRecord, 0, len(s.order))
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		key := rec.Candidate.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		tools = append(tools, rec.clone())
	}

	return Snapshot{
		Tools:       tools,
		Queue:       slices.Clone(s.queue),
		Processing:  s.processing,
		AutoExecute: s.autoExecute,
		AutoSubmit:  s.autoSubmit,
	}
}

const eventSource = "bridge"

// emitLocked writes an audit event for a record transition. Caller holds the
// lock; Write never blocks.
func (s *Store) emitLocked(rec *ExecutionRecord, phase, detail string, auto bool) {
	if s.writer == nil {
		return
	}
	s.writer.Write(&storage.ToolEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		ToolID:        rec.Candidate.ID,
		ToolName:      rec.Candidate.Name,
		ArgumentsJSON: canonicalArgs(rec.Candidate.Args),
		Phase:         phase,
		Detail:        detail,
		QueueDepth:    int32(len(s.queue)),
		Auto:          auto,
		Source:        eventSource,
	})
}
