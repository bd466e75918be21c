package pipeline

import (
	"testing"

	"go.uber.org/zap"
)

func newTestStore() *Store {
	return NewStore(nil, zap.NewNop())
}

func TestStore_MergeRetainsExistingIDs(t *testing.T) {
	s := newTestStore()
	s.UpdateCandidates([]ToolCandidate{{ID: "a", Name: "search", Args: map[string]any{"q": "1"}}})
	// Second delivery omits "a" entirely — it must survive the merge.
	s.UpdateCandidates([]ToolCandidate{{ID: "b", Name: "fetch", Args: map[string]any{"url": "u"}}})

	snap := s.Snapshot()
	if len(snap.Tools) != 2 {
		t.Fatalf("expected 2 tools after merge, got %d", len(snap.Tools))
	}
	if snap.Tools[0].Candidate.ID != "a" || snap.Tools[1].Candidate.ID != "b" {
		t.Fatalf("unexpected order: %s, %s", snap.Tools[0].Candidate.ID, snap.Tools[1].Candidate.ID)
	}
}

func TestStore_RedeliveryOfKnownIDIsNoop(t *testing.T) {
	s := newTestStore()
	s.UpdateCandidates([]ToolCandidate{{ID: "a", Name: "search", Args: map[string]any{"q": "1"}}})
	s.UpdateCandidates([]ToolCandidate{{ID: "a", Name: "search", Args: map[string]any{"q": "1"}}})

	snap := s.Snapshot()
	if len(snap.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(snap.Tools))
	}
}

func TestStore_DedupDisplayFirstSeenWins(t *testing.T) {
	s := newTestStore()
	s.UpdateCandidates([]ToolCandidate{
		{ID: "a", Name: "search", Args: map[string]any{"q": "x"}},
	})
	// Same logical tool detected again under a fresh id.
	s.UpdateCandidates([]ToolCandidate{
		{ID: "b", Name: "search", Args: map[string]any{"q": "x"}},
	})

	snap := s.Snapshot()
	if len(snap.Tools) != 1 {
		t.Fatalf("expected 1 displayed tool, got %d", len(snap.Tools))
	}
	if snap.Tools[0].Candidate.ID != "a" {
		t.Fatalf("expected first-seen id a, got %s", snap.Tools[0].Candidate.ID)
	}
	// The duplicate id still has its own record for status tracking.
	if _, ok := s.Record("b"); !ok {
		t.Fatal("expected record for duplicate id b")
	}
}

func TestStore_WithinBatchDuplicateGetsOwnRecord(t *testing.T) {
	s := newTestStore()
	// One delivery carrying the same logical tool twice: both ids get
	// records, the display collapses to the first.
	s.UpdateCandidates([]ToolCandidate{
		{ID: "a", Name: "search", Args: map[string]any{"q": "x"}},
		{ID: "b", Name: "search", Args: map[string]any{"q": "x"}},
	})

	if _, ok := s.Record("a"); !ok {
		t.Fatal("expected record for id a")
	}
	if _, ok := s.Record("b"); !ok {
		t.Fatal("expected record for duplicate id b")
	}
	snap := s.Snapshot()
	if len(snap.Tools) != 1 || snap.Tools[0].Candidate.ID != "a" {
		t.Fatalf("expected display to collapse to a, got %+v", snap.Tools)
	}
}

func TestStore_InvalidArgsGetMessageAndAreExcluded(t *testing.T) {
	s := newTestStore()
	s.UpdateCandidates([]ToolCandidate{{ID: "bad", Name: "search", Args: `{bad json`}})

	rec, ok := s.Record("bad")
	if !ok {
		t.Fatal("expected record")
	}
	if rec.Status != StatusInvalid {
		t.Fatalf("expected invalid status, got %s", rec.Status)
	}
	if rec.Result != msgInvalidJSON {
		t.Fatalf("expected %q, got %q", msgInvalidJSON, rec.Result)
	}

	// Manual enqueue of an invalid id is a no-op.
	s.Enqueue("bad")
	if snap := s.Snapshot(); len(snap.Queue) != 0 {
		t.Fatalf("expected empty queue, got %v", snap.Queue)
	}
}

func TestStore_EnqueueIdempotent(t *testing.T) {
	s := newTestStore()
	s.UpdateCandidates([]ToolCandidate{{ID: "a", Name: "search", Args: nil}})

	s.Enqueue("a")
	s.Enqueue("a")

	snap := s.Snapshot()
	if len(snap.Queue) != 1 {
		t.Fatalf("expected 1 queue entry, got %d", len(snap.Queue))
	}
}

func TestStore_EnqueueUnknownIsNoop(t *testing.T) {
	s := newTestStore()
	s.Enqueue("ghost")
	if snap := s.Snapshot(); len(snap.Queue) != 0 {
		t.Fatalf("expected empty queue, got %v", snap.Queue)
	}
}

func TestStore_ClearEmptiesVisibleState(t *testing.T) {
	s := newTestStore()
	s.UpdateCandidates([]ToolCandidate{
		{ID: "a", Name: "search", Args: nil},
		{ID: "b", Name: "fetch", Args: nil},
	})
	s.Enqueue("a")

	s.Clear()

	snap := s.Snapshot()
	if len(snap.Tools) != 0 || len(snap.Queue) != 0 || snap.Processing {
		t.Fatalf("expected empty state after clear, got %+v", snap)
	}
}

func TestStore_SubscriberNotifiedOnChange(t *testing.T) {
	s := newTestStore()
	calls := 0
	unsub := s.Subscribe(func() { calls++ })
	defer unsub()

	s.UpdateCandidates([]ToolCandidate{{ID: "a", Name: "search", Args: nil}})
	if calls == 0 {
		t.Fatal("expected subscriber to run")
	}

	before := calls
	// No new ids — no notification.
	s.UpdateCandidates([]ToolCandidate{{ID: "a", Name: "search", Args: nil}})
	if calls != before {
		t.Fatalf("expected no notification for a no-op delivery, got %d extra", calls-before)
	}
}

func TestStore_ReentrantNotificationBlocked(t *testing.T) {
	s := newTestStore()
	depth := 0
	s.Subscribe(func() {
		depth++
		if depth > 1 {
			t.Fatal("recursive notification not blocked")
		}
		// Mutating the store from a subscriber must not re-enter the
		// subscriber list.
		s.SetAutoSubmit(true)
		depth--
	})

	s.UpdateCandidates([]ToolCandidate{{ID: "a", Name: "search", Args: nil}})

	if !s.AutoSubmitEnabled() {
		t.Fatal("subscriber mutation should still apply")
	}
}

func TestStore_NotificationDuringPassIsRedelivered(t *testing.T) {
	s := newTestStore()
	calls := 0
	s.Subscribe(func() {
		calls++
		// A state change raised mid-pass must produce a trailing pass, not
		// vanish.
		if calls == 1 {
			s.SetAutoSubmit(true)
		}
	})

	s.UpdateCandidates([]ToolCandidate{{ID: "a", Name: "search", Args: nil}})

	if calls != 2 {
		t.Fatalf("expected a trailing notification pass, got %d calls", calls)
	}
}

func TestStore_UnsubscribeStopsCallbacks(t *testing.T) {
	s := newTestStore()
	calls := 0
	unsub := s.Subscribe(func() { calls++ })
	unsub()

	s.UpdateCandidates([]ToolCandidate{{ID: "a", Name: "search", Args: nil}})
	if calls != 0 {
		t.Fatalf("expected no callbacks after unsubscribe, got %d", calls)
	}
}
