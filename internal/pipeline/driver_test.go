package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeClock records sleeps and returns immediately so driver tests do not
// wait out the real delay contracts.
type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Now() }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// stubExecutor returns canned results per tool name and tracks invocations.
type stubExecutor struct {
	mu      sync.Mutex
	calls   []string
	inCall  int
	maxSeen int
	results map[string]string
	errs    map[string]error
	block   chan struct{} // when non-nil, Execute waits on it
}

func (e *stubExecutor) Execute(_ context.Context, name string, _ any) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, name)
	e.inCall++
	if e.inCall > e.maxSeen {
		e.maxSeen = e.inCall
	}
	block := e.block
	e.mu.Unlock()

	if block != nil {
		<-block
	}

	e.mu.Lock()
	e.inCall--
	err := e.errs[name]
	result, ok := e.results[name]
	e.mu.Unlock()

	if err != nil {
		return "", err
	}
	if !ok {
		result = "ok"
	}
	return result, nil
}

func (e *stubExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *stubExecutor) callOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}

// stubActions records the side-effect chain.
type stubActions struct {
	mu        sync.Mutex
	connected bool
	events    []string
}

func (a *stubActions) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *stubActions) Insert(text string) {
	a.mu.Lock()
	a.events = append(a.events, "insert:"+text)
	a.mu.Unlock()
}

func (a *stubActions) Submit() {
	a.mu.Lock()
	a.events = append(a.events, "submit")
	a.mu.Unlock()
}

func (a *stubActions) Attach(_ context.Context, filename, _ string) (bool, error) {
	a.mu.Lock()
	a.events = append(a.events, "attach:"+filename)
	a.mu.Unlock()
	return true, nil
}

func (a *stubActions) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	copy(out, a.events)
	return out
}

type failPreflight struct{ err error }

func (p failPreflight) Check(context.Context, string, any) error { return p.err }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startDriver(t *testing.T, s *Store, exec Executor, actions PageActions, pre Preflight) (*Driver, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	d := NewDriver(DriverConfig{
		Store:     s,
		Executor:  exec,
		Actions:   actions,
		Preflight: pre,
		Clock:     clock,
		Logger:    zap.NewNop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d, clock
}

func TestDriver_ExecutesAndStoresResult(t *testing.T) {
	s := newTestStore()
	exec := &stubExecutor{results: map[string]string{"search": "found 3 results"}}
	actions := &stubActions{}
	startDriver(t, s, exec, actions, nil)

	s.UpdateCandidates([]ToolCandidate{{ID: "1", Name: "search", Args: map[string]any{"q": "x"}}})
	s.Enqueue("1")

	waitFor(t, "execution to finish", func() bool {
		rec, _ := s.Record("1")
		return rec.Status == StatusDone
	})

	rec, _ := s.Record("1")
	if rec.Result != "found 3 results" {
		t.Fatalf("result = %q", rec.Result)
	}
	if rec.Loading() {
		t.Fatal("loading should be false after completion")
	}
	if snap := s.Snapshot(); len(snap.Queue) != 0 || snap.Processing {
		t.Fatalf("expected drained queue, got %+v", snap)
	}
}

func TestDriver_AutoSubmitChain(t *testing.T) {
	s := newTestStore()
	s.SetAutoSubmit(true)
	exec := &stubExecutor{results: map[string]string{"search": "found 3 results"}}
	actions := &stubActions{connected: true}
	_, clock := startDriver(t, s, exec, actions, nil)

	s.UpdateCandidates([]ToolCandidate{{ID: "1", Name: "search", Args: map[string]any{"q": "x"}}})
	s.Enqueue("1")

	waitFor(t, "submit", func() bool {
		events := actions.recorded()
		return len(events) == 2 && events[1] == "submit"
	})

	events := actions.recorded()
	wantInsert := "insert:<tool_output>\nfound 3 results\n</tool_output>"
	if events[0] != wantInsert {
		t.Fatalf("insert payload = %q, want %q", events[0], wantInsert)
	}

	waitFor(t, "cooldown", func() bool { return len(clock.recorded()) >= 3 })
	sleeps := clock.recorded()
	if sleeps[0] != PostResultDelay || sleeps[1] != InsertToSubmitDelay || sleeps[2] != QueueCooldown {
		t.Fatalf("unexpected delay sequence: %v", sleeps)
	}
}

func TestDriver_NoChainWhenAutoSubmitOff(t *testing.T) {
	s := newTestStore()
	exec := &stubExecutor{}
	actions := &stubActions{}
	startDriver(t, s, exec, actions, nil)

	s.UpdateCandidates([]ToolCandidate{{ID: "1", Name: "search", Args: nil}})
	s.Enqueue("1")

	waitFor(t, "completion", func() bool {
		rec, _ := s.Record("1")
		return rec.Status == StatusDone
	})
	if events := actions.recorded(); len(events) != 0 {
		t.Fatalf("expected no page actions, got %v", events)
	}
}

func TestDriver_NoChainWithoutConnectedPage(t *testing.T) {
	s := newTestStore()
	s.SetAutoSubmit(true)
	exec := &stubExecutor{results: map[string]string{"search": "found 3 results"}}
	actions := &stubActions{connected: false}
	_, clock := startDriver(t, s, exec, actions, nil)

	s.UpdateCandidates([]ToolCandidate{{ID: "1", Name: "search", Args: map[string]any{"q": "x"}}})
	s.Enqueue("1")

	waitFor(t, "completion", func() bool {
		rec, _ := s.Record("1")
		return rec.Status == StatusDone
	})
	waitFor(t, "cooldown", func() bool { return len(clock.recorded()) >= 1 })

	// No page listening: the result is recorded but the insert/submit chain
	// and its delays are skipped entirely.
	if events := actions.recorded(); len(events) != 0 {
		t.Fatalf("expected no page actions, got %v", events)
	}
	sleeps := clock.recorded()
	if len(sleeps) != 1 || sleeps[0] != QueueCooldown {
		t.Fatalf("expected only the cooldown sleep, got %v", sleeps)
	}
}

func TestDriver_FIFOOrder(t *testing.T) {
	s := newTestStore()
	exec := &stubExecutor{}
	startDriver(t, s, exec, &stubActions{}, nil)

	s.UpdateCandidates([]ToolCandidate{
		{ID: "a", Name: "first", Args: nil},
		{ID: "b", Name: "second", Args: nil},
		{ID: "c", Name: "third", Args: nil},
	})
	s.Enqueue("a")
	s.Enqueue("b")
	s.Enqueue("c")

	waitFor(t, "all executions", func() bool { return exec.callCount() == 3 })

	order := exec.callOrder()
	for i, want := range []string{"first", "second", "third"} {
		if order[i] != want {
			t.Fatalf("execution order %v, want first/second/third", order)
		}
	}
}

func TestDriver_SingleFlight(t *testing.T) {
	s := newTestStore()
	exec := &stubExecutor{}
	startDriver(t, s, exec, &stubActions{}, nil)

	cands := make([]ToolCandidate, 0, 5)
	for i := 0; i < 5; i++ {
		cands = append(cands, ToolCandidate{ID: fmt.Sprintf("t%d", i), Name: fmt.Sprintf("tool%d", i), Args: nil})
	}
	s.UpdateCandidates(cands)
	for _, c := range cands {
		s.Enqueue(c.ID)
	}

	waitFor(t, "all executions", func() bool { return exec.callCount() == 5 })

	exec.mu.Lock()
	maxSeen := exec.maxSeen
	exec.mu.Unlock()
	if maxSeen != 1 {
		t.Fatalf("observed %d overlapping executions, want 1", maxSeen)
	}
}

func TestDriver_ErrorRecordedAndQueueContinues(t *testing.T) {
	s := newTestStore()
	s.SetAutoSubmit(true)
	exec := &stubExecutor{
		errs:    map[string]error{"broken": errors.New("connection refused")},
		results: map[string]string{"healthy": "fine"},
	}
	actions := &stubActions{connected: true}
	startDriver(t, s, exec, actions, nil)

	s.UpdateCandidates([]ToolCandidate{
		{ID: "a", Name: "broken", Args: nil},
		{ID: "b", Name: "healthy", Args: nil},
	})
	s.Enqueue("a")
	s.Enqueue("b")

	waitFor(t, "both to settle", func() bool {
		ra, _ := s.Record("a")
		rb, _ := s.Record("b")
		return ra.Status == StatusFailed && rb.Status == StatusDone
	})

	ra, _ := s.Record("a")
	if ra.Result != "Error: connection refused" {
		t.Fatalf("error result = %q", ra.Result)
	}

	// The failed tool must not trigger the insert/submit chain; the healthy
	// one after it must.
	events := actions.recorded()
	if len(events) != 2 || events[0] != "insert:<tool_output>\nfine\n</tool_output>" {
		t.Fatalf("unexpected action sequence: %v", events)
	}
}

func TestDriver_IdempotentManualExecute(t *testing.T) {
	s := newTestStore()
	release := make(chan struct{})
	exec := &stubExecutor{block: release}
	startDriver(t, s, exec, &stubActions{}, nil)

	s.UpdateCandidates([]ToolCandidate{{ID: "1", Name: "slow", Args: nil}})
	s.Enqueue("1")
	waitFor(t, "running", func() bool {
		rec, _ := s.Record("1")
		return rec.Status == StatusRunning
	})

	// Second execute while the first is still in flight.
	s.Enqueue("1")
	close(release)

	waitFor(t, "completion", func() bool {
		rec, _ := s.Record("1")
		return rec.Status == StatusDone
	})
	if n := exec.callCount(); n != 1 {
		t.Fatalf("executor invoked %d times, want 1", n)
	}
}

func TestDriver_ClearDropsInFlightResult(t *testing.T) {
	s := newTestStore()
	release := make(chan struct{})
	exec := &stubExecutor{block: release, results: map[string]string{"slow": "late result"}}
	startDriver(t, s, exec, &stubActions{}, nil)

	s.UpdateCandidates([]ToolCandidate{{ID: "1", Name: "slow", Args: nil}})
	s.Enqueue("1")
	waitFor(t, "running", func() bool {
		rec, _ := s.Record("1")
		return rec.Status == StatusRunning
	})

	s.Clear()
	close(release)

	// The in-flight call resolves against a cleared store: nothing may be
	// resurrected.
	waitFor(t, "driver to settle", func() bool { return !s.Snapshot().Processing })
	time.Sleep(10 * time.Millisecond)
	if _, ok := s.Record("1"); ok {
		t.Fatal("cleared record resurrected by late result")
	}
	if snap := s.Snapshot(); len(snap.Tools) != 0 {
		t.Fatalf("expected empty state, got %d tools", len(snap.Tools))
	}
}

func TestDriver_PreflightFailureSkipsExecutor(t *testing.T) {
	s := newTestStore()
	exec := &stubExecutor{}
	pre := failPreflight{err: errors.New("schema validation failed: missing property 'q'")}
	startDriver(t, s, exec, &stubActions{}, pre)

	s.UpdateCandidates([]ToolCandidate{{ID: "1", Name: "search", Args: map[string]any{}}})
	s.Enqueue("1")

	waitFor(t, "failure", func() bool {
		rec, _ := s.Record("1")
		return rec.Status == StatusFailed
	})

	if n := exec.callCount(); n != 0 {
		t.Fatalf("executor invoked %d times, want 0", n)
	}
	rec, _ := s.Record("1")
	if rec.Result != "Error: schema validation failed: missing property 'q'" {
		t.Fatalf("result = %q", rec.Result)
	}
}

func TestDriver_AttachResult(t *testing.T) {
	s := newTestStore()
	exec := &stubExecutor{results: map[string]string{"report": "big output"}}
	actions := &stubActions{}
	d, _ := startDriver(t, s, exec, actions, nil)

	s.UpdateCandidates([]ToolCandidate{{ID: "1", Name: "report", Args: nil}})
	s.Enqueue("1")
	waitFor(t, "completion", func() bool {
		rec, _ := s.Record("1")
		return rec.Status == StatusDone
	})

	d.AttachResult(context.Background(), "1")

	events := actions.recorded()
	if len(events) != 2 {
		t.Fatalf("expected attach then insert, got %v", events)
	}
	if events[0] != "attach:report-result.txt" {
		t.Fatalf("attach event = %q", events[0])
	}
	if events[1] != "insert:Tool result attached as file: report-result.txt" {
		t.Fatalf("placeholder insert = %q", events[1])
	}

	rec, _ := s.Record("1")
	if rec.Attaching {
		t.Fatal("attaching flag should reset")
	}
}
