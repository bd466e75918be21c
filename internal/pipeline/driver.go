package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcpbridge/mcpbridge/internal/storage"
)

// Timing contracts for the post-execution side-effect chain. The page's chat
// input is a single shared resource; the pauses give the site's own event
// handlers time to settle between insert and submit.
const (
	PostResultDelay     = 300 * time.Millisecond
	InsertToSubmitDelay = 300 * time.Millisecond
	QueueCooldown       = time.Second
)

// Executor invokes a tool against the MCP server. The driver guarantees at
// most one call is in flight; the executor itself may do network I/O.
type Executor interface {
	Execute(ctx context.Context, name string, args any) (string, error)
}

// PageActions delivers side effects to the chat page. Connected reports
// whether any page is listening; Insert and Submit are fire-and-forget from
// the driver's perspective; Attach reports whether a page was connected to
// receive the file.
type PageActions interface {
	Connected() bool
	Insert(text string)
	Submit()
	Attach(ctx context.Context, filename, content string) (bool, error)
}

// Preflight is an optional pre-execution guard, typically backed by the tool
// registry's argument schemas. A non-nil error fails the tool without
// calling the executor.
type Preflight interface {
	Check(ctx context.Context, name string, args any) error
}

// Driver pulls tools off the store's queue one at a time, runs them through
// the executor, records outcomes, and chains the auto-insert/auto-submit
// side effects. Exactly one execution is in flight at any instant; the
// cooldown between items is the queue's backpressure against runaway chains.
type Driver struct {
	store     *Store
	executor  Executor
	actions   PageActions
	preflight Preflight
	writer    storage.EventWriter
	clock     Clock
	logger    *zap.Logger
}

// DriverConfig wires a Driver. Preflight and Writer may be nil.
type DriverConfig struct {
	Store     *Store
	Executor  Executor
	Actions   PageActions
	Preflight Preflight
	Writer    storage.EventWriter
	Clock     Clock
	Logger    *zap.Logger
}

// NewDriver creates a Driver. A nil Clock defaults to the system clock.
func NewDriver(cfg DriverConfig) *Driver {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &Driver{
		store:     cfg.Store,
		executor:  cfg.Executor,
		actions:   cfg.Actions,
		preflight: cfg.Preflight,
		writer:    cfg.Writer,
		clock:     clock,
		logger:    cfg.Logger,
	}
}

// Run processes the queue until ctx is cancelled. Blocks; callers start it
// in its own goroutine.
func (d *Driver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.store.Wake():
		}
		d.drain(ctx)
	}
}

// drain executes queued tools back to back, observing the inter-item
// cooldown, until the queue empties.
func (d *Driver) drain(ctx context.Context) {
	for ctx.Err() == nil {
		cand, epoch, ok := d.store.next()
		if !ok {
			return
		}
		d.runOne(ctx, cand, epoch)
		d.clock.Sleep(ctx, QueueCooldown)
	}
}

// runOne executes a single tool to completion: preflight, executor call,
// result recording, and — on success with auto-submit on — the timed
// insert/submit chain. All failures are absorbed here; the queue always
// advances.
func (d *Driver) runOne(ctx context.Context, cand ToolCandidate, epoch uint64) {
	start := d.clock.Now()
	d.emit(cand, storage.PhaseStarted, "", 0)
	d.logger.Debug("executing tool",
		zap.String("tool_id", cand.ID),
		zap.String("tool_name", cand.Name),
	)

	args := normalizedArgs(cand.Args)

	var result string
	var err error
	if d.preflight != nil {
		err = d.preflight.Check(ctx, cand.Name, args)
	}
	if err == nil {
		result, err = d.executor.Execute(ctx, cand.Name, args)
	}

	latency := float32(float64(d.clock.Now().Sub(start)) / float64(time.Millisecond))

	if err != nil {
		msg := "Error: " + err.Error()
		d.store.setResult(cand.ID, epoch, msg, true)
		d.emit(cand, storage.PhaseFailed, err.Error(), latency)
		d.logger.Warn("tool execution failed",
			zap.String("tool_id", cand.ID),
			zap.String("tool_name", cand.Name),
			zap.Error(err),
		)
	} else {
		stored := d.store.setResult(cand.ID, epoch, result, false)
		d.emit(cand, storage.PhaseCompleted, preview(result), latency)
		// The chain needs a live submission trigger; with no page connected
		// the commands would be consumed by nobody and lost.
		if stored && d.store.AutoSubmitEnabled() {
			if d.actions.Connected() {
				d.deliver(ctx, result)
			} else {
				d.logger.Debug("no page connected, skipping submit chain",
					zap.String("tool_id", cand.ID),
				)
			}
		}
	}

	d.store.finishProcessing(cand.ID, epoch)
}

// deliver runs the auto-insert/auto-submit chain. Best effort: the result is
// already recorded, so a failed insert or submit is logged and forgotten.
func (d *Driver) deliver(ctx context.Context, result string) {
	d.clock.Sleep(ctx, PostResultDelay)
	if ctx.Err() != nil {
		return
	}
	d.actions.Insert(WrapToolOutput(result))
	d.clock.Sleep(ctx, InsertToSubmitDelay)
	if ctx.Err() != nil {
		return
	}
	d.actions.Submit()
}

// AttachResult delivers a tool's recorded result to the page as a file
// instead of inline text, then inserts a placeholder naming the file.
// No-op when the tool has no result or an attach is already in progress.
func (d *Driver) AttachResult(ctx context.Context, id string) {
	rec, ok := d.store.beginAttach(id)
	if !ok {
		return
	}
	filename := resultFilename(rec.Candidate.Name)
	delivered, err := d.actions.Attach(ctx, filename, rec.Result)
	if err != nil {
		d.logger.Warn("attach failed",
			zap.String("tool_id", id),
			zap.String("filename", filename),
			zap.Error(err),
		)
	}
	d.store.endAttach(id, delivered && err == nil)
	if delivered && err == nil {
		d.actions.Insert(fmt.Sprintf("Tool result attached as file: %s", filename))
	}
}

// WrapToolOutput frames a result for insertion into the chat input.
func WrapToolOutput(result string) string {
	return "<tool_output>\n" + result + "\n</tool_output>"
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func resultFilename(toolName string) string {
	name := unsafeFilenameChars.ReplaceAllString(toolName, "_")
	if name == "" {
		name = "tool"
	}
	return name + "-result.txt"
}

const previewLimit = 256

func preview(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	return s[:previewLimit]
}

func (d *Driver) emit(cand ToolCandidate, phase, detail string, latency float32) {
	if d.writer == nil {
		return
	}
	d.writer.Write(&storage.ToolEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		ToolID:        cand.ID,
		ToolName:      cand.Name,
		ArgumentsJSON: canonicalArgs(cand.Args),
		Phase:         phase,
		Detail:        detail,
		LatencyMs:     latency,
		Source:        eventSource,
	})
}
