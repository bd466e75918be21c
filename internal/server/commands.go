package server

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Command is one instruction pushed to a connected page over the command
// stream. The extension's content script applies it to the chat input.
type Command struct {
	Type     string `json:"type"` // "insert", "submit", "attach", "state"
	Text     string `json:"text,omitempty"`
	Filename string `json:"filename,omitempty"`
	Content  string `json:"content,omitempty"`
}

const subscriberBuffer = 16

// CommandHub fans page commands out to connected SSE subscribers. It
// implements the driver's PageActions: the chat input lives in the browser,
// so insert/submit/attach become messages instead of DOM calls.
type CommandHub struct {
	mu     sync.Mutex
	subs   map[int]chan Command
	nextID int
	logger *zap.Logger
}

// NewCommandHub creates an empty hub.
func NewCommandHub(logger *zap.Logger) *CommandHub {
	return &CommandHub{
		subs:   make(map[int]chan Command),
		logger: logger,
	}
}

// Subscribe registers a command stream. The returned function removes it.
func (h *CommandHub) Subscribe() (<-chan Command, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Command, subscriberBuffer)
	h.subs[id] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Connected reports whether any page is listening — the driver's "submission
// trigger is available" check.
func (h *CommandHub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs) > 0
}

// broadcast sends to all subscribers without blocking; slow consumers drop
// commands rather than stalling the driver. Returns the delivery count.
func (h *CommandHub) broadcast(cmd Command) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for id, ch := range h.subs {
		select {
		case ch <- cmd:
			delivered++
		default:
			h.logger.Warn("command subscriber lagging, dropping command",
				zap.Int("subscriber", id),
				zap.String("type", cmd.Type),
			)
		}
	}
	return delivered
}

// Insert pushes text into the page's chat input.
func (h *CommandHub) Insert(text string) {
	h.broadcast(Command{Type: "insert", Text: text})
}

// Submit triggers the page's chat form submission.
func (h *CommandHub) Submit() {
	h.broadcast(Command{Type: "submit"})
}

// Attach delivers a result file to the page. Reports whether any page was
// connected to receive it.
func (h *CommandHub) Attach(_ context.Context, filename, content string) (bool, error) {
	n := h.broadcast(Command{Type: "attach", Filename: filename, Content: content})
	return n > 0, nil
}

// NotifyState tells subscribers that pipeline state changed and a fresh
// snapshot should be fetched.
func (h *CommandHub) NotifyState() {
	h.broadcast(Command{Type: "state"})
}
