package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// PendingTool is a tool call that has started but not yet produced a result.
type PendingTool struct {
	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage
	StartedAt time.Time

	// elapsedSeconds is the last backend-reported elapsed time, <0 when the
	// backend has not reported yet.
	elapsedSeconds float64
}

// Elapsed returns the tool's running time. The backend-reported value wins;
// the local wall-clock delta is only a fallback until the first progress
// event for this tool arrives.
func (p *PendingTool) Elapsed(now time.Time) time.Duration {
	if p.elapsedSeconds >= 0 {
		return time.Duration(p.elapsedSeconds * float64(time.Second))
	}
	return now.Sub(p.StartedAt)
}

// Tracker maintains the set of currently executing tools and whether a stream
// is active, feeding the "running tool X for Ns" / "thinking" display. The
// clock is injected so elapsed-time behavior is testable without waiting.
type Tracker struct {
	now func() time.Time

	mu      sync.Mutex
	active  bool
	pending []*PendingTool
	byID    map[string]*PendingTool
}

// NewTracker returns a Tracker using the given clock, or time.Now when nil.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now, byID: make(map[string]*PendingTool)}
}

// RegisterToolUse adds a pending tool started at the current clock time.
func (t *Tracker) RegisterToolUse(toolUseID, toolName string, toolInput json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[toolUseID]; ok {
		return
	}
	p := &PendingTool{
		ToolUseID:      toolUseID,
		ToolName:       toolName,
		ToolInput:      toolInput,
		StartedAt:      t.now(),
		elapsedSeconds: -1,
	}
	t.byID[toolUseID] = p
	t.pending = append(t.pending, p)
}

// RegisterProgress records the backend-reported elapsed time for a pending
// tool. Unknown IDs are ignored: progress can arrive after a fast tool has
// already resolved.
func (t *Tracker) RegisterProgress(toolUseID string, elapsedSeconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.byID[toolUseID]; ok {
		p.elapsedSeconds = elapsedSeconds
	}
}

// Resolve removes a pending tool once its result arrived. Unknown IDs are
// ignored.
func (t *Tracker) Resolve(toolUseID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[toolUseID]; !ok {
		return
	}
	delete(t.byID, toolUseID)
	for i, p := range t.pending {
		if p.ToolUseID == toolUseID {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			break
		}
	}
}

// SetStreamActive flips the stream-active flag. Resolving all remaining tools
// is the caller's concern; a terminal event clears them via Observe.
func (t *Tracker) SetStreamActive(active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = active
	if !active {
		t.pending = nil
		t.byID = make(map[string]*PendingTool)
	}
}

// StreamActive reports whether a request is in flight (between start and the
// terminal event).
func (t *Tracker) StreamActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Pending returns a snapshot of pending tools in registration order.
func (t *Tracker) Pending() []PendingTool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingTool, len(t.pending))
	for i, p := range t.pending {
		out[i] = *p
	}
	return out
}

// Thinking reports whether the stream is active with no tool pending, the
// state the UI renders as a generic "thinking" indicator.
func (t *Tracker) Thinking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active && len(t.pending) == 0
}

// Observe updates the tracker from a decoded event: start activates the
// stream, tool_use blocks register, tool_result blocks resolve, tool_progress
// updates elapsed time, and a terminal event deactivates the stream.
func (t *Tracker) Observe(ev *Event) {
	switch ev.Type {
	case TypeStart:
		t.SetStreamActive(true)
	case TypeMessage:
		for _, b := range ev.Message.Content {
			switch b.Type {
			case "tool_use":
				t.RegisterToolUse(b.ID, b.Name, b.Input)
			case "tool_result":
				t.Resolve(b.ToolUseID)
			}
		}
	case TypeToolProgress:
		t.RegisterProgress(ev.ToolProgress.ToolUseID, ev.ToolProgress.ElapsedSeconds)
	default:
		if ev.Terminal() {
			t.SetStreamActive(false)
		}
	}
}
