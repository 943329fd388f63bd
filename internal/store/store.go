// Package store is the persisted, ordered log of chat messages per
// conversation tab. Decoded stream events are applied in arrival order;
// each message has a single writer and is frozen once it reaches a terminal
// status.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/maruel/ksid"

	"github.com/eenlars/alive/internal/stream"
)

// Status is the lifecycle state of a message.
type Status string

// Message statuses.
const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// Origin records whether a message was produced locally or by the backend.
type Origin string

// Message origins.
const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// ContentKind mirrors the agent SDK's message union.
type ContentKind string

// Content kinds.
const (
	ContentUser       ContentKind = "user"
	ContentAssistant  ContentKind = "assistant"
	ContentSystem     ContentKind = "system"
	ContentToolResult ContentKind = "tool-result"
	ContentResult     ContentKind = "result"
)

// ToolResultRef identifies one tool result carried by a tool-result message.
type ToolResultRef struct {
	ToolUseID string `json:"toolUseId"`
	ToolName  string `json:"toolName"`
	IsError   bool   `json:"isError,omitempty"`
}

// Content is a message's payload.
type Content struct {
	Kind        ContentKind     `json:"kind"`
	Text        string          `json:"text,omitempty"`
	ToolResults []ToolResultRef `json:"toolResults,omitempty"`
}

// Message is one entry in a conversation tab's ordered log.
type Message struct {
	ID      ksid.ID `json:"id"`
	Tab     string  `json:"tab"`
	Seq     int64   `json:"seq"`
	Status  Status  `json:"status"`
	Origin  Origin  `json:"origin"`
	Content Content `json:"content"`
}

// ErrFrozen is returned when mutating a message that already reached a
// terminal status.
var ErrFrozen = errors.New("message is frozen")

// ErrUnknownMessage is returned for an id the store has never issued.
var ErrUnknownMessage = errors.New("unknown message id")

type tabState struct {
	msgs      []*Message
	byID      map[string]*Message // keyed by Message.ID.String()
	nextSeq   int64
	current   string            // in-progress remote message id, "" when none
	toolNames map[string]string // toolUseID → tool name, from tool_use blocks
}

// Store holds the per-tab message logs. Safe for concurrent use; events of
// one request must still be applied in arrival order by a single caller.
type Store struct {
	mu   sync.Mutex
	tabs map[string]*tabState
}

// New returns an empty Store.
func New() *Store {
	return &Store{tabs: make(map[string]*tabState)}
}

func (s *Store) tab(name string) *tabState {
	t, ok := s.tabs[name]
	if !ok {
		t = &tabState{
			byID:      make(map[string]*Message),
			nextSeq:   1,
			toolNames: make(map[string]string),
		}
		s.tabs[name] = t
	}
	return t
}

// Begin creates a pending message with the next sequence number in the tab
// and returns its id.
func (s *Store) Begin(tab string, origin Origin, content Content) ksid.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begin(s.tab(tab), tab, origin, content)
}

func (s *Store) begin(t *tabState, tab string, origin Origin, content Content) ksid.ID {
	m := &Message{
		ID:      ksid.NewID(),
		Tab:     tab,
		Seq:     t.nextSeq,
		Status:  StatusPending,
		Origin:  origin,
		Content: content,
	}
	t.nextSeq++
	t.msgs = append(t.msgs, m)
	t.byID[m.ID.String()] = m
	return m.ID
}

// add appends an already-terminal message (tool results, system notices).
func (s *Store) add(t *tabState, tab string, origin Origin, content Content) {
	id := s.begin(t, tab, origin, content)
	t.byID[id.String()].Status = StatusComplete
}

// AppendDelta appends text to a pending or streaming message, promoting
// pending to streaming. Content is appended, never replaced.
func (s *Store) AppendDelta(tab string, id ksid.ID, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.lookup(tab, id)
	if err != nil {
		return err
	}
	switch m.Status {
	case StatusPending:
		m.Status = StatusStreaming
	case StatusStreaming:
	default:
		return fmt.Errorf("append to %s message %s: %w", m.Status, id, ErrFrozen)
	}
	m.Content.Text += delta
	return nil
}

// Finalize moves a message to complete or error and freezes it. Finalizing a
// frozen message is a programmer error.
func (s *Store) Finalize(tab string, id ksid.ID, status Status) error {
	if status != StatusComplete && status != StatusError {
		return fmt.Errorf("finalize with non-terminal status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalize(tab, id, status)
}

func (s *Store) finalize(tab string, id ksid.ID, status Status) error {
	m, err := s.lookup(tab, id)
	if err != nil {
		return err
	}
	if m.Status == StatusComplete || m.Status == StatusError {
		return fmt.Errorf("finalize %s message %s: %w", m.Status, id, ErrFrozen)
	}
	m.Status = status
	t := s.tabs[tab]
	if t.current == m.ID.String() {
		t.current = ""
	}
	return nil
}

func (s *Store) lookup(tab string, id ksid.ID) (*Message, error) {
	t, ok := s.tabs[tab]
	if !ok {
		return nil, fmt.Errorf("tab %q: %w", tab, ErrUnknownMessage)
	}
	m, ok := t.byID[id.String()]
	if !ok {
		return nil, fmt.Errorf("tab %q id %s: %w", tab, id, ErrUnknownMessage)
	}
	return m, nil
}

// Get returns a snapshot of one message.
func (s *Store) Get(tab string, id ksid.ID) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.lookup(tab, id)
	if err != nil {
		return Message{}, false
	}
	return *m, true
}

// Messages returns a snapshot of the tab's messages in sequence order.
func (s *Store) Messages(tab string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[tab]
	if !ok {
		return nil
	}
	out := make([]Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = *m
	}
	return out
}

// Tabs returns the known tab names.
func (s *Store) Tabs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tabs))
	for name := range s.tabs {
		out = append(out, name)
	}
	return out
}

// AddUser records a locally submitted user message.
func (s *Store) AddUser(tab, text string) ksid.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tab(tab)
	id := s.begin(t, tab, OriginLocal, Content{Kind: ContentUser, Text: text})
	t.byID[id.String()].Status = StatusComplete
	return id
}

// Apply applies one decoded stream event to the tab. Events must arrive in
// stream order; later deltas assume earlier ones were already applied.
func (s *Store) Apply(tab string, ev *stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tab(tab)

	switch ev.Type {
	case stream.TypeStart:
		t.current = s.begin(t, tab, OriginRemote, Content{Kind: ContentAssistant}).String()
	case stream.TypeMessage:
		return s.applyMessage(t, tab, ev.Message)
	case stream.TypeToolProgress:
		// Tracker concern; nothing persisted.
	case stream.TypeCompacting:
		s.add(t, tab, OriginRemote, Content{Kind: ContentSystem, Text: "compacting conversation history"})
	case stream.TypeCompacted:
		s.add(t, tab, OriginRemote, Content{Kind: ContentSystem, Text: "conversation history compacted"})
	case stream.TypeInterrupt:
		// User asked for the stop; partial content is kept and valid.
		s.finalizeCurrent(t, tab, StatusComplete)
	case stream.TypeComplete:
		s.finalizeCurrent(t, tab, StatusComplete)
		if ev.Complete.Result != "" {
			s.add(t, tab, OriginRemote, Content{Kind: ContentResult, Text: ev.Complete.Result})
		}
	case stream.TypeError:
		if t.current == "" && ev.Error.Message != "" {
			s.add(t, tab, OriginRemote, Content{Kind: ContentSystem, Text: ev.Error.Message})
		}
		s.finalizeCurrent(t, tab, StatusError)
	case stream.TypeDone, stream.TypePing:
		// Stream bookkeeping only.
	default:
		return fmt.Errorf("apply: unhandled event type %q", ev.Type)
	}
	return nil
}

func (s *Store) applyMessage(t *tabState, tab string, p *stream.MessagePayload) error {
	if p.Role == "assistant" {
		if t.current == "" {
			t.current = s.begin(t, tab, OriginRemote, Content{Kind: ContentAssistant}).String()
		}
		m := t.byID[t.current]
		for _, b := range p.Content {
			switch b.Type {
			case "text":
				if m.Status == StatusPending {
					m.Status = StatusStreaming
				}
				m.Content.Text += b.Text
			case "tool_use":
				t.toolNames[b.ID] = b.Name
			}
		}
		return nil
	}

	// Tool results come back on user-role messages; each becomes its own
	// terminal tool-result message so runs of them can be grouped for display.
	var refs []ToolResultRef
	for _, b := range p.Content {
		if b.Type != "tool_result" {
			continue
		}
		refs = append(refs, ToolResultRef{
			ToolUseID: b.ToolUseID,
			ToolName:  t.toolNames[b.ToolUseID],
			IsError:   b.IsError,
		})
	}
	if len(refs) > 0 {
		s.add(t, tab, OriginRemote, Content{Kind: ContentToolResult, ToolResults: refs})
	}
	return nil
}

func (s *Store) finalizeCurrent(t *tabState, tab string, status Status) {
	if t.current == "" {
		return
	}
	if m, ok := t.byID[t.current]; ok {
		_ = s.finalize(tab, m.ID, status)
	}
}

// FailOpen finalizes any still pending or streaming message in the tab as
// errored. Called when the decoder reports truncation so the UI never shows
// an indefinitely streaming message.
func (s *Store) FailOpen(tab string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[tab]
	if !ok {
		return
	}
	for _, m := range t.msgs {
		if m.Status == StatusPending || m.Status == StatusStreaming {
			m.Status = StatusError
		}
	}
	t.current = ""
}
