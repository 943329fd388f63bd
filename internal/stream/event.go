// Package stream decodes the agent backend's NDJSON event stream into typed
// events and tracks in-flight tool execution.
//
// The wire format is application/x-ndjson: one JSON event per line. Every
// event carries a type, a requestId grouping all events of one agent request,
// a unique messageId, an ISO timestamp, and a type-dependent data payload.
// A well-behaved stream is one start, any number of message/tool_progress
// events, one terminal event (complete, error, or interrupt), and exactly one
// done that closes the stream. Ping events may appear anywhere as a liveness
// signal and carry no content.
package stream

import (
	"encoding/json"
	"fmt"
)

// Event type constants.
const (
	TypeStart        = "start"
	TypeMessage      = "message"
	TypeToolProgress = "tool_progress"
	TypeInterrupt    = "interrupt"
	TypeCompacting   = "compacting"
	TypeCompacted    = "compacted"
	TypeComplete     = "complete"
	TypeError        = "error"
	TypeDone         = "done"
	TypePing         = "ping"
)

// Event is a single decoded stream event. The Type field determines which
// payload field is non-nil.
type Event struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	MessageID string `json:"messageId"`
	Timestamp string `json:"timestamp"`

	Start        *StartPayload        `json:"-"`
	Message      *MessagePayload      `json:"-"`
	ToolProgress *ToolProgressPayload `json:"-"`
	Interrupt    *InterruptPayload    `json:"-"`
	Compacted    *CompactedPayload    `json:"-"`
	Complete     *CompletePayload     `json:"-"`
	Error        *ErrorPayload        `json:"-"`
}

// Terminal reports whether the event ends the request (done still follows).
func (e *Event) Terminal() bool {
	switch e.Type {
	case TypeComplete, TypeError, TypeInterrupt:
		return true
	}
	return false
}

// UnmarshalJSON implements json.Unmarshaler. Unrecognized types are an error;
// the decoder reports them as protocol errors and keeps going.
func (e *Event) UnmarshalJSON(line []byte) error {
	var envelope struct {
		Type      string          `json:"type"`
		RequestID string          `json:"requestId"`
		MessageID string          `json:"messageId"`
		Timestamp string          `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	e.Type = envelope.Type
	e.RequestID = envelope.RequestID
	e.MessageID = envelope.MessageID
	e.Timestamp = envelope.Timestamp

	data := envelope.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	switch envelope.Type {
	case TypeStart:
		e.Start = &StartPayload{}
		return json.Unmarshal(data, e.Start)
	case TypeMessage:
		e.Message = &MessagePayload{}
		return json.Unmarshal(data, e.Message)
	case TypeToolProgress:
		e.ToolProgress = &ToolProgressPayload{}
		return json.Unmarshal(data, e.ToolProgress)
	case TypeInterrupt:
		e.Interrupt = &InterruptPayload{}
		return json.Unmarshal(data, e.Interrupt)
	case TypeCompacting:
		return nil
	case TypeCompacted:
		e.Compacted = &CompactedPayload{}
		return json.Unmarshal(data, e.Compacted)
	case TypeComplete:
		e.Complete = &CompletePayload{}
		return json.Unmarshal(data, e.Complete)
	case TypeError:
		e.Error = &ErrorPayload{}
		return json.Unmarshal(data, e.Error)
	case TypeDone, TypePing:
		return nil
	default:
		return fmt.Errorf("unrecognized event type %q", envelope.Type)
	}
}

// StartPayload is emitted once at the start of a request.
type StartPayload struct {
	Model     string   `json:"model,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	Overflow
}

var startPayloadKnown = makeSet("model", "sessionId", "tools")

// UnmarshalJSON implements json.Unmarshaler.
func (p *StartPayload) UnmarshalJSON(data []byte) error {
	type Alias StartPayload
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("StartPayload: %w", err)
	}
	alias := (*Alias)(p)
	if err := json.Unmarshal(data, alias); err != nil {
		return fmt.Errorf("StartPayload: %w", err)
	}
	p.Extra = collectUnknown(raw, startPayloadKnown)
	warnUnknown("StartPayload", p.Extra)
	return nil
}

// MessagePayload mirrors the agent SDK's message union: a role plus content
// blocks (text, tool_use, tool_result).
type MessagePayload struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`

	Overflow
}

var messagePayloadKnown = makeSet("role", "content")

// UnmarshalJSON implements json.Unmarshaler.
func (p *MessagePayload) UnmarshalJSON(data []byte) error {
	type Alias MessagePayload
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("MessagePayload: %w", err)
	}
	alias := (*Alias)(p)
	if err := json.Unmarshal(data, alias); err != nil {
		return fmt.Errorf("MessagePayload: %w", err)
	}
	p.Extra = collectUnknown(raw, messagePayloadKnown)
	warnUnknown("MessagePayload", p.Extra)
	return nil
}

// ContentBlock is a single block within a message payload's content array.
// The Type field discriminates between variants.
type ContentBlock struct {
	Type string `json:"type"`

	// Text block (type="text").
	Text string `json:"text,omitempty"`

	// Tool use block (type="tool_use").
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result block (type="tool_result").
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	Overflow
}

var contentBlockKnown = makeSet("type", "text", "id", "name", "input", "tool_use_id", "is_error", "content")

// UnmarshalJSON implements json.Unmarshaler.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	type Alias ContentBlock
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ContentBlock: %w", err)
	}
	alias := (*Alias)(c)
	if err := json.Unmarshal(data, alias); err != nil {
		return fmt.Errorf("ContentBlock: %w", err)
	}
	c.Extra = collectUnknown(raw, contentBlockKnown)
	warnUnknown("ContentBlock("+c.Type+")", c.Extra)
	return nil
}

// ToolProgressPayload reports backend-measured progress for a running tool.
type ToolProgressPayload struct {
	ToolUseID      string  `json:"toolUseId"`
	ToolName       string  `json:"toolName,omitempty"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`

	Overflow
}

var toolProgressPayloadKnown = makeSet("toolUseId", "toolName", "elapsedSeconds")

// UnmarshalJSON implements json.Unmarshaler.
func (p *ToolProgressPayload) UnmarshalJSON(data []byte) error {
	type Alias ToolProgressPayload
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ToolProgressPayload: %w", err)
	}
	alias := (*Alias)(p)
	if err := json.Unmarshal(data, alias); err != nil {
		return fmt.Errorf("ToolProgressPayload: %w", err)
	}
	p.Extra = collectUnknown(raw, toolProgressPayloadKnown)
	warnUnknown("ToolProgressPayload", p.Extra)
	return nil
}

// InterruptPayload is emitted when the user stops the agent mid-request.
type InterruptPayload struct {
	Reason string `json:"reason,omitempty"`

	Overflow
}

var interruptPayloadKnown = makeSet("reason")

// UnmarshalJSON implements json.Unmarshaler.
func (p *InterruptPayload) UnmarshalJSON(data []byte) error {
	type Alias InterruptPayload
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("InterruptPayload: %w", err)
	}
	alias := (*Alias)(p)
	if err := json.Unmarshal(data, alias); err != nil {
		return fmt.Errorf("InterruptPayload: %w", err)
	}
	p.Extra = collectUnknown(raw, interruptPayloadKnown)
	warnUnknown("InterruptPayload", p.Extra)
	return nil
}

// CompactedPayload follows a compacting event once history compaction ends.
type CompactedPayload struct {
	PreTokens int `json:"preTokens,omitempty"`

	Overflow
}

var compactedPayloadKnown = makeSet("preTokens")

// UnmarshalJSON implements json.Unmarshaler.
func (p *CompactedPayload) UnmarshalJSON(data []byte) error {
	type Alias CompactedPayload
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("CompactedPayload: %w", err)
	}
	alias := (*Alias)(p)
	if err := json.Unmarshal(data, alias); err != nil {
		return fmt.Errorf("CompactedPayload: %w", err)
	}
	p.Extra = collectUnknown(raw, compactedPayloadKnown)
	warnUnknown("CompactedPayload", p.Extra)
	return nil
}

// CompletePayload is the successful terminal event for a request.
type CompletePayload struct {
	Result     string `json:"result,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	NumTurns   int    `json:"numTurns,omitempty"`

	Overflow
}

var completePayloadKnown = makeSet("result", "durationMs", "numTurns")

// UnmarshalJSON implements json.Unmarshaler.
func (p *CompletePayload) UnmarshalJSON(data []byte) error {
	type Alias CompletePayload
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("CompletePayload: %w", err)
	}
	alias := (*Alias)(p)
	if err := json.Unmarshal(data, alias); err != nil {
		return fmt.Errorf("CompletePayload: %w", err)
	}
	p.Extra = collectUnknown(raw, completePayloadKnown)
	warnUnknown("CompletePayload", p.Extra)
	return nil
}

// ErrorPayload is the failed terminal event for a request.
type ErrorPayload struct {
	Message string `json:"message"`

	Overflow
}

var errorPayloadKnown = makeSet("message")

// UnmarshalJSON implements json.Unmarshaler.
func (p *ErrorPayload) UnmarshalJSON(data []byte) error {
	type Alias ErrorPayload
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("ErrorPayload: %w", err)
	}
	alias := (*Alias)(p)
	if err := json.Unmarshal(data, alias); err != nil {
		return fmt.Errorf("ErrorPayload: %w", err)
	}
	p.Extra = collectUnknown(raw, errorPayloadKnown)
	warnUnknown("ErrorPayload", p.Extra)
	return nil
}
