package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates canonical event variants.
type Type string

const (
	// TypeInit announces a started harness session.
	TypeInit Type = "init"
	// TypeDelta carries an incremental content fragment.
	TypeDelta Type = "delta"
	// TypeMessage carries one complete assistant message.
	TypeMessage Type = "message"
	// TypeToolCall announces a tool invocation requested by the harness.
	TypeToolCall Type = "tool_call"
	// TypeToolResult carries the outcome of one tool invocation.
	TypeToolResult Type = "tool_result"
	// TypeTerminal closes a mission's event log. Exactly one per mission.
	TypeTerminal Type = "terminal"
	// TypeAdapterError reports a recoverable protocol translation failure.
	TypeAdapterError Type = "adapter_error"
)

// TerminalStatus is the outcome reported by a Terminal event.
type TerminalStatus string

const (
	TerminalCompleted TerminalStatus = "completed"
	TerminalFailed    TerminalStatus = "failed"
	TerminalCancelled TerminalStatus = "cancelled"
)

// Event is one canonical record in a mission's event log. Sequence numbers
// are per-mission, start at 1, and have no gaps. Events are immutable once
// appended.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	Payload   any       `json:"payload"`
}

// InitPayload describes the session announced by the harness.
type InitPayload struct {
	SessionID string `json:"session_id"`
	Backend   string `json:"backend"`
	Model     string `json:"model,omitempty"`
}

// DeltaKind distinguishes incremental fragment flavors.
type DeltaKind string

const (
	DeltaText      DeltaKind = "text"
	DeltaThinking  DeltaKind = "thinking"
	DeltaToolInput DeltaKind = "tool_input"
)

// DeltaPayload is an incremental content fragment.
type DeltaPayload struct {
	Kind DeltaKind `json:"kind"`
	Text string    `json:"text"`
}

// MessagePayload is one complete assistant message.
type MessagePayload struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ToolCallPayload announces one tool invocation.
type ToolCallPayload struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload carries one tool invocation outcome.
type ToolResultPayload struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// TerminalPayload reports the final session outcome.
type TerminalPayload struct {
	Status     TerminalStatus `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	CostUSD    float64        `json:"cost_usd,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	NumTurns   int            `json:"num_turns,omitempty"`
}

// AdapterErrorPayload reports a single recoverable wire-protocol failure.
type AdapterErrorPayload struct {
	Message string `json:"message"`
	Line    string `json:"line,omitempty"`
}

// UnmarshalJSON decodes the wire form, selecting the payload type by tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Sequence  uint64          `json:"sequence"`
		Timestamp time.Time       `json:"timestamp"`
		Type      Type            `json:"type"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := decodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}

	e.Sequence = raw.Sequence
	e.Timestamp = raw.Timestamp
	e.Type = raw.Type
	e.Payload = payload
	return nil
}

func decodePayload(eventType Type, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	decode := func(target any) (any, error) {
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		return target, nil
	}

	switch eventType {
	case TypeInit:
		return decode(&InitPayload{})
	case TypeDelta:
		return decode(&DeltaPayload{})
	case TypeMessage:
		return decode(&MessagePayload{})
	case TypeToolCall:
		return decode(&ToolCallPayload{})
	case TypeToolResult:
		return decode(&ToolResultPayload{})
	case TypeTerminal:
		return decode(&TerminalPayload{})
	case TypeAdapterError:
		return decode(&AdapterErrorPayload{})
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
}

// Terminal reports whether the event closes its mission's log.
func (e Event) Terminal() bool {
	return e.Type == TypeTerminal
}

// TerminalPayloadOf extracts the terminal payload when present.
func TerminalPayloadOf(e Event) (TerminalPayload, bool) {
	if e.Type != TypeTerminal {
		return TerminalPayload{}, false
	}
	switch p := e.Payload.(type) {
	case TerminalPayload:
		return p, true
	case *TerminalPayload:
		if p != nil {
			return *p, true
		}
	}
	return TerminalPayload{}, false
}
