package tools

import "time"

// EventKind is a normalized tool lifecycle event type.
type EventKind string

const (
	EventKindBegin EventKind = "tool.begin"
	EventKindEnd   EventKind = "tool.end"
	EventKindError EventKind = "tool.error"
)

// Event is emitted by the Executor and can be forwarded to audit storage.
type Event struct {
	Kind       EventKind      `json:"kind"`
	CallID     string         `json:"call_id"`
	ToolName   string         `json:"tool_name"`
	AtUnixMs   int64          `json:"at_unix_ms"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func NewEvent(kind EventKind, callID string, toolName string, payload map[string]any) Event {
	return Event{
		Kind:     kind,
		CallID:   callID,
		ToolName: toolName,
		AtUnixMs: time.Now().UnixMilli(),
		Payload:  payload,
	}
}
