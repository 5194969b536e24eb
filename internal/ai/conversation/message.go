package conversation

import (
	"strconv"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleDeveloper, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// ToolCallRecord is a tool call issued by an assistant message.
// CallID is the join key with the tool message that answers it.
type ToolCallRecord struct {
	ID        string `json:"id"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// PageReadEvent identifies the page (or page chunk) a tool call actually read.
type PageReadEvent struct {
	TabID      int64  `json:"tab_id"`
	PageNumber int    `json:"page_number,omitempty"`
	URL        string `json:"url,omitempty"`
}

// DedupeKey is "(url or tab id):(page number or 1)".
func (e PageReadEvent) DedupeKey() string {
	target := strings.TrimSpace(e.URL)
	if target == "" {
		target = strconv.FormatInt(e.TabID, 10)
	}
	page := e.PageNumber
	if page <= 0 {
		page = 1
	}
	return target + ":" + strconv.Itoa(page)
}

// ToolContext is metadata attached to a tool message. It is never sent to the model as-is.
type ToolContext struct {
	ToolName string         `json:"tool_name,omitempty"`
	PageRead *PageReadEvent `json:"page_read,omitempty"`
	// OutputWithoutContent replaces the tool output when an older copy of the same read is trimmed.
	OutputWithoutContent string `json:"output_without_content,omitempty"`
	// ImageURL is an http(s) URL or a data URI attached to the tool result.
	ImageURL string `json:"image_url,omitempty"`
}

type Message struct {
	ID          string           `json:"id"`
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	Pending     bool             `json:"pending,omitempty"`
	Hidden      bool             `json:"hidden,omitempty"`
	GroupID     string           `json:"group_id,omitempty"`
	ToolCalls   []ToolCallRecord `json:"tool_calls,omitempty"`
	ToolCallID  string           `json:"tool_call_id,omitempty"`
	ToolContext *ToolContext     `json:"tool_context,omitempty"`
}

// HasText reports whether the message carries non-blank text.
func (m Message) HasText() bool {
	return strings.TrimSpace(m.Content) != ""
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCallRecord(nil), m.ToolCalls...)
	}
	if m.ToolContext != nil {
		tc := *m.ToolContext
		if tc.PageRead != nil {
			pr := *tc.PageRead
			tc.PageRead = &pr
		}
		out.ToolContext = &tc
	}
	return out
}

func computeHidden(m Message) bool {
	switch m.Role {
	case RoleTool:
		return true
	case RoleAssistant:
		return !m.Pending && m.Content == ""
	default:
		return false
	}
}
