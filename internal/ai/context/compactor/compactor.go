// Package compactor derives the bounded message sequence sent to the model
// from the full conversation history.
package compactor

import (
	"log/slog"

	"github.com/floegence/flowerpilot/internal/ai/conversation"
	"github.com/floegence/flowerpilot/internal/ai/llm"
	"github.com/floegence/flowerpilot/internal/ai/tools"
)

// ActionResolver reports the page-read dedupe action of a tool.
// *tools.Registry implements it.
type ActionResolver interface {
	DedupeAction(toolName string) tools.DedupeAction
}

type Options struct {
	Logger *slog.Logger
	Dedupe ActionResolver
}

// Compactor is stateless apart from its options; Compact is a pure function of
// the messages it is given.
type Compactor struct {
	log    *slog.Logger
	dedupe ActionResolver
}

func New(opts Options) *Compactor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Compactor{log: log, dedupe: opts.Dedupe}
}

// Entry is one planned message together with its index in the source history.
type Entry struct {
	Index   int
	Message conversation.Message
	// Trimmed is set when the tool output was replaced by its stand-in.
	Trimmed bool
}

// Compact returns the protocol-neutral items to transmit.
func (c *Compactor) Compact(messages []conversation.Message) []llm.Item {
	return ToItems(c.Plan(messages))
}

// Plan splits history at the boundary user message, collapses everything
// before it and deduplicates repeated page reads. messages is not modified.
func (c *Compactor) Plan(messages []conversation.Message) []Entry {
	var users []int
	for i, m := range messages {
		if m.Role == conversation.RoleUser {
			users = append(users, i)
		}
	}
	if len(users) == 0 {
		return nil
	}
	boundary := users[0]
	if len(users) >= 2 {
		boundary = users[len(users)-2]
	}

	plan := make([]Entry, 0, len(messages)-boundary+len(users))
	seenUser := false
	for i := 0; i < boundary; i++ {
		m := messages[i]
		switch m.Role {
		case conversation.RoleUser:
			seenUser = true
			plan = append(plan, Entry{Index: i, Message: m.Clone()})
		case conversation.RoleAssistant:
			if !seenUser || !m.HasText() {
				continue
			}
			collapsed := m.Clone()
			collapsed.ToolCalls = nil
			plan = append(plan, Entry{Index: i, Message: collapsed})
		}
	}
	for i := boundary; i < len(messages); i++ {
		plan = append(plan, Entry{Index: i, Message: messages[i].Clone()})
	}
	return c.dedupePageReads(plan)
}

func (c *Compactor) dedupePageReads(plan []Entry) []Entry {
	latest := make(map[string]int)
	for _, e := range plan {
		if key, ok := pageReadKey(e.Message); ok {
			if prev, seen := latest[key]; !seen || e.Index > prev {
				latest[key] = e.Index
			}
		}
	}
	if len(latest) == 0 {
		return plan
	}

	removedCalls := make(map[string]struct{})
	out := make([]Entry, 0, len(plan))
	for _, e := range plan {
		key, ok := pageReadKey(e.Message)
		if !ok || latest[key] == e.Index {
			out = append(out, e)
			continue
		}
		name := c.issuingTool(plan, e.Message)
		switch c.action(name) {
		case tools.DedupeRemoveToolCall:
			removedCalls[e.Message.ToolCallID] = struct{}{}
			continue
		case tools.DedupeTrimToolResponse:
			standIn := ""
			if e.Message.ToolContext != nil {
				standIn = e.Message.ToolContext.OutputWithoutContent
			}
			if standIn == "" {
				c.log.Warn("page read stand-in missing, sending full tool output",
					"tool_name", name,
					"call_id", e.Message.ToolCallID,
					"page_key", key,
				)
			} else {
				e.Message.Content = standIn
				e.Trimmed = true
			}
		}
		out = append(out, e)
	}

	if len(removedCalls) == 0 {
		return out
	}
	for i := range out {
		m := &out[i].Message
		if m.Role != conversation.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		kept := m.ToolCalls[:0]
		for _, tc := range m.ToolCalls {
			if _, drop := removedCalls[tc.CallID]; !drop {
				kept = append(kept, tc)
			}
		}
		if len(kept) == 0 {
			kept = nil
		}
		m.ToolCalls = kept
	}
	return out
}

func (c *Compactor) action(toolName string) tools.DedupeAction {
	if c.dedupe == nil || toolName == "" {
		return tools.DedupeNone
	}
	return c.dedupe.DedupeAction(toolName)
}

// issuingTool names the tool that produced a tool message, preferring the
// recorded context and falling back to the assistant call that issued it.
func (c *Compactor) issuingTool(plan []Entry, m conversation.Message) string {
	if m.ToolContext != nil && m.ToolContext.ToolName != "" {
		return m.ToolContext.ToolName
	}
	for _, e := range plan {
		for _, tc := range e.Message.ToolCalls {
			if tc.CallID == m.ToolCallID {
				return tc.Name
			}
		}
	}
	return ""
}

func pageReadKey(m conversation.Message) (string, bool) {
	if m.Role != conversation.RoleTool || m.ToolContext == nil || m.ToolContext.PageRead == nil {
		return "", false
	}
	return m.ToolContext.PageRead.DedupeKey(), true
}

// ToItems maps planned messages to adapter items. Assistant entries with
// neither text nor tool calls carry nothing and are skipped.
func ToItems(plan []Entry) []llm.Item {
	out := make([]llm.Item, 0, len(plan))
	for _, e := range plan {
		m := e.Message
		if m.Role == conversation.RoleTool {
			item := llm.Item{Kind: llm.ItemToolResult, CallID: m.ToolCallID, Content: m.Content}
			if m.ToolContext != nil && !e.Trimmed {
				item.ImageURL = m.ToolContext.ImageURL
			}
			out = append(out, item)
			continue
		}
		if m.Role == conversation.RoleAssistant && m.Content == "" && len(m.ToolCalls) == 0 {
			continue
		}
		item := llm.Item{Kind: llm.ItemConversation, Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			item.ToolCalls = append(item.ToolCalls, llm.ToolCallEntry{
				CallID:    tc.CallID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		out = append(out, item)
	}
	return out
}
