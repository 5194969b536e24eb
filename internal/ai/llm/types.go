// Package llm compiles protocol-neutral conversation items into provider
// request bodies and decodes provider responses back into text and tool calls.
package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
)

type Protocol string

const (
	ProtocolChatCompletions Protocol = "chat_completions"
	ProtocolResponses       Protocol = "responses"
	ProtocolMessages        Protocol = "messages"
)

func ParseProtocol(raw string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(raw))); p {
	case ProtocolChatCompletions, ProtocolResponses, ProtocolMessages:
		return p, nil
	case "":
		return "", fmt.Errorf("missing protocol")
	default:
		return "", fmt.Errorf("unsupported protocol %q", raw)
	}
}

// ToolDefinition is the protocol-neutral description of one tool.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Strict      bool
}

// ToolCall is a complete tool invocation decoded from a response.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// StreamChunk is handed to progress callbacks while a response streams.
// ToolCalls is a snapshot of the named calls accumulated so far.
type StreamChunk struct {
	Delta     string
	ToolCalls []ToolCall
}

// RequestResult is the outcome of one request/response round.
type RequestResult struct {
	ToolCalls []ToolCall
	Reply     string
	Streamed  bool
}

type ItemKind string

const (
	ItemConversation ItemKind = "conversation"
	ItemToolResult   ItemKind = "tool_result"
)

type ToolCallEntry struct {
	CallID    string
	Name      string
	Arguments string
}

// Item is one entry of the compiled conversation.
//
// Conversation items use Role, Content and ToolCalls. Tool result items use
// CallID, Content and optionally ImageURL (an http(s) URL or a data URI).
type Item struct {
	Kind      ItemKind
	Role      string
	Content   string
	ToolCalls []ToolCallEntry
	CallID    string
	ImageURL  string
}

// BodyOverride patches the built request body at a gjson/sjson path.
type BodyOverride struct {
	Path   string `json:"path" yaml:"path" toml:"path"`
	Value  any    `json:"value,omitempty" yaml:"value,omitempty" toml:"value,omitempty"`
	Delete bool   `json:"delete,omitempty" yaml:"delete,omitempty" toml:"delete,omitempty"`
}

// Request is everything an adapter needs to build one request body.
type Request struct {
	Model         string
	MaxTokens     int64
	SystemPrompt  string
	Tools         []ToolDefinition
	Items         []Item
	BodyOverrides []BodyOverride
}

// Adapter maps requests and responses for one wire protocol.
type Adapter interface {
	Protocol() Protocol
	// Path is appended to the configured base URL.
	Path() string
	// Headers returns protocol specific headers sent in addition to bearer auth.
	Headers(apiKey string) map[string]string

	BuildStreamRequestBody(req Request) ([]byte, error)
	BuildNonStreamRequestBody(req Request) ([]byte, error)

	// Stream decodes an event-stream body. onChunk may be nil.
	Stream(ctx context.Context, body io.Reader, onChunk func(StreamChunk)) (RequestResult, error)

	ExtractToolCalls(raw []byte) ([]ToolCall, error)
	ExtractReply(raw []byte) (string, error)
}

func NewAdapter(p Protocol) (Adapter, error) {
	switch p {
	case ProtocolChatCompletions:
		return ChatAdapter{}, nil
	case ProtocolResponses:
		return ResponsesAdapter{}, nil
	case ProtocolMessages:
		return MessagesAdapter{}, nil
	default:
		return nil, fmt.Errorf("unsupported protocol %q", p)
	}
}
