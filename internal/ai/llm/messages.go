package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/floegence/flowerpilot/internal/ai/sse"
)

const (
	anthropicVersion        = "2023-06-01"
	defaultMessagesMaxToken = int64(4096)
)

// MessagesAdapter speaks the messages protocol: a top-level system field and
// typed content blocks, with consecutive same-role turns merged.
type MessagesAdapter struct{}

func (MessagesAdapter) Protocol() Protocol { return ProtocolMessages }

func (MessagesAdapter) Path() string { return "/messages" }

func (MessagesAdapter) Headers(apiKey string) map[string]string {
	h := map[string]string{"anthropic-version": anthropicVersion}
	if key := strings.TrimSpace(apiKey); key != "" {
		h["x-api-key"] = key
	}
	return h
}

func (a MessagesAdapter) BuildStreamRequestBody(req Request) ([]byte, error) {
	return a.build(req, true)
}

func (a MessagesAdapter) BuildNonStreamRequestBody(req Request) ([]byte, error) {
	return a.build(req, false)
}

func (MessagesAdapter) build(req Request, stream bool) ([]byte, error) {
	system, messages := buildMessagesConversation(req.SystemPrompt, req.Items)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMessagesMaxToken
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
		Tools:     buildMessagesTools(req.Tools),
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal messages request: %w", err)
	}
	return finishBody(body, stream, req)
}

func buildMessagesTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := anthropic.ToolInputSchemaParam{}
		extra := map[string]any{}
		for k, v := range def.Parameters {
			switch k {
			case "type":
			case "properties":
				schema.Properties = v
			case "required":
				schema.Required = toStringSlice(v)
			default:
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			schema.ExtraFields = extra
		}
		tool := anthropic.ToolParam{Name: def.Name, InputSchema: schema}
		if desc := strings.TrimSpace(def.Description); desc != "" {
			tool.Description = anthropic.String(desc)
		}
		if def.Strict {
			tool.Strict = anthropic.Bool(true)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func buildMessagesConversation(systemPrompt string, items []Item) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	if prompt := strings.TrimSpace(systemPrompt); prompt != "" {
		system = append(system, anthropic.TextBlockParam{Text: prompt})
	}
	var out []anthropic.MessageParam
	push := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, item := range items {
		if item.Kind == ItemToolResult {
			push(anthropic.MessageParamRoleUser, buildToolResultBlock(item))
			continue
		}
		switch item.Role {
		case "system", "developer":
			if txt := strings.TrimSpace(item.Content); txt != "" {
				system = append(system, anthropic.TextBlockParam{Text: txt})
			}
		case "user":
			if item.Content != "" {
				push(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(item.Content))
			}
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if item.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(item.Content))
			}
			for _, tc := range item.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.CallID, toolInput(tc.Arguments), tc.Name))
			}
			push(anthropic.MessageParamRoleAssistant, blocks...)
		}
	}
	return system, out
}

func buildToolResultBlock(item Item) anthropic.ContentBlockParamUnion {
	block := anthropic.ToolResultBlockParam{ToolUseID: item.CallID}
	content := item.Content
	if content == "" {
		content = "(empty)"
	}
	block.Content = append(block.Content, anthropic.ToolResultBlockParamContentUnion{
		OfText: &anthropic.TextBlockParam{Text: content},
	})
	if url := strings.TrimSpace(item.ImageURL); url != "" {
		image := anthropic.ImageBlockParam{}
		if mediaType, data, ok := parseDataURL(url); ok {
			image.Source.OfBase64 = &anthropic.Base64ImageSourceParam{
				Data:      data,
				MediaType: anthropic.Base64ImageSourceMediaType(mediaType),
			}
		} else {
			image.Source.OfURL = &anthropic.URLImageSourceParam{URL: url}
		}
		block.Content = append(block.Content, anthropic.ToolResultBlockParamContentUnion{OfImage: &image})
	}
	return anthropic.ContentBlockParamUnion{OfToolResult: &block}
}

// toolInput keeps valid JSON objects verbatim; anything else becomes an empty object.
func toolInput(arguments string) json.RawMessage {
	raw := strings.TrimSpace(arguments)
	if raw == "" || !json.Valid([]byte(raw)) || !strings.HasPrefix(raw, "{") {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}

func toStringSlice(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, it := range x {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (MessagesAdapter) Stream(ctx context.Context, body io.Reader, onChunk func(StreamChunk)) (RequestResult, error) {
	acc := NewAccumulator()
	var reply strings.Builder
	err := sse.Decode(ctx, body, func(f sse.Frame) error {
		var ev anthropic.MessageStreamEventUnion
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return fmt.Errorf("decode messages event: %w", err)
		}
		text := ""
		fragment := false
		switch ev.Type {
		case "content_block_start":
			switch ev.ContentBlock.Type {
			case "tool_use":
				acc.Add(Fragment{Index: ev.Index, ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name})
				fragment = true
			case "text":
				text = ev.ContentBlock.Text
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				text = ev.Delta.Text
			case "input_json_delta":
				acc.Add(Fragment{Index: ev.Index, Arguments: ev.Delta.PartialJSON})
				fragment = true
			}
		}
		reply.WriteString(text)
		if onChunk != nil && (text != "" || fragment) {
			onChunk(StreamChunk{Delta: text, ToolCalls: acc.Snapshot()})
		}
		return nil
	})
	if err != nil {
		return RequestResult{}, err
	}
	return RequestResult{ToolCalls: acc.Finalize(), Reply: reply.String(), Streamed: true}, nil
}

func (MessagesAdapter) ExtractToolCalls(raw []byte) ([]ToolCall, error) {
	var msg anthropic.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}
	acc := NewAccumulator()
	for i, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		args := strings.TrimSpace(string(block.Input))
		if args == "null" {
			args = ""
		}
		acc.Add(Fragment{Index: int64(i), ID: block.ID, Name: block.Name, Arguments: args})
	}
	return acc.Finalize(), nil
}

func (MessagesAdapter) ExtractReply(raw []byte) (string, error) {
	var msg anthropic.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", fmt.Errorf("decode messages response: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
