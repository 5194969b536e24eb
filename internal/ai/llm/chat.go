package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/floegence/flowerpilot/internal/ai/sse"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// ChatAdapter speaks the chat-completions protocol: one flat message list with
// system/tool_call_id keyed entries and function-wrapped tools.
type ChatAdapter struct{}

func (ChatAdapter) Protocol() Protocol { return ProtocolChatCompletions }

func (ChatAdapter) Path() string { return "/chat/completions" }

func (ChatAdapter) Headers(string) map[string]string { return nil }

func (a ChatAdapter) BuildStreamRequestBody(req Request) ([]byte, error) {
	return a.build(req, true)
}

func (a ChatAdapter) BuildNonStreamRequestBody(req Request) ([]byte, error) {
	return a.build(req, false)
}

func (ChatAdapter) build(req Request, stream bool) ([]byte, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: buildChatMessages(req.SystemPrompt, req.Items),
		Tools:    buildChatTools(req.Tools),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	return finishBody(body, stream, req)
}

func buildChatTools(defs []ToolDefinition) []openai.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		fn := shared.FunctionDefinitionParam{
			Name:       def.Name,
			Parameters: shared.FunctionParameters(def.Parameters),
		}
		if desc := strings.TrimSpace(def.Description); desc != "" {
			fn.Description = openai.String(desc)
		}
		if def.Strict {
			fn.Strict = openai.Bool(true)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func buildChatMessages(systemPrompt string, items []Item) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(items)+1)
	if prompt := strings.TrimSpace(systemPrompt); prompt != "" {
		out = append(out, openai.SystemMessage(prompt))
	}

	// Tool messages must directly follow the assistant message that issued the
	// calls, so image parts are held back until the run of tool results ends.
	var pendingImages []openai.ChatCompletionContentPartUnionParam
	flushImages := func() {
		if len(pendingImages) == 0 {
			return
		}
		out = append(out, openai.UserMessage(pendingImages))
		pendingImages = nil
	}

	for _, item := range items {
		if item.Kind == ItemToolResult {
			out = append(out, openai.ToolMessage(item.Content, item.CallID))
			if url := strings.TrimSpace(item.ImageURL); url != "" {
				pendingImages = append(pendingImages,
					openai.TextContentPart(imageCaption(item.CallID)),
					openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}),
				)
			}
			continue
		}
		flushImages()

		switch item.Role {
		case "system":
			out = append(out, openai.SystemMessage(item.Content))
		case "developer":
			out = append(out, openai.DeveloperMessage(item.Content))
		case "user":
			out = append(out, openai.UserMessage(item.Content))
		case "assistant":
			msg := openai.ChatCompletionAssistantMessageParam{}
			if item.Content != "" {
				msg.Content.OfString = openai.String(item.Content)
			}
			for _, tc := range item.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.CallID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		}
	}
	flushImages()
	return out
}

func (ChatAdapter) Stream(ctx context.Context, body io.Reader, onChunk func(StreamChunk)) (RequestResult, error) {
	acc := NewAccumulator()
	var reply strings.Builder
	err := sse.Decode(ctx, body, func(f sse.Frame) error {
		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal(f.Data, &chunk); err != nil {
			return fmt.Errorf("decode chat chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		delta := chunk.Choices[0].Delta
		text := delta.Content + delta.Refusal
		for _, tc := range delta.ToolCalls {
			acc.Add(Fragment{
				Index:     tc.Index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		reply.WriteString(text)
		if onChunk != nil && (text != "" || len(delta.ToolCalls) > 0) {
			onChunk(StreamChunk{Delta: text, ToolCalls: acc.Snapshot()})
		}
		return nil
	})
	if err != nil {
		return RequestResult{}, err
	}
	return RequestResult{ToolCalls: acc.Finalize(), Reply: reply.String(), Streamed: true}, nil
}

func (ChatAdapter) ExtractToolCalls(raw []byte) ([]ToolCall, error) {
	var resp openai.ChatCompletion
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil
	}
	acc := NewAccumulator()
	for i, tc := range resp.Choices[0].Message.ToolCalls {
		acc.Add(Fragment{
			Index:     int64(i),
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return acc.Finalize(), nil
}

func (ChatAdapter) ExtractReply(raw []byte) (string, error) {
	var resp openai.ChatCompletion
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	msg := resp.Choices[0].Message
	return msg.Content + msg.Refusal, nil
}
