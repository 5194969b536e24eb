package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/floegence/flowerpilot/internal/ai/sse"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
	"github.com/tidwall/sjson"
)

// ResponsesAdapter speaks the responses protocol: typed input items and a
// separate top-level instructions field.
type ResponsesAdapter struct{}

func (ResponsesAdapter) Protocol() Protocol { return ProtocolResponses }

func (ResponsesAdapter) Path() string { return "/responses" }

func (ResponsesAdapter) Headers(string) map[string]string { return nil }

func (a ResponsesAdapter) BuildStreamRequestBody(req Request) ([]byte, error) {
	return a.build(req, true)
}

func (a ResponsesAdapter) BuildNonStreamRequestBody(req Request) ([]byte, error) {
	return a.build(req, false)
}

type responsesImagePatch struct {
	index int
	text  string
	url   string
}

func (ResponsesAdapter) build(req Request, stream bool) ([]byte, error) {
	input, instructions, patches := buildResponsesInput(req.SystemPrompt, req.Items)
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(req.Model),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: input},
		Tools: buildResponsesTools(req.Tools),
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(req.MaxTokens)
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal responses request: %w", err)
	}
	// function_call_output only takes a string in the typed params; image
	// outputs are rewritten to the content-list form.
	for _, p := range patches {
		parts := []map[string]any{
			{"type": "input_text", "text": p.text},
			{"type": "input_image", "image_url": p.url},
		}
		body, err = sjson.SetBytes(body, "input."+strconv.Itoa(p.index)+".output", parts)
		if err != nil {
			return nil, fmt.Errorf("patch image output: %w", err)
		}
	}
	return finishBody(body, stream, req)
}

func buildResponsesTools(defs []ToolDefinition) []responses.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]responses.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		tool := responses.ToolParamOfFunction(def.Name, def.Parameters, def.Strict)
		if desc := strings.TrimSpace(def.Description); desc != "" && tool.OfFunction != nil {
			tool.OfFunction.Description = openai.String(desc)
		}
		out = append(out, tool)
	}
	return out
}

func buildResponsesInput(systemPrompt string, items []Item) (responses.ResponseInputParam, string, []responsesImagePatch) {
	input := make(responses.ResponseInputParam, 0, len(items)+4)
	var instructions []string
	if prompt := strings.TrimSpace(systemPrompt); prompt != "" {
		instructions = append(instructions, prompt)
	}
	var patches []responsesImagePatch

	for _, item := range items {
		if item.Kind == ItemToolResult {
			if url := strings.TrimSpace(item.ImageURL); url != "" {
				patches = append(patches, responsesImagePatch{index: len(input), text: item.Content, url: url})
			}
			input = append(input, responses.ResponseInputItemParamOfFunctionCallOutput(item.CallID, item.Content))
			continue
		}
		switch item.Role {
		case "system":
			if txt := strings.TrimSpace(item.Content); txt != "" {
				instructions = append(instructions, txt)
			}
		case "developer":
			input = append(input, responses.ResponseInputItemParamOfMessage(item.Content, responses.EasyInputMessageRoleDeveloper))
		case "user":
			input = append(input, responses.ResponseInputItemParamOfMessage(item.Content, responses.EasyInputMessageRoleUser))
		case "assistant":
			if item.Content != "" {
				input = append(input, responses.ResponseInputItemParamOfMessage(item.Content, responses.EasyInputMessageRoleAssistant))
			}
			for _, tc := range item.ToolCalls {
				input = append(input, responses.ResponseInputItemParamOfFunctionCall(tc.Arguments, tc.CallID, tc.Name))
			}
		}
	}
	return input, strings.Join(instructions, "\n\n"), patches
}

func (ResponsesAdapter) Stream(ctx context.Context, body io.Reader, onChunk func(StreamChunk)) (RequestResult, error) {
	acc := NewAccumulator()
	var reply strings.Builder
	var completed *responses.Response

	err := sse.Decode(ctx, body, func(f sse.Frame) error {
		var ev responses.ResponseStreamEventUnion
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return fmt.Errorf("decode responses event: %w", err)
		}
		eventType := ev.Type
		if eventType == "" {
			eventType = f.Event
		}
		text := ""
		fragment := false
		switch eventType {
		case "response.output_text.delta", "response.refusal.delta":
			text = ev.Delta.OfString
		case "response.output_item.added", "response.output_item.done":
			if ev.Item.Type == "function_call" {
				acc.Add(Fragment{
					Index:     ev.OutputIndex,
					ID:        responsesCallID(ev.Item.CallID, ev.Item.ID),
					Name:      ev.Item.Name,
					Arguments: ev.Item.Arguments,
					Complete:  eventType == "response.output_item.done",
				})
				fragment = true
			}
		case "response.function_call_arguments.delta":
			acc.Add(Fragment{Index: ev.OutputIndex, Arguments: ev.Delta.OfString})
			fragment = true
		case "response.function_call_arguments.done":
			acc.Add(Fragment{Index: ev.OutputIndex, Arguments: ev.Arguments, Complete: true})
			fragment = true
		case "response.completed":
			resp := ev.Response
			completed = &resp
		case "response.failed":
			msg := strings.TrimSpace(ev.Response.Error.Message)
			if msg == "" {
				msg = "response failed"
			}
			return &sse.StreamError{Event: eventType, Code: string(ev.Response.Error.Code), Message: msg}
		case "error":
			return &sse.StreamError{Event: eventType, Code: ev.Code, Message: ev.Message}
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

	// Some gateways only send the final response object.
	if completed != nil {
		if reply.Len() == 0 {
			reply.WriteString(responsesReply(completed.Output))
		}
		if acc.Len() == 0 {
			addResponsesCalls(acc, completed.Output)
		}
	}
	return RequestResult{ToolCalls: acc.Finalize(), Reply: reply.String(), Streamed: true}, nil
}

func (ResponsesAdapter) ExtractToolCalls(raw []byte) ([]ToolCall, error) {
	var resp responses.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode responses response: %w", err)
	}
	acc := NewAccumulator()
	addResponsesCalls(acc, resp.Output)
	return acc.Finalize(), nil
}

func (ResponsesAdapter) ExtractReply(raw []byte) (string, error) {
	var resp responses.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode responses response: %w", err)
	}
	return responsesReply(resp.Output), nil
}

func addResponsesCalls(acc *Accumulator, output []responses.ResponseOutputItemUnion) {
	for i, item := range output {
		if item.Type != "function_call" {
			continue
		}
		acc.Add(Fragment{
			Index:     int64(i),
			ID:        responsesCallID(item.CallID, item.ID),
			Name:      item.Name,
			Arguments: item.Arguments,
		})
	}
}

func responsesReply(output []responses.ResponseOutputItemUnion) string {
	var sb strings.Builder
	for _, item := range output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			switch part.Type {
			case "output_text":
				sb.WriteString(part.Text)
			case "refusal":
				sb.WriteString(part.Refusal)
			}
		}
	}
	return sb.String()
}

func responsesCallID(callID, itemID string) string {
	if id := strings.TrimSpace(callID); id != "" {
		return id
	}
	return strings.TrimSpace(itemID)
}
