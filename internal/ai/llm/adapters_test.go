package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"
)

func sampleRequest() Request {
	return Request{
		Model:        "test-model",
		SystemPrompt: "You are a browser agent.",
		Tools: []ToolDefinition{{
			Name:        "get_page",
			Description: "Read one page of a tab.",
			Parameters: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"tab_id": map[string]any{"type": "integer"}},
				"required":             []any{"tab_id"},
				"additionalProperties": false,
			},
		}},
		Items: []Item{
			{Kind: ItemConversation, Role: "developer", Content: "Prefer short answers."},
			{Kind: ItemConversation, Role: "user", Content: "Read tab 5"},
			{Kind: ItemConversation, Role: "assistant", ToolCalls: []ToolCallEntry{
				{CallID: "c1", Name: "get_page", Arguments: `{"tab_id":5}`},
				{CallID: "c2", Name: "screenshot", Arguments: `{"tab_id":5}`},
			}},
			{Kind: ItemToolResult, CallID: "c1", Content: "page text"},
			{Kind: ItemToolResult, CallID: "c2", Content: "captured", ImageURL: "data:image/png;base64,iVBORw0KGgo="},
			{Kind: ItemConversation, Role: "user", Content: "Thanks"},
		},
	}
}

func TestChatAdapter_RequestShape(t *testing.T) {
	t.Parallel()

	body, err := ChatAdapter{}.BuildStreamRequestBody(sampleRequest())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !gjson.GetBytes(body, "stream").Bool() {
		t.Fatalf("stream flag missing: %s", body)
	}
	if got := gjson.GetBytes(body, "tools.0.type").String(); got != "function" {
		t.Fatalf("tools.0.type=%q, want function", got)
	}
	if got := gjson.GetBytes(body, "tools.0.function.name").String(); got != "get_page" {
		t.Fatalf("tools.0.function.name=%q", got)
	}

	var roles []string
	for _, m := range gjson.GetBytes(body, "messages").Array() {
		roles = append(roles, m.Get("role").String())
	}
	want := []string{"system", "developer", "user", "assistant", "tool", "tool", "user", "user"}
	if diff := cmp.Diff(want, roles); diff != "" {
		t.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}
	if got := gjson.GetBytes(body, "messages.3.tool_calls.1.id").String(); got != "c2" {
		t.Fatalf("assistant tool call id=%q, want c2", got)
	}
	if got := gjson.GetBytes(body, "messages.5.tool_call_id").String(); got != "c2" {
		t.Fatalf("tool_call_id=%q, want c2", got)
	}
	image := gjson.GetBytes(body, "messages.6.content.1")
	if image.Get("type").String() != "image_url" || !strings.HasPrefix(image.Get("image_url.url").String(), "data:image/png") {
		t.Fatalf("image part=%s", image.Raw)
	}

	nonStream, err := ChatAdapter{}.BuildNonStreamRequestBody(sampleRequest())
	if err != nil {
		t.Fatalf("build non-stream: %v", err)
	}
	if gjson.GetBytes(nonStream, "stream").Bool() {
		t.Fatalf("non-stream body has stream=true")
	}
}

func TestResponsesAdapter_RequestShape(t *testing.T) {
	t.Parallel()

	req := sampleRequest()
	req.Items = append([]Item{{Kind: ItemConversation, Role: "system", Content: "Extra rules."}}, req.Items...)
	body, err := ResponsesAdapter{}.BuildStreamRequestBody(req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := gjson.GetBytes(body, "instructions").String(); got != "You are a browser agent.\n\nExtra rules." {
		t.Fatalf("instructions=%q", got)
	}
	if got := gjson.GetBytes(body, "tools.0.name").String(); got != "get_page" {
		t.Fatalf("flat tool name=%q", got)
	}
	if gjson.GetBytes(body, "tools.0.function").Exists() {
		t.Fatalf("responses tools must be flat: %s", gjson.GetBytes(body, "tools.0").Raw)
	}

	input := gjson.GetBytes(body, "input").Array()
	if len(input) != 6 {
		t.Fatalf("input items=%d, want 6: %s", len(input), gjson.GetBytes(body, "input").Raw)
	}
	if input[0].Get("role").String() != "developer" {
		t.Fatalf("input[0]=%s", input[0].Raw)
	}
	if input[2].Get("type").String() != "function_call" || input[2].Get("call_id").String() != "c1" {
		t.Fatalf("input[2]=%s", input[2].Raw)
	}
	if input[4].Get("type").String() != "function_call_output" || input[4].Get("output").String() != "page text" {
		t.Fatalf("input[4]=%s", input[4].Raw)
	}
	imageOut := input[5].Get("output")
	if !imageOut.IsArray() || imageOut.Get("1.type").String() != "input_image" {
		t.Fatalf("image output=%s", imageOut.Raw)
	}
}

func TestMessagesAdapter_RequestShape(t *testing.T) {
	t.Parallel()

	a := MessagesAdapter{}
	body, err := a.BuildStreamRequestBody(sampleRequest())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := gjson.GetBytes(body, "max_tokens").Int(); got != 4096 {
		t.Fatalf("max_tokens=%d, want 4096", got)
	}
	system := gjson.GetBytes(body, "system").Array()
	if len(system) != 2 || system[1].Get("text").String() != "Prefer short answers." {
		t.Fatalf("system=%s", gjson.GetBytes(body, "system").Raw)
	}
	if got := gjson.GetBytes(body, "tools.0.input_schema.required.0").String(); got != "tab_id" {
		t.Fatalf("input_schema.required=%q", got)
	}
	if gjson.GetBytes(body, "tools.0.input_schema.additionalProperties").Bool() {
		t.Fatalf("additionalProperties should stay false")
	}

	messages := gjson.GetBytes(body, "messages").Array()
	if len(messages) != 3 {
		t.Fatalf("messages=%d, want 3 (merged): %s", len(messages), gjson.GetBytes(body, "messages").Raw)
	}
	// Tool results and the following user text merge into one user turn.
	last := messages[2]
	if last.Get("role").String() != "user" {
		t.Fatalf("last role=%q", last.Get("role").String())
	}
	types := []string{}
	for _, b := range last.Get("content").Array() {
		types = append(types, b.Get("type").String())
	}
	if diff := cmp.Diff([]string{"tool_result", "tool_result", "text"}, types); diff != "" {
		t.Fatalf("merged blocks (-want +got):\n%s", diff)
	}
	img := last.Get("content.1.content.1.source")
	if img.Get("type").String() != "base64" || img.Get("media_type").String() != "image/png" {
		t.Fatalf("image source=%s", img.Raw)
	}
	if got := messages[1].Get("content.0.input.tab_id").Int(); got != 5 {
		t.Fatalf("tool_use input tab_id=%d", got)
	}

	h := a.Headers(" key ")
	if h["x-api-key"] != "key" || h["anthropic-version"] == "" {
		t.Fatalf("headers=%v", h)
	}
}

type roundTripCase struct {
	name      string
	adapter   Adapter
	stream    string
	nonStream string
}

var wantRoundTripCalls = []ToolCall{
	{ID: "c1", Name: "open_page", Arguments: `{"url":"https://x"}`},
	{ID: "c2", Name: "list_tabs", Arguments: `{}`},
}

const wantRoundTripReply = "Opening it now."

func roundTripCases() []roundTripCase {
	return []roundTripCase{
		{
			name:    "chat_completions",
			adapter: ChatAdapter{},
			stream: `data: {"id":"x","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Opening "}}]}

data: {"id":"x","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"it now."}}]}

data: {"id":"x","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","type":"function","function":{"name":"open_page"}}]}}]}

data: {"id":"x","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"url\""}}]}}]}

data: {"id":"x","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"https://x\"}"}}]}}]}

data: {"id":"x","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"c2","type":"function","function":{"name":"list_tabs","arguments":""}}]}}]}

data: [DONE]

`,
			nonStream: `{"id":"x","object":"chat.completion","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"Opening it now.","tool_calls":[
{"id":"c1","type":"function","function":{"name":"open_page","arguments":"{\"url\":\"https://x\"}"}},
{"id":"c2","type":"function","function":{"name":"list_tabs","arguments":""}}]}}]}`,
		},
		{
			name:    "responses",
			adapter: ResponsesAdapter{},
			stream: `event: response.output_text.delta
data: {"type":"response.output_text.delta","output_index":0,"content_index":0,"delta":"Opening "}

event: response.output_text.delta
data: {"type":"response.output_text.delta","output_index":0,"content_index":0,"delta":"it now."}

event: response.output_item.added
data: {"type":"response.output_item.added","output_index":1,"item":{"type":"function_call","id":"fc_1","call_id":"c1","name":"open_page","arguments":""}}

event: response.function_call_arguments.delta
data: {"type":"response.function_call_arguments.delta","output_index":1,"item_id":"fc_1","delta":"{\"url\""}

event: response.function_call_arguments.delta
data: {"type":"response.function_call_arguments.delta","output_index":1,"item_id":"fc_1","delta":":\"https://x\"}"}

event: response.function_call_arguments.done
data: {"type":"response.function_call_arguments.done","output_index":1,"item_id":"fc_1","arguments":"{\"url\":\"https://x\"}"}

event: response.output_item.done
data: {"type":"response.output_item.done","output_index":1,"item":{"type":"function_call","id":"fc_1","call_id":"c1","name":"open_page","arguments":"{\"url\":\"https://x\"}"}}

event: response.output_item.added
data: {"type":"response.output_item.added","output_index":2,"item":{"type":"function_call","id":"fc_2","call_id":"c2","name":"list_tabs","arguments":""}}

event: response.output_item.done
data: {"type":"response.output_item.done","output_index":2,"item":{"type":"function_call","id":"fc_2","call_id":"c2","name":"list_tabs","arguments":"{}"}}

`,
			nonStream: `{"id":"resp_1","object":"response","output":[
{"type":"message","id":"m1","role":"assistant","content":[{"type":"output_text","text":"Opening it now.","annotations":[]}]},
{"type":"function_call","id":"fc_1","call_id":"c1","name":"open_page","arguments":"{\"url\":\"https://x\"}"},
{"type":"function_call","id":"fc_2","call_id":"c2","name":"list_tabs","arguments":"{}"}]}`,
		},
		{
			name:    "messages",
			adapter: MessagesAdapter{},
			stream: `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[]}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Opening "}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"it now."}}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"c1","name":"open_page","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"url\""}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":":\"https://x\"}"}}

event: content_block_start
data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"c2","name":"list_tabs","input":{}}}

event: message_stop
data: {"type":"message_stop"}
`,
			nonStream: `{"id":"msg_1","type":"message","role":"assistant","content":[
{"type":"text","text":"Opening it now."},
{"type":"tool_use","id":"c1","name":"open_page","input":{"url":"https://x"}},
{"type":"tool_use","id":"c2","name":"list_tabs","input":{}}]}`,
		},
	}
}

func TestAdapters_StreamMatchesNonStream(t *testing.T) {
	t.Parallel()

	for _, tc := range roundTripCases() {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var chunks int
			res, err := tc.adapter.Stream(context.Background(), strings.NewReader(tc.stream), func(StreamChunk) { chunks++ })
			if err != nil {
				t.Fatalf("Stream: %v", err)
			}
			if !res.Streamed {
				t.Fatalf("Streamed=false")
			}
			if chunks == 0 {
				t.Fatalf("no chunks forwarded")
			}
			if res.Reply != wantRoundTripReply {
				t.Fatalf("stream reply=%q, want=%q", res.Reply, wantRoundTripReply)
			}
			if diff := cmp.Diff(wantRoundTripCalls, res.ToolCalls); diff != "" {
				t.Fatalf("stream calls (-want +got):\n%s", diff)
			}

			calls, err := tc.adapter.ExtractToolCalls([]byte(tc.nonStream))
			if err != nil {
				t.Fatalf("ExtractToolCalls: %v", err)
			}
			if diff := cmp.Diff(res.ToolCalls, calls); diff != "" {
				t.Fatalf("non-stream calls differ from stream (-stream +non-stream):\n%s", diff)
			}
			reply, err := tc.adapter.ExtractReply([]byte(tc.nonStream))
			if err != nil {
				t.Fatalf("ExtractReply: %v", err)
			}
			if reply != res.Reply {
				t.Fatalf("non-stream reply=%q, stream reply=%q", reply, res.Reply)
			}
		})
	}
}

func TestResponsesAdapter_StreamFailedEvent(t *testing.T) {
	t.Parallel()

	stream := `event: response.failed
data: {"type":"response.failed","response":{"id":"r","status":"failed","error":{"code":"server_error","message":"upstream exploded"}}}

`
	_, err := ResponsesAdapter{}.Stream(context.Background(), strings.NewReader(stream), nil)
	if err == nil || !strings.Contains(err.Error(), "upstream exploded") {
		t.Fatalf("err=%v, want upstream exploded", err)
	}
}

func TestResponsesAdapter_CompletedOnlyFallback(t *testing.T) {
	t.Parallel()

	stream := `event: response.completed
data: {"type":"response.completed","response":{"id":"r","output":[{"type":"message","id":"m","role":"assistant","content":[{"type":"output_text","text":"hi","annotations":[]}]},{"type":"function_call","id":"fc","call_id":"c9","name":"list_tabs","arguments":"{}"}]}}

`
	res, err := ResponsesAdapter{}.Stream(context.Background(), strings.NewReader(stream), nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if res.Reply != "hi" || len(res.ToolCalls) != 1 || res.ToolCalls[0].ID != "c9" {
		t.Fatalf("result=%+v", res)
	}
}
