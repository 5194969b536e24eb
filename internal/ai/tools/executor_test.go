package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/floegence/flowerpilot/internal/ai/conversation"
)

func echoModule() Module {
	return Module{
		Name:        "echo",
		Description: "Echo the text back.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":  map[string]any{"type": "string", "minLength": 1},
				"times": map[string]any{"type": "integer", "minimum": 1},
			},
			"required":             []any{"text"},
			"additionalProperties": false,
		},
		Execute: func(_ context.Context, args map[string]any, _ Env) (any, error) {
			n := 1
			if v, ok := args["times"].(float64); ok {
				n = int(v)
			}
			return map[string]any{"content": strings.Repeat(args["text"].(string), n), "n": n}, nil
		},
	}
}

func newTestExecutor(t *testing.T, events *[]Event, modules ...Module) *Executor {
	t.Helper()
	reg, err := NewRegistry(modules...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return NewExecutor(reg, ExecutorOptions{OnEvent: func(ev Event) {
		if events != nil {
			*events = append(*events, ev)
		}
	}})
}

func TestExecutor_SuccessUsesContentField(t *testing.T) {
	t.Parallel()

	var events []Event
	ex := newTestExecutor(t, &events, echoModule())
	out := ex.Execute(context.Background(), Call{CallID: "c1", Name: "echo", Arguments: `{"text":"ab","times":"2"}`})
	if out.Err != nil {
		t.Fatalf("unexpected error: %+v", out.Err)
	}
	if out.Content != "abab" {
		t.Fatalf("content=%q, want abab", out.Content)
	}
	if out.Context == nil || out.Context.ToolName != "echo" {
		t.Fatalf("context=%+v", out.Context)
	}
	if len(events) != 2 || events[0].Kind != EventKindBegin || events[1].Kind != EventKindEnd {
		t.Fatalf("events=%+v", events)
	}
}

func TestExecutor_StructuredArgumentsPassThrough(t *testing.T) {
	t.Parallel()

	ex := newTestExecutor(t, nil, echoModule())
	out := ex.Execute(context.Background(), Call{CallID: "c1", Name: "echo", Arguments: map[string]any{"text": "x"}})
	if out.Err != nil || out.Content != "x" {
		t.Fatalf("outcome=%+v", out)
	}
	out = ex.Execute(context.Background(), Call{CallID: "c2", Name: "echo", Arguments: json.RawMessage(`{"text":"y"}`)})
	if out.Err != nil || out.Content != "y" {
		t.Fatalf("outcome=%+v", out)
	}
}

func TestExecutor_FailuresBecomeText(t *testing.T) {
	t.Parallel()

	boom := Module{
		Name:        "boom",
		Description: "Always panics.",
		Execute: func(context.Context, map[string]any, Env) (any, error) {
			panic("kaboom")
		},
	}
	plain := Module{
		Name:        "plain",
		Description: "Returns an opaque error.",
		Execute: func(context.Context, map[string]any, Env) (any, error) {
			return nil, errors.New("socket closed unexpectedly")
		},
	}
	missing := Module{
		Name:        "missing",
		Description: "Returns a tool error.",
		Execute: func(context.Context, map[string]any, Env) (any, error) {
			return nil, Errorf(ErrorCodeNotFound, "tab 7 does not exist")
		},
	}
	custom := Module{
		Name:        "custom",
		Description: "Custom validation.",
		ValidateArgs: func(args map[string]any) error {
			return errors.New("selector must not be *")
		},
		Execute: func(context.Context, map[string]any, Env) (any, error) { return "never", nil },
	}
	ex := newTestExecutor(t, nil, echoModule(), boom, plain, missing, custom)

	cases := []struct {
		name     string
		call     Call
		wantCode ErrorCode
		want     string
	}{
		{name: "bad json", call: Call{Name: "echo", Arguments: `{"text":`}, wantCode: ErrorCodeInvalidArguments, want: `Tool "echo" failed: invalid arguments`},
		{name: "schema", call: Call{Name: "echo", Arguments: `{}`}, wantCode: ErrorCodeInvalidArguments, want: `Tool "echo" failed:`},
		{name: "unknown tool", call: Call{Name: "nope", Arguments: `{}`}, wantCode: ErrorCodeUnknownTool, want: `Tool "nope" failed: unknown tool`},
		{name: "panic", call: Call{Name: "boom"}, wantCode: ErrorCodeUnknown, want: `Tool "boom" encountered an internal error. Try a different approach.`},
		{name: "opaque error", call: Call{Name: "plain"}, wantCode: ErrorCodeUnknown, want: "internal error"},
		{name: "tool error", call: Call{Name: "missing"}, wantCode: ErrorCodeNotFound, want: `Tool "missing" failed: tab 7 does not exist`},
		{name: "validate hook", call: Call{Name: "custom"}, wantCode: ErrorCodeInvalidArguments, want: "selector must not be *"},
	}
	for _, tc := range cases {
		out := ex.Execute(context.Background(), tc.call)
		if out.Err == nil {
			t.Fatalf("%s: expected failure, got content %q", tc.name, out.Content)
		}
		if out.Err.Code != tc.wantCode {
			t.Fatalf("%s: code=%q, want=%q", tc.name, out.Err.Code, tc.wantCode)
		}
		if !strings.Contains(out.Content, tc.want) {
			t.Fatalf("%s: content=%q, want substring %q", tc.name, out.Content, tc.want)
		}
	}
}

func TestExecutor_FormatAndMessageContext(t *testing.T) {
	t.Parallel()

	m := Module{
		Name:           "read",
		Description:    "Reads a page.",
		PageReadDedupe: DedupeTrimToolResponse,
		Execute: func(context.Context, map[string]any, Env) (any, error) {
			return []string{"a", "b"}, nil
		},
		FormatResult: func(result any) (string, error) {
			return strings.Join(result.([]string), "|"), nil
		},
		BuildMessageContext: func(args map[string]any, result any) *conversation.ToolContext {
			return &conversation.ToolContext{
				PageRead:             &conversation.PageReadEvent{TabID: 3},
				OutputWithoutContent: "read 2 items",
			}
		},
	}
	ex := newTestExecutor(t, nil, m)
	out := ex.Execute(context.Background(), Call{CallID: "c", Name: "read"})
	if out.Err != nil {
		t.Fatalf("error: %+v", out.Err)
	}
	if out.Content != "a|b" {
		t.Fatalf("content=%q", out.Content)
	}
	if out.Context.ToolName != "read" || out.Context.PageRead == nil || out.Context.OutputWithoutContent != "read 2 items" {
		t.Fatalf("context=%+v", out.Context)
	}
}

func TestExecutor_JSONFallback(t *testing.T) {
	t.Parallel()

	m := Module{
		Name:        "tabs",
		Description: "Lists tabs.",
		Execute: func(context.Context, map[string]any, Env) (any, error) {
			return []Tab{{ID: 1, URL: "https://a"}}, nil
		},
	}
	out := newTestExecutor(t, nil, m).Execute(context.Background(), Call{Name: "tabs"})
	if out.Content != `[{"id":1,"url":"https://a"}]` {
		t.Fatalf("content=%q", out.Content)
	}
}
