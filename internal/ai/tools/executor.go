package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/floegence/flowerpilot/internal/ai/conversation"
	"github.com/floegence/flowerpilot/internal/ai/schema"
	"github.com/floegence/flowerpilot/internal/observe"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Call is one tool invocation requested by the model. Arguments is JSON text
// (string, []byte, json.RawMessage) or an already decoded object.
type Call struct {
	CallID    string
	Name      string
	Arguments any
}

// Outcome is what gets appended to the conversation as the tool message.
// Err is nil on success; on failure Content already holds the text the model sees.
type Outcome struct {
	Content string
	Context *conversation.ToolContext
	Err     *ToolError
}

type ExecutorOptions struct {
	Logger  *slog.Logger
	Env     Env
	Metrics *observe.Metrics
	// OnEvent receives lifecycle events synchronously. Optional.
	OnEvent func(Event)
}

// Executor runs tool calls against a Registry. It never returns an error: every
// failure becomes tool-result text so the conversation can continue.
type Executor struct {
	reg     *Registry
	log     *slog.Logger
	env     Env
	metrics *observe.Metrics
	onEvent func(Event)
}

func NewExecutor(reg *Registry, opts ExecutorOptions) *Executor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		reg:     reg,
		log:     log,
		env:     opts.Env,
		metrics: opts.Metrics,
		onEvent: opts.OnEvent,
	}
}

func (e *Executor) Registry() *Registry { return e.reg }

func (e *Executor) Execute(ctx context.Context, call Call) Outcome {
	name := strings.TrimSpace(call.Name)
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "ai.tool", trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.call_id", call.CallID),
	))

	e.emit(NewEvent(EventKindBegin, call.CallID, name, nil))
	content, toolCtx, err := e.run(ctx, name, call.Arguments)
	elapsed := time.Since(start)

	if err == nil {
		observe.EndSpan(span, nil)
		e.metrics.RecordToolCall(ctx, name, string(ResultStatusSuccess), elapsed)
		ev := NewEvent(EventKindEnd, call.CallID, name, map[string]any{"status": string(ResultStatusSuccess)})
		ev.DurationMs = elapsed.Milliseconds()
		e.emit(ev)
		return Outcome{Content: content, Context: toolCtx}
	}

	toolErr := ClassifyError(err)
	observe.EndSpan(span, err)
	e.metrics.RecordToolCall(ctx, name, string(toolErr.Code), elapsed)
	observe.Logger(ctx, e.log).Warn("tool execution failed",
		"tool_name", name,
		"call_id", call.CallID,
		"code", string(toolErr.Code),
		"error", err.Error(),
	)
	ev := NewEvent(EventKindError, call.CallID, name, map[string]any{
		"status": string(ResultStatusError),
		"code":   string(toolErr.Code),
		"error":  toolErr.Message,
	})
	ev.DurationMs = elapsed.Milliseconds()
	e.emit(ev)

	return Outcome{
		Content: FailureText(name, toolErr),
		Context: &conversation.ToolContext{ToolName: name},
		Err:     toolErr,
	}
}

// FailureText renders a tool failure for the model.
func FailureText(name string, toolErr *ToolError) string {
	if toolErr.IsUserFacing() {
		return fmt.Sprintf("Tool %q failed: %s", name, toolErr.Message)
	}
	return fmt.Sprintf("Tool %q encountered an internal error. Try a different approach.", name)
}

func (e *Executor) run(ctx context.Context, name string, rawArgs any) (content string, toolCtx *conversation.ToolContext, err error) {
	module, ok := e.reg.Lookup(name)
	if !ok {
		return "", nil, Errorf(ErrorCodeUnknownTool, "unknown tool %q", name)
	}

	args, err := parseArguments(rawArgs)
	if err != nil {
		return "", nil, err
	}
	args, err = e.reg.validator(module.Name).Validate(args)
	if err != nil {
		return "", nil, err
	}
	if module.ValidateArgs != nil {
		if verr := module.ValidateArgs(args); verr != nil {
			var te *ToolError
			if errors.As(verr, &te) {
				return "", nil, verr
			}
			return "", nil, &schema.ValidationError{Err: verr}
		}
	}

	result, err := invoke(ctx, module, args, e.env)
	if err != nil {
		return "", nil, err
	}

	content, err = formatResult(module, result)
	if err != nil {
		return "", nil, err
	}

	if module.BuildMessageContext != nil {
		if err := safeCall(func() { toolCtx = module.BuildMessageContext(args, result) }); err != nil {
			return "", nil, err
		}
	}
	if toolCtx == nil {
		toolCtx = &conversation.ToolContext{}
	}
	toolCtx.ToolName = module.Name
	return content, toolCtx, nil
}

func invoke(ctx context.Context, module Module, args map[string]any, env Env) (result any, err error) {
	if perr := safeCall(func() { result, err = module.Execute(ctx, args, env) }); perr != nil {
		return nil, perr
	}
	return result, err
}

func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panic: %v", r)
		}
	}()
	fn()
	return nil
}

func parseArguments(raw any) (map[string]any, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &schema.ValidationError{Err: fmt.Errorf("arguments are not serializable: %w", err)}
		}
		data = b
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, &schema.ValidationError{Err: fmt.Errorf("arguments are not a valid JSON object: %w", err)}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// formatResult prefers FormatResult, then a top-level "content" string, then JSON.
func formatResult(module Module, result any) (string, error) {
	if module.FormatResult != nil {
		var out string
		var ferr error
		if err := safeCall(func() { out, ferr = module.FormatResult(result) }); err != nil {
			return "", err
		}
		return out, ferr
	}
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("serialize result: %w", err)
	}
	if c := gjson.GetBytes(b, "content"); c.Type == gjson.String {
		return c.String(), nil
	}
	return string(b), nil
}

func (e *Executor) emit(ev Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}
