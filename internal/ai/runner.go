// Package ai drives multi-round tool-using turns against an LLM provider.
package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/floegence/flowerpilot/internal/ai/context/compactor"
	"github.com/floegence/flowerpilot/internal/ai/conversation"
	"github.com/floegence/flowerpilot/internal/ai/llm"
	"github.com/floegence/flowerpilot/internal/ai/sse"
	"github.com/floegence/flowerpilot/internal/ai/tools"
	"github.com/floegence/flowerpilot/internal/ai/transport"
	"github.com/floegence/flowerpilot/internal/auditlog"
	"github.com/floegence/flowerpilot/internal/observe"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const DefaultMaxRounds = 64

var (
	// ErrTurnInFlight is returned when a turn starts while another is running.
	ErrTurnInFlight = errors.New("a turn is already in flight")
	// ErrRoundLimit ends a turn that keeps requesting tools past MaxRounds.
	ErrRoundLimit = errors.New("tool round limit reached")
)

// AuditSink receives one entry per tool call and per round. *auditlog.Store implements it.
type AuditSink interface {
	Append(e auditlog.Entry)
}

type Options struct {
	Adapter   llm.Adapter
	Transport *transport.Client
	Executor  *tools.Executor
	// Compactor defaults to one using the executor registry's dedupe actions.
	Compactor *compactor.Compactor

	BaseURL       string
	APIKey        string
	Model         string
	MaxTokens     int64
	Stream        bool
	MaxRounds     int
	SystemPrompt  string
	BodyOverrides []llm.BodyOverride

	Logger  *slog.Logger
	Metrics *observe.Metrics
	Audit   AuditSink
	Now     func() time.Time

	// ThreadID tags audit entries. Optional.
	ThreadID string

	// Optional observers, called synchronously on the turn goroutine.
	OnState  func(TurnState)
	OnStatus func(Status)
	OnChunk  func(llm.StreamChunk)
}

// Runner runs turns. Only one turn may be in flight per Runner.
type Runner struct {
	opts      Options
	log       *slog.Logger
	compactor *compactor.Compactor
	gate      *semaphore.Weighted
	now       func() time.Time
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Adapter == nil {
		return nil, errors.New("missing adapter")
	}
	if opts.Transport == nil {
		return nil, errors.New("missing transport")
	}
	if opts.Executor == nil {
		return nil, errors.New("missing tool executor")
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("missing base url")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("missing model")
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	comp := opts.Compactor
	if comp == nil {
		comp = compactor.New(compactor.Options{Logger: log, Dedupe: opts.Executor.Registry()})
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		opts:      opts,
		log:       log,
		compactor: comp,
		gate:      semaphore.NewWeighted(1),
		now:       now,
	}, nil
}

// TurnResult summarizes a finished turn. AssistantIndex is the last assistant
// message the turn wrote, or -1; callers pass it to ReconcileCanceled.
type TurnResult struct {
	TurnID         string
	State          TurnState
	Rounds         int
	ToolCalls      int
	AssistantIndex int
	Reply          string
}

// SendUserTurn appends the user's message and runs the turn.
func (r *Runner) SendUserTurn(ctx context.Context, store *conversation.Store, text string) (TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return TurnResult{State: TurnStateFailed, AssistantIndex: -1}, errors.New("empty user message")
	}
	if !r.gate.TryAcquire(1) {
		return TurnResult{State: TurnStateFailed, AssistantIndex: -1}, ErrTurnInFlight
	}
	defer r.gate.Release(1)
	store.Append(conversation.Message{Role: conversation.RoleUser, Content: text})
	return r.runTurn(ctx, store)
}

// RunTurn runs a turn over the conversation as it stands, e.g. to retry
// after a failed round.
func (r *Runner) RunTurn(ctx context.Context, store *conversation.Store) (TurnResult, error) {
	if !r.gate.TryAcquire(1) {
		return TurnResult{State: TurnStateFailed, AssistantIndex: -1}, ErrTurnInFlight
	}
	defer r.gate.Release(1)
	return r.runTurn(ctx, store)
}

type turn struct {
	id        string
	groupID   string
	store     *conversation.Store
	result    *TurnResult
	assistant int
	status    Status
}

func (r *Runner) runTurn(ctx context.Context, store *conversation.Store) (res TurnResult, err error) {
	t := &turn{
		id:        uuid.NewString(),
		groupID:   uuid.NewString(),
		store:     store,
		assistant: -1,
	}
	res = TurnResult{TurnID: t.id, AssistantIndex: -1}
	t.result = &res

	ctx, span := observe.StartSpan(ctx, "ai.turn", trace.WithAttributes(
		attribute.String("ai.protocol", string(r.opts.Adapter.Protocol())),
		attribute.String("ai.model", r.opts.Model),
	))
	log := observe.Logger(ctx, r.log).With("turn_id", t.id)
	defer func() {
		res.AssistantIndex = t.assistant
		if t.assistant >= 0 {
			if m, ok := store.At(t.assistant); ok {
				res.Reply = m.Content
			}
		}
		r.setState(&res, finalState(err))
		observe.EndSpan(span, spanError(err))
		r.audit(auditlog.Entry{
			Action:   "turn",
			Status:   auditStatus(err),
			Error:    errorText(err),
			TurnID:   t.id,
			Round:    res.Rounds,
			Protocol: string(r.opts.Adapter.Protocol()),
			Model:    r.opts.Model,
			Detail:   map[string]any{"tool_calls": res.ToolCalls, "state": string(res.State)},
		})
		log.Info("turn finished", "state", string(res.State), "rounds", res.Rounds, "tool_calls", res.ToolCalls)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return res, canceled(err)
		}
		if res.Rounds >= r.opts.MaxRounds {
			log.Warn("tool round limit reached", "max_rounds", r.opts.MaxRounds)
			return res, ErrRoundLimit
		}
		res.Rounds++

		calls, err := r.round(ctx, t, res.Rounds)
		if err != nil {
			return res, err
		}
		if len(calls) == 0 {
			return res, nil
		}

		r.setState(&res, TurnStateExecutingTools)
		if err := r.executeTools(ctx, t, calls, res.Rounds); err != nil {
			return res, err
		}
		res.ToolCalls += len(calls)
		// The next round answers in a fresh assistant message after the tool results.
		t.assistant = -1
	}
}

// round performs one request/response exchange and records the assistant's
// reply and tool calls. It returns the calls that still need executing.
func (r *Runner) round(ctx context.Context, t *turn, n int) (calls []conversation.ToolCallRecord, err error) {
	start := r.now()
	protocol := string(r.opts.Adapter.Protocol())
	ctx, span := observe.StartSpan(ctx, "ai.round", trace.WithAttributes(attribute.Int("ai.round", n)))
	defer func() {
		outcome := "tool_calls"
		switch {
		case err != nil:
			outcome = auditStatus(err)
		case len(calls) == 0:
			outcome = "reply"
		}
		elapsed := r.now().Sub(start)
		r.opts.Metrics.RecordRound(ctx, protocol, outcome, elapsed)
		observe.EndSpan(span, spanError(err))
		r.audit(auditlog.Entry{
			Action:     "round",
			Status:     auditStatus(err),
			Error:      errorText(err),
			TurnID:     t.id,
			Round:      n,
			Protocol:   protocol,
			Model:      r.opts.Model,
			DurationMs: elapsed.Milliseconds(),
			Detail:     map[string]any{"outcome": outcome, "tool_calls": len(calls)},
		})
		if err != nil && !transport.IsCanceled(err) {
			r.discardEmptyAssistant(t)
		}
	}()

	r.setState(t.result, TurnStateRequesting)
	r.setStatus(t, StatusThinking)

	req := llm.Request{
		Model:         r.opts.Model,
		MaxTokens:     r.opts.MaxTokens,
		SystemPrompt:  SystemPrompt(r.now(), r.opts.SystemPrompt),
		Tools:         r.opts.Executor.Registry().Definitions(),
		Items:         r.compactor.Compact(t.store.Messages()),
		BodyOverrides: r.opts.BodyOverrides,
	}
	var body []byte
	if r.opts.Stream {
		body, err = r.opts.Adapter.BuildStreamRequestBody(req)
	} else {
		body, err = r.opts.Adapter.BuildNonStreamRequestBody(req)
		// Without streaming there is no first byte to wait for.
		r.ensureAssistant(t)
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := r.opts.Transport.Do(ctx, transport.Request{
		URL:      joinURL(r.opts.BaseURL, r.opts.Adapter.Path()),
		APIKey:   r.opts.APIKey,
		Headers:  r.opts.Adapter.Headers(r.opts.APIKey),
		Body:     body,
		Stream:   r.opts.Stream,
		Protocol: protocol,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result llm.RequestResult
	if r.opts.Stream {
		r.setState(t.result, TurnStateStreaming)
		result, err = r.stream(ctx, t, resp.Body)
	} else {
		result, err = r.readWhole(resp.Body)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, canceled(ctxErr)
		}
		var se *sse.StreamError
		if errors.As(err, &se) {
			r.recordProtocolError(t, se)
		}
		return nil, err
	}

	if result.Reply == "" && len(result.ToolCalls) == 0 {
		if t.assistant >= 0 {
			t.store.Patch(t.assistant, func(m *conversation.Message) { m.Pending = false })
		}
		return nil, nil
	}
	r.ensureAssistant(t)
	records := r.normalizeCalls(t.store, result.ToolCalls)
	t.store.Patch(t.assistant, func(m *conversation.Message) {
		// Gateways that only send a final object never produced deltas.
		if m.Content == "" || !result.Streamed {
			m.Content = result.Reply
		}
		m.ToolCalls = records
		m.Pending = false
	})
	return records, nil
}

func (r *Runner) stream(ctx context.Context, t *turn, body io.Reader) (llm.RequestResult, error) {
	textSeen := false
	return r.opts.Adapter.Stream(ctx, body, func(chunk llm.StreamChunk) {
		r.ensureAssistant(t)
		if chunk.Delta != "" {
			textSeen = true
			t.store.Patch(t.assistant, func(m *conversation.Message) { m.Content += chunk.Delta })
		}
		names := make([]string, 0, len(chunk.ToolCalls))
		for _, tc := range chunk.ToolCalls {
			names = append(names, tc.Name)
		}
		r.setStatus(t, ClassifyStatus(textSeen, names))
		if r.opts.OnChunk != nil {
			r.opts.OnChunk(chunk)
		}
	})
}

func (r *Runner) readWhole(body io.Reader) (llm.RequestResult, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return llm.RequestResult{}, fmt.Errorf("read response: %w", err)
	}
	calls, err := r.opts.Adapter.ExtractToolCalls(raw)
	if err != nil {
		return llm.RequestResult{}, err
	}
	reply, err := r.opts.Adapter.ExtractReply(raw)
	if err != nil {
		return llm.RequestResult{}, err
	}
	return llm.RequestResult{ToolCalls: calls, Reply: reply}, nil
}

// executeTools runs calls strictly in order. Cancellation is checked between
// calls; calls that never ran are answered with a canceled result so every
// issued call keeps a matching tool message.
func (r *Runner) executeTools(ctx context.Context, t *turn, calls []conversation.ToolCallRecord, round int) error {
	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			for _, skipped := range calls[i:] {
				t.store.Append(conversation.Message{
					Role:        conversation.RoleTool,
					GroupID:     t.groupID,
					ToolCallID:  skipped.CallID,
					Content:     tools.FailureText(skipped.Name, &tools.ToolError{Code: tools.ErrorCodeCanceled, Message: "canceled before it started"}),
					ToolContext: &conversation.ToolContext{ToolName: skipped.Name},
				})
			}
			return canceled(err)
		}
		r.setStatus(t, StatusForTool(call.Name))
		start := r.now()
		out := r.opts.Executor.Execute(ctx, tools.Call{CallID: call.CallID, Name: call.Name, Arguments: call.Arguments})
		t.store.Append(conversation.Message{
			Role:        conversation.RoleTool,
			GroupID:     t.groupID,
			ToolCallID:  call.CallID,
			Content:     out.Content,
			ToolContext: out.Context,
		})

		entry := auditlog.Entry{
			Action:     "tool_call",
			Status:     "success",
			TurnID:     t.id,
			Round:      round,
			ToolName:   call.Name,
			CallID:     call.CallID,
			DurationMs: r.now().Sub(start).Milliseconds(),
		}
		if out.Err != nil {
			entry.Status = "failure"
			entry.Error = out.Err.Message
			entry.Detail = map[string]any{"code": string(out.Err.Code)}
		}
		r.audit(entry)
	}
	return nil
}

// normalizeCalls converts decoded calls to records, replacing missing or
// reused call ids so the store invariants hold for any provider output.
func (r *Runner) normalizeCalls(store *conversation.Store, calls []llm.ToolCall) []conversation.ToolCallRecord {
	if len(calls) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(calls))
	out := make([]conversation.ToolCallRecord, 0, len(calls))
	for _, c := range calls {
		id := strings.TrimSpace(c.ID)
		_, dup := seen[id]
		if id == "" || dup || store.HasCallID(id) {
			fresh := "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			r.log.Debug("replacing tool call id", "tool_name", c.Name, "call_id", id, "new_call_id", fresh)
			id = fresh
		}
		seen[id] = struct{}{}
		out = append(out, conversation.ToolCallRecord{ID: id, CallID: id, Name: c.Name, Arguments: c.Arguments})
	}
	return out
}

func (r *Runner) ensureAssistant(t *turn) {
	if t.assistant >= 0 {
		return
	}
	t.assistant = t.store.Append(conversation.Message{
		Role:    conversation.RoleAssistant,
		Pending: true,
		GroupID: t.groupID,
	})
}

// discardEmptyAssistant drops a placeholder that never received anything so
// a failed round leaves no broken assistant message behind.
func (r *Runner) discardEmptyAssistant(t *turn) {
	if t.assistant < 0 {
		return
	}
	m, ok := t.store.At(t.assistant)
	if ok && m.Role == conversation.RoleAssistant && !m.HasText() && len(m.ToolCalls) == 0 {
		t.store.Remove(t.assistant)
		t.assistant = -1
	}
}

func (r *Runner) recordProtocolError(t *turn, se *sse.StreamError) {
	r.ensureAssistant(t)
	t.store.Patch(t.assistant, func(m *conversation.Message) {
		note := "Provider error: " + se.Message
		if m.HasText() {
			m.Content = strings.TrimRight(m.Content, "\n") + "\n\n" + note
		} else {
			m.Content = note
		}
		m.Pending = false
	})
}

func (r *Runner) setState(res *TurnResult, s TurnState) {
	if res.State == s {
		return
	}
	res.State = s
	if r.opts.OnState != nil {
		r.opts.OnState(s)
	}
}

func (r *Runner) setStatus(t *turn, s Status) {
	if t.status == s {
		return
	}
	t.status = s
	if r.opts.OnStatus != nil {
		r.opts.OnStatus(s)
	}
}

func (r *Runner) audit(e auditlog.Entry) {
	if r.opts.Audit != nil {
		if e.ThreadID == "" {
			e.ThreadID = r.opts.ThreadID
		}
		r.opts.Audit.Append(e)
	}
}

func finalState(err error) TurnState {
	switch {
	case err == nil:
		return TurnStateDone
	case transport.IsCanceled(err):
		return TurnStateAborted
	default:
		return TurnStateFailed
	}
}

func auditStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case transport.IsCanceled(err):
		return "canceled"
	default:
		return "failure"
	}
}

func spanError(err error) error {
	if transport.IsCanceled(err) {
		return nil
	}
	return err
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func canceled(cause error) error {
	if errors.Is(cause, transport.ErrCanceled) {
		return cause
	}
	return fmt.Errorf("%w: %w", transport.ErrCanceled, cause)
}

func joinURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/" + strings.TrimLeft(path, "/")
}
