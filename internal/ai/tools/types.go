package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/floegence/flowerpilot/internal/ai/conversation"
)

// ResultStatus is the normalized status of one tool execution.
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusError   ResultStatus = "error"
)

// ErrorCode is a stable, machine-readable tool error code.
type ErrorCode string

const (
	ErrorCodeInvalidArguments ErrorCode = "INVALID_ARGUMENTS"
	ErrorCodeUnknownTool      ErrorCode = "UNKNOWN_TOOL"
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrorCodeTimeout          ErrorCode = "TIMEOUT"
	ErrorCodeCanceled         ErrorCode = "CANCELED"
	ErrorCodeUnknown          ErrorCode = "UNKNOWN"
)

// ToolError carries structured tool failure metadata. Tools return it to
// report a failure the model can act on; any other error is internal.
type ToolError struct {
	Code           ErrorCode `json:"code"`
	Message        string    `json:"message"`
	Retryable      bool      `json:"retryable,omitempty"`
	SuggestedFixes []string  `json:"suggested_fixes,omitempty"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *ToolError) Normalize() {
	if e == nil {
		return
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "Tool failed"
	}
	if e.Code == "" {
		e.Code = ErrorCodeUnknown
	}
	if len(e.SuggestedFixes) > 0 {
		out := make([]string, 0, len(e.SuggestedFixes))
		seen := make(map[string]struct{}, len(e.SuggestedFixes))
		for _, it := range e.SuggestedFixes {
			v := strings.TrimSpace(it)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
		e.SuggestedFixes = out
	}
}

// Errorf is shorthand for a user-facing tool failure.
func Errorf(code ErrorCode, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// DedupeAction says what compaction does with an older read of a page that
// was read again later in the conversation.
type DedupeAction string

const (
	DedupeNone DedupeAction = ""
	// DedupeRemoveToolCall drops the call and its tool message.
	DedupeRemoveToolCall DedupeAction = "removeToolCall"
	// DedupeTrimToolResponse keeps the exchange but sends the stand-in text.
	DedupeTrimToolResponse DedupeAction = "trimToolResponse"
)

// Module is one registered tool.
type Module struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments object.
	Parameters map[string]any
	Strict     bool
	// LogicalKey is an optional stable handle for call sites that must find
	// a specific builtin without knowing its wire name.
	LogicalKey     string
	PageReadDedupe DedupeAction

	// ValidateArgs runs after schema validation and coercion.
	ValidateArgs func(args map[string]any) error
	Execute      func(ctx context.Context, args map[string]any, env Env) (any, error)
	// FormatResult renders the result for the model. Optional.
	FormatResult func(result any) (string, error)
	// BuildMessageContext attaches out-of-band metadata to the tool message.
	BuildMessageContext func(args map[string]any, result any) *conversation.ToolContext
}
