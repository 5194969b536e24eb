package tools

import (
	"context"
	"errors"
	"strings"

	"github.com/floegence/flowerpilot/internal/ai/schema"
)

// ClassifyError maps an execution error to a ToolError. Errors that match no
// known shape come back with ErrorCodeUnknown and are reported to the model
// as internal errors.
func ClassifyError(err error) *ToolError {
	if err == nil {
		return nil
	}

	var te *ToolError
	if errors.As(err, &te) && te != nil {
		out := *te
		out.Normalize()
		return &out
	}
	if schema.IsValidation(err) {
		return &ToolError{
			Code:           ErrorCodeInvalidArguments,
			Message:        strings.TrimSpace(err.Error()),
			Retryable:      true,
			SuggestedFixes: []string{"Fix the arguments to match the tool schema."},
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &ToolError{Code: ErrorCodeCanceled, Message: "canceled"}
	case errors.Is(err, context.DeadlineExceeded):
		return &ToolError{Code: ErrorCodeTimeout, Message: "timed out", Retryable: true}
	}

	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "Tool failed"
	}
	lower := strings.ToLower(msg)

	out := &ToolError{
		Code:    ErrorCodeUnknown,
		Message: msg,
	}
	switch {
	case strings.Contains(lower, "permission denied"):
		out.Code = ErrorCodePermissionDenied
		out.SuggestedFixes = []string{"Use a different approach that does not need this permission."}
	case strings.Contains(lower, "not found") || strings.Contains(lower, "no such tab"):
		out.Code = ErrorCodeNotFound
		out.SuggestedFixes = []string{"Call list_tabs to see which tabs exist."}
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		out.Code = ErrorCodeTimeout
		out.Retryable = true
		out.SuggestedFixes = []string{"Retry with a smaller scope.", "Increase timeout when safe."}
	}
	out.Normalize()
	return out
}

// IsUserFacing reports whether the failure text may be shown to the model
// verbatim instead of the generic internal-error text.
func (e *ToolError) IsUserFacing() bool {
	return e != nil && e.Code != ErrorCodeUnknown
}
