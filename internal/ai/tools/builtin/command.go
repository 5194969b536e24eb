package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/floegence/flowerpilot/internal/ai/tools"
)

const (
	defaultCommandTimeoutMS = int64(30_000)
	maxCommandTimeoutMS     = int64(300_000)
)

// CommandResult is the run_command result.
type CommandResult struct {
	tools.ExecResult
	Command string            `json:"command"`
	Risk    tools.CommandRisk `json:"risk"`
}

func runCommandModule() tools.Module {
	return tools.Module{
		Name:        "run_command",
		Description: "Run a shell command in the sandbox outside the page and return its output. Destructive commands are refused.",
		LogicalKey:  KeyCommand,
		Parameters: objectSchema(map[string]any{
			"command":    map[string]any{"type": "string", "minLength": 1},
			"timeout_ms": map[string]any{"type": "integer", "minimum": 100},
		}, "command"),
		ValidateArgs: func(args map[string]any) error {
			if strings.TrimSpace(stringArg(args, "command")) == "" {
				return fmt.Errorf("command: must not be blank")
			}
			return nil
		},
		Execute: func(ctx context.Context, args map[string]any, env tools.Env) (any, error) {
			if err := requireEnv(env); err != nil {
				return nil, err
			}
			assessed := tools.AssessCommandArgs(args)
			if assessed.Risk == tools.CommandRiskDangerous {
				return nil, &tools.ToolError{
					Code:           tools.ErrorCodePermissionDenied,
					Message:        fmt.Sprintf("refusing command that %s: %s", assessed.Reason, assessed.Command),
					SuggestedFixes: []string{"Use a narrower command that leaves system paths and provider keys alone."},
				}
			}
			timeout := defaultCommandTimeoutMS
			if v, ok := intArg(args, "timeout_ms"); ok {
				timeout = v
			}
			if timeout > maxCommandTimeoutMS {
				timeout = maxCommandTimeoutMS
			}
			command := stringArg(args, "command")
			res, err := env.Exec(ctx, tools.ExecRequest{Command: command, TimeoutMS: timeout})
			if err != nil {
				return nil, err
			}
			return CommandResult{ExecResult: res, Command: command, Risk: assessed.Risk}, nil
		},
		FormatResult: func(result any) (string, error) {
			r := result.(CommandResult)
			var sb strings.Builder
			fmt.Fprintf(&sb, "exit_code: %d (%d ms)\n", r.ExitCode, r.DurationMS)
			if out := strings.TrimRight(r.Stdout, "\n"); out != "" {
				sb.WriteString("stdout:\n" + out + "\n")
			}
			if errOut := strings.TrimRight(r.Stderr, "\n"); errOut != "" {
				sb.WriteString("stderr:\n" + errOut + "\n")
			}
			if r.Truncated {
				sb.WriteString("[output truncated]\n")
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}
