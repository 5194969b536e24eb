package headless

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/floegence/flowerpilot/internal/ai/tools"
)

const (
	defaultExecTimeout = 30 * time.Second
	maxExecTimeout     = 5 * time.Minute
	defaultOutputLimit = 200_000
)

// Exec runs req.Command through the configured shell in WorkDir. A non-zero
// exit is a result, not an error; a timeout is reported as an error so the
// tool layer can classify it.
func (e *Env) Exec(ctx context.Context, req tools.ExecRequest) (tools.ExecResult, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return tools.ExecResult{}, errors.New("missing command")
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	if timeout > maxExecTimeout {
		timeout = maxExecTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.shell, "-c", command)
	cmd.Dir = e.workDir
	cmd.Env = e.execEnv()
	setCmdProcessGroup(cmd)
	cmd.Cancel = func() error { return killCmdProcessGroup(cmd) }
	cmd.WaitDelay = time.Second

	lim := newCombinedLimitedBuffers(e.outputLimit)
	cmd.Stdout = lim.Stdout()
	cmd.Stderr = lim.Stderr()

	started := time.Now()
	runErr := cmd.Run()
	stdout, stderr, truncated := lim.Result()
	res := tools.ExecResult{
		Stdout:     stdout,
		Stderr:     stderr,
		Truncated:  truncated,
		DurationMS: time.Since(started).Milliseconds(),
	}

	if err := execCtx.Err(); err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("command timed out after %s: %w", timeout, context.DeadlineExceeded)
	}
	if runErr != nil {
		var ee *exec.ExitError
		if !errors.As(runErr, &ee) {
			return res, runErr
		}
		res.ExitCode = ee.ExitCode()
	}
	e.log.Debug("command finished", "exit_code", res.ExitCode, "duration_ms", res.DurationMS, "truncated", res.Truncated)
	return res, nil
}

func (e *Env) execEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if slices.Contains(tools.ProviderKeyEnv, name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
