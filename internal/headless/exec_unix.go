//go:build !windows

package headless

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setCmdProcessGroup(cmd *exec.Cmd) {
	// Create a new process group for the child so we can kill the whole group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killCmdProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil || cmd.Process.Pid <= 0 {
		return nil
	}
	pid := cmd.Process.Pid
	// Best-effort: kill the process group first, then the process itself.
	_ = unix.Kill(-pid, unix.SIGKILL)
	_ = unix.Kill(pid, unix.SIGKILL)
	return nil
}
