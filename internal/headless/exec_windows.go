//go:build windows

package headless

import "os/exec"

func setCmdProcessGroup(*exec.Cmd) {}

func killCmdProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
