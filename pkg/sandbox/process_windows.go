//go:build windows

package sandbox

import "os/exec"

func setProcessGroup(_ *exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	killDescendants(cmd.Process.Pid)
	return cmd.Process.Kill()
}
