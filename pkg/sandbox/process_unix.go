//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// setProcessGroup runs the script in its own process group so the whole tree
// can be signalled on timeout.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	killDescendants(cmd.Process.Pid)
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
