//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the runner in its own process group so the
// timeout kills the whole tree, including the browser it spawned.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
