//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the worker in its own process group so that
// cancellation also kills any processes it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
