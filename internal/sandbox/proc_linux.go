//go:build linux

package sandbox

import (
	"errors"
	"os/exec"
	"syscall"
)

// configureProcessGroup starts cmd in its own process group and makes
// cancellation kill the whole group, so children of the script die with it.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// reapProcessGroup kills whatever the script left running in its group,
// such as a backgrounded daemon, once the script itself has exited.
func reapProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
