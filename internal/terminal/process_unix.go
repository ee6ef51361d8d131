//go:build !windows

package terminal

import (
	"os/exec"
	"syscall"
)

// signalGroup signals the child's process group so agent subprocesses go
// down with it.
func signalGroup(cmd *exec.Cmd, signal syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, signal); err == nil {
		return nil
	}
	return cmd.Process.Signal(signal)
}
