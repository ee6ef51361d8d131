//go:build windows

package terminal

import (
	"os/exec"
	"syscall"
)

func signalGroup(cmd *exec.Cmd, _ syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
