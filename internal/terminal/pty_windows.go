//go:build windows

package terminal

import (
	"errors"
	"os/exec"
)

func startPty(string, ...string) (Pty, *exec.Cmd, error) {
	return nil, nil, errors.New("pty backends are not supported on windows")
}
