//go:build !linux && !windows

package terminal

import "syscall"

func setPtyDeathSignal(*syscall.SysProcAttr) {}
