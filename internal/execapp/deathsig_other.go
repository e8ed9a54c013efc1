//go:build !linux && !windows

package execapp

import "syscall"

func setDeathSignal(*syscall.SysProcAttr) {}
