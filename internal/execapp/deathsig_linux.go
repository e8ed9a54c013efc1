//go:build linux

package execapp

import "syscall"

func setDeathSignal(attr *syscall.SysProcAttr) {
	if attr == nil {
		return
	}
	attr.Pdeathsig = syscall.SIGTERM
}
