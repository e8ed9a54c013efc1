//go:build windows

package process

import (
	"context"
	"errors"
	"os"
	"syscall"
)

func GroupID(pid int) int {
	return 0
}

func SysProcAttr() *syscall.SysProcAttr {
	return nil
}

func stopProcess(ctx context.Context, pid, _ int, wait func(context.Context) error) error {
	if pid <= 0 {
		return nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return ErrProcessNotFound
	}
	_ = process.Kill()
	if wait != nil {
		return wait(ctx)
	}
	return pollExit(ctx, func() bool {
		_, err := os.FindProcess(pid)
		return err == nil
	})
}

func signalProcess(pid, _ int, sig os.Signal) error {
	if sig != os.Kill {
		return errors.New("only kill is supported on windows")
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return ErrProcessNotFound
	}
	return process.Kill()
}
