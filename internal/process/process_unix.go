//go:build !windows

package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func GroupID(pid int) int {
	if pid <= 0 {
		return 0
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pgid
}

// SysProcAttr places a child in its own process group so it can be signalled as one.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func stopProcess(ctx context.Context, pid, pgid int, wait func(context.Context) error) error {
	if pid <= 0 {
		return nil
	}
	if !isProcessAlive(pid) {
		return ErrProcessNotFound
	}
	termErr := signalGroup(pid, pgid, syscall.SIGTERM)
	waitErr := waitForExit(ctx, pid, wait)
	if waitErr == nil || isSignalledExit(waitErr) {
		return termErr
	}
	killErr := signalGroup(pid, pgid, syscall.SIGKILL)
	_ = waitForExit(ctx, pid, wait)
	return errors.Join(termErr, waitErr, killErr)
}

func signalProcess(pid, pgid int, sig os.Signal) error {
	unixSignal, ok := sig.(syscall.Signal)
	if !ok {
		return errors.New("unsupported signal")
	}
	return signalGroup(pid, pgid, unixSignal)
}

func signalGroup(pid, pgid int, sig syscall.Signal) error {
	target := pid
	if pgid > 0 {
		target = -pgid
	}
	err := syscall.Kill(target, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func waitForExit(ctx context.Context, pid int, wait func(context.Context) error) error {
	if wait != nil {
		return wait(ctx)
	}
	return pollExit(ctx, func() bool { return isProcessAlive(pid) })
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// isSignalledExit treats "killed by our SIGTERM" as a clean stop.
func isSignalledExit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled()
}
