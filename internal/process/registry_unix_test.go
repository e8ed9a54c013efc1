//go:build !windows

package process

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSleep(t *testing.T, seconds string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", seconds)
	cmd.SysProcAttr = SysProcAttr()
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd
}

func waitFunc(cmd *exec.Cmd) func(context.Context) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	return func(ctx context.Context) error {
		select {
		case err := <-done:
			done <- err
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestRegistryStopsProcess(t *testing.T) {
	cmd := startSleep(t, "10")

	registry := NewRegistry(nil)
	registry.Register(cmd.Process.Pid, GroupID(cmd.Process.Pid), "sleep", waitFunc(cmd))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, registry.StopAll(ctx))

	err := syscall.Kill(cmd.Process.Pid, 0)
	assert.True(t, err != nil && !errors.Is(err, syscall.EPERM), "expected process to exit")
	assert.Empty(t, registry.Entries())
}

func TestRegistryIgnoresExitedProcess(t *testing.T) {
	cmd := exec.Command("sleep", "0.1")
	cmd.SysProcAttr = SysProcAttr()
	require.NoError(t, cmd.Start())
	_ = cmd.Wait()

	registry := NewRegistry(nil)
	registry.Register(cmd.Process.Pid, GroupID(cmd.Process.Pid), "sleep", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, registry.StopAll(ctx))
}

func TestRegistrySignalsGroup(t *testing.T) {
	cmd := startSleep(t, "10")
	wait := waitFunc(cmd)

	registry := NewRegistry(nil)
	registry.Register(cmd.Process.Pid, GroupID(cmd.Process.Pid), "sleep", wait)
	require.NoError(t, registry.Signal(cmd.Process.Pid, syscall.SIGTERM))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.True(t, isSignalledExit(wait(ctx)))

	assert.ErrorIs(t, registry.Signal(12345678, syscall.SIGHUP), ErrProcessNotFound)
	assert.ErrorIs(t, registry.Stop(ctx, 12345678), ErrProcessNotFound)
}
