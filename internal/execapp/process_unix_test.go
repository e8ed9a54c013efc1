//go:build !windows

package execapp

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecode/internal/supervisor"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func shell(t *testing.T, script string, configure func(*Options)) (*Process, *syncBuffer) {
	t.Helper()
	output := &syncBuffer{}
	options := Options{
		Command:      "/bin/sh",
		Args:         []string{"-c", script},
		ReadyPattern: "^ready$",
		ReadyTimeout: 5 * time.Second,
		StopTimeout:  time.Second,
		Output:       output,
	}
	if configure != nil {
		configure(&options)
	}
	proc, err := New(options)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = proc.Shutdown(ctx)
	})
	return proc, output
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartWaitsForReadyPattern(t *testing.T) {
	proc, output := shell(t, "echo starting; sleep 0.1; echo ready; sleep 30", nil)
	ctx := testContext(t)

	require.NoError(t, proc.Start(ctx, nil))
	assert.Contains(t, output.String(), "starting")
	assert.NotZero(t, proc.PID())

	require.NoError(t, proc.Shutdown(ctx))
	assert.Zero(t, proc.PID())
}

func TestStartWithoutPatternIsImmediate(t *testing.T) {
	proc, _ := shell(t, "sleep 30", func(options *Options) {
		options.ReadyPattern = ""
	})
	require.NoError(t, proc.Start(testContext(t), nil))
	assert.NotZero(t, proc.PID())
	assert.ErrorIs(t, proc.Start(testContext(t), nil), ErrAlreadyStarted)
}

func TestStartArgumentsAppended(t *testing.T) {
	proc, output := shell(t, `echo "args:$0 $1"; echo ready; sleep 30`, nil)
	require.NoError(t, proc.Start(testContext(t), []string{"first", "second"}))
	assert.Contains(t, output.String(), "args:first second")
}

func TestRefreshBySignal(t *testing.T) {
	script := `trap 'echo reloaded; echo ready' HUP; echo ready; while true; do sleep 0.05; done`
	proc, output := shell(t, script, nil)
	ctx := testContext(t)

	require.NoError(t, proc.Start(ctx, nil))
	pid := proc.PID()
	require.NoError(t, proc.Refresh(ctx))

	assert.Contains(t, output.String(), "reloaded")
	assert.Equal(t, pid, proc.PID())
}

func TestRefreshByRestart(t *testing.T) {
	proc, _ := shell(t, "echo ready; sleep 30", func(options *Options) {
		options.RefreshMode = RefreshRestart
	})
	ctx := testContext(t)

	require.NoError(t, proc.Start(ctx, nil))
	first := proc.PID()
	require.NoError(t, proc.Refresh(ctx))
	second := proc.PID()

	assert.NotZero(t, second)
	assert.NotEqual(t, first, second)
}

func TestExitBeforeReady(t *testing.T) {
	proc, _ := shell(t, "echo boom; exit 3", nil)
	err := proc.Start(testContext(t), nil)
	assert.ErrorIs(t, err, ErrExited)
}

func TestReadyTimeout(t *testing.T) {
	proc, _ := shell(t, "sleep 30", func(options *Options) {
		options.ReadyTimeout = 100 * time.Millisecond
	})
	err := proc.Start(testContext(t), nil)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestRefreshBeforeStart(t *testing.T) {
	proc, _ := shell(t, "sleep 30", nil)
	assert.ErrorIs(t, proc.Refresh(testContext(t)), ErrNotStarted)
	assert.NoError(t, proc.Shutdown(testContext(t)))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoCommand)

	_, err = New(Options{Command: "/bin/true", ReadyPattern: "("})
	assert.Error(t, err)
}

func TestUnexpectedExitFailsApplication(t *testing.T) {
	proc, _ := shell(t, "echo ready; sleep 0.2; exit 4", nil)
	sup := supervisor.New(nil)
	ctx := testContext(t)

	require.NoError(t, sup.Launch(ctx, proc, nil))
	select {
	case <-sup.Failed():
	case <-ctx.Done():
		t.Fatal("application failure was not reported")
	}
	err := sup.TakeFailure()
	assert.ErrorIs(t, err, ErrExited)
	assert.NoError(t, sup.WaitForShutdown(ctx))
}

func TestCleanExitEndsSession(t *testing.T) {
	proc, _ := shell(t, "echo ready; sleep 0.1", nil)
	sup := supervisor.New(nil)
	ctx := testContext(t)

	require.NoError(t, sup.Launch(ctx, proc, nil))
	assert.NoError(t, sup.WaitForShutdown(ctx))
}

func TestStartUnderTerminal(t *testing.T) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pseudo-terminals unavailable: %v", err)
	}
	_ = ptmx.Close()
	_ = tty.Close()

	proc, output := shell(t, "echo ready; sleep 30", func(options *Options) {
		options.Terminal = true
	})
	ctx := testContext(t)
	require.NoError(t, proc.Start(ctx, nil))
	assert.Contains(t, output.String(), "ready")
	require.NoError(t, proc.Shutdown(ctx))
}

func TestParseRefreshModeAndSignal(t *testing.T) {
	mode, err := ParseRefreshMode("")
	require.NoError(t, err)
	assert.Equal(t, RefreshSignal, mode)
	mode, err = ParseRefreshMode("Restart")
	require.NoError(t, err)
	assert.Equal(t, RefreshRestart, mode)
	_, err = ParseRefreshMode("reboot")
	assert.Error(t, err)

	sig, err := ParseSignal("SIGUSR1")
	require.NoError(t, err)
	assert.Equal(t, "user defined signal 1", sig.String())
	sig, err = ParseSignal("")
	require.NoError(t, err)
	assert.Equal(t, defaultRefreshSignal(), sig)
	_, err = ParseSignal("SIGWHATEVER")
	assert.Error(t, err)
}
