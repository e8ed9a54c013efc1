package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryDelayDoubles(t *testing.T) {
	assert.Equal(t, recoveryBaseDelay, recoveryDelay(0))
	assert.Equal(t, 2*recoveryBaseDelay, recoveryDelay(1))
	assert.Equal(t, 4*recoveryBaseDelay, recoveryDelay(2))
}

func TestScheduleRecoveryArmsOneTimer(t *testing.T) {
	watcher, err := New()
	require.NoError(t, err)
	defer watcher.Close()

	watcher.scheduleRecovery(errors.New("boom"))
	watcher.scheduleRecovery(errors.New("boom again"))

	assert.True(t, watcher.recovery.pending())
	assert.Equal(t, 1, watcher.Metrics().RecoveryAttempts)

	watcher.recovery.cancel()
	assert.False(t, watcher.recovery.pending())
}

func TestScheduleRecoveryGivesUpAfterLastAttempt(t *testing.T) {
	var reported error
	watcher, err := NewWithOptions(Options{ErrorHandler: func(err error) { reported = err }})
	require.NoError(t, err)
	defer watcher.Close()

	watcher.recovery.mutex.Lock()
	watcher.recovery.attempts = maxRecoveryAttempts
	watcher.recovery.mutex.Unlock()

	cause := errors.New("inotify gone")
	watcher.scheduleRecovery(cause)

	assert.Same(t, cause, reported)
	assert.False(t, watcher.recovery.pending())
}

func TestAttemptRecoveryRewatchesAndRequestsRescan(t *testing.T) {
	rescans := 0
	watcher, err := NewWithOptions(Options{OverflowHandler: func() { rescans++ }})
	require.NoError(t, err)
	defer watcher.Close()

	root := t.TempDir()
	gone := filepath.Join(root, "gone")
	require.NoError(t, os.Mkdir(gone, 0o755))
	require.NoError(t, watcher.WatchRecursively(root))
	require.NoError(t, os.Remove(gone))

	watcher.recovery.mutex.Lock()
	watcher.recovery.attempts = 2
	watcher.recovery.mutex.Unlock()
	watcher.mutex.Lock()
	previous := watcher.watcher
	watcher.mutex.Unlock()

	watcher.attemptRecovery()

	watcher.mutex.Lock()
	current := watcher.watcher
	_, kept := watcher.registrations[root]
	_, dropped := watcher.registrations[gone]
	watcher.mutex.Unlock()
	assert.NotSame(t, previous, current)
	assert.Contains(t, current.WatchList(), root)
	assert.True(t, kept)
	assert.False(t, dropped)
	assert.Equal(t, 0, watcher.Metrics().RecoveryAttempts)
	assert.Equal(t, 1, rescans)
}

func TestOverflowRequestsRescanWithoutRecovery(t *testing.T) {
	rescans := 0
	watcher, err := NewWithOptions(Options{OverflowHandler: func() { rescans++ }})
	require.NoError(t, err)
	defer watcher.Close()

	watcher.handleNativeError(fsnotify.ErrEventOverflow)

	assert.Equal(t, 1, rescans)
	assert.Equal(t, uint64(1), watcher.Metrics().Overflows)
	assert.False(t, watcher.recovery.pending())
}

func TestCloseCancelsPendingRecovery(t *testing.T) {
	watcher, err := New()
	require.NoError(t, err)

	watcher.handleNativeError(errors.New("native failure"))
	require.True(t, watcher.recovery.pending())
	assert.Equal(t, uint64(1), watcher.Metrics().Errors)

	require.NoError(t, watcher.Close())
	assert.False(t, watcher.recovery.pending())
}
