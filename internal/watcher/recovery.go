package watcher

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// recovery tracks attempts to replace a failed native watch.
type recovery struct {
	mutex    sync.Mutex
	timer    *time.Timer
	attempts int
}

func (state *recovery) pending() bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return state.timer != nil
}

func (state *recovery) count() int {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	return state.attempts
}

func (state *recovery) cancel() {
	state.mutex.Lock()
	if state.timer != nil {
		state.timer.Stop()
		state.timer = nil
	}
	state.mutex.Unlock()
}

func recoveryDelay(attempt int) time.Duration {
	return recoveryBaseDelay << attempt
}

// handleNativeError routes an fsnotify error. An overflow loses events but
// not the watch, so it only asks for a rescan; anything else rebuilds the watch.
func (watcher *Watcher) handleNativeError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		atomic.AddUint64(&watcher.overflows, 1)
		watcher.metrics.IncWatchOverflow()
		watcher.logWarn("native event queue overflow, requesting rescan", nil)
		watcher.requestRescan()
		return
	}
	atomic.AddUint64(&watcher.errorCount, 1)
	watcher.logWarn("native watch failed", map[string]string{"error": err.Error()})
	watcher.scheduleRecovery(err)
}

func (watcher *Watcher) scheduleRecovery(cause error) {
	if watcher == nil || watcher.isClosed() {
		return
	}
	state := &watcher.recovery
	state.mutex.Lock()
	if state.timer != nil {
		state.mutex.Unlock()
		return
	}
	if state.attempts >= maxRecoveryAttempts {
		state.mutex.Unlock()
		watcher.giveUp(cause)
		return
	}
	delay := recoveryDelay(state.attempts)
	state.attempts++
	attempt := state.attempts
	state.timer = time.AfterFunc(delay, watcher.attemptRecovery)
	state.mutex.Unlock()

	watcher.logDebug("native watch recovery scheduled", map[string]string{
		"attempt": strconv.Itoa(attempt),
		"delay":   delay.String(),
	})
}

func (watcher *Watcher) attemptRecovery() {
	if watcher == nil {
		return
	}
	err := watcher.rebuild()

	state := &watcher.recovery
	state.mutex.Lock()
	state.timer = nil
	if err == nil {
		state.attempts = 0
	}
	state.mutex.Unlock()

	if err != nil {
		watcher.logWarn("native watch recovery failed", map[string]string{"error": err.Error()})
		watcher.scheduleRecovery(err)
		return
	}
	// Changes made while the old watch was down were never observed.
	watcher.requestRescan()
}

// rebuild replaces the native watcher and re-registers every covered
// directory. Directories that can no longer be watched are dropped.
func (watcher *Watcher) rebuild() error {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	directories := make([]string, 0, len(watcher.registrations))
	for directory := range watcher.registrations {
		directories = append(directories, directory)
	}
	watcher.mutex.Unlock()

	replacement, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	var lost []string
	for _, directory := range directories {
		if err := replacement.Add(directory); err != nil {
			lost = append(lost, directory)
			watcher.logWarn("directory lost during recovery", map[string]string{
				"path":  directory,
				"error": err.Error(),
			})
		}
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		_ = replacement.Close()
		return nil
	}
	previous := watcher.watcher
	watcher.watcher = replacement
	for _, directory := range lost {
		delete(watcher.registrations, directory)
	}
	active := len(watcher.registrations)
	watcher.mutex.Unlock()

	watcher.metrics.IncWatchRecovery()
	watcher.metrics.SetWatchedDirectories(watcher.name, active)
	watcher.startForwarder(replacement)
	if previous != nil {
		_ = previous.Close()
	}
	watcher.logInfo("native watch recovered", map[string]string{
		"directories": strconv.Itoa(active),
	})
	return nil
}

func (watcher *Watcher) requestRescan() {
	watcher.mutex.Lock()
	handler := watcher.overflowHandler
	watcher.mutex.Unlock()
	if handler != nil {
		handler()
	}
}

// giveUp reports a watch that could not be recovered.
func (watcher *Watcher) giveUp(cause error) {
	watcher.mutex.Lock()
	handler := watcher.errorHandler
	watcher.mutex.Unlock()
	if handler == nil || cause == nil {
		return
	}
	handler(cause)
}

func (watcher *Watcher) isClosed() bool {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	return watcher.closed
}
