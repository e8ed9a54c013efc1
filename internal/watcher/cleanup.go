package watcher

import (
	"os"
	"time"
)

func (watcher *Watcher) cleanupLoop() {
	ticker := time.NewTicker(watcher.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			watcher.cleanup()
		case <-watcher.done:
			return
		}
	}
}

// cleanup drops registrations whose directory disappeared without a notification
// reaching Run, e.g. while the native watch was being rebuilt.
func (watcher *Watcher) cleanup() {
	if watcher == nil {
		return
	}
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	paths := make([]string, 0, len(watcher.registrations))
	for path := range watcher.registrations {
		paths = append(paths, path)
	}
	watcher.mutex.Unlock()

	stale := make([]string, 0)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			stale = append(stale, path)
		}
	}
	if len(stale) == 0 {
		return
	}
	watcher.removeWatches(stale)
	for _, path := range stale {
		watcher.logDebug("watch cleaned", map[string]string{"path": path})
	}
}
