package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// WatchRecursively registers root and every directory below it. Any walk or
// registration error is returned and the registrations added by this call are
// rolled back.
func (watcher *Watcher) WatchRecursively(root string) error {
	if watcher == nil {
		return ErrClosed
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("watch %s: not a directory", abs)
	}

	files, err := watcher.registerTree(abs, true)
	if err != nil {
		return fmt.Errorf("watch %s: %w", abs, err)
	}
	if watcher.contentDigests {
		for _, file := range files {
			watcher.contentChanged(file)
		}
	}
	watcher.logger.Info("watching directory", map[string]string{
		"path":           abs,
		"active_watches": strconv.Itoa(watcher.Metrics().ActiveWatches),
	})
	return nil
}

func (watcher *Watcher) registerTree(root string, rollback bool) ([]string, error) {
	dirs, files, err := walkTree(root, true)
	if err != nil {
		return nil, err
	}

	added := make([]string, 0, len(dirs))
	var registerErr error
	for _, dir := range dirs {
		ok, err := watcher.addWatch(dir)
		if err != nil {
			if rollback {
				watcher.removeWatches(added)
				return nil, err
			}
			registerErr = err
			break
		}
		if ok {
			added = append(added, dir)
		}
	}

	covered := files[:0]
	for _, file := range files {
		if watcher.isRegistered(filepath.Dir(file)) {
			covered = append(covered, file)
		}
	}
	return covered, registerErr
}

func (watcher *Watcher) addWatch(path string) (bool, error) {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return false, ErrClosed
	}
	if _, ok := watcher.registrations[path]; ok {
		watcher.mutex.Unlock()
		return false, nil
	}
	if len(watcher.registrations) >= watcher.maxWatches {
		watcher.mutex.Unlock()
		return false, ErrMaxWatchesExceeded
	}
	watcher.registrations[path] = Registration{Directory: path, AddedAt: time.Now().UTC()}
	native := watcher.watcher
	active := len(watcher.registrations)
	watcher.mutex.Unlock()

	if err := native.Add(path); err != nil {
		watcher.mutex.Lock()
		delete(watcher.registrations, path)
		watcher.mutex.Unlock()
		watcher.logWarn("watch add failed", map[string]string{
			"path":  path,
			"error": err.Error(),
		})
		return false, err
	}
	watcher.metrics.SetWatchedDirectories(watcher.name, active)
	watcher.logDebug("watch added", map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(active),
	})
	return true, nil
}

func (watcher *Watcher) removeWatches(paths []string) {
	if watcher == nil {
		return
	}
	for _, path := range paths {
		watcher.mutex.Lock()
		_, ok := watcher.registrations[path]
		delete(watcher.registrations, path)
		native := watcher.watcher
		watcher.mutex.Unlock()
		if !ok || native == nil {
			continue
		}
		if err := native.Remove(path); err != nil {
			watcher.logDebug("watch remove failed", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
		}
	}
	watcher.metrics.SetWatchedDirectories(watcher.name, watcher.Metrics().ActiveWatches)
}

// unregisterTree forgets a directory the OS already stopped watching, and everything below it.
func (watcher *Watcher) unregisterTree(root string) {
	prefix := root + string(os.PathSeparator)
	watcher.mutex.Lock()
	for path := range watcher.registrations {
		if path == root || strings.HasPrefix(path, prefix) {
			delete(watcher.registrations, path)
		}
	}
	for path := range watcher.digests {
		if strings.HasPrefix(path, prefix) {
			delete(watcher.digests, path)
		}
	}
	active := len(watcher.registrations)
	watcher.mutex.Unlock()
	watcher.metrics.SetWatchedDirectories(watcher.name, active)
	watcher.logDebug("watch dropped", map[string]string{
		"path":           root,
		"active_watches": strconv.Itoa(active),
	})
}

func (watcher *Watcher) isRegistered(path string) bool {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	_, ok := watcher.registrations[path]
	return ok
}
