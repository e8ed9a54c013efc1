package watcher

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// pendingOps accumulates what the native watcher said about one path during a window.
type pendingOps struct {
	created bool
	changed bool
}

type pendingBatch struct {
	paths      map[string]pendingOps
	order      []string
	overflowed bool
}

func newPendingBatch() *pendingBatch {
	return &pendingBatch{paths: make(map[string]pendingOps)}
}

func (batch *pendingBatch) add(event fsnotify.Event) {
	if event.Name == "" {
		return
	}
	path := filepath.Clean(event.Name)
	ops, seen := batch.paths[path]
	if !seen {
		batch.order = append(batch.order, path)
	}
	if event.Has(fsnotify.Create) {
		ops.created = true
	}
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		ops.changed = true
	}
	batch.paths[path] = ops
}

// classify turns the accumulated notifications into file events by looking at the
// current state of each path. It registers directories that appeared and forgets
// directories that vanished. The second result counts paths that produced nothing.
func (watcher *Watcher) classify(batch *pendingBatch) ([]FileEvent, int) {
	events := make([]FileEvent, 0, len(batch.order))
	seen := make(map[FileEvent]struct{}, len(batch.order))
	ignored := 0
	var vanished []string
	var appeared []string

	emit := func(event FileEvent) {
		if _, ok := seen[event]; ok {
			return
		}
		seen[event] = struct{}{}
		events = append(events, event)
	}

	for _, path := range batch.order {
		ops := batch.paths[path]
		if !ops.changed || !watcher.isRegistered(filepath.Dir(path)) {
			ignored++
			continue
		}

		info, err := os.Lstat(path)
		switch {
		case err != nil:
			if watcher.isRegistered(path) {
				vanished = append(vanished, path)
				emit(FileEvent{Kind: Deleted, Path: path})
				continue
			}
			if ops.created && !watcher.hasDigest(path) {
				// Created and removed inside one window.
				ignored++
				continue
			}
			watcher.forgetDigest(path)
			emit(FileEvent{Kind: Deleted, Path: path})
		case info.IsDir():
			if !watcher.isRegistered(path) {
				appeared = append(appeared, path)
			}
		default:
			kind := Modified
			if ops.created {
				kind = Created
			}
			if !watcher.contentChanged(path) {
				ignored++
				continue
			}
			emit(FileEvent{Kind: kind, Path: path})
		}
	}

	for _, path := range vanished {
		watcher.unregisterTree(path)
	}
	for _, path := range appeared {
		files, err := watcher.registerTree(path, false)
		if err != nil {
			watcher.logWarn("register new directory failed", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
		}
		for _, file := range files {
			if watcher.contentChanged(file) {
				emit(FileEvent{Kind: Created, Path: file})
			}
		}
	}
	return events, ignored
}

// walkTree returns every directory below root (root included) and, when withFiles is
// set, every regular file. Walk errors are returned.
func walkTree(root string, withFiles bool) ([]string, []string, error) {
	var dirs []string
	var files []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if withFiles && entry.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	return dirs, files, err
}
