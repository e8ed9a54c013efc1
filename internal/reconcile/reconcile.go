// Package reconcile rescans watched trees on a cron schedule and reports the
// changes the file watcher missed, for example after an event overflow.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"

	"livecode/internal/logging"
	"livecode/internal/watcher"
)

type fileState struct {
	modTime time.Time
	size    int64
}

type Options struct {
	Name  string
	Roots []string
	// Schedule is a standard cron expression or descriptor ("@every 1m"). Empty
	// disables scheduled scans; Trigger still works.
	Schedule string
	Listener watcher.Listener
	FS       afero.Fs
	Logger   *logging.Logger
}

// Reconciler keeps a snapshot of every file below its roots. Events delivered by the
// watcher update the snapshot through Listener, so a scan only reports what the
// watcher did not.
type Reconciler struct {
	name     string
	roots    []string
	schedule string
	listener watcher.Listener
	fs       afero.Fs
	logger   *logging.Logger
	cron     *cron.Cron

	mu       sync.Mutex
	snapshot map[string]fileState
	running  bool

	scanMu sync.Mutex
}

func New(options Options) (*Reconciler, error) {
	if options.Schedule != "" {
		if _, err := cron.ParseStandard(options.Schedule); err != nil {
			return nil, fmt.Errorf("invalid reconcile schedule %q: %w", options.Schedule, err)
		}
	}
	fs := options.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With(map[string]string{"component": "reconcile", "watcher": options.Name})
	roots := make([]string, 0, len(options.Roots))
	for _, root := range options.Roots {
		roots = append(roots, filepath.Clean(root))
	}
	return &Reconciler{
		name:     options.Name,
		roots:    roots,
		schedule: options.Schedule,
		listener: options.Listener,
		fs:       fs,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger: logger}))),
		snapshot: make(map[string]fileState),
	}, nil
}

// Baseline records the current state without reporting anything.
func (r *Reconciler) Baseline() error {
	current, err := r.walk()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = current
	r.mu.Unlock()
	r.logger.Debug("reconcile baseline recorded", map[string]string{"files": strconv.Itoa(len(current))})
	return nil
}

// Listener returns a listener that records delivered events before forwarding them.
func (r *Reconciler) Listener(next watcher.Listener) watcher.Listener {
	return watcher.ListenerFunc(func(events []watcher.FileEvent) {
		r.Observe(events)
		if next != nil {
			next.OnChange(events)
		}
	})
}

// Observe updates the snapshot for paths the watcher already reported.
func (r *Reconciler) Observe(events []watcher.FileEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fileEvent := range events {
		info, err := r.fs.Stat(fileEvent.Path)
		if err != nil || info.IsDir() {
			delete(r.snapshot, fileEvent.Path)
			continue
		}
		r.snapshot[fileEvent.Path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
}

// Scan walks the roots, replaces the snapshot and returns the differences.
func (r *Reconciler) Scan() ([]watcher.FileEvent, error) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	current, err := r.walk()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	previous := r.snapshot
	r.snapshot = current
	r.mu.Unlock()

	var events []watcher.FileEvent
	for path, state := range current {
		before, ok := previous[path]
		switch {
		case !ok:
			events = append(events, watcher.FileEvent{Kind: watcher.Created, Path: path})
		case !before.modTime.Equal(state.modTime) || before.size != state.size:
			events = append(events, watcher.FileEvent{Kind: watcher.Modified, Path: path})
		}
	}
	for path := range previous {
		if _, ok := current[path]; !ok {
			events = append(events, watcher.FileEvent{Kind: watcher.Deleted, Path: path})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Path == events[j].Path {
			return events[i].Kind < events[j].Kind
		}
		return events[i].Path < events[j].Path
	})
	return events, nil
}

// Reconcile scans and forwards missed changes to the listener.
func (r *Reconciler) Reconcile() int {
	events, err := r.Scan()
	if err != nil {
		r.logger.Warn("reconcile scan failed", map[string]string{"error": err.Error()})
		return 0
	}
	if len(events) == 0 {
		return 0
	}
	r.logger.Info("reconcile found missed changes", map[string]string{"events": strconv.Itoa(len(events))})
	if r.listener != nil {
		r.listener.OnChange(events)
	}
	return len(events)
}

// Trigger runs a reconcile in the background.
func (r *Reconciler) Trigger() {
	go r.Reconcile()
}

// Start schedules reconciles until ctx is done or Stop is called.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schedule == "" {
		r.logger.Debug("reconcile schedule not configured", nil)
		return nil
	}
	if r.running {
		return nil
	}
	if _, err := r.cron.AddFunc(r.schedule, func() { r.Reconcile() }); err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	r.cron.Start()
	r.running = true
	r.logger.Info("reconcile scheduled", map[string]string{"schedule": r.schedule})

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop ends the schedule and waits for a running reconcile.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()
	<-r.cron.Stop().Done()
}

// NextRun returns the next scheduled reconcile, zero when none is scheduled.
func (r *Reconciler) NextRun() time.Time {
	entries := r.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (r *Reconciler) walk() (map[string]fileState, error) {
	current := make(map[string]fileState)
	for _, root := range r.roots {
		err := afero.Walk(r.fs, root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if info.IsDir() {
				return nil
			}
			current[path] = fileState{modTime: info.ModTime(), size: info.Size()}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", root, err)
		}
	}
	return current, nil
}

// cronLogger adapts the house logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, pairs(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := pairs(keysAndValues)
	fields["error"] = err.Error()
	l.logger.Warn("cron: "+msg, fields)
}

func pairs(keysAndValues []interface{}) map[string]string {
	fields := make(map[string]string, len(keysAndValues)/2+1)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = fmt.Sprint(keysAndValues[i+1])
	}
	return fields
}
