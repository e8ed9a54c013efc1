// Package process tracks the child processes started for the application so they
// can be signalled and stopped as a group.
package process

import (
	"context"
	"errors"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"livecode/internal/logging"
)

const (
	defaultStopTimeout = 5 * time.Second
	exitPollInterval   = 50 * time.Millisecond
)

var ErrProcessNotFound = errors.New("process not running")

type Entry struct {
	PID       int
	PGID      int
	Name      string
	StartedAt time.Time
	Wait      func(context.Context) error
}

type Registry struct {
	mu      sync.Mutex
	entries map[int]Entry
	logger  *logging.Logger
}

func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		entries: make(map[int]Entry),
		logger:  logger.With(map[string]string{"component": "process"}),
	}
}

// Register records a started process. wait, when set, must return once the process exited.
func (r *Registry) Register(pid, pgid int, name string, wait func(context.Context) error) {
	if r == nil || pid <= 0 {
		return
	}
	r.mu.Lock()
	r.entries[pid] = Entry{
		PID:       pid,
		PGID:      pgid,
		Name:      name,
		StartedAt: time.Now().UTC(),
		Wait:      wait,
	}
	r.mu.Unlock()
	r.logger.Debug("process registered", map[string]string{"pid": strconv.Itoa(pid), "name": name})
}

func (r *Registry) Unregister(pid int) {
	if r == nil || pid <= 0 {
		return
	}
	r.mu.Lock()
	delete(r.entries, pid)
	r.mu.Unlock()
}

func (r *Registry) Lookup(pid int) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[pid]
	return entry, ok
}

// Entries returns the registered processes ordered by pid.
func (r *Registry) Entries() []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].PID < entries[j].PID })
	return entries
}

// Signal delivers sig to the process group of a registered process.
func (r *Registry) Signal(pid int, sig os.Signal) error {
	entry, ok := r.Lookup(pid)
	if !ok {
		return ErrProcessNotFound
	}
	return signalProcess(entry.PID, entry.PGID, sig)
}

// Stop terminates one registered process, escalating to a kill when it does not exit in time.
func (r *Registry) Stop(ctx context.Context, pid int) error {
	entry, ok := r.Lookup(pid)
	if !ok {
		return ErrProcessNotFound
	}
	err := stopProcess(ctx, entry.PID, entry.PGID, entry.Wait)
	r.Unregister(pid)
	if errors.Is(err, ErrProcessNotFound) {
		return nil
	}
	return err
}

func (r *Registry) StopAll(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var stopErr error
	for _, entry := range r.Entries() {
		if err := r.Stop(ctx, entry.PID); err != nil {
			r.logger.Warn("process stop failed", map[string]string{
				"pid":   strconv.Itoa(entry.PID),
				"name":  entry.Name,
				"error": err.Error(),
			})
			stopErr = errors.Join(stopErr, err)
		}
	}
	return stopErr
}

// pollExit waits until alive reports false, bounded by ctx and defaultStopTimeout.
func pollExit(ctx context.Context, alive func() bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, defaultStopTimeout)
	defer cancel()
	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()
	for {
		if !alive() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
