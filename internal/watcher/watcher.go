package watcher

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"livecode/internal/logging"
)

const (
	defaultDebounce        = 500 * time.Millisecond
	defaultMaxWatches      = 4096
	defaultCleanupInterval = time.Minute
	maxRecoveryAttempts    = 3
	recoveryBaseDelay      = 200 * time.Millisecond
)

var (
	ErrMaxWatchesExceeded = errors.New("max watches exceeded")
	ErrClosed             = errors.New("watcher is closed")
)

// New creates a Watcher with default options.
func New() (*Watcher, error) {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a Watcher with custom options.
func NewWithOptions(options Options) (*Watcher, error) {
	native, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	name := options.Name
	if name == "" {
		name = "watcher"
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	maxWatches := options.MaxWatches
	if maxWatches <= 0 {
		maxWatches = defaultMaxWatches
	}

	cleanupInterval := options.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	instance := &Watcher{
		name:            name,
		watcher:         native,
		registrations:   make(map[string]Registration),
		digests:         make(map[string]digest),
		listener:        options.Listener,
		logger:          logger.With(map[string]string{"component": "watcher", "watcher": name}),
		metrics:         options.Metrics,
		debounce:        debounce,
		maxWatches:      maxWatches,
		cleanupInterval: cleanupInterval,
		contentDigests:  options.ContentDigests,
		errorHandler:    options.ErrorHandler,
		overflowHandler: options.OverflowHandler,
		events:          make(chan fsnotify.Event, 256),
		errors:          make(chan error, 4),
		done:            make(chan struct{}),
		stop:            make(chan struct{}),
	}

	instance.startForwarder(native)
	go instance.cleanupLoop()
	return instance, nil
}

// SetListener replaces the batch listener. It must be called before Run.
func (watcher *Watcher) SetListener(listener Listener) {
	if watcher == nil {
		return
	}
	watcher.mutex.Lock()
	watcher.listener = listener
	watcher.mutex.Unlock()
}

// SetErrorHandler configures a callback for unrecoverable watcher failures.
func (watcher *Watcher) SetErrorHandler(handler func(error)) {
	if watcher == nil {
		return
	}
	watcher.mutex.Lock()
	watcher.errorHandler = handler
	watcher.mutex.Unlock()
}

// Run processes native notifications until Stop, Close or ctx cancellation.
// Listener calls happen on the calling goroutine.
func (watcher *Watcher) Run(ctx context.Context) error {
	if watcher == nil {
		return ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if watcher.stopped() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watcher.stop:
			return nil
		case <-watcher.done:
			return nil
		case err := <-watcher.errors:
			watcher.handleNativeError(err)
		case first := <-watcher.events:
			pending := newPendingBatch()
			pending.add(first)
			if !watcher.collect(ctx, pending) {
				return ctx.Err()
			}
			watcher.dispatch(pending)
		}
	}
}

// collect gathers notifications for one debounce window. It returns false when ctx ended.
func (watcher *Watcher) collect(ctx context.Context, pending *pendingBatch) bool {
	timer := time.NewTimer(watcher.debounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-watcher.done:
			return true
		case event := <-watcher.events:
			pending.add(event)
		case err := <-watcher.errors:
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				pending.overflowed = true
			}
			watcher.handleNativeError(err)
		case <-timer.C:
			return true
		}
	}
}

func (watcher *Watcher) dispatch(pending *pendingBatch) {
	if pending.overflowed {
		watcher.logWarn("native event queue overflowed, dropping batch", map[string]string{
			"paths": strconv.Itoa(len(pending.paths)),
		})
		return
	}
	events, ignored := watcher.classify(pending)
	atomic.AddUint64(&watcher.eventsIgnored, uint64(ignored))
	if len(events) == 0 {
		return
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].Path == events[j].Path {
			return events[i].Kind < events[j].Kind
		}
		return events[i].Path < events[j].Path
	})

	atomic.AddUint64(&watcher.batches, 1)
	atomic.AddUint64(&watcher.eventsDelivered, uint64(len(events)))
	counts := make(map[string]int, 3)
	for _, event := range events {
		counts[event.Kind.String()]++
	}
	watcher.metrics.RecordWatchBatch(watcher.name, counts)
	watcher.logDebug("batch ready", map[string]string{"events": strconv.Itoa(len(events))})

	watcher.mutex.Lock()
	listener := watcher.listener
	watcher.mutex.Unlock()
	if listener != nil {
		listener.OnChange(events)
	}
}

// Stop asks Run to return after the current iteration.
func (watcher *Watcher) Stop() {
	if watcher == nil {
		return
	}
	watcher.stopOnce.Do(func() {
		close(watcher.stop)
	})
}

func (watcher *Watcher) stopped() bool {
	select {
	case <-watcher.stop:
		return true
	default:
		return false
	}
}

// Close shuts down the watcher and releases the native handle.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	native := watcher.watcher
	watcher.registrations = make(map[string]Registration)
	watcher.mutex.Unlock()

	watcher.recovery.cancel()

	watcher.Stop()
	close(watcher.done)
	watcher.metrics.SetWatchedDirectories(watcher.name, 0)
	if native == nil {
		return nil
	}
	return native.Close()
}

func (watcher *Watcher) startForwarder(source *fsnotify.Watcher) {
	if source == nil {
		return
	}

	go func() {
		for {
			select {
			case event, ok := <-source.Events:
				if !ok {
					return
				}
				select {
				case watcher.events <- event:
				case <-watcher.done:
					return
				}
			case err, ok := <-source.Errors:
				if !ok {
					return
				}
				select {
				case watcher.errors <- err:
				case <-watcher.done:
					return
				}
			case <-watcher.done:
				return
			}
		}
	}()
}

// Registrations returns the registered directories sorted by path.
func (watcher *Watcher) Registrations() []Registration {
	if watcher == nil {
		return nil
	}
	watcher.mutex.Lock()
	registrations := make([]Registration, 0, len(watcher.registrations))
	for _, registration := range watcher.registrations {
		registrations = append(registrations, registration)
	}
	watcher.mutex.Unlock()
	sort.Slice(registrations, func(i, j int) bool {
		return registrations[i].Directory < registrations[j].Directory
	})
	return registrations
}

// Metrics reports current watcher stats.
func (watcher *Watcher) Metrics() Metrics {
	if watcher == nil {
		return Metrics{}
	}
	watcher.mutex.Lock()
	active := len(watcher.registrations)
	watcher.mutex.Unlock()
	return Metrics{
		ActiveWatches:    active,
		Batches:          atomic.LoadUint64(&watcher.batches),
		EventsDelivered:  atomic.LoadUint64(&watcher.eventsDelivered),
		EventsIgnored:    atomic.LoadUint64(&watcher.eventsIgnored),
		Overflows:        atomic.LoadUint64(&watcher.overflows),
		Errors:           atomic.LoadUint64(&watcher.errorCount),
		RecoveryAttempts: watcher.recovery.count(),
	}
}

func (watcher *Watcher) logWarn(message string, fields map[string]string) {
	if watcher == nil || watcher.logger == nil {
		return
	}
	watcher.logger.Warn(message, fields)
}

func (watcher *Watcher) logInfo(message string, fields map[string]string) {
	if watcher == nil || watcher.logger == nil {
		return
	}
	watcher.logger.Info(message, fields)
}

func (watcher *Watcher) logDebug(message string, fields map[string]string) {
	if watcher == nil || watcher.logger == nil {
		return
	}
	watcher.logger.Debug(message, fields)
}
