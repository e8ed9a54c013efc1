package watcher

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"livecode/internal/logging"
	"livecode/internal/metrics"
)

type Kind int

const (
	Created Kind = iota + 1
	Modified
	Deleted
)

func (kind Kind) String() string {
	switch kind {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// FileEvent is one classified change. Two events are equal when kind and path are equal.
type FileEvent struct {
	Kind Kind
	Path string
}

// Registration is a directory currently covered by the native watch.
type Registration struct {
	Directory string
	AddedAt   time.Time
}

// Listener receives the non-empty batches produced by Run.
type Listener interface {
	OnChange(events []FileEvent)
}

type ListenerFunc func(events []FileEvent)

func (fn ListenerFunc) OnChange(events []FileEvent) {
	fn(events)
}

// Options controls watcher behavior.
type Options struct {
	// Name labels logs and metrics, e.g. "sources" or "resources".
	Name            string
	Logger          *logging.Logger
	Metrics         *metrics.Registry
	Listener        Listener
	Debounce        time.Duration
	MaxWatches      int
	CleanupInterval time.Duration
	// ContentDigests suppresses Created/Modified events whose content did not change.
	ContentDigests  bool
	ErrorHandler    func(error)
	OverflowHandler func()
}

// Metrics is a snapshot of watcher counters.
type Metrics struct {
	ActiveWatches    int
	Batches          uint64
	EventsDelivered  uint64
	EventsIgnored    uint64
	Overflows        uint64
	Errors           uint64
	RecoveryAttempts int
}

type digest = [sha256.Size]byte

// Watcher is the concrete fsnotify-backed implementation.
type Watcher struct {
	name            string
	watcher         *fsnotify.Watcher
	mutex           sync.Mutex
	registrations   map[string]Registration
	digests         map[string]digest
	listener        Listener
	logger          *logging.Logger
	metrics         *metrics.Registry
	debounce        time.Duration
	maxWatches      int
	cleanupInterval time.Duration
	contentDigests  bool
	errorHandler    func(error)
	overflowHandler func()

	events   chan fsnotify.Event
	errors   chan error
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	closed   bool

	recovery recovery

	batches         uint64
	eventsDelivered uint64
	eventsIgnored   uint64
	overflows       uint64
	errorCount      uint64
}
