// Package pipeline turns batches of file events into invalidate, rebuild, refresh
// and reload steps.
package pipeline

import (
	"context"
	"sync"
	"time"

	"livecode/internal/event"
)

type State int

const (
	Idle State = iota
	Analyzing
	Invalidating
	Rebuilding
	Refreshing
	Notifying
)

func (state State) String() string {
	switch state {
	case Idle:
		return "idle"
	case Analyzing:
		return "analyzing"
	case Invalidating:
		return "invalidating"
	case Rebuilding:
		return "rebuilding"
	case Refreshing:
		return "refreshing"
	case Notifying:
		return "notifying"
	default:
		return "unknown"
	}
}

// StateChange is published on every transition. Err is set on the transition back to
// Idle that ends a failed pass.
type StateChange struct {
	Pipeline string
	PassID   string
	From     State
	To       State
	At       time.Time
	Err      error
}

func (change StateChange) Type() string {
	return change.To.String()
}

// NewEventBus returns a bus sized for state changes.
func NewEventBus(ctx context.Context, recorder event.Recorder) *event.Bus[StateChange] {
	return event.NewBus[StateChange](ctx, event.BusOptions{
		Name:        "pipeline",
		HistorySize: 64,
		Recorder:    recorder,
	})
}

// Invalidator is the part of the unit cache a pass needs.
type Invalidator interface {
	Invalidate(names ...string) int
	InvalidateByPrefix(prefix string) int
	InvalidateAll() int
}

type Refresher interface {
	Refresh(ctx context.Context) error
}

type Notifier interface {
	NotifyChange(path string) int
	Alert(message string) int
}

type tracker struct {
	name   string
	events *event.Bus[StateChange]

	mutex sync.Mutex
	state State
}

func (tracker *tracker) current() State {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	return tracker.state
}

func (tracker *tracker) transition(passID string, to State, err error) {
	tracker.mutex.Lock()
	from := tracker.state
	tracker.state = to
	tracker.mutex.Unlock()
	if tracker.events == nil {
		return
	}
	tracker.events.Publish(StateChange{
		Pipeline: tracker.name,
		PassID:   passID,
		From:     from,
		To:       to,
		At:       time.Now(),
		Err:      err,
	})
}
