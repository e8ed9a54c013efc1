// Package event provides a small generic in-process publish/subscribe bus.
package event

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
)

const defaultSubscriberBufferSize = 128

// Recorder receives publish and drop counts. *metrics.Registry satisfies it.
type Recorder interface {
	IncEventPublished(bus, eventType string)
	IncEventDropped(bus, eventType string)
}

// Typed events report a type label for metrics.
type Typed interface {
	Type() string
}

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	MaxSubscribers       int
	HistorySize          int
	Recorder             Recorder
}

// Bus fans events out to buffered subscriber channels. Publish never blocks: a full
// subscriber misses the event and the drop is counted.
type Bus[T any] struct {
	mu           sync.Mutex
	subscribers  map[uint64]subscription[T]
	nextSubID    uint64
	closed       bool
	closeOnce    sync.Once
	options      BusOptions
	published    atomic.Int64
	dropped      atomic.Int64
	history      []T
	historyNext  int
	historyCount int
}

type subscription[T any] struct {
	id     uint64
	ch     chan T
	filter func(T) bool
}

func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]subscription[T]),
		options:     opts,
	}
	if opts.HistorySize > 0 {
		bus.history = make([]T, opts.HistorySize)
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeFiltered(nil)
}

func (b *Bus[T]) SubscribeFiltered(filter func(T) bool) (<-chan T, func()) {
	if b == nil {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan T, b.options.SubscriberBufferSize)
	id := atomic.AddUint64(&b.nextSubID, 1)

	b.mu.Lock()
	if b.closed || (b.options.MaxSubscribers > 0 && len(b.subscribers) >= b.options.MaxSubscribers) {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = subscription[T]{id: id, ch: ch, filter: filter}
	b.mu.Unlock()

	return ch, func() { b.removeSubscriber(id) }
}

func (b *Bus[T]) Publish(event T) {
	if b == nil || isNil(event) {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.appendHistoryLocked(event)
	subscribers := make([]subscription[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.Unlock()

	eventType := eventTypeOf(event)
	b.published.Add(1)
	if b.options.Recorder != nil {
		b.options.Recorder.IncEventPublished(b.busName(), eventType)
	}

	for _, sub := range subscribers {
		if !b.filterAllows(sub, event) {
			continue
		}
		if !b.trySend(sub, event) {
			b.dropped.Add(1)
			if b.options.Recorder != nil {
				b.options.Recorder.IncEventDropped(b.busName(), eventType)
			}
		}
	}
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subscribers := b.subscribers
		b.subscribers = make(map[uint64]subscription[T])
		b.mu.Unlock()

		for _, sub := range subscribers {
			close(sub.ch)
		}
	})
}

// DumpHistory returns a copy of the stored event history in order.
func (b *Bus[T]) DumpHistory() []T {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.historyCount == 0 {
		return nil
	}
	start := 0
	if b.historyCount == len(b.history) {
		start = b.historyNext
	}
	events := make([]T, 0, b.historyCount)
	for i := 0; i < b.historyCount; i++ {
		events = append(events, b.history[(start+i)%len(b.history)])
	}
	return events
}

// Stats reports how many events were published and how many deliveries were dropped.
func (b *Bus[T]) Stats() (published, dropped int64) {
	if b == nil {
		return 0, 0
	}
	return b.published.Load(), b.dropped.Load()
}

func (b *Bus[T]) trySend(sub subscription[T], event T) (delivered bool) {
	defer func() {
		// The subscriber channel was closed by a concurrent cancel.
		if recover() != nil {
			delivered = true
		}
	}()
	select {
	case sub.ch <- event:
		return true
	default:
		return false
	}
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	b.mu.Lock()
	existing, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		close(existing.ch)
	}
}

func (b *Bus[T]) filterAllows(sub subscription[T], event T) (allowed bool) {
	if sub.filter == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			b.removeSubscriber(sub.id)
			allowed = false
		}
	}()
	return sub.filter(event)
}

func (b *Bus[T]) appendHistoryLocked(event T) {
	if len(b.history) == 0 {
		return
	}
	b.history[b.historyNext] = event
	if b.historyCount < len(b.history) {
		b.historyCount++
	}
	b.historyNext = (b.historyNext + 1) % len(b.history)
}

func (b *Bus[T]) busName() string {
	if b.options.Name == "" {
		return "event_bus"
	}
	return b.options.Name
}

func eventTypeOf[T any](event T) string {
	typed, ok := any(event).(Typed)
	if !ok || typed.Type() == "" {
		return "unknown"
	}
	return typed.Type()
}

func isNil[T any](value T) bool {
	kind := reflect.ValueOf(value)
	if !kind.IsValid() {
		return true
	}
	switch kind.Kind() {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Slice:
		return kind.IsNil()
	default:
		return false
	}
}
