package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type named string

func (n named) Type() string { return string(n) }

type countingRecorder struct {
	mu        sync.Mutex
	published map[string]int
	dropped   map[string]int
}

func (r *countingRecorder) IncEventPublished(bus, eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published[bus+"/"+eventType]++
}

func (r *countingRecorder) IncEventDropped(bus, eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[bus+"/"+eventType]++
}

func TestBusSubscribePublish(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	ch, cancel := bus.Subscribe()
	bus.Publish(42)

	select {
	case got := <-ch:
		assert.Equal(t, 42, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	_, ok := <-ch
	assert.False(t, ok, "channel should close after cancel")

	bus.Publish(43)
	published, dropped := bus.Stats()
	assert.Equal(t, int64(2), published)
	assert.Zero(t, dropped)
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	ch, _ := bus.Subscribe()

	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)
	bus.Publish(1)
}

func TestBusClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewBus[int](ctx, BusOptions{})
	ch, _ := bus.Subscribe()

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("bus did not close with context")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	recorder := &countingRecorder{published: map[string]int{}, dropped: map[string]int{}}
	bus := NewBus[named](context.Background(), BusOptions{Name: "states", SubscriberBufferSize: 1, Recorder: recorder})
	t.Cleanup(bus.Close)

	_, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish("idle")
	bus.Publish("idle")

	published, dropped := bus.Stats()
	assert.Equal(t, int64(2), published)
	assert.Equal(t, int64(1), dropped)
	assert.Equal(t, 2, recorder.published["states/idle"])
	assert.Equal(t, 1, recorder.dropped["states/idle"])
}

func TestBusFilteredSubscription(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	ch, cancel := bus.SubscribeFiltered(func(value int) bool { return value%2 == 0 })
	defer cancel()

	bus.Publish(1)
	bus.Publish(2)

	require.Equal(t, 2, <-ch)
	assert.Len(t, ch, 0)
}

func TestBusHistoryKeepsLatest(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{HistorySize: 2})
	t.Cleanup(bus.Close)

	bus.Publish(1)
	bus.Publish(2)
	bus.Publish(3)

	assert.Equal(t, []int{2, 3}, bus.DumpHistory())
}

func TestBusIgnoresNilPointers(t *testing.T) {
	bus := NewBus[*int](context.Background(), BusOptions{HistorySize: 1})
	t.Cleanup(bus.Close)

	bus.Publish(nil)
	published, _ := bus.Stats()
	assert.Zero(t, published)
}
