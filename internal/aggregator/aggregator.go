// Package aggregator funnels concurrent change notifications into serialized passes.
package aggregator

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"livecode/internal/logging"
	"livecode/internal/metrics"
	"livecode/internal/watcher"
)

const (
	DefaultCapacity    = 10000
	DefaultQuietPeriod = 500 * time.Millisecond
)

type Policy string

const (
	// Immediate runs a pass as soon as no other pass is in flight.
	Immediate Policy = "immediate"
	// Quiet waits until no notification arrived for the quiet period.
	Quiet Policy = "quiet"
)

func ParsePolicy(value string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(value))) {
	case "", Immediate:
		return Immediate, nil
	case Quiet:
		return Quiet, nil
	default:
		return "", fmt.Errorf("unknown aggregation policy %q", value)
	}
}

// Batch is the drained pending set. Overflowed means events were dropped because the
// set was full, so the consumer must treat the batch as "everything may have changed".
type Batch struct {
	Events     []watcher.FileEvent
	Overflowed bool
}

type Pass func(batch Batch)

type Options struct {
	Name        string
	Policy      Policy
	QuietPeriod time.Duration
	Capacity    int
	Logger      *logging.Logger
	Metrics     *metrics.Registry
}

type Stats struct {
	Passes   uint64
	Requeues uint64
	Dropped  uint64
	Pending  int
}

// Aggregator never runs two passes at once and never loses an accepted event: a caller
// that finds a pass in flight leaves its events queued and the running pass picks them
// up after it releases the guard.
type Aggregator struct {
	name     string
	pass     Pass
	policy   Policy
	quiet    time.Duration
	capacity int
	logger   *logging.Logger
	metrics  *metrics.Registry
	guard    *semaphore.Weighted

	mutex      sync.Mutex
	pending    map[watcher.FileEvent]struct{}
	order      []watcher.FileEvent
	overflowed bool
	timer      *time.Timer
	stopped    atomic.Bool

	passes   atomic.Uint64
	requeues atomic.Uint64
	dropped  atomic.Uint64
}

func New(pass Pass, options Options) *Aggregator {
	policy := options.Policy
	if policy == "" {
		policy = Immediate
	}
	quiet := options.QuietPeriod
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	capacity := options.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	name := options.Name
	if name == "" {
		name = "aggregator"
	}
	return &Aggregator{
		name:     name,
		pass:     pass,
		policy:   policy,
		quiet:    quiet,
		capacity: capacity,
		logger:   logger.With(map[string]string{"component": "aggregator", "aggregator": name}),
		metrics:  options.Metrics,
		guard:    semaphore.NewWeighted(1),
		pending:  make(map[watcher.FileEvent]struct{}),
	}
}

// OnChange accepts a batch from a watcher. It is safe to call from many goroutines.
func (aggregator *Aggregator) OnChange(events []watcher.FileEvent) {
	if aggregator == nil || aggregator.stopped.Load() {
		return
	}
	aggregator.enqueue(events, false)
	aggregator.schedule()
}

// MarkOverflowed forces the next batch to be a full one, e.g. after the native watcher
// lost events.
func (aggregator *Aggregator) MarkOverflowed() {
	if aggregator == nil || aggregator.stopped.Load() {
		return
	}
	aggregator.enqueue(nil, true)
	aggregator.schedule()
}

func (aggregator *Aggregator) schedule() {
	if aggregator.policy != Quiet {
		aggregator.drain()
		return
	}
	aggregator.mutex.Lock()
	defer aggregator.mutex.Unlock()
	if aggregator.stopped.Load() {
		return
	}
	if aggregator.timer == nil {
		aggregator.timer = time.AfterFunc(aggregator.quiet, aggregator.drain)
		return
	}
	aggregator.timer.Reset(aggregator.quiet)
}

func (aggregator *Aggregator) drain() {
	for aggregator.hasPending() {
		if aggregator.stopped.Load() {
			return
		}
		if !aggregator.runOnce() {
			aggregator.requeues.Add(1)
			aggregator.metrics.IncAggregationRequeue(aggregator.name)
			return
		}
	}
}

// runOnce returns false when another pass holds the guard.
func (aggregator *Aggregator) runOnce() bool {
	if !aggregator.guard.TryAcquire(1) {
		return false
	}
	defer aggregator.guard.Release(1)

	batch := aggregator.take()
	if len(batch.Events) == 0 && !batch.Overflowed {
		return true
	}
	aggregator.passes.Add(1)
	aggregator.metrics.IncAggregationPass(aggregator.name)
	aggregator.runPass(batch)
	return true
}

func (aggregator *Aggregator) runPass(batch Batch) {
	defer func() {
		if recovered := recover(); recovered != nil {
			aggregator.logger.Error("pass panicked", map[string]string{
				"panic": fmt.Sprint(recovered),
				"stack": string(debug.Stack()),
			})
		}
	}()
	if aggregator.pass != nil {
		aggregator.pass(batch)
	}
}

func (aggregator *Aggregator) enqueue(events []watcher.FileEvent, overflowed bool) {
	dropped := 0
	aggregator.mutex.Lock()
	if overflowed {
		aggregator.overflowed = true
	}
	for _, event := range events {
		if _, ok := aggregator.pending[event]; ok {
			continue
		}
		if len(aggregator.pending) >= aggregator.capacity {
			aggregator.overflowed = true
			dropped++
			continue
		}
		aggregator.pending[event] = struct{}{}
		aggregator.order = append(aggregator.order, event)
	}
	aggregator.mutex.Unlock()

	if dropped > 0 {
		aggregator.dropped.Add(uint64(dropped))
		aggregator.metrics.AddAggregationDropped(aggregator.name, dropped)
		aggregator.logger.Warn("pending events over capacity", map[string]string{
			"dropped":  strconv.Itoa(dropped),
			"capacity": strconv.Itoa(aggregator.capacity),
		})
	}
}

func (aggregator *Aggregator) take() Batch {
	aggregator.mutex.Lock()
	defer aggregator.mutex.Unlock()
	batch := Batch{Events: aggregator.order, Overflowed: aggregator.overflowed}
	aggregator.pending = make(map[watcher.FileEvent]struct{})
	aggregator.order = nil
	aggregator.overflowed = false
	return batch
}

func (aggregator *Aggregator) hasPending() bool {
	aggregator.mutex.Lock()
	defer aggregator.mutex.Unlock()
	return len(aggregator.order) > 0 || aggregator.overflowed
}

// Stop ignores later notifications and cancels a pending quiet timer. A pass already
// running completes.
func (aggregator *Aggregator) Stop() {
	if aggregator == nil {
		return
	}
	aggregator.stopped.Store(true)
	aggregator.mutex.Lock()
	if aggregator.timer != nil {
		aggregator.timer.Stop()
	}
	aggregator.mutex.Unlock()
}

func (aggregator *Aggregator) Stats() Stats {
	if aggregator == nil {
		return Stats{}
	}
	aggregator.mutex.Lock()
	pending := len(aggregator.order)
	aggregator.mutex.Unlock()
	return Stats{
		Passes:   aggregator.passes.Load(),
		Requeues: aggregator.requeues.Load(),
		Dropped:  aggregator.dropped.Load(),
		Pending:  pending,
	}
}
