// Package metrics exposes the live coding loop's prometheus collectors.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livecode"

// Registry owns a private prometheus registry and the collectors every component records into.
// A nil *Registry is valid and records nothing.
type Registry struct {
	registry *prometheus.Registry

	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec

	watchBatches     *prometheus.CounterVec
	watchEvents      *prometheus.CounterVec
	watchOverflows   prometheus.Counter
	watchRecoveries  prometheus.Counter
	watchDirectories *prometheus.GaugeVec

	aggregationPasses   *prometheus.CounterVec
	aggregationRequeues *prometheus.CounterVec
	aggregationDropped  *prometheus.CounterVec

	pipelinePasses   *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	compileDuration  *prometheus.HistogramVec

	invalidations *prometheus.CounterVec
	resolves      *prometheus.CounterVec
	liveContexts  prometheus.Gauge

	reloadClients prometheus.Gauge
	reloadsSent   *prometheus.CounterVec
}

func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()
	r := &Registry{
		registry: registry,
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "event_bus", Name: "published_total",
			Help: "Events published on in-process buses.",
		}, []string{"bus", "type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "event_bus", Name: "dropped_total",
			Help: "Events dropped because a subscriber was full.",
		}, []string{"bus", "type"}),
		watchBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "batches_total",
			Help: "Debounced change batches delivered to listeners.",
		}, []string{"watcher"}),
		watchEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "events_total",
			Help: "File events delivered by kind.",
		}, []string{"watcher", "kind"}),
		watchOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "overflows_total",
			Help: "Native event queue overflows.",
		}),
		watchRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "recoveries_total",
			Help: "Native watches rebuilt after errors.",
		}),
		watchDirectories: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "directories",
			Help: "Directories currently registered.",
		}, []string{"watcher"}),
		aggregationPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "passes_total",
			Help: "Aggregation passes run.",
		}, []string{"aggregator"}),
		aggregationRequeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "requeues_total",
			Help: "Calls that found a pass in flight and left their events queued.",
		}, []string{"aggregator"}),
		aggregationDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "dropped_events_total",
			Help: "Events beyond the pending capacity.",
		}, []string{"aggregator"}),
		pipelinePasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "passes_total",
			Help: "Pipeline passes by outcome.",
		}, []string{"pipeline", "outcome"}),
		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "pass_duration_seconds",
			Help:    "Duration of pipeline passes.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"pipeline"}),
		compileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "compiler", Name: "duration_seconds",
			Help:    "Duration of compiler invocations.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hotswap", Name: "invalidations_total",
			Help: "Load contexts dropped by invalidation kind.",
		}, []string{"kind"}),
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hotswap", Name: "resolves_total",
			Help: "Unit resolutions by scope and result.",
		}, []string{"scope", "result"}),
		liveContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hotswap", Name: "live_contexts",
			Help: "Hot unit load contexts currently live.",
		}),
		reloadClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "livereload", Name: "clients",
			Help: "Connected LiveReload clients.",
		}),
		reloadsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "livereload", Name: "messages_total",
			Help: "LiveReload messages broadcast by command.",
		}, []string{"command"}),
	}
	registry.MustRegister(
		r.eventsPublished, r.eventsDropped,
		r.watchBatches, r.watchEvents, r.watchOverflows, r.watchRecoveries, r.watchDirectories,
		r.aggregationPasses, r.aggregationRequeues, r.aggregationDropped,
		r.pipelinePasses, r.pipelineDuration, r.compileDuration,
		r.invalidations, r.resolves, r.liveContexts,
		r.reloadClients, r.reloadsSent,
	)
	return r
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	r.eventsPublished.WithLabelValues(label(bus), label(eventType)).Inc()
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	r.eventsDropped.WithLabelValues(label(bus), label(eventType)).Inc()
}

func (r *Registry) RecordWatchBatch(watcher string, counts map[string]int) {
	if r == nil {
		return
	}
	r.watchBatches.WithLabelValues(label(watcher)).Inc()
	for kind, count := range counts {
		r.watchEvents.WithLabelValues(label(watcher), label(kind)).Add(float64(count))
	}
}

func (r *Registry) IncWatchOverflow() {
	if r == nil {
		return
	}
	r.watchOverflows.Inc()
}

func (r *Registry) IncWatchRecovery() {
	if r == nil {
		return
	}
	r.watchRecoveries.Inc()
}

func (r *Registry) SetWatchedDirectories(watcher string, count int) {
	if r == nil {
		return
	}
	r.watchDirectories.WithLabelValues(label(watcher)).Set(float64(count))
}

func (r *Registry) IncAggregationPass(aggregator string) {
	if r == nil {
		return
	}
	r.aggregationPasses.WithLabelValues(label(aggregator)).Inc()
}

func (r *Registry) IncAggregationRequeue(aggregator string) {
	if r == nil {
		return
	}
	r.aggregationRequeues.WithLabelValues(label(aggregator)).Inc()
}

func (r *Registry) AddAggregationDropped(aggregator string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.aggregationDropped.WithLabelValues(label(aggregator)).Add(float64(count))
}

func (r *Registry) RecordPipelinePass(pipeline, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.pipelinePasses.WithLabelValues(label(pipeline), label(outcome)).Inc()
	r.pipelineDuration.WithLabelValues(label(pipeline)).Observe(duration.Seconds())
}

func (r *Registry) RecordCompile(duration time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.compileDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (r *Registry) AddInvalidations(kind string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.invalidations.WithLabelValues(label(kind)).Add(float64(count))
}

func (r *Registry) IncResolve(scope, result string) {
	if r == nil {
		return
	}
	r.resolves.WithLabelValues(label(scope), label(result)).Inc()
}

func (r *Registry) SetLiveContexts(count int) {
	if r == nil {
		return
	}
	r.liveContexts.Set(float64(count))
}

func (r *Registry) SetReloadClients(count int) {
	if r == nil {
		return
	}
	r.reloadClients.Set(float64(count))
}

func (r *Registry) IncReloadMessage(command string) {
	if r == nil {
		return
	}
	r.reloadsSent.WithLabelValues(label(command)).Inc()
}

func label(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
