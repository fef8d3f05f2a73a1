// Package metrics exposes process metrics in the Prometheus exposition
// format. Collectors live in a private registry so tests and embedders never
// collide with the global default registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hivemind"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP requests.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"handler", "method"})

	pipelines = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_duration_seconds",
		Help:      "Pipeline execution time by request kind and final state.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind", "state"})

	steps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_steps_total",
		Help:      "Pipeline steps by name and final state.",
	}, []string{"step", "state"})

	providerCalls = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_call_duration_seconds",
		Help:      "Provider invocation latency by provider and outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "outcome"})

	fallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_fallbacks_total",
		Help:      "Number of times a step switched to the fallback provider.",
	}, []string{"step"})

	collaborations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collaboration_sessions_total",
		Help:      "Collaboration sessions by outcome.",
	}, []string{"outcome"})

	tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Asynchronous task transitions by request kind and status.",
	}, []string{"kind", "status"})

	queueWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_queue_wait_seconds",
		Help:      "Time a task delivery spent in the queue before a worker picked it up.",
		Buckets:   []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300},
	}, []string{"kind"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpLatency, pipelines, steps, providerCalls, fallbacks, collaborations, tasks, queueWait,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObservePipeline records one finished pipeline.
func ObservePipeline(kind, state string, duration time.Duration) {
	pipelines.WithLabelValues(kind, state).Observe(duration.Seconds())
}

// ObserveStep counts a step reaching its final state.
func ObserveStep(step, state string) {
	steps.WithLabelValues(step, state).Inc()
}

// ObserveProviderCall records a single provider attempt.
func ObserveProviderCall(provider, outcome string, duration time.Duration) {
	providerCalls.WithLabelValues(provider, outcome).Observe(duration.Seconds())
}

// ObserveFallback counts a switch to the fallback provider.
func ObserveFallback(step string) {
	fallbacks.WithLabelValues(step).Inc()
}

// ObserveCollaboration counts a finished collaboration session.
func ObserveCollaboration(outcome string) {
	collaborations.WithLabelValues(outcome).Inc()
}

// ObserveTask counts an asynchronous task transition.
func ObserveTask(kind, status string) {
	tasks.WithLabelValues(kind, status).Inc()
}

// ObserveQueueWait records how long a delivery waited before being consumed.
func ObserveQueueWait(kind string, wait time.Duration) {
	if kind == "" {
		kind = "unknown"
	}
	queueWait.WithLabelValues(kind).Observe(wait.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// Gatherer returns the underlying registry, mainly for tests.
func Gatherer() prometheus.Gatherer {
	return registry
}
