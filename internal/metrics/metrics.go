package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records bucket lookups.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records bucket writes.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	CacheLookupHit   CacheLookupOutcome = "hit"
	CacheLookupMiss  CacheLookupOutcome = "miss"
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	CacheStoreStored CacheStoreOutcome = "stored"
	CacheStoreError  CacheStoreOutcome = "error"
)

// EvictionReason distinguishes count-based eviction from activation purges.
type EvictionReason string

const (
	EvictionCount EvictionReason = "count"
	EvictionPurge EvictionReason = "purge"
	EvictionClear EvictionReason = "clear"
)

// Recorder publishes Prometheus metrics for agent activity. A nil Recorder is a
// valid no-op so components can be constructed without metrics in tests.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	cacheEvictions  *prometheus.CounterVec

	lifecycleTransitions *prometheus.CounterVec
	pushEvents           *prometheus.CounterVec
	syncRuns             *prometheus.CounterVec
	backgroundTasks      *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinectl",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Intercepted requests by strategy and the source that produced the response.",
	}, []string{"strategy", "source", "status_code"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offlinectl",
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"strategy", "source"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinectl",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Bucket operations executed by the cache store manager.",
	}, []string{"bucket", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offlinectl",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for bucket operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"bucket", "operation", "result"})

	cacheEvictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinectl",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries or buckets removed by eviction, activation purge or explicit clear.",
	}, []string{"reason"})

	lifecycleTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinectl",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Agent version state transitions.",
	}, []string{"state"})

	pushEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinectl",
		Subsystem: "push",
		Name:      "events_total",
		Help:      "Push payloads and notification clicks handled by the agent.",
	}, []string{"event", "result"})

	syncRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinectl",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Background retry runs per tag.",
	}, []string{"tag", "result"})

	backgroundTasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offlinectl",
		Subsystem: "tasks",
		Name:      "completed_total",
		Help:      "Detached background tasks by name and result.",
	}, []string{"task", "result"})

	reg.MustRegister(fetchRequests, fetchLatency, cacheOperations, cacheLatency, cacheEvictions,
		lifecycleTransitions, pushEvents, syncRuns, backgroundTasks)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:             reg,
		handler:              handler,
		fetchRequests:        fetchRequests,
		fetchLatency:         fetchLatency,
		cacheOperations:      cacheOperations,
		cacheLatency:         cacheLatency,
		cacheEvictions:       cacheEvictions,
		lifecycleTransitions: lifecycleTransitions,
		pushEvents:           pushEvents,
		syncRuns:             syncRuns,
		backgroundTasks:      backgroundTasks,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records a completed interception.
func (r *Recorder) ObserveFetch(strategy, source string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	strategyLabel := normalizeLabel(strategy)
	sourceLabel := normalizeLabel(source)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.fetchRequests.WithLabelValues(strategyLabel, sourceLabel, statusLabel).Inc()
	r.fetchLatency.WithLabelValues(strategyLabel, sourceLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a bucket lookup.
func (r *Recorder) ObserveCacheLookup(bucket string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(bucket), CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a bucket write.
func (r *Recorder) ObserveCacheStore(bucket string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(normalizeLabel(bucket), CacheOperationStore, resultLabel, duration)
}

// ObserveEviction counts removed entries (or buckets for purges).
func (r *Recorder) ObserveEviction(reason EvictionReason, removed int) {
	if r == nil || removed <= 0 {
		return
	}
	r.cacheEvictions.WithLabelValues(normalizeLabel(string(reason))).Add(float64(removed))
}

// ObserveLifecycle counts a version entering state.
func (r *Recorder) ObserveLifecycle(state string) {
	if r == nil {
		return
	}
	r.lifecycleTransitions.WithLabelValues(normalizeLabel(state)).Inc()
}

// ObservePush counts push and notification-click handling.
func (r *Recorder) ObservePush(event, result string) {
	if r == nil {
		return
	}
	r.pushEvents.WithLabelValues(normalizeLabel(event), normalizeLabel(result)).Inc()
}

// ObserveSync counts a background retry run for tag.
func (r *Recorder) ObserveSync(tag, result string) {
	if r == nil {
		return
	}
	r.syncRuns.WithLabelValues(normalizeLabel(tag), normalizeLabel(result)).Inc()
}

// ObserveTask counts a finished detached task.
func (r *Recorder) ObserveTask(task string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.backgroundTasks.WithLabelValues(normalizeLabel(task), result).Inc()
}

func (r *Recorder) observeCache(bucket string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(bucket, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(bucket, opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
