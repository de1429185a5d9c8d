package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the store method being instrumented.
type CacheOperation string

const (
	CacheOperationGet   CacheOperation = "get"
	CacheOperationPut   CacheOperation = "put"
	CacheOperationEvict CacheOperation = "evict"
)

// CacheResult captures the outcome of a store operation.
type CacheResult string

const (
	// CacheHit indicates a live value was returned.
	CacheHit CacheResult = "hit"
	// CacheMiss indicates no live value was present.
	CacheMiss CacheResult = "miss"
	// CacheCorrupt indicates the record failed authentication and was dropped.
	CacheCorrupt CacheResult = "corrupt"
	// CacheStored indicates the write was accepted.
	CacheStored CacheResult = "stored"
	// CacheFull indicates the write was refused by the disk watermark.
	CacheFull CacheResult = "full"
	// CacheError indicates a backend failure.
	CacheError CacheResult = "error"
)

// EvictionReason labels why an entry left the store.
type EvictionReason string

const (
	EvictionTTL      EvictionReason = "ttl"
	EvictionLRU      EvictionReason = "lru"
	EvictionExplicit EvictionReason = "explicit"
)

var recoveryStates = []string{"healthy", "degraded", "recovering", "failed"}

// Recorder publishes Prometheus metrics for the cache, queue, resolver and recovery controller.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	cacheEntries    prometheus.Gauge
	cacheBytes      prometheus.Gauge
	cacheDegraded   prometheus.Gauge
	cacheEvictions  *prometheus.CounterVec
	snapshots       *prometheus.CounterVec

	queueDepth      prometheus.Gauge
	queueDeliveries *prometheus.CounterVec
	queueLatency    *prometheus.HistogramVec
	queueDropped    *prometheus.CounterVec

	confidence *prometheus.HistogramVec
	conflicts  *prometheus.CounterVec

	recoveryRuns     *prometheus.CounterVec
	recoveryDuration prometheus.Histogram
	recoveryLost     prometheus.Gauge
	recoveryState    *prometheus.GaugeVec
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

	r := &Recorder{
		cacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resilcache",
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Cache store operations by outcome.",
		}, []string{"operation", "result"}),
		cacheLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "resilcache",
			Subsystem: "cache",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for cache store operations.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"operation"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resilcache",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Live entries held by the cache store.",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resilcache",
			Subsystem: "cache",
			Name:      "bytes",
			Help:      "Sealed bytes accounted against the disk watermarks.",
		}),
		cacheDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resilcache",
			Subsystem: "cache",
			Name:      "degraded",
			Help:      "1 while the store runs memory-only after a backend failure.",
		}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resilcache",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries removed from the store by reason.",
		}, []string{"reason"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resilcache",
			Subsystem: "cache",
			Name:      "snapshots_total",
			Help:      "Snapshot writes by result.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resilcache",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Commands waiting in the retry queue.",
		}),
		queueDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resilcache",
			Subsystem: "queue",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by destination and result.",
		}, []string{"destination", "result"}),
		queueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "resilcache",
			Subsystem: "queue",
			Name:      "delivery_duration_seconds",
			Help:      "Latency distribution for delivery attempts.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"destination"}),
		queueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resilcache",
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Commands discarded by failure reason.",
		}, []string{"reason"}),
		confidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "resilcache",
			Subsystem: "conflict",
			Name:      "confidence",
			Help:      "Winning candidate confidence per evaluated conflict.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}, []string{"resolution"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resilcache",
			Subsystem: "conflict",
			Name:      "resolutions_total",
			Help:      "Conflict state transitions by resolution.",
		}, []string{"resolution"}),
		recoveryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resilcache",
			Subsystem: "recovery",
			Name:      "runs_total",
			Help:      "Recovery cycles by outcome.",
		}, []string{"outcome"}),
		recoveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "resilcache",
			Subsystem: "recovery",
			Name:      "duration_seconds",
			Help:      "Wall time of recovery cycles.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),
		recoveryLost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "resilcache",
			Subsystem: "recovery",
			Name:      "lost_keys",
			Help:      "Data-loss estimate of the most recent recovery cycle.",
		}),
		recoveryState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "resilcache",
			Subsystem: "recovery",
			Name:      "state",
			Help:      "1 for the current recovery controller state.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		r.cacheOperations, r.cacheLatency, r.cacheEntries, r.cacheBytes, r.cacheDegraded, r.cacheEvictions, r.snapshots,
		r.queueDepth, r.queueDeliveries, r.queueLatency, r.queueDropped,
		r.confidence, r.conflicts,
		r.recoveryRuns, r.recoveryDuration, r.recoveryLost, r.recoveryState,
	)

	r.gatherer = reg
	r.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.SetRecoveryState("healthy")
	return r
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

// ObserveCache records the result and latency of a store operation.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheResult, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationGet)
	}
	r.cacheOperations.WithLabelValues(opLabel, normalizeLabel(string(result))).Inc()
	r.cacheLatency.WithLabelValues(opLabel).Observe(duration.Seconds())
}

// SetCacheUsage publishes the store's entry count and accounted bytes.
func (r *Recorder) SetCacheUsage(entries int, bytes int64) {
	if r == nil {
		return
	}
	r.cacheEntries.Set(float64(entries))
	r.cacheBytes.Set(float64(bytes))
}

func (r *Recorder) SetDegraded(degraded bool) {
	if r == nil {
		return
	}
	if degraded {
		r.cacheDegraded.Set(1)
		return
	}
	r.cacheDegraded.Set(0)
}

func (r *Recorder) ObserveEviction(reason EvictionReason, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.cacheEvictions.WithLabelValues(normalizeLabel(string(reason))).Add(float64(count))
}

func (r *Recorder) ObserveSnapshot(result string) {
	if r == nil {
		return
	}
	r.snapshots.WithLabelValues(normalizeLabel(result)).Inc()
}

func (r *Recorder) SetQueueDepth(depth int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
}

// ObserveDelivery records one delivery attempt.
func (r *Recorder) ObserveDelivery(destination string, delivered bool, duration time.Duration) {
	if r == nil {
		return
	}
	dest := normalizeLabel(destination)
	result := "retry"
	if delivered {
		result = "delivered"
	}
	r.queueDeliveries.WithLabelValues(dest, result).Inc()
	r.queueLatency.WithLabelValues(dest).Observe(duration.Seconds())
}

// ObserveQueueDrop records a command discarded with the given failure reason.
func (r *Recorder) ObserveQueueDrop(reason string) {
	if r == nil {
		return
	}
	r.queueDropped.WithLabelValues(normalizeLabel(reason)).Inc()
}

// ObserveConflict records a conflict transition and the winning confidence.
func (r *Recorder) ObserveConflict(resolution string, confidence float64) {
	if r == nil {
		return
	}
	label := normalizeLabel(resolution)
	r.conflicts.WithLabelValues(label).Inc()
	r.confidence.WithLabelValues(label).Observe(confidence)
}

// ObserveRecovery records a finished recovery cycle.
func (r *Recorder) ObserveRecovery(outcome string, duration time.Duration, lost int) {
	if r == nil {
		return
	}
	r.recoveryRuns.WithLabelValues(normalizeLabel(outcome)).Inc()
	r.recoveryDuration.Observe(duration.Seconds())
	r.recoveryLost.Set(float64(lost))
}

// SetRecoveryState flags state as current and clears every other state.
func (r *Recorder) SetRecoveryState(state string) {
	if r == nil {
		return
	}
	for _, s := range recoveryStates {
		value := 0.0
		if s == state {
			value = 1
		}
		r.recoveryState.WithLabelValues(s).Set(value)
	}
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
