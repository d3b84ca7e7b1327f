package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memgate"

var shardStatuses = []string{"unknown", "online", "offline"}

type moduleMetrics struct {
	storeCalls    *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec
	shardStatus   *prometheus.GaugeVec

	writesTotal     *prometheus.CounterVec
	writeQueueDepth prometheus.Gauge
	queuedTotal     *prometheus.CounterVec
	drainedTotal    *prometheus.CounterVec

	cacheLookups *prometheus.CounterVec
	cacheSize    *prometheus.GaugeVec

	recallTotal    *prometheus.CounterVec
	recallDuration *prometheus.HistogramVec

	judgeCalls        *prometheus.CounterVec
	judgeDuration     *prometheus.HistogramVec
	embeddingCalls    *prometheus.CounterVec
	embeddingDuration *prometheus.HistogramVec

	backgroundTasks    *prometheus.CounterVec
	backgroundFailures *prometheus.CounterVec
	backgroundDropped  *prometheus.CounterVec
	backgroundQueue    *prometheus.GaugeVec
	backgroundDuration *prometheus.HistogramVec

	warmCycles      prometheus.Counter
	warmPredictions *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			storeCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "store_calls_total",
					Help:      "Store calls by shard, operation and status.",
				},
				[]string{"shard", "op", "status"},
			),
			storeDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "store_call_duration_seconds",
					Help:      "Store call duration in seconds by shard and operation.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"shard", "op"},
			),
			shardStatus: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "shard_status",
					Help:      "Shard health status (1 for the current status, 0 otherwise).",
				},
				[]string{"shard", "status"},
			),
			writesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "writes_total",
					Help:      "Write outcomes: stored, queued, deduplicated, failed.",
				},
				[]string{"outcome"},
			),
			writeQueueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "write_queue_depth",
					Help:      "Writes waiting for an offline shard.",
				},
			),
			queuedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "write_queue_appended_total",
					Help:      "Writes deferred to the write queue by shard.",
				},
				[]string{"shard"},
			),
			drainedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "write_queue_replayed_total",
					Help:      "Queued writes replayed by shard and status.",
				},
				[]string{"shard", "status"},
			),
			cacheLookups: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "cache_lookups_total",
					Help:      "Cache lookups by cache and outcome (exact, fuzzy, semantic, miss).",
				},
				[]string{"cache", "outcome"},
			),
			cacheSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "cache_entries",
					Help:      "Current entries by cache.",
				},
				[]string{"cache"},
			),
			recallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "recall_total",
					Help:      "Recalls by method.",
				},
				[]string{"method"},
			),
			recallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "recall_duration_seconds",
					Help:      "Recall duration in seconds by method.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"method"},
			),
			judgeCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "judge_calls_total",
					Help:      "Relevance judge calls by operation and status.",
				},
				[]string{"op", "status"},
			),
			judgeDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "judge_call_duration_seconds",
					Help:      "Relevance judge call duration in seconds by operation.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			embeddingCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "embedding_calls_total",
					Help:      "Embedding provider calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			embeddingDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "embedding_call_duration_seconds",
					Help:      "Embedding provider call duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			backgroundTasks: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "background_tasks_total",
					Help:      "Background tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			backgroundFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "background_failures_total",
					Help:      "Background task failures by lane.",
				},
				[]string{"lane"},
			),
			backgroundDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "background_dropped_total",
					Help:      "Background tasks rejected because their lane was full.",
				},
				[]string{"lane"},
			),
			backgroundQueue: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "background_queue_size",
					Help:      "Queued background tasks by lane.",
				},
				[]string{"lane"},
			),
			backgroundDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "background_task_duration_seconds",
					Help:      "Background task duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			warmCycles: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "warm_cycles_total",
					Help:      "Predictive warm cycles run.",
				},
			),
			warmPredictions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "warm_predictions_total",
					Help:      "Predicted queries by outcome (computed, cached, failed).",
				},
				[]string{"outcome"},
			),
		}

		prometheus.MustRegister(
			m.storeCalls,
			m.storeDuration,
			m.shardStatus,
			m.writesTotal,
			m.writeQueueDepth,
			m.queuedTotal,
			m.drainedTotal,
			m.cacheLookups,
			m.cacheSize,
			m.recallTotal,
			m.recallDuration,
			m.judgeCalls,
			m.judgeDuration,
			m.embeddingCalls,
			m.embeddingDuration,
			m.backgroundTasks,
			m.backgroundFailures,
			m.backgroundDropped,
			m.backgroundQueue,
			m.backgroundDuration,
			m.warmCycles,
			m.warmPredictions,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordStoreCall records one store call. A zero duration (fail-fast) is not
// observed in the latency histogram.
func RecordStoreCall(shard, op string, duration time.Duration, status string) {
	m := getMetrics()
	m.storeCalls.WithLabelValues(shard, op, status).Inc()
	if duration > 0 {
		m.storeDuration.WithLabelValues(shard, op).Observe(duration.Seconds())
	}
}

func SetShardStatus(shard, status string) {
	m := getMetrics()
	for _, s := range shardStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.shardStatus.WithLabelValues(shard, s).Set(v)
	}
}

func RecordWrite(outcome string) {
	getMetrics().writesTotal.WithLabelValues(outcome).Inc()
}

func SetWriteQueueDepth(depth int) {
	getMetrics().writeQueueDepth.Set(float64(depth))
}

func RecordWriteQueued(shard string) {
	getMetrics().queuedTotal.WithLabelValues(shard).Inc()
}

func RecordWriteReplayed(shard string, success bool) {
	getMetrics().drainedTotal.WithLabelValues(shard, statusLabel(success)).Inc()
}

func RecordCacheLookup(cache, outcome string) {
	getMetrics().cacheLookups.WithLabelValues(cache, outcome).Inc()
}

func SetCacheSize(cache string, size int) {
	getMetrics().cacheSize.WithLabelValues(cache).Set(float64(size))
}

func RecordRecall(method string, duration time.Duration) {
	m := getMetrics()
	m.recallTotal.WithLabelValues(method).Inc()
	m.recallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordJudgeCall(op string, duration time.Duration, success bool) {
	m := getMetrics()
	m.judgeCalls.WithLabelValues(op, statusLabel(success)).Inc()
	m.judgeDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordEmbeddingCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.embeddingCalls.WithLabelValues(provider, statusLabel(success)).Inc()
	m.embeddingDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordBackgroundTask(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.backgroundTasks.WithLabelValues(lane, statusLabel(success)).Inc()
	m.backgroundDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.backgroundQueue.WithLabelValues(lane).Set(float64(queueSize))
	if !success {
		m.backgroundFailures.WithLabelValues(lane).Inc()
	}
}

func RecordBackgroundDropped(lane string) {
	getMetrics().backgroundDropped.WithLabelValues(lane).Inc()
}

func SetBackgroundQueueSize(lane string, size int) {
	getMetrics().backgroundQueue.WithLabelValues(lane).Set(float64(size))
}

func RecordWarmCycle() {
	getMetrics().warmCycles.Inc()
}

func RecordWarmPrediction(outcome string) {
	getMetrics().warmPredictions.WithLabelValues(outcome).Inc()
}

// BackgroundFailures returns the failure counter for lane. Used by tests.
func BackgroundFailures(lane string) prometheus.Counter {
	return getMetrics().backgroundFailures.WithLabelValues(lane)
}

// WritesCounter returns the write counter for outcome. Used by tests.
func WritesCounter(outcome string) prometheus.Counter {
	return getMetrics().writesTotal.WithLabelValues(outcome)
}
