// Package metrics holds the Prometheus collectors for the embedding pipeline,
// the similarity index and the serving layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "task2vec"

// LatencyBuckets covers sub-millisecond index scans up to multi-second embedding calls.
var LatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
}

// Embedding pipeline.
var (
	EmbeddingBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_batches_total",
			Help:      "Embedding batches sent to the provider",
		},
		[]string{"model", "status"},
	)

	EmbeddingItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_items_total",
			Help:      "Items embedded successfully",
		},
		[]string{"model"},
	)

	EmbeddingRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_retries_total",
			Help:      "Retried embedding calls after a transient failure",
		},
		[]string{"model"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_batch_latency_seconds",
			Help:      "Latency of one embedding batch",
			Buckets:   LatencyBuckets,
		},
		[]string{"model"},
	)

	Checkpoints = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_checkpoints_total",
			Help:      "Successful cache checkpoint flushes",
		},
	)

	CacheRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_rows",
			Help:      "Rows in the vector cache after the last flush",
		},
	)
)

// Index and serving.
var (
	IndexRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_rows",
			Help:      "Rankable rows in the active similarity index",
		},
	)

	IndexSwaps = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_swaps_total",
			Help:      "Similarity index snapshots swapped in",
		},
	)

	IndexReloadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_reload_failures_total",
			Help:      "Index rebuilds that failed and kept the previous snapshot",
		},
	)

	QueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_latency_seconds",
			Help:      "Latency of top-k and score queries",
			Buckets:   LatencyBuckets,
		},
		[]string{"op"},
	)

	QueryCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_results_total",
			Help:      "Query cache lookups by result",
		},
		[]string{"result"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
