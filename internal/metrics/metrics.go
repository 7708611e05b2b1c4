// Package metrics provides Prometheus metrics for the catalog harvester.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the harvester.
type Metrics struct {
	// Item metrics
	ItemsDone    *prometheus.CounterVec
	ItemsFailed  *prometheus.CounterVec
	ItemsSkipped prometheus.Counter

	// Fetch metrics
	FetchAttempts *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
	ProxyPort     *prometheus.GaugeVec

	// Timing metrics
	FetchDuration  *prometheus.HistogramVec
	UpsertDuration *prometheus.HistogramVec
	ItemDuration   prometheus.Histogram

	// Store metrics
	ColumnsAdded *prometheus.CounterVec
	StoreErrors  *prometheus.CounterVec

	// Pipeline metrics
	WorkerQueueDepth prometheus.Gauge
	InFlightItems    prometheus.Gauge

	// Throughput
	ItemsPerSecond prometheus.Gauge
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics registered on
// the default registry. Call this once at startup.
func Init(namespace string) *Metrics {
	m := New(namespace, prometheus.DefaultRegisterer)
	defaultMetrics = m
	return m
}

// New builds a metrics set registered on reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "catalog_harvester"
	}
	factory := promauto.With(reg)

	return &Metrics{
		ItemsDone: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_done_total",
				Help:      "Total number of work items fetched, stored and checkpointed",
			},
			[]string{"backend"},
		),
		ItemsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_failed_total",
				Help:      "Total number of work items that ended in a terminal failure",
			},
			[]string{"reason"},
		),
		ItemsSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_skipped_total",
				Help:      "Total number of pending items skipped because a previous run completed them",
			},
		),
		FetchAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_attempts_total",
				Help:      "Total number of fetch attempts by outcome",
			},
			[]string{"outcome"},
		),
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
		ProxyPort: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "proxy_port",
				Help:      "Proxy port each worker used for its latest attempt",
			},
			[]string{"worker"},
		),
		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time for one fetch attempt",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"outcome"},
		),
		UpsertDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upsert_duration_seconds",
				Help:      "Time to evolve the schema and insert one record",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"backend"},
		),
		ItemDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "item_duration_seconds",
				Help:      "Total time from dispatch to terminal state for one item",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
		),
		ColumnsAdded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "columns_added_total",
				Help:      "Total number of attribute columns added to the record table",
			},
			[]string{"backend"},
		),
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of record store errors",
			},
			[]string{"backend", "operation"},
		),
		WorkerQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Current number of tasks in the worker queue",
			},
		),
		InFlightItems: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_items",
				Help:      "Number of items currently being processed",
			},
		),
		ItemsPerSecond: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "items_per_second",
				Help:      "Current item completion rate",
			},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler returns the HTTP handler serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Backend   string
	Outcome   string
	Reason    string
	Operation string
	Worker    string
}

// IncItemsDone increments the done counter.
func (m *Metrics) IncItemsDone(l Labels) {
	m.ItemsDone.WithLabelValues(l.Backend).Inc()
}

// IncItemsFailed increments the failed counter.
func (m *Metrics) IncItemsFailed(l Labels) {
	m.ItemsFailed.WithLabelValues(l.Reason).Inc()
}

// AddItemsSkipped adds to the skipped counter.
func (m *Metrics) AddItemsSkipped(count float64) {
	m.ItemsSkipped.Add(count)
}

// IncFetchAttempts increments the fetch attempts counter.
func (m *Metrics) IncFetchAttempts(l Labels) {
	m.FetchAttempts.WithLabelValues(l.Outcome).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Operation).Inc()
}

// SetProxyPort records the port a worker is using.
func (m *Metrics) SetProxyPort(l Labels, port float64) {
	m.ProxyPort.WithLabelValues(l.Worker).Set(port)
}

// ObserveFetchDuration records one fetch attempt.
func (m *Metrics) ObserveFetchDuration(l Labels, seconds float64) {
	m.FetchDuration.WithLabelValues(l.Outcome).Observe(seconds)
}

// ObserveUpsertDuration records one upsert.
func (m *Metrics) ObserveUpsertDuration(l Labels, seconds float64) {
	m.UpsertDuration.WithLabelValues(l.Backend).Observe(seconds)
}

// ObserveItemDuration records the end-to-end time of one item.
func (m *Metrics) ObserveItemDuration(seconds float64) {
	m.ItemDuration.Observe(seconds)
}

// AddColumnsAdded adds to the columns added counter.
func (m *Metrics) AddColumnsAdded(l Labels, count float64) {
	m.ColumnsAdded.WithLabelValues(l.Backend).Add(count)
}

// IncStoreErrors increments the store errors counter.
func (m *Metrics) IncStoreErrors(l Labels) {
	m.StoreErrors.WithLabelValues(l.Backend, l.Operation).Inc()
}

// SetWorkerQueueDepth sets the current worker queue depth.
func (m *Metrics) SetWorkerQueueDepth(depth float64) {
	m.WorkerQueueDepth.Set(depth)
}

// SetInFlightItems sets the number of in-flight items.
func (m *Metrics) SetInFlightItems(count float64) {
	m.InFlightItems.Set(count)
}

// SetItemsPerSecond sets the current processing rate.
func (m *Metrics) SetItemsPerSecond(rate float64) {
	m.ItemsPerSecond.Set(rate)
}
