// Package metrics provides Prometheus metrics for the event harvester.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the harvester.
type Metrics struct {
	// Page metrics
	PagesProcessed *prometheus.CounterVec
	PagesFailed    *prometheus.CounterVec
	PageTrials     *prometheus.CounterVec
	LastPage       *prometheus.GaugeVec

	// Puzzle metrics
	PuzzleAttempts *prometheus.CounterVec
	PageReloads    *prometheus.CounterVec

	// Output metrics
	RecordsHarvested *prometheus.CounterVec
	RecordsMerged    *prometheus.CounterVec
	DuplicateRecords *prometheus.CounterVec
	CheckpointWrites *prometheus.CounterVec

	// Timing metrics
	PageDuration  *prometheus.HistogramVec
	ShardDuration *prometheus.HistogramVec
	MergeDuration *prometheus.HistogramVec

	// Pipeline metrics
	InFlightShards prometheus.Gauge

	// Error metrics
	StorageErrors *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" envconfig:"ENABLED"`
	Address string `yaml:"address" envconfig:"ADDRESS"` // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	return InitWith(prometheus.DefaultRegisterer, namespace)
}

// InitWith registers the metrics on reg and makes them the global instance.
func InitWith(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "event_harvester"
	}
	factory := promauto.With(reg)

	m := &Metrics{
		PagesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_processed_total",
				Help:      "Total number of list pages harvested successfully",
			},
			[]string{"year"},
		),
		PagesFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_failed_total",
				Help:      "Total number of pages that exhausted their retries",
			},
			[]string{"year"},
		),
		PageTrials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "page_retries_total",
				Help:      "Total number of page-level retries",
			},
			[]string{"year", "reason"},
		),
		LastPage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_page",
				Help:      "Highest page completed by a shard",
			},
			[]string{"year", "shard"},
		),
		PuzzleAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "puzzle_attempts_total",
				Help:      "Slider puzzle attempts by outcome",
			},
			[]string{"year", "outcome"},
		),
		PageReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "page_reloads_total",
				Help:      "Full page reloads after the puzzle refresh bound",
			},
			[]string{"year"},
		),
		RecordsHarvested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_harvested_total",
				Help:      "Total number of records decoded from acquired pages",
			},
			[]string{"year"},
		),
		RecordsMerged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_merged_total",
				Help:      "Rows written to job outputs after de-duplication",
			},
			[]string{"year"},
		),
		DuplicateRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_records_total",
				Help:      "Records dropped at merge because their event id was already present",
			},
			[]string{"year"},
		),
		CheckpointWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoint_writes_total",
				Help:      "Total number of shard checkpoints written",
			},
			[]string{"year"},
		),
		PageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "page_duration_seconds",
				Help:      "Time to acquire one page, retries included",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~250s
			},
			[]string{"year"},
		),
		ShardDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "shard_duration_seconds",
				Help:      "Time to process a whole shard",
				Buckets:   prometheus.ExponentialBuckets(10, 2, 12), // 10s to ~6h
			},
			[]string{"year"},
		),
		MergeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_duration_seconds",
				Help:      "Time to merge shards and write the job output",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"year"},
		),
		InFlightShards: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_shards",
				Help:      "Number of shards currently being harvested",
			},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage write errors",
			},
			[]string{"operation"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

func year(y int) string {
	return strconv.Itoa(y)
}

// IncPagesProcessed increments the pages processed counter.
func (m *Metrics) IncPagesProcessed(y int) {
	m.PagesProcessed.WithLabelValues(year(y)).Inc()
}

// IncPagesFailed increments the pages failed counter.
func (m *Metrics) IncPagesFailed(y int) {
	m.PagesFailed.WithLabelValues(year(y)).Inc()
}

// IncPageTrials records a page-level retry.
func (m *Metrics) IncPageTrials(y int, reason string) {
	m.PageTrials.WithLabelValues(year(y), reason).Inc()
}

// SetLastPage sets the highest page a shard completed.
func (m *Metrics) SetLastPage(y, shardID, page int) {
	m.LastPage.WithLabelValues(year(y), strconv.Itoa(shardID)).Set(float64(page))
}

// IncPuzzleAttempts records a puzzle attempt outcome ("accepted", "rejected", "not_found").
func (m *Metrics) IncPuzzleAttempts(y int, outcome string) {
	m.PuzzleAttempts.WithLabelValues(year(y), outcome).Inc()
}

// IncPageReloads records a reload escalation.
func (m *Metrics) IncPageReloads(y int) {
	m.PageReloads.WithLabelValues(year(y)).Inc()
}

// AddRecordsHarvested adds decoded records.
func (m *Metrics) AddRecordsHarvested(y int, n int) {
	m.RecordsHarvested.WithLabelValues(year(y)).Add(float64(n))
}

// AddRecordsMerged adds rows of a merged job output.
func (m *Metrics) AddRecordsMerged(y int, n int) {
	m.RecordsMerged.WithLabelValues(year(y)).Add(float64(n))
}

// AddDuplicateRecords adds records dropped at merge.
func (m *Metrics) AddDuplicateRecords(y int, n int) {
	m.DuplicateRecords.WithLabelValues(year(y)).Add(float64(n))
}

// IncCheckpointWrites increments the checkpoint write counter.
func (m *Metrics) IncCheckpointWrites(y int) {
	m.CheckpointWrites.WithLabelValues(year(y)).Inc()
}

// ObservePageDuration records the time spent on one page.
func (m *Metrics) ObservePageDuration(y int, seconds float64) {
	m.PageDuration.WithLabelValues(year(y)).Observe(seconds)
}

// ObserveShardDuration records the time spent on one shard.
func (m *Metrics) ObserveShardDuration(y int, seconds float64) {
	m.ShardDuration.WithLabelValues(year(y)).Observe(seconds)
}

// ObserveMergeDuration records the merge time.
func (m *Metrics) ObserveMergeDuration(y int, seconds float64) {
	m.MergeDuration.WithLabelValues(year(y)).Observe(seconds)
}

// SetInFlightShards sets the number of in-flight shards.
func (m *Metrics) SetInFlightShards(count float64) {
	m.InFlightShards.Set(count)
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(operation string) {
	m.StorageErrors.WithLabelValues(operation).Inc()
}
