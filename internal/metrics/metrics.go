// Package metrics declares the Prometheus metrics exported by fscrawl
// and the observers that feed them from the crawl and index pipelines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alexjbarnes/fscrawl/internal/model"
)

// Crawl metrics
var (
	DirectoriesScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fscrawl_directories_scanned_total",
			Help: "Total number of directory scans",
		},
	)

	DirectoryScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fscrawl_directory_scan_duration_seconds",
			Help:    "Time spent scanning a single directory",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	DirectoriesCrawled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fscrawl_directories_crawled_total",
			Help: "Total number of completed directory crawls",
		},
	)

	DirectoryCrawlDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fscrawl_directory_crawl_duration_seconds",
			Help:    "Time from the start to the end of a directory crawl",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 60},
		},
	)

	FilesCrawled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fscrawl_files_crawled_total",
			Help: "Total number of files examined by the crawler",
		},
	)

	DirectoriesUncrawlable = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fscrawl_directories_uncrawlable_total",
			Help: "Total number of directories that could not be read",
		},
	)

	ActionsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fscrawl_actions_total",
			Help: "Total number of crawl actions by type",
		},
		[]string{"action"},
	)

	OrphansRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fscrawl_orphans_removed_total",
			Help: "Total number of indexed files removed because they were gone from disk",
		},
	)
)

// Index metrics
var (
	DocumentsIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fscrawl_documents_indexed_total",
			Help: "Total number of documents written to the index by filter",
		},
		[]string{"filter"},
	)

	IndexDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fscrawl_index_duration_seconds",
			Help:    "Time to extract and store one document",
			Buckets: prometheus.DefBuckets,
		},
	)

	DocumentsRenamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fscrawl_documents_renamed_total",
			Help: "Total number of documents moved to a new path without re-extraction",
		},
	)

	DocumentsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fscrawl_documents_removed_total",
			Help: "Total number of documents deleted from the index",
		},
	)

	IndexErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fscrawl_index_errors_total",
			Help: "Total number of failed index operations",
		},
	)
)

// Model metrics
var (
	Directories = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fscrawl_directories",
			Help: "Number of known directories by state",
		},
		[]string{"state"},
	)

	ScanQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fscrawl_scan_queue_length",
			Help: "Number of directories waiting to be scanned",
		},
	)

	Roots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fscrawl_roots",
			Help: "Number of configured roots",
		},
	)
)

// ObserveSnapshot sets the model gauges from a snapshot. States with no
// directories are reported as zero so stale values do not linger.
func ObserveSnapshot(s model.Snapshot) {
	for _, st := range model.States() {
		Directories.WithLabelValues(st.String()).Set(float64(s.States[st.String()]))
	}

	ScanQueueLength.Set(float64(s.ScanQueue))
	Roots.Set(float64(len(s.Roots)))
}
