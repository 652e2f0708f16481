package metrics

import (
	"time"

	"github.com/alexjbarnes/fscrawl/internal/crawl"
	"github.com/alexjbarnes/fscrawl/internal/indexer"
	"github.com/alexjbarnes/fscrawl/internal/model"
)

// crawlObserver implements crawl.Observer using the Prometheus metrics
// declared in this package.
type crawlObserver struct{}

// NewCrawlObserver creates an observer that records scheduler progress.
func NewCrawlObserver() crawl.Observer {
	return &crawlObserver{}
}

func (o *crawlObserver) DirectoryScanned(d time.Duration) {
	DirectoriesScanned.Inc()
	DirectoryScanDuration.Observe(d.Seconds())
}

func (o *crawlObserver) DirectoryCrawled(files int, d time.Duration) {
	DirectoriesCrawled.Inc()
	DirectoryCrawlDuration.Observe(d.Seconds())
	FilesCrawled.Add(float64(files))
}

func (o *crawlObserver) DirectoryUncrawlable() {
	DirectoriesUncrawlable.Inc()
}

func (o *crawlObserver) ActionEmitted(a model.Action) {
	ActionsEmitted.WithLabelValues(a.String()).Inc()
}

func (o *crawlObserver) FilesRemoved(n int) {
	OrphansRemoved.Add(float64(n))
}

// indexObserver implements indexer.Observer.
type indexObserver struct{}

// NewIndexObserver creates an observer that records sink operations.
func NewIndexObserver() indexer.Observer {
	return &indexObserver{}
}

func (o *indexObserver) DocumentIndexed(filter string, d time.Duration) {
	if filter == "" {
		filter = "none"
	}

	DocumentsIndexed.WithLabelValues(filter).Inc()
	IndexDuration.Observe(d.Seconds())
}

func (o *indexObserver) DocumentRenamed() {
	DocumentsRenamed.Inc()
}

func (o *indexObserver) DocumentRemoved() {
	DocumentsRemoved.Inc()
}

func (o *indexObserver) IndexFailed() {
	IndexErrors.Inc()
}
