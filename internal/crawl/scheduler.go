// Package crawl drains the model's scan queue and crawls the
// directories it ranks highest, one bounded slice of work per turn.
package crawl

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	ferrors "github.com/alexjbarnes/fscrawl/internal/errors"
	"github.com/alexjbarnes/fscrawl/internal/model"
)

const (
	// DefaultBatch is how many directories are scanned, or directory
	// entries crawled, per turn.
	DefaultBatch = 64

	// DefaultIdleInterval is how often an idle scheduler looks for
	// work even when nothing woke it.
	DefaultIdleInterval = 30 * time.Second
)

// Model is the part of *model.Model the scheduler drives.
type Model interface {
	Wake() <-chan struct{}
	NextDirectoryToScan() (uuid.UUID, bool)
	ScanOne(id uuid.UUID) ([]model.IndexedFile, error)
	GetNextDirectoryToCrawl() (uuid.UUID, bool)
	PathOf(id uuid.UUID) (string, bool)
	BeginCrawl(id uuid.UUID) (time.Time, error)
	MarkAsCrawled(id uuid.UUID, start time.Time) error
	MarkAsUncrawlable(id uuid.UUID) ([]model.IndexedFile, error)
	AbandonCrawl(id uuid.UUID)
	Lookup(path string) (uuid.UUID, bool)
	AddChild(parentID uuid.UUID, name string) (uuid.UUID, error)
	DetermineRequiredAction(path string) model.RequiredAction
	IndexedFiles(dirID uuid.UUID) ([]model.IndexedFile, error)
	Ignored(path string) bool
}

// Emitter carries out the actions a crawl decides on.
//
//go:generate mockgen -destination=mock_emitter_test.go -package=crawl github.com/alexjbarnes/fscrawl/internal/crawl Emitter
type Emitter interface {
	Index(ctx context.Context, act model.RequiredAction) error
	Rename(ctx context.Context, act model.RequiredAction) error
	Remove(ctx context.Context, f model.IndexedFile) error
}

// Observer is notified of scheduler progress. It keeps this package
// free of a metrics dependency.
type Observer interface {
	DirectoryScanned(d time.Duration)
	DirectoryCrawled(files int, d time.Duration)
	DirectoryUncrawlable()
	ActionEmitted(action model.Action)
	FilesRemoved(n int)
}

type nopObserver struct{}

func (nopObserver) DirectoryScanned(time.Duration)      {}
func (nopObserver) DirectoryCrawled(int, time.Duration) {}
func (nopObserver) DirectoryUncrawlable()               {}
func (nopObserver) ActionEmitted(model.Action)          {}
func (nopObserver) FilesRemoved(int)                    {}

// Scheduler runs crawl tasks cooperatively on a single goroutine.
type Scheduler struct {
	model   Model
	emit    Emitter
	obs     Observer
	logger  *slog.Logger
	batch   int
	idle    time.Duration
	limiter *rate.Limiter

	task *Task
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBatch sets the per-turn budget.
func WithBatch(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithIdleInterval sets how often an idle scheduler polls the model.
func WithIdleInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.idle = d
		}
	}
}

// WithRate limits turns to perSecond. Zero means unlimited.
func WithRate(perSecond float64) Option {
	return func(s *Scheduler) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithObserver installs a progress observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.obs = o
		}
	}
}

// New creates a scheduler for m that hands its decisions to emit.
func New(m Model, emit Emitter, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		model:  m,
		emit:   emit,
		obs:    nopObserver{},
		logger: logger.With(slog.String("component", "crawl")),
		batch:  DefaultBatch,
		idle:   DefaultIdleInterval,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run takes turns until ctx is cancelled, sleeping while there is
// nothing to do.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("crawl scheduler started", slog.Int("batch", s.batch))
	defer s.abandon()

	ticker := time.NewTicker(s.idle)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		worked, err := s.Turn(ctx)
		if err != nil {
			return err
		}

		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.model.Wake():
		case <-ticker.C:
		}
	}
}

// Turn does one bounded slice of work: a batch of scans if any are
// queued, otherwise a batch of entries of the current crawl. It
// reports whether there was anything to do. Only cancellation is
// returned as an error.
func (s *Scheduler) Turn(ctx context.Context) (bool, error) {
	scanned, err := s.scan(ctx)
	if err != nil || scanned > 0 {
		return scanned > 0, err
	}

	if s.task == nil {
		id, ok := s.model.GetNextDirectoryToCrawl()
		if !ok {
			return false, nil
		}

		s.task = s.begin(ctx, id)
		if s.task == nil {
			return true, ctx.Err()
		}
	}

	t := s.task

	done, err := t.Step(ctx, s.batch)
	if err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		s.task = nil
		t.close()
		s.failed(ctx, t.dirID, t.path, err)

		return true, nil
	}

	if !done {
		return true, nil
	}

	s.task = nil
	t.close()

	if err := t.finish(ctx); err != nil {
		if ctx.Err() != nil {
			s.model.AbandonCrawl(t.dirID)
			return true, ctx.Err()
		}

		if !ferrors.IsNotFound(err) {
			s.logger.Warn("marking crawled", slog.String("path", t.path), slog.String("error", err.Error()))
		}

		return true, nil
	}

	d := time.Since(t.start)
	s.obs.DirectoryCrawled(t.files, d)
	s.logger.Debug("crawled directory",
		slog.String("path", t.path),
		slog.Int("files", t.files),
		slog.Duration("duration", d),
	)

	return true, nil
}

func (s *Scheduler) scan(ctx context.Context) (int, error) {
	n := 0

	for ; n < s.batch; n++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		id, ok := s.model.NextDirectoryToScan()
		if !ok {
			break
		}

		began := time.Now()

		removed, err := s.model.ScanOne(id)
		if err != nil {
			s.logger.Warn("scan failed", slog.String("error", err.Error()))
		}

		s.obs.DirectoryScanned(time.Since(began))
		s.remove(ctx, removed)
	}

	return n, nil
}

// begin opens a crawl task for id, or returns nil if the directory
// could not be opened.
func (s *Scheduler) begin(ctx context.Context, id uuid.UUID) *Task {
	path, ok := s.model.PathOf(id)
	if !ok {
		return nil
	}

	start, err := s.model.BeginCrawl(id)
	if err != nil {
		s.logger.Warn("starting crawl", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}

	gen, err := OpenDir(path)
	if err != nil {
		s.failed(ctx, id, path, err)
		return nil
	}

	return &Task{
		dirID:  id,
		path:   path,
		start:  start,
		gen:    gen,
		model:  s.model,
		emit:   s.emit,
		obs:    s.obs,
		logger: s.logger,
	}
}

// failed reacts to an error reading a directory: gone or unreadable
// directories are marked uncrawlable, anything else is retried later.
func (s *Scheduler) failed(ctx context.Context, id uuid.UUID, path string, err error) {
	switch ferrors.KindOf(err) {
	case ferrors.KindNotFound, ferrors.KindPermissionDenied:
		s.logger.Info("directory cannot be crawled", slog.String("path", path), slog.String("error", err.Error()))
		s.obs.DirectoryUncrawlable()

		removed, merr := s.model.MarkAsUncrawlable(id)
		if merr != nil && !ferrors.IsNotFound(merr) {
			s.logger.Warn("marking uncrawlable", slog.String("path", path), slog.String("error", merr.Error()))
		}

		s.remove(ctx, removed)
	default:
		s.logger.Warn("crawl abandoned", slog.String("path", path), slog.String("error", err.Error()))
		s.model.AbandonCrawl(id)
	}
}

func (s *Scheduler) remove(ctx context.Context, files []model.IndexedFile) {
	if len(files) == 0 {
		return
	}

	for _, f := range files {
		if err := s.emit.Remove(ctx, f); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("removing document", slog.String("path", f.Path), slog.String("error", err.Error()))
		}
	}

	s.obs.FilesRemoved(len(files))
}

// abandon drops the task in progress, leaving its directory to be
// crawled again.
func (s *Scheduler) abandon() {
	if s.task == nil {
		return
	}

	s.task.close()
	s.model.AbandonCrawl(s.task.dirID)
	s.task = nil
}
