// Package indexer connects the model to the extractors and the index
// sink. It carries out the actions the crawl scheduler decides on and
// turns backend events into model mutations.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	ferrors "github.com/alexjbarnes/fscrawl/internal/errors"
	"github.com/alexjbarnes/fscrawl/internal/extract"
	"github.com/alexjbarnes/fscrawl/internal/model"
	"github.com/alexjbarnes/fscrawl/internal/sink"
)

// Rules is the part of the file name filter that caches per-directory
// override files.
type Rules interface {
	Forget(dir string)
}

// Observer is notified of every sink operation.
type Observer interface {
	DocumentIndexed(filter string, d time.Duration)
	DocumentRenamed()
	DocumentRemoved()
	IndexFailed()
}

type nopObserver struct{}

func (nopObserver) DocumentIndexed(string, time.Duration) {}
func (nopObserver) DocumentRenamed()                      {}
func (nopObserver) DocumentRemoved()                      {}
func (nopObserver) IndexFailed()                          {}

// Indexer is safe for concurrent use. At most one sink call per unique
// id is in flight at any time, and at most one Index per path.
type Indexer struct {
	model    *model.Model
	sink     sink.Sink
	registry *extract.Registry
	rules    Rules
	obs      Observer
	logger   *slog.Logger
	locks    *keyLock[uuid.UUID]
	paths    *keyLock[string]
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithObserver installs an observer.
func WithObserver(o Observer) Option {
	return func(i *Indexer) {
		if o != nil {
			i.obs = o
		}
	}
}

// WithRules lets the indexer invalidate cached override files when
// they change on disk.
func WithRules(r Rules) Option {
	return func(i *Indexer) { i.rules = r }
}

// New creates an indexer.
func New(m *model.Model, s sink.Sink, registry *extract.Registry, logger *slog.Logger, opts ...Option) *Indexer {
	i := &Indexer{
		model:    m,
		sink:     s,
		registry: registry,
		obs:      nopObserver{},
		logger:   logger.With(slog.String("component", "indexer")),
		locks:    newKeyLock[uuid.UUID](),
		paths:    newKeyLock[string](),
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Index extracts the file act names, stores its document and records
// the file as indexed.
func (i *Indexer) Index(ctx context.Context, act model.RequiredAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlockPath := i.paths.lock(act.Path)
	defer unlockPath()

	act, stale := i.resolve(act)

	unlock := i.locks.lock(act.UniqueID)
	defer unlock()

	if err := i.index(ctx, act); err != nil {
		return err
	}

	if stale == uuid.Nil {
		return nil
	}

	// Only once the name is recorded under act.UniqueID is the stale
	// document unreachable.
	if now, ok := i.model.FileID(act.Path); !ok || now != act.UniqueID {
		return nil
	}

	unlockStale := i.locks.lock(stale)
	defer unlockStale()

	return i.delete(ctx, stale)
}

// resolve checks the id act was decided with against the one recorded
// for its path now, which another Index of the same path may have
// written since. A made-up id gives way to the recorded one. An id
// carried by the file's own record wins, and the recorded id is
// returned as stale so its document can be dropped.
func (i *Indexer) resolve(act model.RequiredAction) (model.RequiredAction, uuid.UUID) {
	if act.PreviousPath != "" {
		return act, uuid.Nil
	}

	recorded, ok := i.model.FileID(act.Path)
	if !ok || recorded == act.UniqueID {
		return act, uuid.Nil
	}

	if act.Attributes != nil && act.Attributes.UniqueID == act.UniqueID {
		return act, recorded
	}

	i.logger.Debug("adopting recorded id",
		slog.String("path", act.Path),
		slog.String("id", recorded.String()),
		slog.String("decided", act.UniqueID.String()),
	)
	act.UniqueID = recorded

	return act, uuid.Nil
}

func (i *Indexer) index(ctx context.Context, act model.RequiredAction) error {
	began := time.Now()

	doc := sink.Document{
		ID:      act.UniqueID,
		ModTime: time.Unix(0, act.Stat.ModTime),
		Size:    act.Stat.Size,
	}
	doc.SetPath(act.Path)

	var (
		filterName    string
		filterVersion int
	)

	res, f, err := i.registry.File(act.Path)

	switch {
	case err == nil:
		doc.Text = res.Text
		doc.HotText = res.HotText
		doc.Properties = res.Properties
		doc.Filter = f.Name()
		filterName, filterVersion = f.Name(), f.Version()
	case errors.Is(err, extract.ErrNoFilter):
		// Indexed by name only.
	case ferrors.IsNotFound(err):
		i.logger.Debug("file vanished before indexing", slog.String("path", act.Path))
		return nil
	case f != nil:
		// The filter failed: keep a name-only document so the file can
		// still be found, and retry when the filter is upgraded.
		i.logger.Warn("extracting", slog.String("path", act.Path), slog.String("error", err.Error()))
		filterName, filterVersion = f.Name(), f.Version()
	default:
		i.obs.IndexFailed()
		return fmt.Errorf("indexing %s: %w", act.Path, err)
	}

	if res != nil {
		doc.MimeType = res.MimeType
	} else {
		doc.MimeType = extract.DetectMimeType(act.Path, nil)
	}

	if err := i.sink.Add(ctx, doc); err != nil {
		i.obs.IndexFailed()
		return fmt.Errorf("adding %s: %w", act.Path, err)
	}

	if err := i.model.MarkFileIndexed(act, filterName, filterVersion); err != nil {
		return fmt.Errorf("indexing %s: %w", act.Path, err)
	}

	i.obs.DocumentIndexed(filterName, time.Since(began))
	i.logger.Debug("indexed", slog.String("path", act.Path), slog.String("filter", filterName))

	return nil
}

// Rename points the document of act.UniqueID at act.Path. Content is
// only re-extracted when the sink has no document for the id.
func (i *Indexer) Rename(ctx context.Context, act model.RequiredAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := i.locks.lock(act.UniqueID)
	defer unlock()

	err := i.sink.Rename(ctx, act.UniqueID, act.Path)
	if errors.Is(err, ferrors.ErrNotFound) {
		act.Action = model.ActionIndex
		return i.index(ctx, act)
	}

	if err != nil {
		i.obs.IndexFailed()
		return fmt.Errorf("renaming %s to %s: %w", act.PreviousPath, act.Path, err)
	}

	if err := i.model.CommitRename(act); err != nil {
		return err
	}

	i.obs.DocumentRenamed()
	i.logger.Debug("renamed", slog.String("from", act.PreviousPath), slog.String("to", act.Path))

	return nil
}

// Remove deletes the document of a file that is gone and forgets the
// file.
func (i *Indexer) Remove(ctx context.Context, f model.IndexedFile) error {
	unlock := i.locks.lock(f.ID)
	defer unlock()

	if err := i.delete(ctx, f.ID); err != nil {
		return err
	}

	if _, _, err := i.model.ForgetFile(f.Path); err != nil {
		return err
	}

	return nil
}

// removeDocuments deletes the documents of files the model already
// dropped.
func (i *Indexer) removeDocuments(ctx context.Context, files []model.IndexedFile) {
	for _, f := range files {
		unlock := i.locks.lock(f.ID)

		if err := i.delete(ctx, f.ID); err != nil {
			i.logger.Warn("deleting document", slog.String("path", f.Path), slog.String("error", err.Error()))
		}

		unlock()
	}
}

func (i *Indexer) delete(ctx context.Context, id uuid.UUID) error {
	if err := i.sink.Delete(ctx, id); err != nil {
		i.obs.IndexFailed()
		return fmt.Errorf("deleting %s: %w", id, err)
	}

	i.obs.DocumentRemoved()

	return nil
}
