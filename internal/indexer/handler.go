package indexer

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	ferrors "github.com/alexjbarnes/fscrawl/internal/errors"
	"github.com/alexjbarnes/fscrawl/internal/filter"
	"github.com/alexjbarnes/fscrawl/internal/model"
	"github.com/alexjbarnes/fscrawl/internal/state"
)

// HandleCreateDir adds a new directory below its parent. The scan it
// queues marks it dirty, so its files get crawled.
func (i *Indexer) HandleCreateDir(_ context.Context, path string) {
	parentID, ok := i.model.Lookup(filepath.Dir(path))
	if !ok {
		return
	}

	i.model.ReportActivity(parentID)

	if _, err := i.model.AddChild(parentID, filepath.Base(path)); err != nil && !errors.Is(err, ferrors.ErrIgnored) {
		i.logger.Warn("adding directory", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// HandleWrite reacts to a file that was created or written.
func (i *Indexer) HandleWrite(ctx context.Context, path string) {
	dir := filepath.Dir(path)

	dirID, ok := i.model.Lookup(dir)
	if ok {
		i.model.ReportActivity(dirID)
	}

	switch filepath.Base(path) {
	case filter.NoIndexFile, filter.GitignoreFile:
		if i.rules != nil {
			i.rules.Forget(dir)
		}

		if ok {
			i.logger.Info("ignore rules changed", slog.String("dir", dir))
			i.model.Rescan(dirID)
		}

		return
	}

	i.apply(ctx, i.model.DetermineRequiredAction(path))
}

func (i *Indexer) apply(ctx context.Context, act model.RequiredAction) {
	var err error

	switch act.Action {
	case model.ActionIndex:
		err = i.Index(ctx, act)
	case model.ActionRename:
		err = i.Rename(ctx, act)
	default:
		return
	}

	if err != nil && ctx.Err() == nil {
		i.logger.Warn("handling change",
			slog.String("path", act.Path),
			slog.String("action", act.Action.String()),
			slog.String("error", err.Error()),
		)
	}
}

// HandleRemove reacts to a file or directory that is gone. A path that
// exists again by now was replaced, and is treated as written.
func (i *Indexer) HandleRemove(ctx context.Context, path string) {
	if st, err := state.Lstat(path); err == nil {
		if st.IsRegular() {
			i.HandleWrite(ctx, path)
		}

		return
	}

	if parentID, ok := i.model.Lookup(filepath.Dir(path)); ok {
		i.model.ReportActivity(parentID)
	}

	if dirID, ok := i.model.Lookup(path); ok {
		removed, err := i.model.Delete(dirID)
		if err != nil {
			i.logger.Warn("removing directory", slog.String("path", path), slog.String("error", err.Error()))
		}

		i.removeDocuments(ctx, removed)
		i.logger.Debug("directory removed", slog.String("path", path), slog.Int("files", len(removed)))

		return
	}

	id, ok := i.model.FileID(path)
	if !ok {
		return
	}

	if err := i.Remove(ctx, model.IndexedFile{ID: id, Path: path}); err != nil {
		i.logger.Warn("removing file", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// HandleMove reacts to a directory renamed within the watched tree.
// The directory keeps its unique id and so do the files below it; their
// documents only change path.
func (i *Indexer) HandleMove(ctx context.Context, oldPath, newPath string) {
	dirID, ok := i.model.Lookup(oldPath)
	if !ok {
		i.HandleCreateDir(ctx, newPath)
		return
	}

	parentID, ok := i.model.Lookup(filepath.Dir(newPath))
	if !ok {
		// Moved somewhere we do not watch.
		i.HandleRemove(ctx, oldPath)
		return
	}

	files, err := i.model.DescendantFiles(dirID)
	if err != nil {
		i.logger.Warn("listing moved files", slog.String("path", oldPath), slog.String("error", err.Error()))
	}

	removed, err := i.model.Move(dirID, parentID, filepath.Base(newPath))
	if err != nil {
		i.logger.Warn("moving directory",
			slog.String("from", oldPath),
			slog.String("to", newPath),
			slog.String("error", err.Error()),
		)
	}

	i.removeDocuments(ctx, removed)

	if id, ok := i.model.Lookup(newPath); !ok || id != dirID {
		return
	}

	for _, f := range files {
		target := newPath + strings.TrimPrefix(f.Path, oldPath)
		i.renameDocument(ctx, f, target)
	}

	i.logger.Debug("directory moved",
		slog.String("from", oldPath),
		slog.String("to", newPath),
		slog.Int("files", len(files)),
	)
}

func (i *Indexer) renameDocument(ctx context.Context, f model.IndexedFile, target string) {
	unlock := i.locks.lock(f.ID)
	defer unlock()

	err := i.sink.Rename(ctx, f.ID, target)
	if err == nil {
		i.obs.DocumentRenamed()
		return
	}

	if errors.Is(err, ferrors.ErrNotFound) {
		// Never made it into the index; the crawl of the new location
		// will pick it up.
		return
	}

	i.obs.IndexFailed()
	i.logger.Warn("renaming document", slog.String("from", f.Path), slog.String("to", target), slog.String("error", err.Error()))
}

// HandleOverflow recovers from lost events by rescanning everything.
func (i *Indexer) HandleOverflow(_ context.Context) {
	i.model.SetAllToUnknown()
}

// HandleChanges marks a directory as needing a crawl because something
// in it changed that was not reported file by file.
func (i *Indexer) HandleChanges(_ context.Context, dir string) {
	id, ok := i.model.Lookup(dir)
	if !ok {
		return
	}

	i.model.ReportChanges(id)
}
