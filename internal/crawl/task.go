package crawl

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	ferrors "github.com/alexjbarnes/fscrawl/internal/errors"
	"github.com/alexjbarnes/fscrawl/internal/model"
	"github.com/alexjbarnes/fscrawl/internal/state"
)

// Task is the crawl of a single directory, driven a few entries at a
// time by the scheduler.
type Task struct {
	dirID uuid.UUID
	path  string
	start time.Time
	gen   *Generator

	model  Model
	emit   Emitter
	obs    Observer
	logger *slog.Logger

	files int
}

// Step handles up to budget entries. done is true once the directory
// has been fully enumerated and the task is ready to finish.
func (t *Task) Step(ctx context.Context, budget int) (done bool, err error) {
	for i := 0; i < budget; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		entry, ok, err := t.gen.Next()
		if err != nil {
			return false, err
		}

		if !ok {
			return true, nil
		}

		path := filepath.Join(t.path, entry.Name())

		if entry.IsDir() {
			t.discover(entry.Name(), path)
			continue
		}

		if err := t.file(ctx, path); err != nil {
			return false, err
		}
	}

	return false, nil
}

// discover adds subdirectories the model has not seen yet, which
// happens when a directory was created between its parent's scan and
// this crawl without an event reaching us.
func (t *Task) discover(name, path string) {
	if _, ok := t.model.Lookup(path); ok {
		return
	}

	if _, err := t.model.AddChild(t.dirID, name); err != nil && !errors.Is(err, ferrors.ErrIgnored) {
		t.logger.Warn("adding subdirectory", slog.String("path", path), slog.String("error", err.Error()))
	}
}

func (t *Task) file(ctx context.Context, path string) error {
	act := t.model.DetermineRequiredAction(path)

	var err error

	switch act.Action {
	case model.ActionIndex:
		err = t.emit.Index(ctx, act)
	case model.ActionRename:
		err = t.emit.Rename(ctx, act)
	default:
		return nil
	}

	t.files++
	t.obs.ActionEmitted(act.Action)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.logger.Warn("handling file",
			slog.String("path", path),
			slog.String("action", act.Action.String()),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// finish sweeps away documents for files that disappeared while nobody
// was watching and stamps the directory as crawled.
func (t *Task) finish(ctx context.Context) error {
	files, err := t.model.IndexedFiles(t.dirID)
	if err != nil && !ferrors.IsNotFound(err) {
		t.logger.Warn("listing indexed files", slog.String("path", t.path), slog.String("error", err.Error()))
	}

	removed := 0

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		if t.present(f.Path) {
			continue
		}

		if err := t.emit.Remove(ctx, f); err != nil {
			t.logger.Warn("removing orphan", slog.String("path", f.Path), slog.String("error", err.Error()))
			continue
		}

		removed++
	}

	if removed > 0 {
		t.obs.FilesRemoved(removed)
		t.logger.Debug("removed orphans", slog.String("path", t.path), slog.Int("count", removed))
	}

	return t.model.MarkAsCrawled(t.dirID, t.start)
}

func (t *Task) present(path string) bool {
	st, err := state.Lstat(path)
	if err != nil {
		return !ferrors.IsNotFound(err)
	}

	return st.IsRegular() && !t.model.Ignored(path)
}

func (t *Task) close() {
	if err := t.gen.Close(); err != nil {
		t.logger.Debug("closing directory", slog.String("path", t.path), slog.String("error", err.Error()))
	}
}
