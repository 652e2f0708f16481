// Package backend turns fsnotify events into calls on a Handler. It
// keeps a registry of the watches the model asked for, so events can be
// attributed to a watch and dropped once that watch is forgotten.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alexjbarnes/fscrawl/internal/model"
	"github.com/alexjbarnes/fscrawl/internal/state"
)

const (
	// DefaultDebounce is how often pending file events are checked.
	DefaultDebounce = 500 * time.Millisecond

	// DefaultQuiet is how long a file must go without events before it
	// is handed to the handler.
	DefaultQuiet = 300 * time.Millisecond

	// DefaultMoveWindow is how long a directory that was renamed away
	// waits for its matching create before it is treated as removed.
	DefaultMoveWindow = time.Second
)

// Handler reacts to filesystem changes.
type Handler interface {
	// HandleCreateDir is called for a new directory.
	HandleCreateDir(ctx context.Context, path string)
	// HandleWrite is called once a file has settled after being created
	// or written.
	HandleWrite(ctx context.Context, path string)
	// HandleRemove is called for a file or directory that is gone.
	HandleRemove(ctx context.Context, path string)
	// HandleMove is called for a directory renamed within the watched
	// tree.
	HandleMove(ctx context.Context, oldPath, newPath string)
	// HandleOverflow is called when the kernel dropped events.
	HandleOverflow(ctx context.Context)
	// HandleChanges is called when a file changed in a directory whose
	// watch does not track files. The directory needs a crawl.
	HandleChanges(ctx context.Context, dir string)
}

type watch struct {
	handle model.WatchHandle
	path   string
	files  bool
	inode  uint64
	device uint64
}

type pendingMove struct {
	at     time.Time
	isDir  bool
	inode  uint64
	device uint64
}

// Watcher implements model.Backend on top of fsnotify.
type Watcher struct {
	fs     *fsnotify.Watcher
	logger *slog.Logger

	debounce   time.Duration
	quiet      time.Duration
	moveWindow time.Duration

	mu       sync.Mutex
	next     model.WatchHandle
	byHandle map[model.WatchHandle]*watch
	byPath   map[string]*watch
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithTimings overrides the debounce tick, the quiet period and the
// move window.
func WithTimings(debounce, quiet, moveWindow time.Duration) Option {
	return func(w *Watcher) {
		w.debounce, w.quiet, w.moveWindow = debounce, quiet, moveWindow
	}
}

// New creates a Watcher with no watches.
func New(logger *slog.Logger, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	w := &Watcher{
		fs:         fsw,
		logger:     logger.With(slog.String("component", "backend")),
		debounce:   DefaultDebounce,
		quiet:      DefaultQuiet,
		moveWindow: DefaultMoveWindow,
		byHandle:   make(map[model.WatchHandle]*watch),
		byPath:     make(map[string]*watch),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// WatchDirectories watches path for directory changes. A path that is
// already watched keeps its handle and its file events.
func (w *Watcher) WatchDirectories(path string) (model.WatchHandle, error) {
	return w.add(filepath.Clean(path), false)
}

// WatchFiles watches path for file changes as well. previous is the
// handle returned by WatchDirectories, if any; it is upgraded in place.
func (w *Watcher) WatchFiles(path string, previous model.WatchHandle) (model.WatchHandle, error) {
	path = filepath.Clean(path)

	w.mu.Lock()
	if wt, ok := w.byHandle[previous]; ok && wt.path == path {
		wt.files = true
		w.mu.Unlock()

		return previous, nil
	}
	w.mu.Unlock()

	return w.add(path, true)
}

func (w *Watcher) add(path string, files bool) (model.WatchHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if wt, ok := w.byPath[path]; ok {
		wt.files = wt.files || files
		return wt.handle, nil
	}

	st, err := state.Lstat(path)
	if err != nil {
		return 0, fmt.Errorf("watching %s: %w", path, err)
	}

	if err := w.fs.Add(path); err != nil {
		return 0, fmt.Errorf("watching %s: %w", path, err)
	}

	w.next++
	wt := &watch{handle: w.next, path: path, files: files, inode: st.Inode, device: st.Device}
	w.byHandle[wt.handle] = wt
	w.byPath[path] = wt

	return wt.handle, nil
}

// Forget drops a watch. Unknown handles are ignored.
func (w *Watcher) Forget(h model.WatchHandle) {
	w.mu.Lock()
	defer w.mu.Unlock()

	wt, ok := w.byHandle[h]
	if !ok {
		return
	}

	delete(w.byHandle, h)

	if w.byPath[wt.path] == wt {
		delete(w.byPath, wt.path)
		// The kernel may already have dropped it.
		_ = w.fs.Remove(wt.path)
	}
}

// Watched reports the number of live watches.
func (w *Watcher) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.byHandle)
}

// Run delivers events to h until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, h Handler) error {
	w.logger.Info("file watcher started")

	// Debounce: one HandleWrite per settled file.
	pending := make(map[string]time.Time)
	moves := make(map[string]pendingMove)

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fs.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			w.handleEvent(ctx, h, event, pending, moves)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.handleError(ctx, h, err)

		case <-ticker.C:
			now := time.Now()

			for path, t := range pending {
				if now.Sub(t) < w.quiet {
					continue
				}

				delete(pending, path)
				h.HandleWrite(ctx, path)
			}

			for path, mv := range moves {
				if now.Sub(mv.at) < w.moveWindow {
					continue
				}

				delete(moves, path)
				h.HandleRemove(ctx, path)
			}
		}
	}
}

func (w *Watcher) handleError(ctx context.Context, h Handler, err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		w.logger.Warn("event queue overflowed, rescanning everything")
		h.HandleOverflow(ctx)

		return
	}

	w.logger.Warn("watcher error", slog.String("error", err.Error()))
}

// owner returns copies of the watch an event for path belongs to,
// which is the watch on its parent directory, and of the watch on path
// itself.
func (w *Watcher) owner(path string) (parent, self *watch) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.byPath[filepath.Dir(path)]; ok {
		cp := *p
		parent = &cp
	}

	if s, ok := w.byPath[path]; ok {
		cp := *s
		self = &cp
	}

	return parent, self
}

func (w *Watcher) handleEvent(ctx context.Context, h Handler, event fsnotify.Event,
	pending map[string]time.Time, moves map[string]pendingMove,
) {
	path := filepath.Clean(event.Name)
	parent, self := w.owner(path)

	if parent == nil {
		// A watched directory reporting on itself with no watched
		// parent is a root going away.
		if self != nil && (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
			h.HandleRemove(ctx, path)
		}

		return
	}

	isDir := self != nil

	switch {
	case event.Has(fsnotify.Create):
		st, err := state.Lstat(path)
		if err != nil {
			return
		}

		if st.IsDir() {
			delete(pending, path)

			if old, ok := matchMove(moves, st); ok {
				delete(moves, old)
				w.detachPath(old)
				h.HandleMove(ctx, old, path)

				return
			}

			h.HandleCreateDir(ctx, path)

			return
		}

		if !parent.files {
			h.HandleChanges(ctx, parent.path)
			return
		}

		pending[path] = time.Now()

	case event.Has(fsnotify.Write):
		if !parent.files {
			h.HandleChanges(ctx, parent.path)
			return
		}

		pending[path] = time.Now()

	case event.Has(fsnotify.Rename):
		delete(pending, path)

		if isDir {
			moves[path] = pendingMove{at: time.Now(), isDir: true, inode: self.inode, device: self.device}
			return
		}

		if !parent.files {
			h.HandleChanges(ctx, parent.path)
			return
		}

		moves[path] = pendingMove{at: time.Now()}

	case event.Has(fsnotify.Remove):
		delete(pending, path)
		delete(moves, path)

		switch {
		case isDir || parent.files:
			h.HandleRemove(ctx, path)
		default:
			h.HandleChanges(ctx, parent.path)
		}
	}
}

// detachPath stops attributing events to watches at or below a path
// that was moved away. The handles stay valid until forgotten.
func (w *Watcher) detachPath(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prefix := path + string(filepath.Separator)

	for p := range w.byPath {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(w.byPath, p)
		}
	}
}

// matchMove finds the pending directory rename of the object st
// describes.
func matchMove(moves map[string]pendingMove, st state.FileStat) (string, bool) {
	if st.Inode == 0 {
		return "", false
	}

	for old, mv := range moves {
		if mv.isDir && mv.inode == st.Inode && mv.device == st.Device {
			return old, true
		}
	}

	return "", false
}
