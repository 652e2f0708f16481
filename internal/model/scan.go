package model

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	ferrors "github.com/alexjbarnes/fscrawl/internal/errors"
	"github.com/alexjbarnes/fscrawl/internal/state"
)

// NextDirectoryToScan pops the scan queue.
func (m *Model) NextDirectoryToScan() (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.queue) > 0 {
		id := m.queue[0]
		m.queue[0] = uuid.Nil
		m.queue = m.queue[1:]

		n := m.nodes[id]
		if n == nil || !n.queued {
			continue
		}

		n.queued = false

		return id, true
	}

	m.queue = nil

	return uuid.Nil, false
}

// ScanOne lists the subdirectories of id, adds new ones and prunes
// vanished ones, makes sure a directory watch is in place and moves
// the directory out of Unscanned. A directory that no longer exists is
// removed; the files indexed below removed directories are returned.
func (m *Model) ScanOne(id uuid.UUID) ([]IndexedFile, error) {
	m.mu.Lock()

	n := m.nodes[id]
	if n == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("scanning %s: %w", id, ferrors.ErrNotFound)
	}

	path := m.pathLocked(n)
	watched := n.watch != 0
	m.mu.Unlock()

	st, err := state.Lstat(path)
	if err != nil || !st.IsDir() {
		if err == nil || ferrors.IsNotFound(err) {
			m.logger.Debug("scanned directory vanished", slog.String("path", path))
			return m.Delete(id)
		}

		return nil, m.scanFailed(id, path, err)
	}

	var handle WatchHandle

	if !watched {
		handle, err = m.backend.WatchDirectories(path)
		if err != nil {
			m.logger.Warn("watching directory",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if handle != 0 {
			m.backend.Forget(handle)
		}

		if ferrors.IsNotFound(err) {
			return m.Delete(id)
		}

		return nil, m.scanFailed(id, path, err)
	}

	present := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		if m.filter.IgnoreDir(filepath.Join(path, e.Name())) {
			continue
		}

		present[e.Name()] = struct{}{}
	}

	m.mu.Lock()

	n = m.nodes[id]
	if n == nil {
		m.mu.Unlock()

		if handle != 0 {
			m.backend.Forget(handle)
		}

		return nil, nil
	}

	var (
		missing  []string
		vanished []uuid.UUID
	)

	for name := range present {
		if _, ok := n.children[name]; !ok {
			missing = append(missing, name)
		}
	}

	for name, childID := range n.children {
		if _, ok := present[name]; !ok {
			vanished = append(vanished, childID)
		}
	}

	if handle != 0 {
		if n.watch != 0 && n.watch != handle {
			m.backend.Forget(n.watch)
		}

		n.watch = handle
		n.fullWatch = false
	}

	n.uncrawlable = false

	switch {
	case n.state == Dirty:
	case st.ModTime > n.lastCrawl.UnixNano():
		m.markDirtyLocked(n)
	default:
		m.setStateLocked(n, Unknown)
	}

	m.mu.Unlock()

	var removed []IndexedFile

	for _, childID := range vanished {
		files, err := m.Delete(childID)
		if err != nil {
			m.logger.Warn("pruning vanished directory", slog.String("error", err.Error()))
		}

		removed = append(removed, files...)
	}

	for _, name := range missing {
		if _, err := m.AddChild(id, name); err != nil && !errors.Is(err, ferrors.ErrIgnored) {
			m.logger.Warn("adding subdirectory",
				slog.String("path", filepath.Join(path, name)),
				slog.String("error", err.Error()),
			)
		}
	}

	m.signal()

	return removed, nil
}

func (m *Model) scanFailed(id uuid.UUID, path string, err error) error {
	if ferrors.KindOf(err) == ferrors.KindPermissionDenied {
		m.mu.Lock()
		if n := m.nodes[id]; n != nil {
			n.uncrawlable = true
			if n.state == Unscanned {
				m.setStateLocked(n, Unknown)
			}
		}
		m.mu.Unlock()
	}

	return fmt.Errorf("scanning %s: %w", path, err)
}

// setStateLocked moves n to state s and keeps the crawl candidates in
// step with it.
func (m *Model) setStateLocked(n *node, s State) {
	n.state = s

	if s.NeedsCrawl() {
		m.candidates[n.id] = n
	} else {
		delete(m.candidates, n.id)
	}
}

func (m *Model) markDirtyLocked(n *node) {
	now := m.now()
	if n.state != Dirty || n.dirtySince.IsZero() {
		n.dirtySince = now
	}

	m.setStateLocked(n, Dirty)
	n.lastChange = now
	n.changes++
}
