package model

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	ferrors "github.com/alexjbarnes/fscrawl/internal/errors"
	"github.com/alexjbarnes/fscrawl/internal/state"
)

// GetNextDirectoryToCrawl returns the directory that most urgently
// needs a crawl. Dirty directories come first, oldest dirt first; ties
// go to the directory crawled longest ago, then the shallower one,
// then lexical path order.
func (m *Model) GetNextDirectoryToCrawl() (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	var best *node

	for _, n := range m.candidates {
		if !m.eligibleLocked(n, now) {
			continue
		}

		if best == nil || m.lessLocked(n, best) {
			best = n
		}
	}

	if best == nil {
		return uuid.Nil, false
	}

	return best.id, true
}

func (m *Model) eligibleLocked(n *node, now time.Time) bool {
	if !n.state.NeedsCrawl() || n.uncrawlable || n.crawling {
		return false
	}

	if n.state == PossiblyClean && now.Sub(n.lastCrawl) < m.recheck {
		return false
	}

	return true
}

func (m *Model) lessLocked(a, b *node) bool {
	aDirty, bDirty := a.state == Dirty, b.state == Dirty
	if aDirty != bDirty {
		return aDirty
	}

	if !a.dirtySince.Equal(b.dirtySince) {
		return a.dirtySince.Before(b.dirtySince)
	}

	if !a.lastCrawl.Equal(b.lastCrawl) {
		return a.lastCrawl.Before(b.lastCrawl)
	}

	if da, db := m.depthLocked(a), m.depthLocked(b); da != db {
		return da < db
	}

	return m.pathLocked(a) < m.pathLocked(b)
}

// BeginCrawl marks id as being crawled, upgrades its watch to a full
// watch and returns the crawl start time. Changes reported after the
// start time keep the directory dirty when MarkAsCrawled runs.
func (m *Model) BeginCrawl(id uuid.UUID) (time.Time, error) {
	m.mu.Lock()

	n := m.nodes[id]
	if n == nil {
		m.mu.Unlock()
		return time.Time{}, fmt.Errorf("starting crawl of %s: %w", id, ferrors.ErrNotFound)
	}

	start := m.now()
	n.crawling = true
	n.crawlChanges = n.changes
	path := m.pathLocked(n)
	previous := n.watch
	full := n.fullWatch
	m.mu.Unlock()

	if full {
		return start, nil
	}

	handle, err := m.backend.WatchFiles(path, previous)

	m.mu.Lock()
	defer m.mu.Unlock()

	n = m.nodes[id]
	if n == nil {
		if err == nil {
			m.backend.Forget(handle)
		}

		return start, nil
	}

	if err != nil {
		m.logger.Warn("watching directory files",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return start, nil
	}

	n.watch = handle
	n.fullWatch = true

	return start, nil
}

// MarkAsCrawled records a finished crawl that began at start and
// persists the directory's attribute record.
func (m *Model) MarkAsCrawled(id uuid.UUID, start time.Time) error {
	m.mu.Lock()

	n := m.nodes[id]
	if n == nil {
		m.mu.Unlock()
		return fmt.Errorf("finishing crawl of %s: %w", id, ferrors.ErrNotFound)
	}

	changed := n.changes != n.crawlChanges
	if !n.crawling {
		changed = !n.lastChange.Before(start)
	}

	n.crawling = false
	n.lastCrawl = start

	if n.state != Dirty || !changed {
		n.dirtySince = time.Time{}

		if n.fullWatch {
			m.setStateLocked(n, Clean)
		} else {
			m.setStateLocked(n, PossiblyClean)
		}
	}

	path := m.pathLocked(n)
	m.mu.Unlock()

	st, err := state.Lstat(path)
	if err != nil {
		m.logger.Debug("stat after crawl", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}

	err = m.attrs.Write(path, &state.Attributes{
		UniqueID:        id,
		LastWriteTime:   st.ModTime,
		LastChangeTime:  st.ChangeTime,
		LastIndexedTime: start.UnixNano(),
		Fingerprint:     m.fingerprint,
		Inode:           st.Inode,
		Device:          st.Device,
	})
	if err != nil {
		return fmt.Errorf("recording crawl of %s: %w", path, err)
	}

	return nil
}

// MarkAsUncrawlable handles a crawl that could not read its directory.
// A directory that is gone is removed, and the files indexed below it
// are returned. One that still exists is skipped until it is scanned
// again.
func (m *Model) MarkAsUncrawlable(id uuid.UUID) ([]IndexedFile, error) {
	m.mu.Lock()

	n := m.nodes[id]
	if n == nil {
		m.mu.Unlock()
		return nil, nil
	}

	path := m.pathLocked(n)
	m.mu.Unlock()

	if st, err := state.Lstat(path); (err != nil && ferrors.IsNotFound(err)) || (err == nil && !st.IsDir()) {
		return m.Delete(id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if n = m.nodes[id]; n != nil {
		n.crawling = false
		n.uncrawlable = true
	}

	m.logger.Warn("directory is uncrawlable", slog.String("path", path))

	return nil, nil
}

// AbandonCrawl ends a crawl without recording it. The directory keeps
// its state and is picked again later.
func (m *Model) AbandonCrawl(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.nodes[id]; n != nil {
		n.crawling = false
	}
}
