package model

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
)

type detachedDir struct {
	id   uuid.UUID
	path string
}

// Delete removes a directory and everything below it, dropping their
// watches, unique-id rows and attribute records. The files that were
// indexed below it are returned. Deleting an unknown id is a no-op.
func (m *Model) Delete(id uuid.UUID) ([]IndexedFile, error) {
	m.mu.Lock()

	n := m.nodes[id]
	if n == nil {
		m.mu.Unlock()
		return nil, nil
	}

	root := n.parent == uuid.Nil
	dirs, handles := m.detachLocked(n)
	m.mu.Unlock()

	if root {
		m.filter.RemoveRoot(dirs[0].path)
		m.logger.Info("root removed", slog.String("path", dirs[0].path))
	}

	return m.finishDelete(id, dirs, handles)
}

// detachLocked unlinks n and its subtree from the tree.
func (m *Model) detachLocked(n *node) ([]detachedDir, []WatchHandle) {
	sub := m.subtreeLocked(n)

	dirs := make([]detachedDir, 0, len(sub))

	var handles []WatchHandle

	for _, d := range sub {
		dirs = append(dirs, detachedDir{id: d.id, path: m.pathLocked(d)})

		if d.watch != 0 {
			handles = append(handles, d.watch)
		}
	}

	if n.parent == uuid.Nil {
		delete(m.roots, n.name)
	} else if p := m.nodes[n.parent]; p != nil {
		delete(p.children, n.name)
	}

	for _, d := range sub {
		d.queued = false
		delete(m.nodes, d.id)
		delete(m.candidates, d.id)
	}

	m.gen++

	return dirs, handles
}

func (m *Model) finishDelete(top uuid.UUID, dirs []detachedDir, handles []WatchHandle) ([]IndexedFile, error) {
	for _, h := range handles {
		m.backend.Forget(h)
	}

	isDir := make(map[uuid.UUID]struct{}, len(dirs))
	for _, d := range dirs {
		isDir[d.id] = struct{}{}
	}

	var files []IndexedFile

	for _, d := range dirs {
		kids, err := m.ids.Children(d.id)
		if err != nil {
			m.logger.Warn("listing files of removed directory",
				slog.String("path", d.path),
				slog.String("error", err.Error()),
			)

			continue
		}

		for _, k := range kids {
			if _, ok := isDir[k.ID]; ok {
				continue
			}

			files = append(files, IndexedFile{ID: k.ID, Path: filepath.Join(d.path, k.Name)})
		}
	}

	if err := m.ids.DropTree(top); err != nil {
		return files, fmt.Errorf("dropping unique ids below %s: %w", dirs[0].path, err)
	}

	for _, f := range files {
		m.dropAttrs(f.Path)
	}

	for _, d := range dirs {
		m.dropAttrs(d.path)
	}

	return files, nil
}

func (m *Model) dropAttrs(path string) {
	if err := m.attrs.Drop(path); err != nil {
		m.logger.Debug("dropping attributes", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// Rename gives a directory a new name in the same parent. Renaming a
// root detaches it.
func (m *Model) Rename(id uuid.UUID, newName string) ([]IndexedFile, error) {
	m.mu.Lock()

	n := m.nodes[id]
	if n == nil {
		m.mu.Unlock()
		return nil, nil
	}

	parent := n.parent
	m.mu.Unlock()

	return m.Move(id, parent, newName)
}

// Move relocates a directory below newParentID as newName. Its unique
// id is kept. Watches in the moved subtree are dropped and the subtree
// is queued for a rescan, which reinstalls them at the new paths.
// Moving a root, moving into an unknown parent or into an ignored path
// deletes the directory instead. A directory previously at the target
// name is replaced. Returned files are those indexed below deleted or
// replaced directories.
func (m *Model) Move(id, newParentID uuid.UUID, newName string) ([]IndexedFile, error) {
	m.mu.Lock()

	n := m.nodes[id]
	if n == nil {
		m.mu.Unlock()
		return nil, nil
	}

	if n.parent == newParentID && n.name == newName {
		m.mu.Unlock()
		return nil, nil
	}

	np := m.nodes[newParentID]
	if n.parent == uuid.Nil || np == nil {
		m.mu.Unlock()
		return m.Delete(id)
	}

	for a := np; a != nil; a = m.nodes[a.parent] {
		if a.id == id {
			m.mu.Unlock()
			return nil, fmt.Errorf("moving %s below itself", m.pathOrID(id))
		}

		if a.parent == uuid.Nil {
			break
		}
	}

	newPath := filepath.Join(m.pathLocked(np), newName)
	m.mu.Unlock()

	if m.filter.IgnoreDir(newPath) {
		return m.Delete(id)
	}

	if err := m.ids.Move(id, newParentID, newName); err != nil {
		return nil, fmt.Errorf("moving %s to %s: %w", id, newPath, err)
	}

	m.mu.Lock()

	n, np = m.nodes[id], m.nodes[newParentID]
	if n == nil {
		m.mu.Unlock()
		return nil, nil
	}

	if np == nil {
		m.mu.Unlock()
		return m.Delete(id)
	}

	var (
		replacedID uuid.UUID
		replaced   []detachedDir
		stale      []WatchHandle
	)

	if existing, ok := np.children[newName]; ok && existing != id {
		if e := m.nodes[existing]; e != nil {
			replacedID = existing
			replaced, stale = m.detachLocked(e)
		}
	}

	if op := m.nodes[n.parent]; op != nil {
		delete(op.children, n.name)
	}

	n.parent, n.name = newParentID, newName
	np.children[newName] = id
	m.gen++

	for _, d := range m.subtreeLocked(n) {
		if d.watch != 0 {
			stale = append(stale, d.watch)
		}

		d.watch, d.fullWatch = 0, false
		m.enqueueLocked(d)
	}

	m.mu.Unlock()
	m.signal()

	if replacedID == uuid.Nil {
		for _, h := range stale {
			m.backend.Forget(h)
		}

		return nil, nil
	}

	return m.finishDelete(replacedID, replaced, stale)
}

func (m *Model) pathOrID(id uuid.UUID) string {
	if n := m.nodes[id]; n != nil {
		return m.pathLocked(n)
	}

	return id.String()
}

// ReportActivity notes that something happened in a directory.
func (m *Model) ReportActivity(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.nodes[id]; n != nil {
		n.lastActivity = m.now()
	}
}

// ReportChanges marks a directory dirty.
func (m *Model) ReportChanges(id uuid.UUID) {
	m.mu.Lock()

	n := m.nodes[id]
	if n == nil {
		m.mu.Unlock()
		return
	}

	n.lastActivity = m.now()
	if n.state != Unscanned {
		m.markDirtyLocked(n)
	}

	m.mu.Unlock()
	m.signal()
}

// SetAllToUnknown is the recovery path after lost events: every clean
// directory becomes Unknown and every directory is queued for a rescan.
func (m *Model) SetAllToUnknown() {
	m.mu.Lock()

	for _, rootID := range m.roots {
		for _, n := range m.subtreeLocked(m.nodes[rootID]) {
			if n.state == Clean || n.state == PossiblyClean {
				m.setStateLocked(n, Unknown)
			}

			n.uncrawlable = false
			m.enqueueLocked(n)
		}
	}

	m.mu.Unlock()
	m.signal()

	m.logger.Info("all directories set to unknown")
}

// Recrawl forces a crawl of one directory.
func (m *Model) Recrawl(id uuid.UUID) {
	m.mu.Lock()

	if n := m.nodes[id]; n != nil {
		m.forceUnknownLocked(n)
	}

	m.mu.Unlock()
	m.signal()
}

// Rescan queues a directory for a scan followed by a crawl, which
// picks up changed ignore rules for its subdirectories and files.
func (m *Model) Rescan(id uuid.UUID) {
	m.mu.Lock()

	if n := m.nodes[id]; n != nil {
		m.forceUnknownLocked(n)
		m.enqueueLocked(n)
	}

	m.mu.Unlock()
	m.signal()
}

// RecrawlEverything forces a crawl of every directory.
func (m *Model) RecrawlEverything() {
	m.mu.Lock()

	for _, n := range m.nodes {
		m.forceUnknownLocked(n)
	}

	m.mu.Unlock()
	m.signal()
}

func (m *Model) forceUnknownLocked(n *node) {
	if n.state != Dirty && n.state != Unscanned {
		m.setStateLocked(n, Unknown)
	}

	n.uncrawlable = false
}
