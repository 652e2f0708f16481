package model

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	ferrors "github.com/alexjbarnes/fscrawl/internal/errors"
	"github.com/alexjbarnes/fscrawl/internal/state"
)

// DetermineRequiredAction compares the file at path against its stored
// attribute record and decides whether it must be indexed, recorded as
// renamed, or left alone. It never touches the index, but may drop or
// re-key attribute records that turn out to be stale.
func (m *Model) DetermineRequiredAction(path string) RequiredAction {
	path = filepath.Clean(path)
	none := RequiredAction{Action: ActionNone, Path: path}

	if m.filter.Ignore(path) {
		return none
	}

	st, err := state.Lstat(path)
	if err != nil {
		if !ferrors.IsNotFound(err) {
			m.logger.Warn("stat failed", slog.String("path", path), slog.String("error", err.Error()))
		}

		return none
	}

	if !st.IsRegular() {
		return none
	}

	none.Stat = st

	a, err := m.attrs.Read(path)
	if err != nil {
		m.logger.Warn("reading attributes", slog.String("path", path), slog.String("error", err.Error()))
		a = nil
	}

	if a == nil || a.UniqueID == uuid.Nil {
		return m.indexAction(path, st, nil, uuid.Nil, "")
	}

	moved := a.Path != "" && a.Path != path

	if a.LastWriteTime != st.ModTime {
		prev, known := m.ids.GetPathById(a.UniqueID)

		switch {
		case known && prev == path:
			return m.indexAction(path, st, a, a.UniqueID, "")
		case known && !m.exists(prev):
			// Moved and modified while nobody was watching.
			return m.indexAction(path, st, a, a.UniqueID, prev)
		default:
			m.dropStale(path, a)
			return m.indexAction(path, st, nil, uuid.Nil, "")
		}
	}

	if a.LastChangeTime != st.ChangeTime || moved {
		prev, known := m.ids.GetPathById(a.UniqueID)

		switch {
		case !known:
			return m.indexAction(path, st, a, a.UniqueID, "")
		case prev == path:
			// False alarm: metadata changed, or the record sat under a
			// stale key after its directory moved.
			if moved {
				m.heal(path, st, a)
			}

			return none
		case m.sameObjectAt(prev, a.UniqueID):
			m.dropStale(path, a)
			return m.indexAction(path, st, nil, uuid.Nil, "")
		default:
			return RequiredAction{
				Action:       ActionRename,
				Path:         path,
				PreviousPath: prev,
				UniqueID:     a.UniqueID,
				Attributes:   a,
				Stat:         st,
			}
		}
	}

	if a.Fingerprint != m.fingerprint || m.stale(a) {
		return m.indexAction(path, st, a, a.UniqueID, "")
	}

	if moved {
		m.heal(path, st, a)
	}

	return none
}

func (m *Model) indexAction(path string, st state.FileStat, a *state.Attributes, id uuid.UUID, previous string) RequiredAction {
	if id == uuid.Nil {
		id = m.fileID(path)
	}

	return RequiredAction{
		Action:       ActionIndex,
		Path:         path,
		PreviousPath: previous,
		UniqueID:     id,
		Attributes:   a,
		Stat:         st,
	}
}

// fileID reuses the id recorded for the file's name in its directory,
// so the new document replaces the old one, and otherwise makes one up.
func (m *Model) fileID(path string) uuid.UUID {
	if dirID, ok := m.Lookup(filepath.Dir(path)); ok {
		if id, ok := m.ids.GetIdByNameAndParentId(filepath.Base(path), dirID); ok && !m.taken(id) {
			return id
		}
	}

	return uuid.New()
}

func (m *Model) exists(path string) bool {
	_, err := state.Lstat(path)
	return err == nil
}

// sameObjectAt reports whether the file at path carries id, which
// makes a second file with that id a copy.
func (m *Model) sameObjectAt(path string, id uuid.UUID) bool {
	a, err := m.attrs.Read(path)
	if err != nil || a == nil {
		return false
	}

	return a.UniqueID == id
}

// dropStale removes a record that belongs to another object. The
// record may have been found under its own path rather than ours.
func (m *Model) dropStale(path string, a *state.Attributes) {
	m.dropAttrs(path)

	if a.Path != "" && a.Path != path && !m.exists(a.Path) {
		m.dropAttrs(a.Path)
	}
}

// heal rewrites a record under the current path and ctime.
func (m *Model) heal(path string, st state.FileStat, a *state.Attributes) {
	rec := *a
	rec.LastChangeTime = st.ChangeTime
	rec.Inode, rec.Device = st.Inode, st.Device

	if err := m.attrs.Write(path, &rec); err != nil {
		m.logger.Warn("re-keying attributes", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// MarkFileIndexed records that act's file now has a document produced
// by the named extractor.
func (m *Model) MarkFileIndexed(act RequiredAction, filterName string, filterVersion int) error {
	dirID, ok := m.Lookup(filepath.Dir(act.Path))
	if !ok {
		return fmt.Errorf("recording %s: directory %w", act.Path, ferrors.ErrNotFound)
	}

	name := filepath.Base(act.Path)

	var err error
	if act.PreviousPath != "" && act.PreviousPath != act.Path {
		err = m.ids.Move(act.UniqueID, dirID, name)
	} else {
		err = m.ids.Add(act.UniqueID, dirID, name, false)
	}

	if err != nil {
		return fmt.Errorf("recording unique id for %s: %w", act.Path, err)
	}

	rec := &state.Attributes{
		UniqueID:        act.UniqueID,
		LastWriteTime:   act.Stat.ModTime,
		LastChangeTime:  act.Stat.ChangeTime,
		LastIndexedTime: m.now().UnixNano(),
		Fingerprint:     m.fingerprint,
		FilterName:      filterName,
		FilterVersion:   filterVersion,
		Inode:           act.Stat.Inode,
		Device:          act.Stat.Device,
	}

	if err := m.attrs.Write(act.Path, rec); err != nil {
		return fmt.Errorf("recording attributes for %s: %w", act.Path, err)
	}

	return nil
}

// CommitRename records a rename decided by DetermineRequiredAction:
// the unique-id row moves and the attribute record is rewritten under
// the new path. Content is not touched.
func (m *Model) CommitRename(act RequiredAction) error {
	dirID, ok := m.Lookup(filepath.Dir(act.Path))
	if !ok {
		return fmt.Errorf("renaming to %s: directory %w", act.Path, ferrors.ErrNotFound)
	}

	if err := m.ids.Move(act.UniqueID, dirID, filepath.Base(act.Path)); err != nil {
		return fmt.Errorf("moving unique id to %s: %w", act.Path, err)
	}

	var rec state.Attributes
	if act.Attributes != nil {
		rec = *act.Attributes
	}

	rec.UniqueID = act.UniqueID
	rec.LastChangeTime = act.Stat.ChangeTime
	rec.Inode, rec.Device = act.Stat.Inode, act.Stat.Device

	if err := m.attrs.Write(act.Path, &rec); err != nil {
		return fmt.Errorf("recording attributes for %s: %w", act.Path, err)
	}

	if act.PreviousPath != "" && !m.exists(act.PreviousPath) {
		m.dropAttrs(act.PreviousPath)
	}

	return nil
}

// ForgetFile drops the unique-id row and attribute record of a file
// that is gone and returns the id its document was stored under.
func (m *Model) ForgetFile(path string) (uuid.UUID, bool, error) {
	path = filepath.Clean(path)

	var (
		id    uuid.UUID
		found bool
	)

	if dirID, ok := m.Lookup(filepath.Dir(path)); ok {
		id, found = m.ids.GetIdByNameAndParentId(filepath.Base(path), dirID)
	}

	if found && m.taken(id) {
		return uuid.Nil, false, nil
	}

	m.dropAttrs(path)

	if !found {
		return uuid.Nil, false, nil
	}

	if err := m.ids.DropTree(id); err != nil {
		return id, true, fmt.Errorf("forgetting %s: %w", path, err)
	}

	return id, true, nil
}

// FileID returns the id recorded for the file at path.
func (m *Model) FileID(path string) (uuid.UUID, bool) {
	dirID, ok := m.Lookup(filepath.Dir(filepath.Clean(path)))
	if !ok {
		return uuid.Nil, false
	}

	id, ok := m.ids.GetIdByNameAndParentId(filepath.Base(path), dirID)
	if !ok || m.taken(id) {
		return uuid.Nil, false
	}

	return id, true
}

// IndexedFiles lists the files recorded directly in a directory.
func (m *Model) IndexedFiles(dirID uuid.UUID) ([]IndexedFile, error) {
	m.mu.Lock()

	n := m.nodes[dirID]
	if n == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("listing files of %s: %w", dirID, ferrors.ErrNotFound)
	}

	dirs := []detachedDir{{id: dirID, path: m.pathLocked(n)}}
	m.mu.Unlock()

	return m.filesIn(dirs)
}

// DescendantFiles lists the files recorded anywhere below a directory.
func (m *Model) DescendantFiles(dirID uuid.UUID) ([]IndexedFile, error) {
	m.mu.Lock()

	n := m.nodes[dirID]
	if n == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("listing files below %s: %w", dirID, ferrors.ErrNotFound)
	}

	sub := m.subtreeLocked(n)
	dirs := make([]detachedDir, 0, len(sub))

	for _, d := range sub {
		dirs = append(dirs, detachedDir{id: d.id, path: m.pathLocked(d)})
	}

	m.mu.Unlock()

	return m.filesIn(dirs)
}

func (m *Model) filesIn(dirs []detachedDir) ([]IndexedFile, error) {
	var files []IndexedFile

	for _, d := range dirs {
		kids, err := m.ids.Children(d.id)
		if err != nil {
			return nil, fmt.Errorf("listing files of %s: %w", d.path, err)
		}

		for _, k := range kids {
			if m.taken(k.ID) {
				continue
			}

			files = append(files, IndexedFile{ID: k.ID, Path: filepath.Join(d.path, k.Name)})
		}
	}

	return files, nil
}

// Ignored reports whether the filter excludes path.
func (m *Model) Ignored(path string) bool {
	return m.filter.Ignore(path)
}
