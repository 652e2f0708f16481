package model

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	ferrors "github.com/alexjbarnes/fscrawl/internal/errors"
	"github.com/alexjbarnes/fscrawl/internal/filter"
	"github.com/alexjbarnes/fscrawl/internal/state"
	"github.com/alexjbarnes/fscrawl/internal/uidstore"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const testFingerprint = "test-1"

// watchLog backs the mock Backend with a little bookkeeping so tests
// can see which paths are watched.
type watchLog struct {
	mu        sync.Mutex
	next      WatchHandle
	paths     map[WatchHandle]string
	full      map[WatchHandle]bool
	forgotten []WatchHandle
	failFiles bool
}

func (w *watchLog) watchDirs(path string) (WatchHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.next++
	w.paths[w.next] = path

	return w.next, nil
}

func (w *watchLog) watchFiles(path string, previous WatchHandle) (WatchHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failFiles {
		return 0, errors.New("no space left for watches")
	}

	if _, ok := w.paths[previous]; ok {
		w.full[previous] = true
		return previous, nil
	}

	w.next++
	w.paths[w.next] = path
	w.full[w.next] = true

	return w.next, nil
}

func (w *watchLog) forget(h WatchHandle) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.paths, h)
	delete(w.full, h)
	w.forgotten = append(w.forgotten, h)
}

func (w *watchLog) watching(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range w.paths {
		if p == path {
			return true
		}
	}

	return false
}

type testEnv struct {
	root    string
	ids     *uidstore.Store
	attrs   *state.Sidecar
	watches *watchLog
	m       *Model
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	dir := t.TempDir()

	ids, err := uidstore.Open(filepath.Join(dir, "uids.db"), testFingerprint, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { ids.Close() })

	attrs, err := state.OpenSidecar(filepath.Join(dir, "attrs.db"), testFingerprint)
	require.NoError(t, err)
	t.Cleanup(func() { attrs.Close() })

	env := &testEnv{root: t.TempDir(), ids: ids, attrs: attrs}
	env.m = env.newModel(t, opts...)

	return env
}

// newModel builds a fresh model over the env's stores, as a restart
// would.
func (e *testEnv) newModel(t *testing.T, opts ...Option) *Model {
	t.Helper()

	ctrl := gomock.NewController(t)
	backend := NewMockBackend(ctrl)
	e.watches = &watchLog{paths: make(map[WatchHandle]string), full: make(map[WatchHandle]bool)}

	backend.EXPECT().WatchDirectories(gomock.Any()).DoAndReturn(e.watches.watchDirs).AnyTimes()
	backend.EXPECT().WatchFiles(gomock.Any(), gomock.Any()).DoAndReturn(e.watches.watchFiles).AnyTimes()
	backend.EXPECT().Forget(gomock.Any()).Do(e.watches.forget).AnyTimes()

	f, err := filter.New()
	require.NoError(t, err)

	opts = append([]Option{WithFingerprint(testFingerprint)}, opts...)

	return New(e.ids, e.attrs, backend, f, testLogger, opts...)
}

func (e *testEnv) path(rel string) string {
	return filepath.Join(e.root, filepath.FromSlash(rel))
}

func (e *testEnv) mkdir(t *testing.T, rels ...string) {
	t.Helper()

	for _, rel := range rels {
		require.NoError(t, os.MkdirAll(e.path(rel), 0o755))
	}
}

func (e *testEnv) write(t *testing.T, rel, content string) string {
	t.Helper()

	p := e.path(rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))

	return p
}

func (e *testEnv) addRoot(t *testing.T) uuid.UUID {
	t.Helper()

	id, err := e.m.AddRoot(e.root)
	require.NoError(t, err)

	return id
}

func (e *testEnv) lookup(t *testing.T, rel string) uuid.UUID {
	t.Helper()

	id, ok := e.m.Lookup(e.path(rel))
	require.True(t, ok, "directory %s should be in the model", rel)

	return id
}

func (e *testEnv) state(t *testing.T, rel string) State {
	t.Helper()

	s, ok := e.m.StateOf(e.lookup(t, rel))
	require.True(t, ok)

	return s
}

// drainScans runs every queued scan.
func drainScans(t *testing.T, m *Model) []IndexedFile {
	t.Helper()

	var removed []IndexedFile

	for {
		id, ok := m.NextDirectoryToScan()
		if !ok {
			return removed
		}

		files, err := m.ScanOne(id)
		require.NoError(t, err)

		removed = append(removed, files...)
	}
}

// crawl performs one directory crawl the way the scheduler does,
// applying every action to the model.
func crawl(t *testing.T, m *Model, id uuid.UUID) []RequiredAction {
	t.Helper()

	start, err := m.BeginCrawl(id)
	require.NoError(t, err)

	path, ok := m.PathOf(id)
	require.True(t, ok)

	entries, err := os.ReadDir(path)
	require.NoError(t, err)

	var acts []RequiredAction

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		act := m.DetermineRequiredAction(filepath.Join(path, e.Name()))

		switch act.Action {
		case ActionIndex:
			require.NoError(t, m.MarkFileIndexed(act, "text", 1))
		case ActionRename:
			require.NoError(t, m.CommitRename(act))
		}

		if act.Action != ActionNone {
			acts = append(acts, act)
		}
	}

	require.NoError(t, m.MarkAsCrawled(id, start))

	return acts
}

// crawlAll scans and crawls until nothing is left to do.
func crawlAll(t *testing.T, m *Model) []RequiredAction {
	t.Helper()

	var acts []RequiredAction

	for i := 0; i < 1000; i++ {
		drainScans(t, m)

		id, ok := m.GetNextDirectoryToCrawl()
		if !ok {
			return acts
		}

		acts = append(acts, crawl(t, m, id)...)
	}

	t.Fatal("crawl did not settle")

	return nil
}

func TestState_NeedsCrawl(t *testing.T) {
	tests := []struct {
		state State
		needs bool
	}{
		{Unscanned, false},
		{Clean, false},
		{PossiblyClean, true},
		{Unknown, true},
		{Dirty, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.needs, tt.state.NeedsCrawl())
		})
	}
}

func TestAddRoot_ScanDiscoversSubdirectories(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "a/c", "b", ".git/objects", "node_modules/x")
	env.write(t, "top.txt", "not a directory")

	rootID := env.addRoot(t)
	assert.Equal(t, Unscanned, env.state(t, ""))

	drainScans(t, env.m)

	for _, rel := range []string{"", "a", "a/c", "b"} {
		env.lookup(t, rel)
		assert.True(t, env.watches.watching(env.path(rel)), "%s should be watched", rel)
	}

	for _, rel := range []string{".git", ".git/objects", "node_modules", "top.txt"} {
		_, ok := env.m.Lookup(env.path(rel))
		assert.False(t, ok, "%s should not be in the model", rel)
	}

	// Never crawled, so every directory counts as modified.
	assert.Equal(t, Dirty, env.state(t, "a"))

	p, ok := env.ids.GetPathById(env.lookup(t, "a/c"))
	require.True(t, ok)
	assert.Equal(t, env.path("a/c"), p)

	p, ok = env.ids.GetPathById(rootID)
	require.True(t, ok)
	assert.Equal(t, env.root, p)
}

func TestAddRoot_Idempotent(t *testing.T) {
	env := newTestEnv(t)

	first := env.addRoot(t)
	second, err := env.m.AddRoot(env.root + string(filepath.Separator))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{env.root}, env.m.Roots())
}

func TestAddRoot_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "inner")
	file := env.write(t, "file.txt", "x")

	env.addRoot(t)

	_, err := env.m.AddRoot(env.path("inner"))
	assert.Error(t, err, "nested root")

	_, err = env.m.AddRoot(file)
	assert.Error(t, err, "not a directory")

	_, err = env.m.AddRoot(env.path("missing"))
	assert.True(t, ferrors.IsNotFound(err))
}

func TestAddChild(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "docs")
	rootID := env.addRoot(t)

	id, err := env.m.AddChild(rootID, "docs")
	require.NoError(t, err)

	again, err := env.m.AddChild(rootID, "docs")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	_, err = env.m.AddChild(rootID, ".cache")
	assert.ErrorIs(t, err, ferrors.ErrIgnored)

	_, err = env.m.AddChild(uuid.New(), "docs")
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
}

func TestAddRoot_RestartKeepsIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "a/b")
	env.write(t, "a/b/file.txt", "hello")

	rootID := env.addRoot(t)
	crawlAll(t, env.m)

	aID := env.lookup(t, "a")
	bID := env.lookup(t, "a/b")

	// Pretend nothing changed since the crawl.
	past := time.Now().Add(-time.Hour)
	for _, rel := range []string{"", "a", "a/b"} {
		require.NoError(t, os.Chtimes(env.path(rel), past, past))
	}

	env.m = env.newModel(t)

	again := env.addRoot(t)
	assert.Equal(t, rootID, again)

	drainScans(t, env.m)
	assert.Equal(t, aID, env.lookup(t, "a"))
	assert.Equal(t, bID, env.lookup(t, "a/b"))
	assert.Equal(t, Unknown, env.state(t, "a/b"), "unmodified since the last crawl")

	acts := crawlAll(t, env.m)
	assert.Empty(t, acts, "nothing to re-index after a restart")
}

func TestScanOne_PrunesVanishedChildren(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "keep", "gone/deeper")
	env.write(t, "gone/deeper/file.txt", "bye")

	rootID := env.addRoot(t)
	crawlAll(t, env.m)

	goneID := env.lookup(t, "gone")
	deeperID := env.lookup(t, "gone/deeper")
	fileID, ok := env.m.FileID(env.path("gone/deeper/file.txt"))
	require.True(t, ok)

	require.NoError(t, os.RemoveAll(env.path("gone")))

	removed, err := env.m.ScanOne(rootID)
	require.NoError(t, err)

	require.Len(t, removed, 1)
	assert.Equal(t, fileID, removed[0].ID)
	assert.Equal(t, env.path("gone/deeper/file.txt"), removed[0].Path)

	_, ok = env.m.Lookup(env.path("gone"))
	assert.False(t, ok)
	env.lookup(t, "keep")

	_, ok = env.ids.GetPathById(goneID)
	assert.False(t, ok)
	_, ok = env.ids.GetPathById(deeperID)
	assert.False(t, ok)
	_, ok = env.ids.GetPathById(fileID)
	assert.False(t, ok)

	assert.False(t, env.watches.watching(env.path("gone")))
}

func TestScanOne_VanishedDirectoryIsRemoved(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "sub")
	env.addRoot(t)
	drainScans(t, env.m)

	subID := env.lookup(t, "sub")
	require.NoError(t, os.Remove(env.path("sub")))

	_, err := env.m.ScanOne(subID)
	require.NoError(t, err)

	_, ok := env.m.Lookup(env.path("sub"))
	assert.False(t, ok)

	_, err = env.m.ScanOne(subID)
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
}

func TestScanOne_DirtyOnlyWhenModifiedSinceCrawl(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "sub")
	env.addRoot(t)
	crawlAll(t, env.m)

	subID := env.lookup(t, "sub")
	assert.Equal(t, Clean, env.state(t, "sub"))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(env.path("sub"), past, past))

	_, err := env.m.ScanOne(subID)
	require.NoError(t, err)
	assert.Equal(t, Unknown, env.state(t, "sub"))

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(env.path("sub"), future, future))

	_, err = env.m.ScanOne(subID)
	require.NoError(t, err)
	assert.Equal(t, Dirty, env.state(t, "sub"))

	// Already dirty stays dirty even when the mtime looks old again.
	require.NoError(t, os.Chtimes(env.path("sub"), past, past))

	_, err = env.m.ScanOne(subID)
	require.NoError(t, err)
	assert.Equal(t, Dirty, env.state(t, "sub"))
}

func TestScanOne_NewSubdirectoryIsQueued(t *testing.T) {
	env := newTestEnv(t)
	rootID := env.addRoot(t)
	drainScans(t, env.m)

	env.mkdir(t, "late")

	_, err := env.m.ScanOne(rootID)
	require.NoError(t, err)

	id, ok := env.m.NextDirectoryToScan()
	require.True(t, ok)
	assert.Equal(t, env.lookup(t, "late"), id)
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a/one.txt", "1")
	env.write(t, "a/b/two.txt", "2")
	env.write(t, "other/three.txt", "3")

	env.addRoot(t)
	crawlAll(t, env.m)

	aID := env.lookup(t, "a")
	otherFile, ok := env.m.FileID(env.path("other/three.txt"))
	require.True(t, ok)

	removed, err := env.m.Delete(aID)
	require.NoError(t, err)

	paths := make([]string, 0, len(removed))
	for _, f := range removed {
		paths = append(paths, f.Path)
	}

	assert.ElementsMatch(t, []string{env.path("a/one.txt"), env.path("a/b/two.txt")}, paths)

	_, ok = env.m.Lookup(env.path("a/b"))
	assert.False(t, ok)

	rec, err := env.attrs.Read(env.path("a/one.txt"))
	require.NoError(t, err)
	assert.Nil(t, rec, "attribute records are dropped with the directory")

	_, ok = env.ids.GetPathById(otherFile)
	assert.True(t, ok, "unrelated files are untouched")

	again, err := env.m.Delete(aID)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRemoveRoot(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "x/file.txt", "x")
	env.addRoot(t)
	crawlAll(t, env.m)

	removed, err := env.m.RemoveRoot(env.root)
	require.NoError(t, err)
	assert.Len(t, removed, 1)
	assert.Empty(t, env.m.Roots())
	assert.Equal(t, 0, env.ids.Len())

	_, err = env.m.RemoveRoot(env.root)
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
}

func TestMove_KeepsIdentityAndRescans(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "src/inner", "dst")
	env.write(t, "src/inner/file.txt", "content")

	env.addRoot(t)
	crawlAll(t, env.m)

	srcID := env.lookup(t, "src")
	innerID := env.lookup(t, "src/inner")
	dstID := env.lookup(t, "dst")
	fileID, ok := env.m.FileID(env.path("src/inner/file.txt"))
	require.True(t, ok)

	require.NoError(t, os.Rename(env.path("src"), env.path("dst/moved")))

	removed, err := env.m.Move(srcID, dstID, "moved")
	require.NoError(t, err)
	assert.Empty(t, removed)

	assert.Equal(t, srcID, env.lookup(t, "dst/moved"))
	assert.Equal(t, innerID, env.lookup(t, "dst/moved/inner"))

	p, ok := env.m.PathOf(innerID)
	require.True(t, ok)
	assert.Equal(t, env.path("dst/moved/inner"), p, "cached path follows the move")

	p, ok = env.ids.GetPathById(fileID)
	require.True(t, ok)
	assert.Equal(t, env.path("dst/moved/inner/file.txt"), p)

	assert.False(t, env.watches.watching(env.path("src")))
	assert.False(t, env.watches.watching(env.path("src/inner")))

	drainScans(t, env.m)
	assert.True(t, env.watches.watching(env.path("dst/moved/inner")))

	acts := crawlAll(t, env.m)
	assert.Empty(t, acts, "moving a directory re-indexes nothing")

	rec, err := env.attrs.Read(env.path("dst/moved/inner/file.txt"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, env.path("dst/moved/inner/file.txt"), rec.Path, "record re-keyed to the new path")
}

func TestRename(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "old")
	env.addRoot(t)
	drainScans(t, env.m)

	id := env.lookup(t, "old")
	require.NoError(t, os.Rename(env.path("old"), env.path("new")))

	_, err := env.m.Rename(id, "new")
	require.NoError(t, err)
	assert.Equal(t, id, env.lookup(t, "new"))

	_, ok := env.m.Lookup(env.path("old"))
	assert.False(t, ok)
}

func TestMove_OutOfTreeOrIntoIgnoredDeletes(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "a", "b")
	rootID := env.addRoot(t)
	drainScans(t, env.m)

	aID := env.lookup(t, "a")
	_, err := env.m.Move(aID, uuid.New(), "a")
	require.NoError(t, err)

	_, ok := env.m.Lookup(env.path("a"))
	assert.False(t, ok)

	bID := env.lookup(t, "b")
	_, err = env.m.Move(bID, rootID, ".b-hidden")
	require.NoError(t, err)

	_, ok = env.m.Lookup(env.path("b"))
	assert.False(t, ok)
	_, ok = env.m.Lookup(env.path(".b-hidden"))
	assert.False(t, ok)
}

func TestMove_BelowItselfFails(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "a/b")
	env.addRoot(t)
	drainScans(t, env.m)

	_, err := env.m.Move(env.lookup(t, "a"), env.lookup(t, "a/b"), "a")
	assert.Error(t, err)
}

func TestMove_ReplacesExistingTarget(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "src")
	env.write(t, "dst/stale.txt", "old")
	rootID := env.addRoot(t)
	crawlAll(t, env.m)

	srcID := env.lookup(t, "src")
	staleID, ok := env.m.FileID(env.path("dst/stale.txt"))
	require.True(t, ok)

	require.NoError(t, os.RemoveAll(env.path("dst")))
	require.NoError(t, os.Rename(env.path("src"), env.path("dst")))

	removed, err := env.m.Move(srcID, rootID, "dst")
	require.NoError(t, err)

	require.Len(t, removed, 1)
	assert.Equal(t, staleID, removed[0].ID)
	assert.Equal(t, srcID, env.lookup(t, "dst"))
}

func TestSetAllToUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "a", "b")
	env.addRoot(t)
	crawlAll(t, env.m)

	for _, rel := range []string{"", "a", "b"} {
		assert.Equal(t, Clean, env.state(t, rel))
	}

	env.m.SetAllToUnknown()

	for _, rel := range []string{"", "a", "b"} {
		assert.Equal(t, Unknown, env.state(t, rel))
	}

	snap := env.m.Snapshot()
	assert.Equal(t, 3, snap.ScanQueue, "every directory is rescanned")

	select {
	case <-env.m.Wake():
	default:
		t.Fatal("SetAllToUnknown should wake the scheduler")
	}
}

func TestRecrawl(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "a", "b")
	env.addRoot(t)
	crawlAll(t, env.m)

	env.m.Recrawl(env.lookup(t, "a"))
	assert.Equal(t, Unknown, env.state(t, "a"))
	assert.Equal(t, Clean, env.state(t, "b"))

	env.m.RecrawlEverything()
	assert.Equal(t, Unknown, env.state(t, "b"))
	assert.Equal(t, Unknown, env.state(t, ""))
}

func TestRescan(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "a", "b")
	env.addRoot(t)
	crawlAll(t, env.m)

	select {
	case <-env.m.Wake():
	default:
	}

	env.m.Rescan(env.lookup(t, "a"))

	assert.Equal(t, Unknown, env.state(t, "a"))
	assert.Equal(t, Clean, env.state(t, "b"))
	assert.Equal(t, 1, env.m.Snapshot().ScanQueue)

	select {
	case <-env.m.Wake():
	default:
		t.Fatal("Rescan should wake the scheduler")
	}

	env.m.Rescan(uuid.New())
}

func TestReportChanges(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "a")
	env.addRoot(t)
	crawlAll(t, env.m)

	env.m.ReportChanges(env.lookup(t, "a"))
	assert.Equal(t, Dirty, env.state(t, "a"))

	env.m.ReportChanges(uuid.New())
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.mkdir(t, "b", "a")
	env.addRoot(t)
	drainScans(t, env.m)

	snap := env.m.Snapshot()
	assert.Equal(t, []string{env.root}, snap.Roots)
	require.Len(t, snap.Directories, 3)
	assert.Equal(t, env.root, snap.Directories[0].Path)
	assert.Equal(t, env.path("a"), snap.Directories[1].Path)
	assert.Equal(t, env.path("b"), snap.Directories[2].Path)
	assert.True(t, snap.Directories[1].Watched)
	assert.False(t, snap.Directories[1].FullWatch)
	assert.Equal(t, 3, snap.States["dirty"])
}

func TestIndexedAndDescendantFiles(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a/one.txt", "1")
	env.write(t, "a/b/two.txt", "2")

	env.addRoot(t)
	crawlAll(t, env.m)

	aID := env.lookup(t, "a")

	direct, err := env.m.IndexedFiles(aID)
	require.NoError(t, err)
	require.Len(t, direct, 1, "subdirectories are not files")
	assert.Equal(t, env.path("a/one.txt"), direct[0].Path)

	all, err := env.m.DescendantFiles(aID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = env.m.IndexedFiles(uuid.New())
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
}

func TestForgetFile(t *testing.T) {
	env := newTestEnv(t)
	file := env.write(t, "a/one.txt", "1")
	env.addRoot(t)
	crawlAll(t, env.m)

	want, ok := env.m.FileID(file)
	require.True(t, ok)

	require.NoError(t, os.Remove(file))

	id, found, err := env.m.ForgetFile(file)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, id)

	_, ok = env.ids.GetPathById(want)
	assert.False(t, ok)

	_, found, err = env.m.ForgetFile(file)
	require.NoError(t, err)
	assert.False(t, found)

	// A directory is never forgotten as a file.
	_, found, err = env.m.ForgetFile(env.path("a"))
	require.NoError(t, err)
	assert.False(t, found)
	env.lookup(t, "a")
}
