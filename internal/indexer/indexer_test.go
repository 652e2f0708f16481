package indexer

import (
	"context"
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

	"github.com/alexjbarnes/fscrawl/internal/crawl"
	"github.com/alexjbarnes/fscrawl/internal/extract"
	"github.com/alexjbarnes/fscrawl/internal/filter"
	"github.com/alexjbarnes/fscrawl/internal/model"
	"github.com/alexjbarnes/fscrawl/internal/sink"
	"github.com/alexjbarnes/fscrawl/internal/state"
	"github.com/alexjbarnes/fscrawl/internal/uidstore"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubBackend struct {
	mu   sync.Mutex
	next model.WatchHandle
}

func (b *stubBackend) WatchDirectories(string) (model.WatchHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++

	return b.next, nil
}

func (b *stubBackend) WatchFiles(path string, previous model.WatchHandle) (model.WatchHandle, error) {
	if previous != 0 {
		return previous, nil
	}

	return b.WatchDirectories(path)
}

func (b *stubBackend) Forget(model.WatchHandle) {}

// countingText is the text filter with a call counter, to tell
// re-extraction apart from a rename.
type countingText struct {
	extract.Text

	mu    sync.Mutex
	calls int
}

func (c *countingText) Extract(r io.Reader, mimeType string) (*extract.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	return c.Text.Extract(r, mimeType)
}

func (c *countingText) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

type testEnv struct {
	root  string
	m     *model.Model
	sink  *sink.Memory
	idx   *Indexer
	sched *crawl.Scheduler
	text  *countingText
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()

	ids, err := uidstore.Open(filepath.Join(dir, "uids.db"), "test", testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { ids.Close() })

	attrs, err := state.OpenSidecar(filepath.Join(dir, "attrs.db"), "test")
	require.NoError(t, err)
	t.Cleanup(func() { attrs.Close() })

	f, err := filter.New()
	require.NoError(t, err)

	text := &countingText{}
	reg := extract.NewRegistry(text, &extract.Markdown{}, &extract.JSON{})

	m := model.New(ids, attrs, &stubBackend{}, f, testLogger,
		model.WithFingerprint("test"),
		model.WithStaleCheck(reg.Stale),
	)

	mem := sink.NewMemory()
	idx := New(m, mem, reg, testLogger, WithRules(f))

	env := &testEnv{
		root:  t.TempDir(),
		m:     m,
		sink:  mem,
		idx:   idx,
		sched: crawl.New(m, idx, testLogger),
		text:  text,
	}

	return env
}

func (e *testEnv) path(rel string) string {
	return filepath.Join(e.root, filepath.FromSlash(rel))
}

func (e *testEnv) write(t *testing.T, rel, content string) string {
	t.Helper()

	p := e.path(rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))

	return p
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()

	_, err := e.m.AddRoot(e.root)
	require.NoError(t, err)

	e.drain(t)
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()

	for turns := 0; turns < 10000; turns++ {
		worked, err := e.sched.Turn(context.Background())
		require.NoError(t, err)

		if !worked {
			return
		}
	}

	t.Fatal("scheduler never went idle")
}

func (e *testEnv) doc(t *testing.T, rel string) sink.Document {
	t.Helper()

	doc, ok := e.sink.ByPath(e.path(rel))
	require.True(t, ok, "%s should have a document", rel)

	return doc
}

func (e *testEnv) fileID(t *testing.T, rel string) uuid.UUID {
	t.Helper()

	id, ok := e.m.FileID(e.path(rel))
	require.True(t, ok, "%s should be recorded", rel)

	return id
}

func TestScenario_IndexThenNothingToDo(t *testing.T) {
	env := newTestEnv(t)
	file := env.write(t, "a/x.txt", "first draft")
	env.start(t)

	doc := env.doc(t, "a/x.txt")
	assert.Equal(t, "first draft", doc.Text)
	assert.Equal(t, "text", doc.Filter)
	assert.Equal(t, "text/plain", doc.MimeType)
	assert.Equal(t, env.fileID(t, "a/x.txt"), doc.ID)

	assert.Equal(t, model.ActionNone, env.m.DetermineRequiredAction(file).Action)
}

func TestScenario_ModifiedFileIsReindexed(t *testing.T) {
	env := newTestEnv(t)
	file := env.write(t, "a/x.txt", "first draft")
	env.start(t)

	id := env.fileID(t, "a/x.txt")

	require.NoError(t, os.WriteFile(file, []byte("second draft"), 0o644))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(file, later, later))

	assert.Equal(t, model.ActionIndex, env.m.DetermineRequiredAction(file).Action)

	env.idx.HandleWrite(context.Background(), file)

	doc := env.doc(t, "a/x.txt")
	assert.Equal(t, "second draft", doc.Text)
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, 1, env.sink.Len())

	assert.Equal(t, model.ActionNone, env.m.DetermineRequiredAction(file).Action)
}

func TestScenario_RenameKeepsDocument(t *testing.T) {
	env := newTestEnv(t)
	oldPath := env.write(t, "a/x.txt", "unchanged words")
	env.start(t)

	id := env.fileID(t, "a/x.txt")
	extracted := env.text.count()

	newPath := env.path("a/y.txt")
	require.NoError(t, os.Rename(oldPath, newPath))

	act := env.m.DetermineRequiredAction(newPath)
	require.Equal(t, model.ActionRename, act.Action)
	assert.Equal(t, oldPath, act.PreviousPath)

	env.idx.HandleWrite(context.Background(), newPath)
	env.idx.HandleRemove(context.Background(), oldPath)

	doc := env.doc(t, "a/y.txt")
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, "unchanged words", doc.Text)
	assert.Equal(t, 1, env.sink.Len())
	assert.Equal(t, extracted, env.text.count(), "a rename does not re-extract")

	assert.Equal(t, model.ActionNone, env.m.DetermineRequiredAction(newPath).Action)
}

func TestHandleRemove_File(t *testing.T) {
	env := newTestEnv(t)
	file := env.write(t, "gone.txt", "bye")
	env.write(t, "kept.txt", "hi")
	env.start(t)

	require.NoError(t, os.Remove(file))
	env.idx.HandleRemove(context.Background(), file)

	assert.Equal(t, []string{env.path("kept.txt")}, env.sink.Paths())

	_, ok := env.m.FileID(file)
	assert.False(t, ok)
}

func TestHandleRemove_PathThatCameBackIsAWrite(t *testing.T) {
	env := newTestEnv(t)
	file := env.write(t, "doc.txt", "v1")
	env.start(t)

	id := env.fileID(t, "doc.txt")

	require.NoError(t, os.WriteFile(file, []byte("v2"), 0o644))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(file, later, later))

	env.idx.HandleRemove(context.Background(), file)

	doc := env.doc(t, "doc.txt")
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, "v2", doc.Text)
}

func TestHandleRemove_Directory(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "proj/a.txt", "a")
	env.write(t, "proj/sub/b.txt", "b")
	env.write(t, "other.txt", "o")
	env.start(t)
	require.Equal(t, 3, env.sink.Len())

	require.NoError(t, os.RemoveAll(env.path("proj")))
	env.idx.HandleRemove(context.Background(), env.path("proj"))

	assert.Equal(t, []string{env.path("other.txt")}, env.sink.Paths())

	_, ok := env.m.Lookup(env.path("proj"))
	assert.False(t, ok)
}

func TestHandleMove_DirectoryKeepsIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "2023/trip/notes.txt", "lyon")
	env.write(t, "2023/trip/day1/log.txt", "train")
	env.write(t, "archive/.keep~", "")
	env.start(t)

	notesID := env.fileID(t, "2023/trip/notes.txt")
	logID := env.fileID(t, "2023/trip/day1/log.txt")
	extracted := env.text.count()

	oldPath, newPath := env.path("2023/trip"), env.path("archive/trip")
	require.NoError(t, os.Rename(oldPath, newPath))
	env.idx.HandleMove(context.Background(), oldPath, newPath)

	assert.Equal(t, []string{env.path("archive/trip/day1/log.txt"), env.path("archive/trip/notes.txt")}, env.sink.Paths())
	assert.Equal(t, notesID, env.doc(t, "archive/trip/notes.txt").ID)
	assert.Equal(t, logID, env.doc(t, "archive/trip/day1/log.txt").ID)
	assert.Equal(t, notesID, env.fileID(t, "archive/trip/notes.txt"))

	env.drain(t)

	assert.Equal(t, extracted, env.text.count(), "moving a directory does not re-extract its files")
	assert.Equal(t, 2, env.sink.Len())
}

func TestHandleMove_UnknownSourceIsACreate(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	env.write(t, "incoming/new.txt", "fresh")
	env.idx.HandleMove(context.Background(), "/somewhere/else/incoming", env.path("incoming"))
	env.drain(t)

	assert.Equal(t, "fresh", env.doc(t, "incoming/new.txt").Text)
}

func TestHandleCreateDir(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	env.write(t, "made/file.txt", "content")
	env.idx.HandleCreateDir(context.Background(), env.path("made"))

	_, ok := env.m.Lookup(env.path("made"))
	require.True(t, ok)

	env.drain(t)
	assert.Equal(t, "content", env.doc(t, "made/file.txt").Text)

	env.idx.HandleCreateDir(context.Background(), env.path(".git"))
	_, ok = env.m.Lookup(env.path(".git"))
	assert.False(t, ok, "ignored directories are not added")
}

func TestHandleWrite_NoIndexFileDropsNewlyIgnoredFiles(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "logs/app.log", "noise")
	env.write(t, "logs/readme.txt", "keep me")
	env.start(t)
	require.Equal(t, 2, env.sink.Len())

	noindex := env.write(t, "logs/"+filter.NoIndexFile, "*.log\n")
	env.idx.HandleWrite(context.Background(), noindex)
	env.drain(t)

	assert.Equal(t, []string{env.path("logs/readme.txt")}, env.sink.Paths())
}

func TestHandleOverflow_RecoversWithoutReindexing(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a/one.txt", "1")
	env.write(t, "two.txt", "2")
	env.start(t)

	extracted := env.text.count()
	missed := env.write(t, "a/three.txt", "3")

	env.idx.HandleOverflow(context.Background())
	env.drain(t)

	assert.Equal(t, extracted+1, env.text.count(), "only the missed file is extracted")
	assert.Equal(t, "3", env.doc(t, "a/three.txt").Text)

	_, ok := env.m.FileID(missed)
	assert.True(t, ok)
}

func TestHandleOverflow_ReconcilesMissedChanges(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a/one.txt", "1")
	env.write(t, "two.txt", "2")
	env.write(t, "b/three.txt", "3")
	env.write(t, "b/deep/five.txt", "5")
	env.write(t, "c/four.txt", "4")
	env.start(t)
	require.Equal(t, 5, env.sink.Len())

	oneID := env.fileID(t, "a/one.txt")
	fourID := env.fileID(t, "c/four.txt")

	// None of these reach the indexer as events.
	require.NoError(t, os.Remove(env.path("two.txt")))
	require.NoError(t, os.RemoveAll(env.path("b")))
	require.NoError(t, os.Rename(env.path("c"), env.path("d")))

	one := env.path("a/one.txt")
	require.NoError(t, os.WriteFile(one, []byte("one, edited"), 0o644))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(one, later, later))

	env.idx.HandleOverflow(context.Background())
	env.drain(t)

	assert.Equal(t, []string{env.path("a/one.txt"), env.path("d/four.txt")}, env.sink.Paths())
	assert.Equal(t, "one, edited", env.doc(t, "a/one.txt").Text)
	assert.Equal(t, oneID, env.doc(t, "a/one.txt").ID)
	assert.Equal(t, fourID, env.doc(t, "d/four.txt").ID)

	for _, gone := range []string{"two.txt", "b/three.txt", "b/deep/five.txt", "c/four.txt"} {
		_, ok := env.m.FileID(env.path(gone))
		assert.False(t, ok, "%s should be forgotten", gone)
	}

	for _, gone := range []string{"b", "b/deep", "c"} {
		_, ok := env.m.Lookup(env.path(gone))
		assert.False(t, ok, "%s should leave the model", gone)
	}

	_, ok := env.m.Lookup(env.path("d"))
	assert.True(t, ok)

	for _, rel := range []string{"a/one.txt", "d/four.txt"} {
		assert.Equal(t, model.ActionNone, env.m.DetermineRequiredAction(env.path(rel)).Action, rel)
	}
}

func TestIndex_SameNewFileDecidedTwiceKeepsOneDocument(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	file := env.write(t, "fresh.txt", "brand new")

	first := env.m.DetermineRequiredAction(file)
	second := env.m.DetermineRequiredAction(file)
	require.Equal(t, model.ActionIndex, first.Action)
	require.Equal(t, model.ActionIndex, second.Action)
	require.NotEqual(t, first.UniqueID, second.UniqueID, "both decisions make up an id")

	var wg sync.WaitGroup

	for _, act := range []model.RequiredAction{first, second} {
		act := act
		wg.Add(1)

		go func() {
			defer wg.Done()
			assert.NoError(t, env.idx.Index(context.Background(), act))
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, env.sink.Len())

	id := env.fileID(t, "fresh.txt")
	assert.Equal(t, id, env.doc(t, "fresh.txt").ID)
	assert.Equal(t, model.ActionNone, env.m.DetermineRequiredAction(file).Action)
}

func TestIndex_RecordedIdReplacedByFileRecordDropsItsDocument(t *testing.T) {
	env := newTestEnv(t)
	file := env.write(t, "x.txt", "words")
	env.start(t)

	recorded := env.fileID(t, "x.txt")

	act := env.m.DetermineRequiredAction(file)
	require.Equal(t, model.ActionNone, act.Action)

	own := uuid.New()
	act.Action = model.ActionIndex
	act.UniqueID = own
	act.Attributes = &state.Attributes{UniqueID: own}

	require.NoError(t, env.idx.Index(context.Background(), act))

	assert.Equal(t, 1, env.sink.Len())
	assert.Equal(t, own, env.doc(t, "x.txt").ID)
	assert.Equal(t, own, env.fileID(t, "x.txt"))

	_, ok := env.sink.Get(recorded)
	assert.False(t, ok)
}

func TestHandleChanges_CrawlsTheDirectory(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a/one.txt", "1")
	env.start(t)

	env.write(t, "a/unseen.txt", "arrived quietly")

	worked, err := env.sched.Turn(context.Background())
	require.NoError(t, err)
	require.False(t, worked, "nothing is known to have changed")

	env.idx.HandleChanges(context.Background(), env.path("a"))
	env.idx.HandleChanges(context.Background(), env.path("not/tracked"))
	env.drain(t)

	assert.Equal(t, "arrived quietly", env.doc(t, "a/unseen.txt").Text)
	assert.Equal(t, 2, env.sink.Len())
}

func TestSyncRoots(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a.txt", "first root")
	env.start(t)

	second := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(second, "b.txt"), []byte("second root"), 0o644))

	require.NoError(t, env.idx.SyncRoots(context.Background(), []string{env.root, second}))
	env.drain(t)
	assert.Equal(t, []string{env.path("a.txt"), filepath.Join(second, "b.txt")}, env.sink.Paths())

	require.NoError(t, env.idx.SyncRoots(context.Background(), []string{second}))
	env.drain(t)

	assert.Equal(t, []string{filepath.Join(second, "b.txt")}, env.sink.Paths())
	assert.Equal(t, []string{second}, env.m.Roots())

	_, ok := env.m.FileID(env.path("a.txt"))
	assert.False(t, ok)

	err := env.idx.SyncRoots(context.Background(), []string{second, filepath.Join(env.root, "missing")})
	require.Error(t, err, "a root that does not exist is reported")
	assert.Equal(t, []string{second}, env.m.Roots())
}

func TestRename_FallsBackToIndexWhenDocumentIsMissing(t *testing.T) {
	env := newTestEnv(t)
	oldPath := env.write(t, "x.txt", "words")
	env.start(t)

	id := env.fileID(t, "x.txt")
	require.NoError(t, env.sink.Delete(context.Background(), id))

	newPath := env.path("y.txt")
	require.NoError(t, os.Rename(oldPath, newPath))

	act := env.m.DetermineRequiredAction(newPath)
	require.Equal(t, model.ActionRename, act.Action)
	require.NoError(t, env.idx.Rename(context.Background(), act))

	doc := env.doc(t, "y.txt")
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, "words", doc.Text)
	assert.Equal(t, id, env.fileID(t, "y.txt"))
}

func TestIndex_UnhandledAndBrokenFiles(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "blob.bin", "\x00\x01\x02\x03")
	env.write(t, "broken.json", "{nope")
	env.start(t)

	blob := env.doc(t, "blob.bin")
	assert.Empty(t, blob.Text)
	assert.Empty(t, blob.Filter)

	broken := env.doc(t, "broken.json")
	assert.Empty(t, broken.Text)

	assert.Equal(t, model.ActionNone, env.m.DetermineRequiredAction(env.path("broken.json")).Action,
		"a failing filter is not retried until it is upgraded")
}

func TestKeyLock(t *testing.T) {
	k := newKeyLock[uuid.UUID]()
	id := uuid.New()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)

	for n := 0; n < 8; n++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			unlock := k.lock(id)
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, k.len())
}
