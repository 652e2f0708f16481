package e2e_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/fscrawl/internal/backend"
	"github.com/alexjbarnes/fscrawl/internal/crawl"
	"github.com/alexjbarnes/fscrawl/internal/extract"
	"github.com/alexjbarnes/fscrawl/internal/filter"
	"github.com/alexjbarnes/fscrawl/internal/indexer"
	"github.com/alexjbarnes/fscrawl/internal/model"
	"github.com/alexjbarnes/fscrawl/internal/server"
	"github.com/alexjbarnes/fscrawl/internal/sink"
	"github.com/alexjbarnes/fscrawl/internal/state"
	"github.com/alexjbarnes/fscrawl/internal/uidstore"
)

// harness holds the full stack: the fsnotify backend, the model, the
// crawl scheduler and the indexer writing into an in-memory bleve
// index, served through server.NewMux.
type harness struct {
	URL    string
	Root   string
	Model  *model.Model
	Client *http.Client
}

// newHarness seeds a temp root, wires up the daemon the way the fscrawl
// command does, and starts it.
func newHarness(t *testing.T) *harness {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "notes", "hello.md"),
		[]byte("---\ntitle: Greeting\n---\n# Hello\nThis is a test note about pelicans."),
		0o644,
	))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "readme.txt"),
		[]byte("The readme mentions flamingos."),
		0o644,
	))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	ids, err := uidstore.Open(filepath.Join(dir, "uids.db"), "e2e", logger)
	require.NoError(t, err)
	t.Cleanup(func() { ids.Close() })

	attrs, err := state.OpenSidecar(filepath.Join(dir, "attrs.db"), "e2e")
	require.NoError(t, err)
	t.Cleanup(func() { attrs.Close() })

	f, err := filter.New()
	require.NoError(t, err)

	w, err := backend.New(logger, backend.WithTimings(20*time.Millisecond, 30*time.Millisecond, 300*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	reg := extract.DefaultRegistry()
	m := model.New(ids, attrs, w, f, logger,
		model.WithFingerprint("e2e"),
		model.WithStaleCheck(reg.Stale),
	)

	idx, err := sink.NewMemoryBleve()
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	ix := indexer.New(m, idx, reg, logger, indexer.WithRules(f))
	sched := crawl.New(m, ix, logger, crawl.WithIdleInterval(50*time.Millisecond))

	_, err = m.AddRoot(root)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)

	go func() { done <- w.Run(ctx, ix) }()
	go func() { done <- sched.Run(ctx) }()

	t.Cleanup(func() {
		cancel()

		for i := 0; i < 2; i++ {
			if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("stopping: %v", err)
			}
		}
	})

	srv := httptest.NewServer(server.NewMux(server.MuxConfig{
		Model:   m,
		Search:  idx,
		Recrawl: m,
		Logger:  logger,
		Version: "e2e",
	}))
	t.Cleanup(srv.Close)

	return &harness{
		URL:    srv.URL,
		Root:   root,
		Model:  m,
		Client: srv.Client(),
	}
}

func (h *harness) path(rel string) string {
	return filepath.Join(h.Root, filepath.FromSlash(rel))
}

// search queries the /search endpoint and returns the matching paths.
func (h *harness) search(t *testing.T, q string) []string {
	t.Helper()

	resp, err := h.Client.Get(h.URL + "/search?q=" + url.QueryEscape(q))
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Paths []string `json:"paths"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return body.Paths
}

func (h *harness) status(t *testing.T) model.Snapshot {
	t.Helper()

	resp, err := h.Client.Get(h.URL + "/status")
	require.NoError(t, err)

	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var snap model.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	return snap
}

// waitForSearch polls until q returns exactly want, in any order.
func (h *harness) waitForSearch(t *testing.T, q string, want ...string) {
	t.Helper()

	slices.Sort(want)

	var got []string

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got = h.search(t, q)
		slices.Sort(got)

		if slices.Equal(got, want) || (len(got) == 0 && len(want) == 0) {
			return
		}

		time.Sleep(25 * time.Millisecond)
	}

	t.Fatalf("search %q: got %v, want %v", q, got, want)
}

// settled reports whether every directory has been crawled.
func settled(snap model.Snapshot) bool {
	return snap.ScanQueue == 0 && snap.States["dirty"] == 0 && snap.States["unknown"] == 0 && snap.States["unscanned"] == 0
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(25 * time.Millisecond)
	}

	t.Fatal(msg)
}
