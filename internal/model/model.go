// Package model keeps the in-memory tree of watched directories and
// decides what has to be crawled, and in which order.
//
// Every structural operation takes the single model lock. Directory
// listings, stat calls, attribute store access and watch installation
// happen with the lock released; operations re-check that the node
// still exists after reacquiring it.
package model

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	ferrors "github.com/alexjbarnes/fscrawl/internal/errors"
	"github.com/alexjbarnes/fscrawl/internal/state"
)

// DefaultRecheckInterval is how long a PossiblyClean directory rests
// before it is crawled again.
const DefaultRecheckInterval = 10 * time.Minute

type node struct {
	id       uuid.UUID
	name     string // full path for roots
	parent   uuid.UUID
	children map[string]uuid.UUID

	state       State
	watch       WatchHandle
	fullWatch   bool
	uncrawlable bool
	crawling    bool
	queued      bool

	lastCrawl    time.Time
	lastActivity time.Time
	dirtySince   time.Time
	lastChange   time.Time

	// changes counts markDirty calls; crawlChanges is its value when
	// the running crawl began.
	changes      uint64
	crawlChanges uint64

	path    string
	depth   int
	pathGen uint64
}

// Model is safe for concurrent use.
type Model struct {
	ids     IDStore
	attrs   AttributeStore
	backend Backend
	filter  Filter
	logger  *slog.Logger

	fingerprint string
	stale       func(*state.Attributes) bool
	now         func() time.Time
	recheck     time.Duration

	mu    sync.Mutex
	nodes map[uuid.UUID]*node
	roots map[string]uuid.UUID
	gen   uint64
	queue []uuid.UUID

	// candidates holds every node whose state needs a crawl, so picking
	// the next directory does not walk the whole tree.
	candidates map[uuid.UUID]*node

	wake chan struct{}
}

// Option configures a Model.
type Option func(*Model)

// WithFingerprint sets the index format fingerprint stored in, and
// compared against, attribute records.
func WithFingerprint(fp string) Option {
	return func(m *Model) { m.fingerprint = fp }
}

// WithStaleCheck installs a check that reports whether the document
// behind a record was produced by an outdated extractor.
func WithStaleCheck(fn func(*state.Attributes) bool) Option {
	return func(m *Model) { m.stale = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// WithRecheckInterval overrides DefaultRecheckInterval.
func WithRecheckInterval(d time.Duration) Option {
	return func(m *Model) { m.recheck = d }
}

// New creates an empty model.
func New(ids IDStore, attrs AttributeStore, backend Backend, filter Filter, logger *slog.Logger, opts ...Option) *Model {
	m := &Model{
		ids:        ids,
		attrs:      attrs,
		backend:    backend,
		filter:     filter,
		logger:     logger.With(slog.String("component", "model")),
		stale:      func(*state.Attributes) bool { return false },
		now:        time.Now,
		recheck:    DefaultRecheckInterval,
		nodes:      make(map[uuid.UUID]*node),
		roots:      make(map[string]uuid.UUID),
		candidates: make(map[uuid.UUID]*node),
		gen:        1,
		wake:       make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Wake is signalled whenever new scan or crawl work appears.
func (m *Model) Wake() <-chan struct{} {
	return m.wake
}

func (m *Model) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// AddRoot adds path as a root and queues it for a scan. Adding an
// existing root returns its id. Roots may not nest.
func (m *Model) AddRoot(path string) (uuid.UUID, error) {
	path = filepath.Clean(path)

	st, err := state.Lstat(path)
	if err != nil {
		return uuid.Nil, fmt.Errorf("adding root %s: %w", path, err)
	}

	if !st.IsDir() {
		return uuid.Nil, fmt.Errorf("adding root %s: not a directory", path)
	}

	m.mu.Lock()
	if id, ok := m.roots[path]; ok {
		m.mu.Unlock()
		return id, nil
	}

	for other := range m.roots {
		if within(path, other) || within(other, path) {
			m.mu.Unlock()
			return uuid.Nil, fmt.Errorf("adding root %s: overlaps root %s", path, other)
		}
	}
	m.mu.Unlock()

	m.filter.AddRoot(path)

	id, lastCrawl, moved := m.resolveDirID(uuid.Nil, path, path)
	if moved {
		err = m.ids.Move(id, uuid.Nil, path)
	} else {
		err = m.ids.AddRoot(id, path)
	}

	if err != nil {
		return uuid.Nil, fmt.Errorf("registering root %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.roots[path]; ok {
		return existing, nil
	}

	n := &node{id: id, name: path, children: make(map[string]uuid.UUID), lastCrawl: lastCrawl}
	m.nodes[id] = n
	m.roots[path] = id
	m.enqueueLocked(n)
	m.signal()

	m.logger.Info("root added", slog.String("path", path), slog.String("id", id.String()))

	return id, nil
}

// RemoveRoot detaches the root at path with everything below it. The
// files that were indexed below it are returned so their documents can
// be removed.
func (m *Model) RemoveRoot(path string) ([]IndexedFile, error) {
	path = filepath.Clean(path)

	m.mu.Lock()
	id, ok := m.roots[path]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("removing root %s: %w", path, ferrors.ErrNotFound)
	}

	return m.Delete(id)
}

// Roots lists the root paths.
func (m *Model) Roots() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.roots))
	for p := range m.roots {
		out = append(out, p)
	}

	return out
}

// AddChild adds the directory name below parentID and queues it for a
// scan. Adding an existing child returns its id.
func (m *Model) AddChild(parentID uuid.UUID, name string) (uuid.UUID, error) {
	m.mu.Lock()

	parent := m.nodes[parentID]
	if parent == nil {
		m.mu.Unlock()
		return uuid.Nil, fmt.Errorf("adding %q below %s: %w", name, parentID, ferrors.ErrNotFound)
	}

	if id, ok := parent.children[name]; ok {
		m.mu.Unlock()
		return id, nil
	}

	path := filepath.Join(m.pathLocked(parent), name)
	m.mu.Unlock()

	if m.filter.IgnoreDir(path) {
		return uuid.Nil, fmt.Errorf("adding %s: %w", path, ferrors.ErrIgnored)
	}

	id, lastCrawl, moved := m.resolveDirID(parentID, name, path)

	var err error
	if moved {
		err = m.ids.Move(id, parentID, name)
	} else {
		err = m.ids.Add(id, parentID, name, true)
	}

	if err != nil {
		return uuid.Nil, fmt.Errorf("registering %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parent = m.nodes[parentID]
	if parent == nil {
		return uuid.Nil, fmt.Errorf("adding %s: %w", path, ferrors.ErrDetached)
	}

	if existing, ok := parent.children[name]; ok {
		return existing, nil
	}

	n := &node{id: id, name: name, parent: parentID, children: make(map[string]uuid.UUID), lastCrawl: lastCrawl}
	parent.children[name] = id
	m.nodes[id] = n
	m.enqueueLocked(n)
	m.signal()

	return id, nil
}

// resolveDirID picks the unique id for a directory about to be added:
// the one in its attribute record, else the one the id store has for
// (parent, name), else a new one. moved is true when the record was
// written for another path, in which case the id store row must be
// relocated.
func (m *Model) resolveDirID(parent uuid.UUID, name, path string) (id uuid.UUID, lastCrawl time.Time, moved bool) {
	a, err := m.attrs.Read(path)
	if err != nil {
		m.logger.Debug("reading directory attributes", slog.String("path", path), slog.String("error", err.Error()))
	}

	if a != nil && a.UniqueID != uuid.Nil && a.Fingerprint == m.fingerprint && !m.taken(a.UniqueID) {
		moved = a.Path != "" && a.Path != path
		if !moved && a.LastIndexedTime > 0 {
			lastCrawl = time.Unix(0, a.LastIndexedTime)
		}

		return a.UniqueID, lastCrawl, moved
	}

	if id, ok := m.ids.GetIdByNameAndParentId(name, parent); ok && !m.taken(id) {
		return id, time.Time{}, false
	}

	return uuid.New(), time.Time{}, false
}

func (m *Model) taken(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.nodes[id]

	return ok
}

// Lookup returns the id of the directory at path.
func (m *Model) Lookup(path string) (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.lookupLocked(filepath.Clean(path))
	if n == nil {
		return uuid.Nil, false
	}

	return n.id, true
}

func (m *Model) lookupLocked(path string) *node {
	for root, id := range m.roots {
		if !within(path, root) {
			continue
		}

		n := m.nodes[id]
		if path == root {
			return n
		}

		rel := strings.TrimPrefix(path[len(root):], string(filepath.Separator))
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			childID, ok := n.children[part]
			if !ok {
				return nil
			}

			n = m.nodes[childID]
		}

		return n
	}

	return nil
}

// PathOf returns the full path of a directory.
func (m *Model) PathOf(id uuid.UUID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.nodes[id]
	if n == nil {
		return "", false
	}

	return m.pathLocked(n), true
}

// pathLocked returns n's full path, recomputing it when an ancestor was
// renamed or moved since it was cached.
func (m *Model) pathLocked(n *node) string {
	if n.pathGen == m.gen {
		return n.path
	}

	if n.parent == uuid.Nil {
		n.path, n.depth = n.name, 0
	} else {
		p := m.nodes[n.parent]
		n.path = filepath.Join(m.pathLocked(p), n.name)
		n.depth = p.depth + 1
	}

	n.pathGen = m.gen

	return n.path
}

func (m *Model) depthLocked(n *node) int {
	m.pathLocked(n)
	return n.depth
}

// subtreeLocked returns n and all its descendants, parents first.
func (m *Model) subtreeLocked(n *node) []*node {
	out := []*node{n}
	for i := 0; i < len(out); i++ {
		for _, childID := range out[i].children {
			if c := m.nodes[childID]; c != nil {
				out = append(out, c)
			}
		}
	}

	return out
}

func (m *Model) enqueueLocked(n *node) {
	if n.queued {
		return
	}

	n.queued = true
	m.queue = append(m.queue, n.id)
}

// within reports whether path is root or below it.
func within(path, root string) bool {
	if path == root {
		return true
	}

	if root == string(filepath.Separator) {
		return strings.HasPrefix(path, root)
	}

	return strings.HasPrefix(path, root+string(filepath.Separator))
}
