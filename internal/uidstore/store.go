// Package uidstore maps stable unique ids to (parent id, name) pairs so
// that full paths can be rebuilt and renames detected without relying
// on path strings. Rows are kept in SQLite; rows flagged keep-cached
// (roots and directories) are pinned in memory, the rest go through a
// bounded LRU.
package uidstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	ferrors "github.com/alexjbarnes/fscrawl/internal/errors"
)

const (
	// schemaVersion is bumped whenever the table layout changes.
	schemaVersion = 1

	// recentCacheSize bounds the LRU of non-pinned rows.
	recentCacheSize = 8192

	// maxDepth guards GetPathById against a corrupted parent chain.
	maxDepth = 4096
)

const schema = `
CREATE TABLE IF NOT EXISTS db_info (
	version     INTEGER NOT NULL,
	fingerprint TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS unique_ids (
	id          TEXT PRIMARY KEY,
	parent_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	keep_cached INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS unique_ids_parent_name ON unique_ids (parent_id, name);
`

type record struct {
	parent uuid.UUID
	name   string
	pinned bool
}

// Child is one row returned by Children.
type Child struct {
	ID   uuid.UUID
	Name string
}

// Store is the unique-id store. All methods are safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	pinned map[uuid.UUID]record
	recent *lru.Cache[uuid.UUID, record]

	rebuilt bool
}

// Open opens the store at path. A database stamped with a different
// schema version or fingerprint, or one that cannot be read at all, is
// deleted and recreated empty.
func Open(path, fingerprint string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating uid store directory: %w", err)
	}

	rebuilt := false

	db, err := openDB(path)
	if err == nil {
		if err = checkStamp(db, fingerprint); err != nil {
			db.Close()
		}
	}

	if err != nil {
		logger.Warn("rebuilding unique-id store",
			slog.String("path", path),
			slog.String("reason", err.Error()),
		)

		if err := removeDB(path); err != nil {
			return nil, err
		}

		if db, err = openDB(path); err != nil {
			return nil, err
		}

		rebuilt = true
	}

	if err := initSchema(db, fingerprint); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing uid store schema: %w", err)
	}

	recent, err := lru.New[uuid.UUID, record](recentCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating uid cache: %w", err)
	}

	s := &Store{
		db:      db,
		logger:  logger,
		pinned:  make(map[uuid.UUID]record),
		recent:  recent,
		rebuilt: rebuilt,
	}

	if err := s.populateCache(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening uid store: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting %s: %w", pragma, err)
		}
	}

	return db, nil
}

// checkStamp returns nil for a fresh database or one stamped with the
// current version and fingerprint.
func checkStamp(db *sql.DB, fingerprint string) error {
	var n int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'db_info'`).Scan(&n); err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}

	if n == 0 {
		return nil
	}

	var (
		version int
		fp      string
	)

	err := db.QueryRow(`SELECT version, fingerprint FROM db_info LIMIT 1`).Scan(&version, &fp)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: db_info is empty", ferrors.ErrStoreMismatch)
	}

	if err != nil {
		return fmt.Errorf("reading db_info: %w", err)
	}

	if version != schemaVersion || fp != fingerprint {
		return fmt.Errorf("%w: have version %d fingerprint %q, want %d %q",
			ferrors.ErrStoreMismatch, version, fp, schemaVersion, fingerprint)
	}

	return nil
}

func initSchema(db *sql.DB, fingerprint string) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}

	var n int
	if err := db.QueryRow(`SELECT count(*) FROM db_info`).Scan(&n); err != nil {
		return err
	}

	if n > 0 {
		return nil
	}

	_, err := db.Exec(`INSERT INTO db_info (version, fingerprint) VALUES (?, ?)`, schemaVersion, fingerprint)

	return err
}

func removeDB(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale uid store %s: %w", p, err)
		}
	}

	return nil
}

func (s *Store) populateCache() error {
	rows, err := s.db.Query(`SELECT id, parent_id, name FROM unique_ids WHERE keep_cached = 1`)
	if err != nil {
		return fmt.Errorf("loading cached unique ids: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	for rows.Next() {
		var id, parent, name string
		if err := rows.Scan(&id, &parent, &name); err != nil {
			return fmt.Errorf("scanning cached unique id: %w", err)
		}

		uid, err1 := uuid.Parse(id)
		pid, err2 := uuid.Parse(parent)

		if err1 != nil || err2 != nil {
			s.logger.Warn("skipping malformed unique id row", slog.String("id", id))
			continue
		}

		s.pinned[uid] = record{parent: pid, name: name, pinned: true}
	}

	return rows.Err()
}

// Rebuilt reports whether Open discarded an incompatible database.
func (s *Store) Rebuilt() bool {
	return s.rebuilt
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// retryOptions retries statements that hit SQLITE_BUSY past the busy
// timeout. Linear-ish backoff: 100ms, 200ms, 300ms.
func retryOptions() []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isLocked),
		retry.LastErrorOnly(true),
	}
}

func isLocked(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

func (s *Store) exec(query string, args ...any) error {
	return retry.Do(func() error {
		_, err := s.db.Exec(query, args...)
		return err
	}, retryOptions()...)
}

// lookup returns the record for id from cache or disk. The caller must
// hold s.mu.
func (s *Store) lookup(id uuid.UUID) (record, bool, error) {
	if rec, ok := s.pinned[id]; ok {
		return rec, true, nil
	}

	if rec, ok := s.recent.Get(id); ok {
		return rec, true, nil
	}

	var (
		parent string
		rec    record
	)

	err := s.db.QueryRow(`SELECT parent_id, name, keep_cached FROM unique_ids WHERE id = ?`, id.String()).
		Scan(&parent, &rec.name, &rec.pinned)
	if errors.Is(err, sql.ErrNoRows) {
		return record{}, false, nil
	}

	if err != nil {
		return record{}, false, fmt.Errorf("looking up unique id %s: %w", id, err)
	}

	if rec.parent, err = uuid.Parse(parent); err != nil {
		return record{}, false, fmt.Errorf("parsing parent of %s: %w", id, err)
	}

	s.remember(id, rec)

	return rec, true, nil
}

// remember caches rec. The caller must hold s.mu.
func (s *Store) remember(id uuid.UUID, rec record) {
	if rec.pinned {
		s.pinned[id] = rec
		s.recent.Remove(id)

		return
	}

	delete(s.pinned, id)
	s.recent.Add(id, rec)
}

// forget drops id from both caches. The caller must hold s.mu.
func (s *Store) forget(id uuid.UUID) {
	delete(s.pinned, id)
	s.recent.Remove(id)
}

// Add records that id lives at (parent, name). Writing a record that is
// already cached unchanged is free. If id was recorded at a different
// location the row is overwritten with a warning; callers relocating a
// known object use Move instead. If another id already claims (parent,
// name), that stale row is deleted with a warning.
func (s *Store) Add(id, parent uuid.UUID, name string, keepCached bool) error {
	if id == uuid.Nil {
		return fmt.Errorf("adding unique id for %q: nil id", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := record{parent: parent, name: name, pinned: keepCached}

	old, found, err := s.lookup(id)
	if err != nil {
		return err
	}

	if found {
		if old == rec {
			return nil
		}

		if old.parent != parent || old.name != name {
			s.logger.Warn("unique id written at a new location",
				slog.String("id", id.String()),
				slog.String("old_parent", old.parent.String()),
				slog.String("old_name", old.name),
				slog.String("new_parent", parent.String()),
				slog.String("new_name", name),
			)
		}
	}

	return s.put(id, rec)
}

// AddRoot records a root. Roots have no parent and their name is the
// full path. Roots are always kept cached.
func (s *Store) AddRoot(id uuid.UUID, name string) error {
	return s.Add(id, uuid.Nil, name, true)
}

// Move relocates id to (parent, name) without the duplicate warning.
// Moving an unknown id inserts it.
func (s *Store) Move(id, parent uuid.UUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, found, err := s.lookup(id)
	if err != nil {
		return err
	}

	rec := record{parent: parent, name: name, pinned: found && old.pinned}
	if found && old == rec {
		return nil
	}

	return s.put(id, rec)
}

// put writes rec, evicting any other id that holds the same (parent,
// name). The caller must hold s.mu.
func (s *Store) put(id uuid.UUID, rec record) error {
	var other string

	err := s.db.QueryRow(`SELECT id FROM unique_ids WHERE parent_id = ? AND name = ? AND id != ?`,
		rec.parent.String(), rec.name, id.String()).Scan(&other)

	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("checking name collision for %s: %w", rec.name, err)
	default:
		s.logger.Warn("replacing stale unique id for name",
			slog.String("name", rec.name),
			slog.String("parent", rec.parent.String()),
			slog.String("stale_id", other),
			slog.String("id", id.String()),
		)

		if err := s.exec(`DELETE FROM unique_ids WHERE id = ?`, other); err != nil {
			return fmt.Errorf("deleting stale unique id %s: %w", other, err)
		}

		if otherID, err := uuid.Parse(other); err == nil {
			s.forget(otherID)
		}
	}

	err = s.exec(`INSERT INTO unique_ids (id, parent_id, name, keep_cached) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET parent_id = excluded.parent_id, name = excluded.name, keep_cached = excluded.keep_cached`,
		id.String(), rec.parent.String(), rec.name, rec.pinned)
	if err != nil {
		return fmt.Errorf("writing unique id %s: %w", id, err)
	}

	s.remember(id, rec)

	return nil
}

// Drop removes id. Unknown ids are ignored.
func (s *Store) Drop(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.forget(id)

	if err := s.exec(`DELETE FROM unique_ids WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("dropping unique id %s: %w", id, err)
	}

	return nil
}

const subtreeQuery = `
	WITH RECURSIVE tree(id) AS (
		SELECT ?
		UNION
		SELECT u.id FROM unique_ids u JOIN tree t ON u.parent_id = t.id
	)
	SELECT id FROM tree`

// DropTree removes id and every row below it in one transaction.
func (s *Store) DropTree(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string

	err := retry.Do(func() error {
		var err error

		ids, err = s.dropTree(id)

		return err
	}, retryOptions()...)
	if err != nil {
		return fmt.Errorf("dropping subtree of %s: %w", id, err)
	}

	for _, sid := range ids {
		if uid, err := uuid.Parse(sid); err == nil {
			s.forget(uid)
		}
	}

	return nil
}

func (s *Store) dropTree(id uuid.UUID) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.Query(subtreeQuery, id.String())
	if err != nil {
		return nil, err
	}

	var ids []string

	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			rows.Close()
			return nil, err
		}

		ids = append(ids, sid)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM unique_ids WHERE id IN (`+subtreeQuery+`)`, id.String()); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return ids, nil
}

// GetPathById rebuilds the full path of id by walking its parent chain.
// The second return is false for unknown ids, for ids whose chain is
// broken, and on storage errors (which are logged).
func (s *Store) GetPathById(id uuid.UUID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parts []string

	cur := id
	for depth := 0; depth < maxDepth; depth++ {
		rec, found, err := s.lookup(cur)
		if err != nil {
			s.logger.Warn("path lookup failed", slog.String("id", id.String()), slog.String("error", err.Error()))
			return "", false
		}

		if !found {
			return "", false
		}

		parts = append(parts, rec.name)

		if rec.parent == uuid.Nil {
			// Root names are full paths.
			for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
				parts[i], parts[j] = parts[j], parts[i]
			}

			return filepath.Join(parts...), true
		}

		cur = rec.parent
	}

	s.logger.Warn("unique id parent chain too deep", slog.String("id", id.String()))

	return "", false
}

// GetIdByNameAndParentId returns the id recorded under (parent, name).
func (s *Store) GetIdByNameAndParentId(name string, parent uuid.UUID) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string

	err := s.db.QueryRow(`SELECT id FROM unique_ids WHERE parent_id = ? AND name = ?`, parent.String(), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false
	}

	if err != nil {
		s.logger.Warn("id lookup failed",
			slog.String("name", name),
			slog.String("parent", parent.String()),
			slog.String("error", err.Error()),
		)

		return uuid.Nil, false
	}

	uid, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, false
	}

	return uid, true
}

// Children lists the rows directly below parent, ordered by name.
func (s *Store) Children(parent uuid.UUID) ([]Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, name FROM unique_ids WHERE parent_id = ? ORDER BY name`, parent.String())
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parent, err)
	}
	defer rows.Close()

	var out []Child

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scanning child of %s: %w", parent, err)
		}

		uid, err := uuid.Parse(id)
		if err != nil {
			continue
		}

		out = append(out, Child{ID: uid, Name: name})
	}

	return out, rows.Err()
}

// Walk calls fn for every row in id order. Rows are read up front so
// fn may call back into the store. Returning an error from fn stops the
// walk.
func (s *Store) Walk(fn func(id, parent uuid.UUID, name string) error) error {
	type row struct {
		id, parent uuid.UUID
		name       string
	}

	var all []row

	s.mu.Lock()
	err := func() error {
		rows, err := s.db.Query(`SELECT id, parent_id, name FROM unique_ids ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id, parent, name string
			if err := rows.Scan(&id, &parent, &name); err != nil {
				return err
			}

			uid, err1 := uuid.Parse(id)
			pid, err2 := uuid.Parse(parent)

			if err1 != nil || err2 != nil {
				continue
			}

			all = append(all, row{id: uid, parent: pid, name: name})
		}

		return rows.Err()
	}()
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("walking unique ids: %w", err)
	}

	for _, r := range all {
		if err := fn(r.id, r.parent, r.name); err != nil {
			return err
		}
	}

	return nil
}

// Len returns the number of rows.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(`SELECT count(*) FROM unique_ids`).Scan(&n); err != nil {
		s.logger.Warn("counting unique ids", slog.String("error", err.Error()))
	}

	return n
}

// IsCached reports whether id is in memory.
func (s *Store) IsCached(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pinned[id]; ok {
		return true
	}

	return s.recent.Contains(id)
}
