package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gofrs/flock"

	"github.com/alexjbarnes/fscrawl/internal/config"
	ferrors "github.com/alexjbarnes/fscrawl/internal/errors"
	"github.com/alexjbarnes/fscrawl/internal/extract"
	"github.com/alexjbarnes/fscrawl/internal/filter"
	"github.com/alexjbarnes/fscrawl/internal/model"
	"github.com/alexjbarnes/fscrawl/internal/server"
	"github.com/alexjbarnes/fscrawl/internal/sink"
	"github.com/alexjbarnes/fscrawl/internal/state"
	"github.com/alexjbarnes/fscrawl/internal/uidstore"
)

type attributeStore interface {
	model.AttributeStore
	io.Closer
}

// stores holds everything that lives in the index directory. Only one
// process may have it open at a time.
type stores struct {
	lock     *flock.Flock
	index    *sink.Bleve
	ids      *uidstore.Store
	attrs    attributeStore
	filter   *filter.Filter
	registry *extract.Registry

	// fingerprint is what the records are stamped with. With a bleve
	// index it carries the index generation, so records outliving
	// their documents read as stale.
	fingerprint string
}

func openStores(cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if err := os.MkdirAll(cfg.IndexDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating index dir: %w", err)
	}

	lock := flock.New(cfg.LockPath())

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", cfg.LockPath(), err)
	}

	if !locked {
		return nil, fmt.Errorf("%s: %w", cfg.IndexDir, ferrors.ErrLocked)
	}

	s := &stores{lock: lock, registry: extract.DefaultRegistry(), fingerprint: cfg.Fingerprint}

	if cfg.Index == config.IndexBleve {
		s.index, err = sink.OpenBleve(cfg.BlevePath(), cfg.Fingerprint)
		if err != nil {
			s.Close()
			return nil, err
		}

		if s.index.Fresh() {
			logger.Info("created empty index", slog.String("path", cfg.BlevePath()))
		}

		s.fingerprint = cfg.Fingerprint + "-" + s.index.Generation()
	}

	lost, err := s.openRecords(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	if lost && s.index != nil && !s.index.Fresh() {
		logger.Warn("index records were lost, discarding the index")

		if err := s.resetIndex(cfg, logger); err != nil {
			s.Close()
			return nil, err
		}
	}

	s.filter, err = filter.New(
		filter.WithPatterns(cfg.Ignore...),
		filter.WithGitignore(cfg.Gitignore),
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("building filter: %w", err)
	}

	return s, nil
}

// openRecords opens the unique-id and attribute stores. lost is true
// when either came up without the records it had before.
func (s *stores) openRecords(cfg *config.Config, logger *slog.Logger) (lost bool, err error) {
	s.ids, err = uidstore.Open(cfg.UIDStorePath(), s.fingerprint, logger)
	if err != nil {
		return false, fmt.Errorf("opening uid store: %w", err)
	}

	if s.ids.Rebuilt() {
		logger.Warn("uid store was rebuilt, every file will be re-indexed")
	}

	var attrsLost bool

	s.attrs, attrsLost, err = openAttributes(cfg, s.fingerprint, logger)
	if err != nil {
		return false, err
	}

	return s.ids.Rebuilt() || s.ids.Len() == 0 || attrsLost, nil
}

// resetIndex empties the index and reopens the records under the new
// generation, which discards them too.
func (s *stores) resetIndex(cfg *config.Config, logger *slog.Logger) error {
	err := errors.Join(s.attrs.Close(), s.ids.Close())
	s.attrs, s.ids = nil, nil

	if err != nil {
		return fmt.Errorf("closing records: %w", err)
	}

	if err := s.index.Reset(); err != nil {
		return err
	}

	s.fingerprint = cfg.Fingerprint + "-" + s.index.Generation()

	_, err = s.openRecords(cfg, logger)

	return err
}

// openAttributes opens the configured attribute store. The flag is true
// when a sidecar came up empty.
func openAttributes(cfg *config.Config, fingerprint string, logger *slog.Logger) (attributeStore, bool, error) {
	if cfg.AttrStore == config.AttrStoreXattr {
		return state.NewXattr(), false, nil
	}

	sidecar, err := state.OpenSidecar(cfg.SidecarPath(), fingerprint)
	if err != nil {
		return nil, false, fmt.Errorf("opening attribute store: %w", err)
	}

	if sidecar.Rebuilt() {
		logger.Warn("attribute sidecar was rebuilt")
	}

	empty := sidecar.Rebuilt() || sidecar.Fresh()

	if cfg.AttrStore == config.AttrStoreMixed {
		return state.NewMixed(state.NewXattr(), sidecar), empty, nil
	}

	return sidecar, empty, nil
}

// newModel builds a model over the opened stores.
func (s *stores) newModel(backend model.Backend, logger *slog.Logger) *model.Model {
	return model.New(s.ids, s.attrs, backend, s.filter, logger,
		model.WithFingerprint(s.fingerprint),
		model.WithStaleCheck(s.registry.Stale),
	)
}

// output returns where documents go and the searcher over them.
// Without a bleve index documents are kept in memory and cannot be
// searched.
func (s *stores) output() (sink.Sink, server.Searcher) {
	if s.index == nil {
		return sink.NewMemory(), nil
	}

	return s.index, s.index
}

func (s *stores) Close() error {
	var errs []error

	if s.attrs != nil {
		errs = append(errs, s.attrs.Close())
	}

	if s.ids != nil {
		errs = append(errs, s.ids.Close())
	}

	if s.index != nil {
		errs = append(errs, s.index.Close())
	}

	errs = append(errs, s.lock.Unlock())

	return errors.Join(errs...)
}

// noBackend installs no watches, for commands that only inspect the
// stores.
type noBackend struct{}

func (noBackend) WatchDirectories(string) (model.WatchHandle, error)              { return 0, nil }
func (noBackend) WatchFiles(string, model.WatchHandle) (model.WatchHandle, error) { return 0, nil }
func (noBackend) Forget(model.WatchHandle)                                        {}
