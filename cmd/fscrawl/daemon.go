package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/fscrawl/internal/backend"
	"github.com/alexjbarnes/fscrawl/internal/config"
	"github.com/alexjbarnes/fscrawl/internal/crawl"
	"github.com/alexjbarnes/fscrawl/internal/indexer"
	"github.com/alexjbarnes/fscrawl/internal/metrics"
	"github.com/alexjbarnes/fscrawl/internal/server"
)

// runDaemon opens the stores, adds every root and runs the backend, the
// crawl scheduler and the optional HTTP server until ctx is cancelled.
func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Index == config.IndexMemory {
		// Nothing survives a restart, so neither may the records saying
		// what has been indexed.
		cfg.Fingerprint += "-" + uuid.NewString()
		logger.Warn("in-memory index, every file is re-indexed on each start")
	}

	s, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	watcher, err := backend.New(logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	m := s.newModel(watcher, logger)
	out, search := s.output()

	idx := indexer.New(m, out, s.registry, logger,
		indexer.WithRules(s.filter),
		indexer.WithObserver(metrics.NewIndexObserver()),
	)

	sched := crawl.New(m, idx, logger,
		crawl.WithBatch(cfg.CrawlBatch),
		crawl.WithRate(cfg.CrawlRate),
		crawl.WithIdleInterval(cfg.IdleInterval),
		crawl.WithObserver(metrics.NewCrawlObserver()),
	)

	if err := idx.SyncRoots(ctx, cfg.Roots); err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(watcher.Run(gctx, idx))
	})

	g.Go(func() error {
		return ignoreCanceled(sched.Run(gctx))
	})

	g.Go(func() error {
		return reloadRoots(gctx, hup, config.Load, idx, logger)
	})

	if cfg.MetricsAddr != "" {
		mux := server.NewMux(server.MuxConfig{
			Model:   m,
			Search:  search,
			Recrawl: m,
			Logger:  logger,
			Version: Version,
		})

		g.Go(func() error {
			return serveHTTP(gctx, cfg.MetricsAddr, mux, logger)
		})
	}

	err = g.Wait()

	logger.Info("fscrawl stopped")

	return err
}

// reloadRoots re-reads the configuration on every signal and applies
// its roots. Other settings take a restart.
func reloadRoots(ctx context.Context, hup <-chan os.Signal, load func() (*config.Config, error),
	idx *indexer.Indexer, logger *slog.Logger,
) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}

		cfg, err := load()
		if err != nil {
			logger.Warn("reloading config", slog.String("error", err.Error()))
			continue
		}

		if err := idx.SyncRoots(ctx, cfg.Roots); err != nil {
			logger.Warn("applying roots", slog.String("error", err.Error()))
		}

		logger.Info("config reloaded", slog.Int("roots", len(cfg.Roots)))
	}
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting status server", slog.String("listen", addr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server error: %w", err)
	}

	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
