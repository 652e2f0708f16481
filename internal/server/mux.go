// Package server provides the HTTP status endpoints of the fscrawl
// daemon.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexjbarnes/fscrawl/internal/metrics"
	"github.com/alexjbarnes/fscrawl/internal/model"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 500
)

// Snapshotter exposes the model bookkeeping.
type Snapshotter interface {
	Snapshot() model.Snapshot
}

// Searcher runs full-text queries against the index.
type Searcher interface {
	Search(ctx context.Context, q string, limit int) ([]string, error)
}

// Recrawler schedules crawls on request.
type Recrawler interface {
	Lookup(path string) (uuid.UUID, bool)
	Recrawl(id uuid.UUID)
	RecrawlEverything()
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Model   Snapshotter
	Search  Searcher
	Recrawl Recrawler
	Logger  *slog.Logger
	Version string
}

// NewMux builds the HTTP mux with the Prometheus, status and health
// endpoints. The search endpoint is only mounted when an index that
// supports queries is configured, and the recrawl endpoint when
// Recrawl is set.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth(cfg.Version))
	mux.HandleFunc("/status", handleStatus(cfg.Model))
	mux.Handle("/metrics", refreshGauges(cfg.Model, promhttp.Handler()))

	if cfg.Search != nil {
		mux.HandleFunc("/search", handleSearch(cfg.Search, cfg.Logger))
	}

	if cfg.Recrawl != nil {
		mux.HandleFunc("/recrawl", handleRecrawl(cfg.Recrawl, cfg.Logger))
	}

	return mux
}

func handleHealth(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	}
}

func handleStatus(m Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		writeJSON(w, http.StatusOK, m.Snapshot())
	}
}

// refreshGauges updates the model gauges before every scrape.
func refreshGauges(m Snapshotter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.ObserveSnapshot(m.Snapshot())
		next.ServeHTTP(w, r)
	})
}

func handleSearch(s Searcher, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			http.Error(w, "missing q", http.StatusBadRequest)
			return
		}

		limit := defaultSearchLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}

			limit = min(n, maxSearchLimit)
		}

		paths, err := s.Search(r.Context(), q, limit)
		if err != nil {
			logger.Warn("search failed", slog.String("query", q), slog.String("error", err.Error()))
			http.Error(w, "search failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"query": q, "paths": paths})
	}
}

// handleRecrawl marks the directory named by the path parameter for a
// crawl, or every directory when there is none.
func handleRecrawl(rc Recrawler, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		path := r.URL.Query().Get("path")
		if path == "" {
			rc.RecrawlEverything()
			logger.Info("recrawl of everything requested")
			writeJSON(w, http.StatusAccepted, map[string]string{"recrawl": "all"})

			return
		}

		path = filepath.Clean(path)

		id, ok := rc.Lookup(path)
		if !ok {
			http.Error(w, "unknown directory", http.StatusNotFound)
			return
		}

		rc.Recrawl(id)
		logger.Info("recrawl requested", slog.String("path", path))
		writeJSON(w, http.StatusAccepted, map[string]string{"recrawl": path})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
