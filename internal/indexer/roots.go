package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
)

// SyncRoots makes the model's roots match roots. Roots no longer
// listed are dropped along with their documents before new ones are
// added, so a root can be swapped for a directory inside it.
func (i *Indexer) SyncRoots(ctx context.Context, roots []string) error {
	want := make(map[string]bool, len(roots))
	for _, r := range roots {
		want[filepath.Clean(r)] = true
	}

	var errs []error

	for _, r := range i.model.Roots() {
		if want[r] {
			continue
		}

		removed, err := i.model.RemoveRoot(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("removing root %s: %w", r, err))
			continue
		}

		i.removeDocuments(ctx, removed)
		i.logger.Info("root removed", slog.String("path", r), slog.Int("documents", len(removed)))
	}

	for _, r := range roots {
		if _, err := i.model.AddRoot(r); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
