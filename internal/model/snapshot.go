package model

import (
	"sort"

	"github.com/google/uuid"
)

// Snapshot copies the model's bookkeeping, ordered by path.
func (m *Model) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Roots:       make([]string, 0, len(m.roots)),
		Directories: make([]DirectoryInfo, 0, len(m.nodes)),
		States:      make(map[string]int),
	}

	for p := range m.roots {
		snap.Roots = append(snap.Roots, p)
	}

	for _, n := range m.nodes {
		snap.Directories = append(snap.Directories, DirectoryInfo{
			ID:          n.id,
			Path:        m.pathLocked(n),
			State:       n.state.String(),
			Watched:     n.watch != 0,
			FullWatch:   n.fullWatch,
			Uncrawlable: n.uncrawlable,
			Crawling:    n.crawling,
			LastCrawl:   n.lastCrawl,
			DirtySince:  n.dirtySince,
		})

		snap.States[n.state.String()]++

		if n.queued {
			snap.ScanQueue++
		}
	}

	sort.Strings(snap.Roots)
	sort.Slice(snap.Directories, func(i, j int) bool {
		return snap.Directories[i].Path < snap.Directories[j].Path
	})

	return snap
}

// StateOf returns the crawl state of a directory.
func (m *Model) StateOf(id uuid.UUID) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.nodes[id]
	if n == nil {
		return Unscanned, false
	}

	return n.state, true
}
