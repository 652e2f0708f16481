package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	ferrors "github.com/alexjbarnes/fscrawl/internal/errors"
)

// Memory keeps documents in a map. It backs tests and FSCRAWL_INDEX=memory.
type Memory struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]Document
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[uuid.UUID]Document)}
}

func (m *Memory) Add(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.docs[doc.ID] = doc

	return nil
}

func (m *Memory) Rename(_ context.Context, id uuid.UUID, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("renaming %s: %w", id, ferrors.ErrNotFound)
	}

	doc.SetPath(newPath)
	m.docs[id] = doc

	return nil
}

func (m *Memory) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs, id)

	return nil
}

// Get returns the document stored under id.
func (m *Memory) Get(id uuid.UUID) (Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[id]

	return doc, ok
}

// ByPath returns the document whose path is path.
func (m *Memory) ByPath(path string) (Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, doc := range m.docs {
		if doc.Path == path {
			return doc, true
		}
	}

	return Document{}, false
}

// Paths lists the stored paths, sorted.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.docs))
	for _, doc := range m.docs {
		out = append(out, doc.Path)
	}

	sort.Strings(out)

	return out
}

// Len returns the number of documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.docs)
}
