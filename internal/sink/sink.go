// Package sink receives the add, rename and delete actions produced by
// the indexer. Documents are keyed by the file's unique id, so a rename
// only updates the stored path.
package sink

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Document is one indexed file.
type Document struct {
	ID         uuid.UUID         `json:"id"`
	Path       string            `json:"path"`
	Name       string            `json:"name"`
	Dir        string            `json:"dir"`
	Text       string            `json:"text,omitempty"`
	HotText    string            `json:"hot_text,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	MimeType   string            `json:"mime_type,omitempty"`
	Filter     string            `json:"filter,omitempty"`
	ModTime    time.Time         `json:"mod_time"`
	Size       int64             `json:"size"`
}

// SetPath updates the path and the fields derived from it.
func (d *Document) SetPath(path string) {
	d.Path = path
	d.Name = filepath.Base(path)
	d.Dir = filepath.Dir(path)
}

// Sink stores documents.
type Sink interface {
	// Add inserts or replaces the document with doc.ID.
	Add(ctx context.Context, doc Document) error
	// Rename changes the path of an existing document without touching
	// its content. Unknown ids return an error wrapping ErrNotFound.
	Rename(ctx context.Context, id uuid.UUID, newPath string) error
	// Delete removes a document. Unknown ids are ignored.
	Delete(ctx context.Context, id uuid.UUID) error
}
