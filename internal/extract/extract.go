// Package extract turns file content into indexable text. Each format
// is handled by a Filter; a Registry picks the filter for a file by
// extension, falling back to its sniffed MIME type.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alexjbarnes/fscrawl/internal/state"
)

// MaxSize caps how much of a file a filter reads.
const MaxSize = 8 << 20

const sniffLen = 512

// ErrNoFilter is returned when no filter handles a file.
var ErrNoFilter = errors.New("no filter for file")

// Result is what a filter extracted from a file.
type Result struct {
	// Text is the body text.
	Text string
	// HotText is text that should rank higher, such as titles and
	// headings.
	HotText string
	// Properties are named metadata values.
	Properties map[string]string
	// MimeType is filled in by Registry.File.
	MimeType string
}

// Filter extracts text from one family of formats.
type Filter interface {
	Name() string
	// Version is bumped whenever the filter's output changes, so that
	// documents it produced earlier get re-extracted.
	Version() int
	Extensions() []string
	MimeTypes() []string
	Extract(r io.Reader, mimeType string) (*Result, error)
}

// Registry maps files to filters. It is built once at startup and
// read-only afterwards.
type Registry struct {
	byName map[string]Filter
	byExt  map[string]Filter
	byMime map[string]Filter
}

// NewRegistry creates a registry holding filters. Later filters win
// when two claim the same extension or MIME type.
func NewRegistry(filters ...Filter) *Registry {
	r := &Registry{
		byName: make(map[string]Filter),
		byExt:  make(map[string]Filter),
		byMime: make(map[string]Filter),
	}

	for _, f := range filters {
		r.byName[f.Name()] = f

		for _, ext := range f.Extensions() {
			r.byExt[strings.ToLower(ext)] = f
		}

		for _, mt := range f.MimeTypes() {
			r.byMime[mt] = f
		}
	}

	return r
}

// DefaultRegistry holds the built-in filters.
func DefaultRegistry() *Registry {
	return NewRegistry(&Text{}, &Markdown{}, &JSON{})
}

// Names lists the registered filters with their versions, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for name, f := range r.byName {
		out = append(out, fmt.Sprintf("%s@%d", name, f.Version()))
	}

	sort.Strings(out)

	return out
}

// Lookup returns the filter registered under name.
func (r *Registry) Lookup(name string) (Filter, bool) {
	f, ok := r.byName[name]
	return f, ok
}

// Stale reports whether the document behind a was produced by an older
// version of its filter.
func (r *Registry) Stale(a *state.Attributes) bool {
	if a == nil || a.FilterName == "" {
		return false
	}

	f, ok := r.byName[a.FilterName]

	return ok && f.Version() > a.FilterVersion
}

// For picks the filter for path. head is the start of the file, used
// to sniff a MIME type when the extension is unknown.
func (r *Registry) For(path string, head []byte) (Filter, string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	mimeType := DetectMimeType(path, head)

	if f, ok := r.byExt[ext]; ok {
		return f, mimeType, true
	}

	if f, ok := r.byMime[mimeType]; ok {
		return f, mimeType, true
	}

	return nil, mimeType, false
}

// File extracts the file at path with the filter For picks. The error
// wraps ErrNoFilter when nothing handles the file.
func (r *Registry) File(path string) (*Result, Filter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, sniffLen)

	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}

	head = head[:n]

	filter, mimeType, ok := r.For(path, head)
	if !ok {
		return nil, nil, fmt.Errorf("%s (%s): %w", path, mimeType, ErrNoFilter)
	}

	body := io.LimitReader(io.MultiReader(bytes.NewReader(head), f), MaxSize)

	res, err := filter.Extract(body, mimeType)
	if err != nil {
		return nil, filter, fmt.Errorf("extracting %s with %s: %w", path, filter.Name(), err)
	}

	res.MimeType = mimeType

	return res, filter, nil
}

// DetectMimeType guesses the MIME type of a file from its extension,
// then from its first bytes. Parameters such as charset are dropped.
func DetectMimeType(path string, head []byte) string {
	mt := mime.TypeByExtension(filepath.Ext(path))
	if mt == "" {
		mt = http.DetectContentType(head)
	}

	if base, _, err := mime.ParseMediaType(mt); err == nil {
		return base
	}

	return mt
}
