package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"

	ferrors "github.com/alexjbarnes/fscrawl/internal/errors"
)

// sourceField holds the JSON encoded Document so a rename can re-index
// it without going back to the file.
const sourceField = "source"

type bleveDoc struct {
	Path       string            `json:"path"`
	Name       string            `json:"name"`
	Dir        string            `json:"dir"`
	Text       string            `json:"text"`
	HotText    string            `json:"hot_text"`
	Properties map[string]string `json:"properties"`
	MimeType   string            `json:"mime_type"`
	Filter     string            `json:"filter"`
	ModTime    string            `json:"mod_time"`
	Size       float64           `json:"size"`
	Source     string            `json:"source"`
}

// stampKey names the internal value recording which configuration
// built the index.
const stampKey = "fscrawl_stamp"

// stampVersion changes whenever the document mapping does.
const stampVersion = 1

type stamp struct {
	Version     int    `json:"version"`
	Fingerprint string `json:"fingerprint"`
	Generation  string `json:"generation"`
}

// Bleve stores documents in a bleve full-text index.
type Bleve struct {
	idx   bleve.Index
	path  string
	stamp stamp
	fresh bool
}

// OpenBleve opens the index at path, creating it if it does not exist.
// An index stamped with another version or fingerprint is discarded
// and recreated empty.
func OpenBleve(path, fingerprint string) (*Bleve, error) {
	b := &Bleve{path: path}

	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		return b, b.create(fingerprint)
	}

	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", path, err)
	}

	st, ok := readStamp(idx)
	if !ok || st.Version != stampVersion || st.Fingerprint != fingerprint {
		_ = idx.Close()
		return b, b.create(fingerprint)
	}

	b.idx, b.stamp = idx, st

	return b, nil
}

func readStamp(idx bleve.Index) (stamp, bool) {
	var st stamp

	raw, err := idx.GetInternal([]byte(stampKey))
	if err != nil || raw == nil {
		return st, false
	}

	if err := json.Unmarshal(raw, &st); err != nil {
		return st, false
	}

	return st, true
}

// create replaces whatever is at b.path with an empty index under a new
// generation.
func (b *Bleve) create(fingerprint string) error {
	if err := os.RemoveAll(b.path); err != nil {
		return fmt.Errorf("removing index %s: %w", b.path, err)
	}

	idx, err := bleve.New(b.path, newMapping())
	if err != nil {
		return fmt.Errorf("creating index %s: %w", b.path, err)
	}

	st := stamp{Version: stampVersion, Fingerprint: fingerprint, Generation: uuid.NewString()}

	raw, err := json.Marshal(st)
	if err != nil {
		_ = idx.Close()
		return fmt.Errorf("encoding index stamp: %w", err)
	}

	if err := idx.SetInternal([]byte(stampKey), raw); err != nil {
		_ = idx.Close()
		return fmt.Errorf("stamping index %s: %w", b.path, err)
	}

	b.idx, b.stamp, b.fresh = idx, st, true

	return nil
}

// NewMemoryBleve creates an index that lives only in memory.
func NewMemoryBleve() (*Bleve, error) {
	idx, err := bleve.NewMemOnly(newMapping())
	if err != nil {
		return nil, fmt.Errorf("creating in-memory index: %w", err)
	}

	return &Bleve{
		idx:   idx,
		stamp: stamp{Version: stampVersion, Generation: uuid.NewString()},
		fresh: true,
	}, nil
}

// Fresh reports whether the index was created empty by this open.
func (b *Bleve) Fresh() bool {
	return b.fresh
}

// Generation identifies this incarnation of the index. It changes
// every time the index is created or reset, so records written against
// an older one can be told apart.
func (b *Bleve) Generation() string {
	return b.stamp.Generation
}

// Reset discards every document and starts a new generation. It must
// not race with other calls.
func (b *Bleve) Reset() error {
	if b.path == "" {
		return fmt.Errorf("resetting in-memory index: %w", errors.ErrUnsupported)
	}

	if err := b.idx.Close(); err != nil {
		return fmt.Errorf("closing index %s: %w", b.path, err)
	}

	return b.create(b.stamp.Fingerprint)
}

func newMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Store = false

	keyword := bleve.NewKeywordFieldMapping()

	source := bleve.NewTextFieldMapping()
	source.Index = false
	source.IncludeInAll = false
	source.IncludeTermVectors = false
	source.DocValues = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("text", text)
	doc.AddFieldMappingsAt("hot_text", text)
	doc.AddFieldMappingsAt("name", text)
	doc.AddFieldMappingsAt("path", keyword)
	doc.AddFieldMappingsAt("dir", keyword)
	doc.AddFieldMappingsAt("mime_type", keyword)
	doc.AddFieldMappingsAt("filter", keyword)
	doc.AddFieldMappingsAt("mod_time", bleve.NewDateTimeFieldMapping())
	doc.AddFieldMappingsAt("size", bleve.NewNumericFieldMapping())
	doc.AddFieldMappingsAt(sourceField, source)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc

	return im
}

func (b *Bleve) Add(_ context.Context, doc Document) error {
	src, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", doc.Path, err)
	}

	bd := bleveDoc{
		Path:       doc.Path,
		Name:       doc.Name,
		Dir:        doc.Dir,
		Text:       doc.Text,
		HotText:    doc.HotText,
		Properties: doc.Properties,
		MimeType:   doc.MimeType,
		Filter:     doc.Filter,
		ModTime:    doc.ModTime.UTC().Format(time.RFC3339),
		Size:       float64(doc.Size),
		Source:     string(src),
	}

	if err := b.idx.Index(doc.ID.String(), bd); err != nil {
		return fmt.Errorf("indexing %s: %w", doc.Path, err)
	}

	return nil
}

func (b *Bleve) Rename(ctx context.Context, id uuid.UUID, newPath string) error {
	doc, err := b.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("renaming %s: %w", id, err)
	}

	doc.SetPath(newPath)

	return b.Add(ctx, doc)
}

func (b *Bleve) Delete(_ context.Context, id uuid.UUID) error {
	if err := b.idx.Delete(id.String()); err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}

	return nil
}

// Get loads the stored document for id.
func (b *Bleve) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{id.String()}))
	req.Fields = []string{sourceField}

	res, err := b.idx.SearchInContext(ctx, req)
	if err != nil {
		return Document{}, fmt.Errorf("looking up %s: %w", id, err)
	}

	if len(res.Hits) == 0 {
		return Document{}, ferrors.ErrNotFound
	}

	raw, ok := res.Hits[0].Fields[sourceField].(string)
	if !ok {
		return Document{}, fmt.Errorf("document %s has no stored source", id)
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document{}, fmt.Errorf("decoding %s: %w", id, err)
	}

	return doc, nil
}

// Search runs a query string query and returns the matching paths,
// best first.
func (b *Bleve) Search(ctx context.Context, q string, limit int) ([]string, error) {
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(q), limit, 0, false)
	req.Fields = []string{"path"}

	res, err := b.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", q, err)
	}

	paths := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if p, ok := hit.Fields["path"].(string); ok {
			paths = append(paths, p)
		}
	}

	return paths, nil
}

// Count returns the number of documents.
func (b *Bleve) Count() (uint64, error) {
	return b.idx.DocCount()
}

func (b *Bleve) Close() error {
	return b.idx.Close()
}
